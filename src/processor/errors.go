// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package processor

import (
	"fmt"
	"strings"

	"indexbatcher/src/model"
)

// FailedTask identifies one task that reached a terminal failure.
// FileName tells tasks apart when a definition resolves every item to the
// same task name.
type FailedTask struct {
	Name     string            `json:"name"`
	FileName string            `json:"file_name,omitempty"`
	Backend  model.BackendType `json:"backend"`
	Reason   string            `json:"reason,omitempty"`
}

func (f FailedTask) String() string {
	if f.FileName == "" || f.FileName == f.Name {
		return fmt.Sprintf("%s (%s)", f.Name, f.Backend)
	}
	return fmt.Sprintf("%s [%s] (%s)", f.Name, f.FileName, f.Backend)
}

// BatchError is returned by RunBatch when any task failed terminally or the
// run was cancelled before draining.
type BatchError struct {
	Failed     []FailedTask
	Incomplete []string
	Cause      error // cancellation cause, if any
}

func (e *BatchError) Error() string {
	var b strings.Builder
	b.WriteString("batch failed")
	if len(e.Failed) > 0 {
		names := make([]string, len(e.Failed))
		for i, f := range e.Failed {
			names[i] = f.String()
		}
		fmt.Fprintf(&b, ": %d task(s) failed: %s", len(e.Failed), strings.Join(names, ", "))
	}
	if len(e.Incomplete) > 0 {
		fmt.Fprintf(&b, "; %d task(s) incomplete", len(e.Incomplete))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *BatchError) Unwrap() error {
	return e.Cause
}
