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

package model

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskSubmitted   TaskStatus = "submitted"
	TaskRunnable    TaskStatus = "runnable"
	TaskStarting    TaskStatus = "starting"
	TaskRunning     TaskStatus = "running"
	TaskSucceeded   TaskStatus = "succeeded"
	TaskFailed      TaskStatus = "failed"
	TaskRescheduled TaskStatus = "rescheduled"
)

// WorkItem is one input artifact awaiting transformation into one output artifact.
type WorkItem struct {
	InputRef    string // path of the input on local disk
	FileName    string // base file name of the input
	LogicalName string // name used by exclusion filters
	TargetName  string // output artifact file name
	SizeBytes   int64
}

// FileBase returns the input file name up to its first dot.
func (w WorkItem) FileBase() string {
	base, _, _ := strings.Cut(w.FileName, ".")
	return base
}

// ContainerTask binds a WorkItem to a container JobDefinition.
type ContainerTask struct {
	Item          WorkItem
	Def           *JobDefinition
	Name          string
	Image         string
	Command       []string
	Env           []string
	Binds         []string
	RuntimeHandle string // empty unless the task is running
	Status        TaskStatus
	Attempts      int
	StartedAt     *time.Time
}

func (t *ContainerTask) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, t.Item.FileName)
}

// CloudTask binds a WorkItem to a cloud JobDefinition.
type CloudTask struct {
	Item             WorkItem
	Def              *JobDefinition
	Name             string
	Queue            string
	Definition       string
	Params           map[string]string
	SubmissionHandle string
	ResultLocation   string
	Status           TaskStatus
	StatusReason     string
	FetchAttempts    int
	NextFetchAt      time.Time
	SubmittedAt      time.Time
}

func (t *CloudTask) String() string {
	return fmt.Sprintf("%s (job %s)", t.Name, t.SubmissionHandle)
}
