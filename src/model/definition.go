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
	"errors"
	"strings"
	"time"
)

// ErrInvalidDefinition marks a job definition that cannot produce a runnable task.
var ErrInvalidDefinition = errors.New("invalid job definition")

type BackendType string

const (
	BackendContainer BackendType = "container"
	BackendCloud     BackendType = "cloud"
	BackendLocal     BackendType = "local"
)

// ParseBackendType accepts the catalog spellings of a backend type.
func ParseBackendType(s string) (BackendType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "docker", "container":
		return BackendContainer, true
	case "aws", "cloud":
		return BackendCloud, true
	}
	return "", false
}

// Param is one ordered key/value entry of a definition's parameter template.
type Param struct {
	Key   string
	Value string
}

// JobDefinition is one entry of the job catalog. It is immutable after load.
type JobDefinition struct {
	Name               string // name template
	Type               BackendType
	Queue              string // cloud queue template
	Definition         string // cloud job definition template
	Order              int
	SlotsPerJob        int
	FreeRAMToStartPerc int
	FreeRAMToStopPerc  int
	SizeUpToMB         int
	ExcludedNames      map[string]struct{} // lower-cased
	ExcludePatterns    []string            // lower-cased
	Params             []Param
}

// Excludes reports whether the definition refuses the item.
func (d *JobDefinition) Excludes(item WorkItem) bool {
	if d.SizeUpToMB >= 0 && item.SizeBytes > int64(d.SizeUpToMB)*1024*1024 {
		return true
	}
	name := strings.ToLower(item.LogicalName)
	if _, ok := d.ExcludedNames[name]; ok {
		return true
	}
	for _, p := range d.ExcludePatterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// Placeholders resolves {0}/{name}, {1}/{month} and {2}/{target} for one item.
type Placeholders struct {
	r *strings.Replacer
}

func NewPlaceholders(item WorkItem, now time.Time) Placeholders {
	base := item.FileBase()
	month := now.Format("2006-01")
	return Placeholders{r: strings.NewReplacer(
		"{0}", base, "{name}", base,
		"{1}", month, "{month}", month,
		"{2}", item.TargetName, "{target}", item.TargetName,
	)}
}

func (p Placeholders) Resolve(s string) string {
	return p.r.Replace(s)
}
