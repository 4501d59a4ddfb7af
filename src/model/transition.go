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
	"context"
	"time"
)

type TransitionKind string

const (
	TransitionDispatched  TransitionKind = "dispatched"
	TransitionSubmitted   TransitionKind = "submitted"
	TransitionStarted     TransitionKind = "started"
	TransitionSucceeded   TransitionKind = "succeeded"
	TransitionFailed      TransitionKind = "failed"
	TransitionRescheduled TransitionKind = "rescheduled"
	TransitionPreempted   TransitionKind = "preempted"
	TransitionDropped     TransitionKind = "dropped"
)

// Transition is a single state change of one task on one backend.
type Transition struct {
	Task    string
	Backend BackendType
	Kind    TransitionKind
	Detail  string
	At      time.Time
}

// Recorder receives task transitions. Implementations must not block for long;
// they are called from inside backend cycles.
type Recorder interface {
	Record(ctx context.Context, t Transition)
}

// NopRecorder discards every transition.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Transition) {}
