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
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"indexbatcher/src/logging"
	"indexbatcher/src/model"
)

// ErrBackendUnavailable is returned when a definition targets a backend that
// was not configured for this run.
var ErrBackendUnavailable = errors.New("backend unavailable")

// JobCatalog is the ordered list of job definitions consulted by the Dispatcher.
type JobCatalog struct {
	defs []*model.JobDefinition
}

// NewJobCatalog sorts definitions by ascending Order. Equal orders keep their
// declaration order.
func NewJobCatalog(defs []*model.JobDefinition) *JobCatalog {
	sorted := slices.Clone(defs)
	slices.SortStableFunc(sorted, func(a, b *model.JobDefinition) int {
		return cmp.Compare(a.Order, b.Order)
	})
	return &JobCatalog{defs: sorted}
}

func (c *JobCatalog) Definitions() []*model.JobDefinition {
	if c == nil {
		return nil
	}
	return c.defs
}

// Images lists the distinct literal images referenced by container
// definitions. Templated images are skipped since they resolve per item.
func (c *JobCatalog) Images() []string {
	var out []string
	for _, def := range c.Definitions() {
		if def.Type != model.BackendContainer {
			continue
		}
		for _, p := range def.Params {
			if p.Key == "image" && p.Value != "" && !strings.Contains(p.Value, "{") && !slices.Contains(out, p.Value) {
				out = append(out, p.Value)
			}
		}
	}
	return out
}

// ContainerClaimer accepts items into the container backend's pending queue.
type ContainerClaimer interface {
	Enqueue(ctx context.Context, item model.WorkItem, def *model.JobDefinition) (*model.ContainerTask, error)
}

// CloudClaimer submits items to the cloud backend.
type CloudClaimer interface {
	Submit(ctx context.Context, item model.WorkItem, def *model.JobDefinition) (*model.CloudTask, error)
}

// LocalQueue receives items no definition claimed.
type LocalQueue interface {
	Add(item model.WorkItem)
}

// Dispatcher hands every work item to the first definition that does not
// exclude it, falling back to the local queue.
type Dispatcher struct {
	catalog   *JobCatalog
	container ContainerClaimer
	cloud     CloudClaimer
	local     LocalQueue
	recorder  model.Recorder
	now       func() time.Time

	mu      sync.Mutex
	claimed map[model.BackendType]int
	seen    map[string]struct{}
}

func NewDispatcher(catalog *JobCatalog, container ContainerClaimer, cloud CloudClaimer, local LocalQueue, rec model.Recorder) *Dispatcher {
	if rec == nil {
		rec = model.NopRecorder{}
	}
	return &Dispatcher{
		catalog:   catalog,
		container: container,
		cloud:     cloud,
		local:     local,
		recorder:  rec,
		now:       time.Now,
		claimed:   map[model.BackendType]int{},
		seen:      map[string]struct{}{},
	}
}

// Dispatch claims the item for the first non-excluding definition. A claim
// that fails falls through to the next definition, and finally to the local
// queue, so a broken remote backend never blocks work that can run locally.
func (d *Dispatcher) Dispatch(ctx context.Context, item model.WorkItem) model.BackendType {
	d.mu.Lock()
	d.seen[strings.ToLower(item.FileName)] = struct{}{}
	d.mu.Unlock()

	for _, def := range d.catalog.Definitions() {
		if def.Excludes(item) {
			continue
		}
		if err := d.claim(ctx, item, def); err != nil {
			logging.Log(fmt.Sprintf("Error claiming %s for %s job %s: %v", item.FileName, def.Type, def.Name, err), slog.LevelWarn)
			continue
		}
		d.claimedBy(ctx, item, def.Type)
		return def.Type
	}

	d.local.Add(item)
	d.claimedBy(ctx, item, model.BackendLocal)
	return model.BackendLocal
}

func (d *Dispatcher) claim(ctx context.Context, item model.WorkItem, def *model.JobDefinition) error {
	switch def.Type {
	case model.BackendContainer:
		if d.container == nil {
			return ErrBackendUnavailable
		}
		_, err := d.container.Enqueue(ctx, item, def)
		return err
	case model.BackendCloud:
		if d.cloud == nil {
			return ErrBackendUnavailable
		}
		_, err := d.cloud.Submit(ctx, item, def)
		return err
	}
	return fmt.Errorf("%w: unsupported backend %q", model.ErrInvalidDefinition, def.Type)
}

func (d *Dispatcher) claimedBy(ctx context.Context, item model.WorkItem, backend model.BackendType) {
	d.mu.Lock()
	d.claimed[backend]++
	d.mu.Unlock()
	logging.Count(logging.MetricDispatched, string(backend))
	d.recorder.Record(ctx, model.Transition{Task: item.FileName, Backend: backend, Kind: model.TransitionDispatched, At: d.now()})
}

// Dispatched reports whether an input with this file name was already handed out.
func (d *Dispatcher) Dispatched(fileName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[strings.ToLower(fileName)]
	return ok
}

// Claimed returns the number of items claimed per backend.
func (d *Dispatcher) Claimed() map[model.BackendType]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.claimed)
}
