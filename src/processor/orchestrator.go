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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"indexbatcher/src/cloud"
	"indexbatcher/src/config"
	"indexbatcher/src/containerization"
	"indexbatcher/src/logging"
	"indexbatcher/src/model"
	"indexbatcher/src/resources"
)

const abandonTimeout = 30 * time.Second

// ContainerQueue is the container backend as seen by the orchestrator.
type ContainerQueue interface {
	ContainerClaimer
	Cycler
	Failed() []*model.ContainerTask
	Outstanding() []*model.ContainerTask
	Abandon(ctx context.Context)
	Stats() containerization.Stats
}

// CloudQueue is the cloud backend as seen by the orchestrator.
type CloudQueue interface {
	CloudClaimer
	Cycler
	Failed() []*model.CloudTask
	Outstanding() []*model.CloudTask
	Stats() cloud.Stats
}

type Options struct {
	RunID      string
	Catalog    *JobCatalog
	Container  ContainerQueue // nil disables the container backend
	Cloud      CloudQueue     // nil disables the cloud backend
	Local      *LocalRunner
	Downloader Downloader
	Sampler    resources.Sampler
	Recorder   model.Recorder

	Remote          []config.RemoteInput
	InputDir        string
	SkipExistingDir string
	InputExtensions []string
	TargetSuffix    string

	ContainerPollInterval time.Duration
	CloudPollInterval     time.Duration
	DrainTimeout          time.Duration // 0 waits until drained or cancelled
}

// Report summarizes one batch run.
type Report struct {
	RunID       string                    `json:"run_id"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	Claimed     map[model.BackendType]int `json:"claimed"`
	Succeeded   map[model.BackendType]int `json:"succeeded"`
	Skipped     []string                  `json:"skipped,omitempty"`
	LocalFailed []FailedTask              `json:"local_failed,omitempty"`
	Failed      []FailedTask              `json:"failed,omitempty"`
	Incomplete  []string                  `json:"incomplete,omitempty"`
}

// Snapshot is the live view served by the status API.
type Snapshot struct {
	RunID          string                  `json:"run_id"`
	StartedAt      time.Time               `json:"started_at"`
	Uptime         string                  `json:"uptime"`
	Finished       bool                    `json:"finished"`
	FreeRAMPercent int                     `json:"free_ram_percent"`
	Container      *containerization.Stats `json:"container,omitempty"`
	Cloud          *cloud.Stats            `json:"cloud,omitempty"`
	Local          LocalStats              `json:"local"`
}

// Orchestrator drives one batch run across the container, cloud and local
// backends.
type Orchestrator struct {
	opts       Options
	dispatcher *Dispatcher

	mu        sync.Mutex
	startedAt time.Time
	finished  bool
	skipped   []string
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Recorder == nil {
		opts.Recorder = model.NopRecorder{}
	}
	if opts.Local == nil {
		opts.Local = NewLocalRunner(GeneratorFunc(func(context.Context, model.WorkItem) error {
			return errors.New("no local generator configured")
		}), nil, opts.Recorder)
	}
	if opts.TargetSuffix == "" {
		opts.TargetSuffix = "_2.obf"
	}

	return &Orchestrator{
		opts:       opts,
		dispatcher: NewDispatcher(opts.Catalog, opts.Container, opts.Cloud, opts.Local, opts.Recorder),
	}
}

func (o *Orchestrator) RunID() string {
	return o.opts.RunID
}

// RunBatch downloads and dispatches every input, polls both backends while
// the local queue runs, waits for the backends to drain and aggregates the
// outcome. Any terminal container or cloud failure fails the batch; local
// failures are only reported.
func (o *Orchestrator) RunBatch(ctx context.Context) (*Report, error) {
	ctx, span := logging.StartSpan(ctx, "RunBatch")
	defer span.End()

	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()
	logging.Log(fmt.Sprintf("Starting batch run %s", o.opts.RunID), slog.LevelInfo)

	o.dispatchRemote(ctx)
	o.dispatchInputDir(ctx)

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	var wg sync.WaitGroup
	if o.opts.Container != nil {
		wg.Go(func() { Poll(pollCtx, "container", o.opts.Container, o.opts.ContainerPollInterval) })
	}
	if o.opts.Cloud != nil {
		wg.Go(func() { Poll(pollCtx, "cloud", o.opts.Cloud, o.opts.CloudPollInterval) })
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	o.opts.Local.Run(ctx)

	var timeout <-chan time.Time
	if o.opts.DrainTimeout > 0 {
		t := time.NewTimer(o.opts.DrainTimeout)
		defer t.Stop()
		timeout = t.C
	}
	var cause error
	select {
	case <-drained:
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timeout:
		cause = fmt.Errorf("backends not drained after %s: %w", o.opts.DrainTimeout, context.DeadlineExceeded)
	}
	if cause == nil && ctx.Err() != nil {
		// pollers also stop on cancellation, so drained alone proves nothing
		cause = ctx.Err()
	}
	if cause != nil {
		stopPolling()
		<-drained
		if o.opts.Container != nil {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
			o.opts.Container.Abandon(cleanupCtx)
			cancel()
		}
	}

	report := o.report()
	o.mu.Lock()
	o.finished = true
	o.mu.Unlock()

	if len(report.Incomplete) == 0 {
		cause = nil
	}
	logging.UpdateSpanValue(ctx, "batch.failed", float64(len(report.Failed)))
	logging.UpdateSpanValue(ctx, "batch.incomplete", float64(len(report.Incomplete)))
	if len(report.Failed) > 0 || cause != nil {
		err := &BatchError{Failed: report.Failed, Incomplete: report.Incomplete, Cause: cause}
		logging.Log(fmt.Sprintf("Batch run %s finished with errors: %v", o.opts.RunID, err), slog.LevelError)
		return report, err
	}
	logging.Log(fmt.Sprintf("Batch run %s finished: claimed %v, succeeded %v, local failures %d",
		o.opts.RunID, report.Claimed, report.Succeeded, len(report.LocalFailed)), slog.LevelInfo)
	return report, nil
}

func (o *Orchestrator) dispatchRemote(ctx context.Context) {
	if len(o.opts.Remote) == 0 {
		return
	}
	if o.opts.Downloader == nil {
		logging.Log(fmt.Sprintf("No downloader configured, skipping %d remote inputs", len(o.opts.Remote)), slog.LevelWarn)
		return
	}
	for _, in := range o.opts.Remote {
		if ctx.Err() != nil {
			return
		}
		logging.Log(fmt.Sprintf("Downloading %s", in.URL), slog.LevelInfo)
		p, err := o.opts.Downloader.Download(ctx, in)
		if err != nil {
			logging.Log(fmt.Sprintf("Error downloading %s: %v", in.URL, err), slog.LevelError)
			continue
		}
		o.dispatchPath(ctx, p)
	}
}

func (o *Orchestrator) dispatchInputDir(ctx context.Context) {
	if o.opts.InputDir == "" {
		return
	}
	paths, err := DiscoverInputs(o.opts.InputDir, o.opts.InputExtensions)
	if err != nil {
		logging.Log(fmt.Sprintf("Error scanning %s: %v", o.opts.InputDir, err), slog.LevelError)
		return
	}
	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		o.dispatchPath(ctx, p)
	}
}

func (o *Orchestrator) dispatchPath(ctx context.Context, p string) {
	info, err := os.Stat(p)
	if err != nil {
		logging.Log(fmt.Sprintf("Error reading input %s: %v", p, err), slog.LevelError)
		return
	}
	item := NewWorkItem(p, info.Size(), o.opts.TargetSuffix)
	if o.dispatcher.Dispatched(item.FileName) {
		return
	}
	if alreadyGenerated(o.opts.SkipExistingDir, item) {
		logging.Log(fmt.Sprintf("Skipping %s, %s already exists", item.FileName, item.TargetName), slog.LevelInfo)
		o.mu.Lock()
		o.skipped = append(o.skipped, item.FileName)
		o.mu.Unlock()
		return
	}
	backend := o.dispatcher.Dispatch(ctx, item)
	logging.Log(fmt.Sprintf("Dispatched %s to %s", item.FileName, backend), slog.LevelInfo)
}

func (o *Orchestrator) report() *Report {
	o.mu.Lock()
	r := &Report{
		RunID:      o.opts.RunID,
		StartedAt:  o.startedAt,
		FinishedAt: time.Now(),
		Skipped:    append([]string(nil), o.skipped...),
	}
	o.mu.Unlock()

	r.Claimed = o.dispatcher.Claimed()
	r.Succeeded = map[model.BackendType]int{model.BackendLocal: o.opts.Local.Stats().Succeeded}
	if o.opts.Container != nil {
		r.Succeeded[model.BackendContainer] = o.opts.Container.Stats().Succeeded
		for _, t := range o.opts.Container.Outstanding() {
			r.Incomplete = append(r.Incomplete, t.Name)
		}
	}
	if o.opts.Cloud != nil {
		r.Succeeded[model.BackendCloud] = o.opts.Cloud.Stats().Succeeded
		for _, t := range o.opts.Cloud.Outstanding() {
			r.Incomplete = append(r.Incomplete, t.Name)
		}
	}
	r.Incomplete = append(r.Incomplete, o.opts.Local.Pending()...)
	r.Failed = o.Failures()
	r.LocalFailed = o.opts.Local.Failed()
	return r
}

// Failures lists the terminal container and cloud failures, each task once.
// Tasks are told apart by identity since task names may collide.
func (o *Orchestrator) Failures() []FailedTask {
	var out []FailedTask
	if o.opts.Container != nil {
		seen := map[*model.ContainerTask]struct{}{}
		for _, t := range o.opts.Container.Failed() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, FailedTask{
				Name:     t.Name,
				FileName: t.Item.FileName,
				Backend:  model.BackendContainer,
				Reason:   fmt.Sprintf("failed after %d attempt(s)", t.Attempts),
			})
		}
	}
	if o.opts.Cloud != nil {
		seen := map[*model.CloudTask]struct{}{}
		for _, t := range o.opts.Cloud.Failed() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, FailedTask{Name: t.Name, FileName: t.Item.FileName, Backend: model.BackendCloud, Reason: t.StatusReason})
		}
	}
	return out
}

func (o *Orchestrator) LocalFailures() []FailedTask {
	return o.opts.Local.Failed()
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{RunID: o.opts.RunID, StartedAt: o.startedAt, Finished: o.finished}
	o.mu.Unlock()

	if !s.StartedAt.IsZero() {
		s.Uptime = time.Since(s.StartedAt).Truncate(time.Second).String()
	}
	s.FreeRAMPercent = 100
	if o.opts.Sampler != nil {
		s.FreeRAMPercent = o.opts.Sampler.FreeMemoryPercent()
	}
	if o.opts.Container != nil {
		st := o.opts.Container.Stats()
		s.Container = &st
	}
	if o.opts.Cloud != nil {
		st := o.opts.Cloud.Stats()
		s.Cloud = &st
	}
	s.Local = o.opts.Local.Stats()
	return s
}
