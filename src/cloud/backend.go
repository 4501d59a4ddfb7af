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

package cloud

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"indexbatcher/src/logging"
	"indexbatcher/src/model"
)

type Config struct {
	IndexDir         string // where fetched artifacts are written
	SubmitDelay      time.Duration
	MaxFetchAttempts int           // <= 0 means unlimited
	FetchBackoff     time.Duration // delay after the first failed fetch, doubled per attempt
	FetchMaxBackoff  time.Duration
	Recorder         model.Recorder
}

type Stats struct {
	Pending   int `json:"pending"`
	Runnable  int `json:"runnable"`
	Starting  int `json:"starting"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Backend submits tasks to a cloud batch service and polls them to a
// terminal state.
type Backend struct {
	mu       sync.Mutex
	client   BatchClient
	store    ObjectStore
	recorder model.Recorder
	cfg      Config

	pending   []*model.CloudTask
	failed    []*model.CloudTask
	succeeded int
	last      Stats

	status logging.ChangeLogger[Stats]
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

func NewBackend(client BatchClient, store ObjectStore, cfg Config) *Backend {
	rec := cfg.Recorder
	if rec == nil {
		rec = model.NopRecorder{}
	}
	return &Backend{
		client:   client,
		store:    store,
		recorder: rec,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BuildTask resolves the name, queue, definition and parameters of a cloud
// task. The "upload" parameter names the artifact's result location.
func BuildTask(item model.WorkItem, def *model.JobDefinition, now time.Time) (*model.CloudTask, error) {
	ph := model.NewPlaceholders(item, now)
	t := &model.CloudTask{
		Item:       item,
		Def:        def,
		Name:       ph.Resolve(def.Name),
		Queue:      ph.Resolve(def.Queue),
		Definition: ph.Resolve(def.Definition),
		Params:     make(map[string]string, len(def.Params)),
	}
	for _, p := range def.Params {
		v := ph.Resolve(p.Value)
		t.Params[p.Key] = v
		if p.Key == "upload" {
			t.ResultLocation = v
		}
	}
	if t.Name == "" || t.Queue == "" || t.Definition == "" {
		return nil, fmt.Errorf("%w: cloud job needs name, queue and definition", model.ErrInvalidDefinition)
	}
	return t, nil
}

// Submit sends the task to the batch service immediately. A task without a
// result location is dropped after submission since its artifact can never
// be retrieved.
func (b *Backend) Submit(ctx context.Context, item model.WorkItem, def *model.JobDefinition) (*model.CloudTask, error) {
	t, err := BuildTask(item, def, b.now())
	if err != nil {
		return nil, err
	}

	logging.Log(fmt.Sprintf("Submit cloud request (sleep %s): %s queue=%s definition=%s", b.cfg.SubmitDelay, t.Name, t.Queue, t.Definition), slog.LevelInfo)
	handle, err := b.client.SubmitJob(ctx, SubmitRequest{Name: t.Name, Queue: t.Queue, Definition: t.Definition, Params: t.Params})
	if err != nil {
		return nil, err
	}
	t.SubmissionHandle = handle
	t.SubmittedAt = b.now()
	t.Status = model.TaskSubmitted
	logging.Log(fmt.Sprintf("Got job id %s for %s", handle, t.Name), slog.LevelInfo)
	logging.Count(logging.MetricStarted, string(model.BackendCloud))
	b.recorder.Record(ctx, b.transition(t, model.TransitionSubmitted, handle))

	b.sleep(ctx, b.cfg.SubmitDelay)

	if t.ResultLocation == "" {
		logging.Log(fmt.Sprintf("Inconsistent job definition: %s has no upload location, job %s is not tracked", t.Name, handle), slog.LevelError)
		b.recorder.Record(ctx, b.transition(t, model.TransitionDropped, "no upload location"))
		return t, nil
	}

	b.mu.Lock()
	b.pending = append(b.pending, t)
	b.mu.Unlock()
	return t, nil
}

// Cycle queries the status of every pending task, fetches finished artifacts
// and moves failed jobs to the failed set.
func (b *Backend) Cycle(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := b.describe(ctx)
	var runnable, starting, running int
	still := b.pending[:0:0]
	for _, t := range b.pending {
		st, ok := statuses[t.SubmissionHandle]
		if !ok {
			still = append(still, t)
			continue
		}
		switch st.Status {
		case model.TaskRunnable:
			runnable++
		case model.TaskStarting:
			starting++
		case model.TaskRunning:
			running++
		case model.TaskSucceeded:
			t.Status = model.TaskSucceeded
			if !b.fetchDue(t) {
				break
			}
			if err := b.fetch(ctx, t); err != nil {
				if ctx.Err() != nil {
					break
				}
				if b.fetchFailed(ctx, t, err) {
					continue
				}
				break
			}
			b.succeeded++
			logging.Log(fmt.Sprintf("Fetched %s from %s", t.Item.TargetName, t.ResultLocation), slog.LevelInfo)
			logging.Count(logging.MetricSucceeded, string(model.BackendCloud))
			b.recorder.Record(ctx, b.transition(t, model.TransitionSucceeded, t.ResultLocation))
			continue
		case model.TaskFailed:
			t.Status = model.TaskFailed
			t.StatusReason = st.Reason
			b.failed = append(b.failed, t)
			logging.Log(fmt.Sprintf("! Failed generation %s, job id %s: %s", t.Item.TargetName, t.SubmissionHandle, st.Reason), slog.LevelError)
			logging.Count(logging.MetricFailed, string(model.BackendCloud))
			b.recorder.Record(ctx, b.transition(t, model.TransitionFailed, st.Reason))
			continue
		}
		still = append(still, t)
	}
	b.pending = still

	b.last = Stats{Pending: len(b.pending), Runnable: runnable, Starting: starting, Running: running, Succeeded: b.succeeded, Failed: len(b.failed)}
	if b.status.Changed(b.last) {
		logging.Log(fmt.Sprintf("Pending %d cloud jobs: ready to run %d, starting %d running %d - succeeded %d, failed %d ...",
			b.last.Pending, runnable, starting, running, b.last.Succeeded, b.last.Failed), slog.LevelInfo)
	}
}

// describe queries statuses in chunks of at most MaxDescribeBatch ids. A
// failed chunk leaves its tasks untouched for this cycle.
func (b *Backend) describe(ctx context.Context) map[string]JobStatus {
	out := make(map[string]JobStatus, len(b.pending))
	ids := make([]string, 0, len(b.pending))
	for _, t := range b.pending {
		ids = append(ids, t.SubmissionHandle)
	}
	for chunk := range slices.Chunk(ids, MaxDescribeBatch) {
		res, err := b.client.DescribeJobs(ctx, chunk)
		if err != nil {
			logging.Log(fmt.Sprintf("Error retrieving status for batch jobs: %v", err), slog.LevelError)
			continue
		}
		for _, st := range res {
			out[st.ID] = st
		}
	}
	return out
}

func (b *Backend) fetchDue(t *model.CloudTask) bool {
	return t.NextFetchAt.IsZero() || !b.now().Before(t.NextFetchAt)
}

// fetchFailed applies the bounded retry policy and reports whether the task
// was moved to the failed set.
func (b *Backend) fetchFailed(ctx context.Context, t *model.CloudTask, err error) bool {
	t.FetchAttempts++
	if b.cfg.MaxFetchAttempts > 0 && t.FetchAttempts >= b.cfg.MaxFetchAttempts {
		t.Status = model.TaskFailed
		t.StatusReason = fmt.Sprintf("artifact fetch exhausted after %d attempts: %v", t.FetchAttempts, err)
		b.failed = append(b.failed, t)
		logging.Log(fmt.Sprintf("! Giving up on result of %s from %s: %v", t.Name, t.ResultLocation, err), slog.LevelError)
		logging.Count(logging.MetricFailed, string(model.BackendCloud))
		b.recorder.Record(ctx, b.transition(t, model.TransitionFailed, t.StatusReason))
		return true
	}
	delay := b.backoff(t.FetchAttempts)
	t.NextFetchAt = b.now().Add(delay)
	logging.Log(fmt.Sprintf("Error retrieving result %s (attempt %d, retry in %s): %v", t.ResultLocation, t.FetchAttempts, delay, err), slog.LevelError)
	return false
}

func (b *Backend) backoff(attempt int) time.Duration {
	d := b.cfg.FetchBackoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.cfg.FetchMaxBackoff > 0 && d >= b.cfg.FetchMaxBackoff {
			return b.cfg.FetchMaxBackoff
		}
	}
	return d
}

// fetch copies the artifact into the index directory through a temp file so
// a partial transfer never leaves a truncated artifact behind.
func (b *Backend) fetch(ctx context.Context, t *model.CloudTask) error {
	body, err := b.store.GetObject(ctx, t.ResultLocation)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(b.cfg.IndexDir, "."+t.Item.TargetName+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy %s: %w", t.ResultLocation, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(b.cfg.IndexDir, t.Item.TargetName)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (b *Backend) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) == 0
}

func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.last
	st.Pending = len(b.pending)
	st.Succeeded = b.succeeded
	st.Failed = len(b.failed)
	return st
}

func (b *Backend) Failed() []*model.CloudTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.failed)
}

func (b *Backend) Outstanding() []*model.CloudTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pending)
}

func (b *Backend) transition(t *model.CloudTask, kind model.TransitionKind, detail string) model.Transition {
	return model.Transition{Task: t.Name, Backend: model.BackendCloud, Kind: kind, Detail: detail, At: b.now()}
}
