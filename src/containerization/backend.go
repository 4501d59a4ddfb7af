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

package containerization

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/google/uuid"

	"indexbatcher/src/logging"
	"indexbatcher/src/model"
	"indexbatcher/src/resources"
)

const resultMount = "/home/result"

type Config struct {
	Slots     int
	ResultDir string // host directory bound at /home/result; empty disables the binding
	Recorder  model.Recorder
}

// Stats is a point-in-time view of the backend's queues.
type Stats struct {
	Pending     int `json:"pending"`
	Rescheduled int `json:"rescheduled"`
	Running     int `json:"running"`
	Failed      int `json:"failed"`
	Succeeded   int `json:"succeeded"`
	SlotsInUse  int `json:"slots_in_use"`
	TotalSlots  int `json:"total_slots"`
}

type cycleStatus struct {
	pending, rescheduled, running, freeRAM int
}

// Backend runs tasks as local containers under slot and free-memory admission
// control. Every queue mutation happens under mu; Cycle holds it for its
// whole duration so cycles never overlap.
type Backend struct {
	mu       sync.Mutex
	runtime  Runtime
	sampler  resources.Sampler
	recorder model.Recorder
	cfg      Config

	defs        []*model.JobDefinition // ascending Order
	pending     map[*model.JobDefinition][]*model.ContainerTask
	running     []*model.ContainerTask // in start order
	rescheduled []*model.ContainerTask
	failed      []*model.ContainerTask
	succeeded   int

	status logging.ChangeLogger[cycleStatus]
	now    func() time.Time
}

func NewBackend(rt Runtime, sampler resources.Sampler, cfg Config) *Backend {
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = model.NopRecorder{}
	}
	return &Backend{
		runtime:  rt,
		sampler:  sampler,
		recorder: rec,
		cfg:      cfg,
		pending:  map[*model.JobDefinition][]*model.ContainerTask{},
		now:      time.Now,
	}
}

// BuildTask resolves a definition's parameter template for one item. Parameter
// "image" sets the image; keys prefixed cmd, env and bind are appended in
// template order.
func BuildTask(item model.WorkItem, def *model.JobDefinition, resultDir string, now time.Time) (*model.ContainerTask, error) {
	ph := model.NewPlaceholders(item, now)
	t := &model.ContainerTask{Item: item, Def: def, Status: model.TaskPending}
	t.Name = ph.Resolve(def.Name)
	if t.Name == "" {
		t.Name = "gen-" + strings.ToLower(item.FileBase())
	}
	for _, p := range def.Params {
		v := ph.Resolve(p.Value)
		switch {
		case p.Key == "image":
			t.Image = v
		case strings.HasPrefix(p.Key, "cmd"):
			t.Command = append(t.Command, v)
		case strings.HasPrefix(p.Key, "env"):
			t.Env = append(t.Env, v)
		case strings.HasPrefix(p.Key, "bind"):
			t.Binds = append(t.Binds, v)
		}
	}
	if t.Image == "" || len(t.Command) == 0 {
		return nil, fmt.Errorf("%w: container image or cmd is empty for %s", model.ErrInvalidDefinition, t.Name)
	}
	if resultDir != "" {
		t.Command = append(t.Command, "--upload", path.Join(resultMount, item.TargetName))
		t.Binds = append(t.Binds, resultDir+":"+resultMount)
	}
	return t, nil
}

// Enqueue claims an item for a container definition. It never starts work;
// the next Cycle decides admission.
func (b *Backend) Enqueue(ctx context.Context, item model.WorkItem, def *model.JobDefinition) (*model.ContainerTask, error) {
	t, err := BuildTask(item, def, b.cfg.ResultDir, b.now())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[def]; !ok {
		b.defs = append(b.defs, def)
		sort.SliceStable(b.defs, func(i, j int) bool { return b.defs[i].Order < b.defs[j].Order })
	}
	b.pending[def] = append(b.pending[def], t)

	logging.Log(fmt.Sprintf("Submit docker request: %s", t.Name), slog.LevelInfo)
	b.recorder.Record(ctx, b.transition(t, model.TransitionDispatched, t.Image))
	return t, nil
}

// Cycle runs one polling cycle: status sweep, RAM-pressure check, start sweep.
func (b *Backend) Cycle(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	freeRAM := b.sampler.FreeMemoryPercent()
	logging.RecordFreeRAM(freeRAM)
	b.logStatus(freeRAM)

	b.checkRunning(ctx)
	if ctx.Err() != nil {
		return
	}
	if b.stopIfNotEnoughRAM(ctx, freeRAM) {
		// at most one stop per cycle
		return
	}
	b.startContainers(ctx, b.queueToRun(), freeRAM)
}

func (b *Backend) logStatus(freeRAM int) {
	st := cycleStatus{pending: b.pendingCount(), rescheduled: len(b.rescheduled), running: len(b.running), freeRAM: freeRAM}
	if st.pending+st.rescheduled+st.running == 0 || !b.status.Changed(st) {
		return
	}
	names := make([]string, 0, len(b.running))
	for _, t := range b.running {
		names = append(names, t.Name)
	}
	logging.Log(fmt.Sprintf("Waiting %d docker jobs to complete (Ram free %d%%). Pending: %d, Rescheduled: %d, Running: %d: %v",
		st.pending+st.rescheduled+st.running, freeRAM, st.pending, st.rescheduled, st.running, names), slog.LevelInfo)
}

func (b *Backend) checkRunning(ctx context.Context) {
	still := b.running[:0:0]
	for _, t := range b.running {
		state, err := b.runtime.Inspect(ctx, t.RuntimeHandle)
		if (err == nil && state.Running) || (err != nil && ctx.Err() != nil) {
			still = append(still, t)
			continue
		}
		if err != nil {
			logging.Log(fmt.Sprintf("Error inspecting container %s: %v", t.Name, err), slog.LevelError)
		}
		if err != nil || state.ExitCode != 0 {
			detail := fmt.Sprintf("exit code %d", state.ExitCode)
			if err != nil {
				detail = err.Error()
			}
			logging.Log(fmt.Sprintf("FAILED GENERATION %s - container %s: %s", t.Name, shortID(t.RuntimeHandle), detail), slog.LevelError)
			b.release(ctx, t)
			b.markFailed(ctx, t, detail)
			continue
		}

		logging.Log(fmt.Sprintf("Finished %s container %s in %s (started %s).",
			t.Name, shortID(t.RuntimeHandle), duration(state.StartedAt, state.FinishedAt), state.StartedAt), slog.LevelInfo)
		b.failed = removeTask(b.failed, t)
		b.release(ctx, t)
		t.Status = model.TaskSucceeded
		b.succeeded++
		logging.Count(logging.MetricSucceeded, string(model.BackendContainer))
		b.recorder.Record(ctx, b.transition(t, model.TransitionSucceeded, ""))
	}
	b.running = still
}

// markFailed records a failure. The first failure of a task reschedules it;
// a task that fails again while already marked failed stays failed.
func (b *Backend) markFailed(ctx context.Context, t *model.ContainerTask, detail string) {
	t.Status = model.TaskFailed
	logging.Count(logging.MetricFailed, string(model.BackendContainer))
	b.recorder.Record(ctx, b.transition(t, model.TransitionFailed, detail))
	if slices.Contains(b.failed, t) {
		return
	}
	b.failed = append(b.failed, t)
	b.rescheduled = append(b.rescheduled, t)
	t.Status = model.TaskRescheduled
	logging.Count(logging.MetricRescheduled, string(model.BackendContainer))
	b.recorder.Record(ctx, b.transition(t, model.TransitionRescheduled, detail))
}

func (b *Backend) release(ctx context.Context, t *model.ContainerTask) {
	if t.RuntimeHandle == "" {
		return
	}
	if err := b.runtime.Remove(ctx, t.RuntimeHandle); err != nil {
		logging.Log(fmt.Sprintf("Failed to remove container of %s: %v", t.Name, err), slog.LevelWarn)
	}
	t.RuntimeHandle = ""
}

// stopIfNotEnoughRAM preempts the most recently started container when free
// memory drops under its definition's stop threshold.
func (b *Backend) stopIfNotEnoughRAM(ctx context.Context, freeRAM int) bool {
	if len(b.running) == 0 {
		return false
	}
	last := b.running[len(b.running)-1]
	if last.Def.FreeRAMToStopPerc <= 0 || freeRAM >= last.Def.FreeRAMToStopPerc {
		return false
	}
	logging.Log(fmt.Sprintf("Low RAM detected (%d%% free). Stopping last started container %s to reschedule.", freeRAM, last.Name), slog.LevelWarn)
	if err := b.runtime.Stop(ctx, last.RuntimeHandle); err != nil {
		logging.Log(fmt.Sprintf("Failed to stop container for rescheduling: %s: %v", last.Name, err), slog.LevelError)
	}
	b.release(ctx, last)
	b.running = b.running[:len(b.running)-1]
	b.rescheduled = append(b.rescheduled, last)
	last.Status = model.TaskRescheduled
	last.StartedAt = nil
	logging.Count(logging.MetricRescheduled, string(model.BackendContainer))
	b.recorder.Record(ctx, b.transition(last, model.TransitionPreempted, fmt.Sprintf("free ram %d%%", freeRAM)))
	return true
}

// queueToRun lists start candidates: rescheduled tasks first, then each
// definition's pending tasks in ascending definition order.
func (b *Backend) queueToRun() []*model.ContainerTask {
	queue := slices.Clone(b.rescheduled)
	for _, def := range b.defs {
		queue = append(queue, b.pending[def]...)
	}
	return queue
}

func (b *Backend) startContainers(ctx context.Context, queue []*model.ContainerTask, freeRAM int) {
	slotsLeft := b.cfg.Slots - b.slotsInUse()
	for _, t := range queue {
		if slotsLeft <= 0 {
			return
		}
		if slotsLeft < t.Def.SlotsPerJob {
			continue
		}
		if t.Def.FreeRAMToStartPerc > 0 && freeRAM < t.Def.FreeRAMToStartPerc {
			logging.Log(fmt.Sprintf("Delaying start of %s due to low RAM. Free: %d%%, Required: >%d%%", t.Name, freeRAM, t.Def.FreeRAMToStartPerc), slog.LevelWarn)
			return
		}

		b.pending[t.Def] = removeTask(b.pending[t.Def], t)
		b.rescheduled = removeTask(b.rescheduled, t)
		t.Attempts++
		if err := b.start(ctx, t); err != nil {
			if ctx.Err() != nil {
				b.release(context.WithoutCancel(ctx), t)
				t.Attempts--
				b.rescheduled = append(b.rescheduled, t)
				return
			}
			logging.Log(fmt.Sprintf("Failed to start container %s: %v", t.Name, err), slog.LevelError)
			b.release(ctx, t)
			b.markFailed(ctx, t, err.Error())
			return
		}
		now := b.now()
		t.StartedAt = &now
		t.Status = model.TaskRunning
		b.running = append(b.running, t)
		slotsLeft -= t.Def.SlotsPerJob
		logging.Log(fmt.Sprintf("Started container %s", t.Name), slog.LevelInfo)
		logging.Count(logging.MetricStarted, string(model.BackendContainer))
		b.recorder.Record(ctx, b.transition(t, model.TransitionStarted, shortID(t.RuntimeHandle)))
	}
}

func (b *Backend) start(ctx context.Context, t *model.ContainerTask) error {
	spec := Spec{Name: t.Name, Image: t.Image, Cmd: t.Command, Env: t.Env, Binds: t.Binds}
	id, err := b.runtime.Create(ctx, spec)
	if err != nil && cerrdefs.IsConflict(err) {
		// the name may belong to a sibling task that is still running
		spec.Name = t.Name + "-" + uuid.NewString()[:8]
		logging.Log(fmt.Sprintf("Container name %s in use, creating %s instead", t.Name, spec.Name), slog.LevelWarn)
		id, err = b.runtime.Create(ctx, spec)
	}
	if err != nil {
		return err
	}
	t.RuntimeHandle = id
	return b.runtime.Start(ctx, id)
}

func (b *Backend) slotsInUse() int {
	used := 0
	for _, t := range b.running {
		used += t.Def.SlotsPerJob
	}
	return used
}

func (b *Backend) pendingCount() int {
	n := 0
	for _, q := range b.pending {
		n += len(q)
	}
	return n
}

// Drained reports whether nothing is pending, rescheduled or running.
func (b *Backend) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCount()+len(b.rescheduled)+len(b.running) == 0
}

func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Pending:     b.pendingCount(),
		Rescheduled: len(b.rescheduled),
		Running:     len(b.running),
		Failed:      len(b.failed),
		Succeeded:   b.succeeded,
		SlotsInUse:  b.slotsInUse(),
		TotalSlots:  b.cfg.Slots,
	}
}

// Failed returns the tasks that failed and will not run again.
func (b *Backend) Failed() []*model.ContainerTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.ContainerTask
	for _, t := range b.failed {
		if !b.outstanding(t) {
			out = append(out, t)
		}
	}
	return out
}

// Outstanding returns the tasks still waiting for or holding a slot.
func (b *Backend) Outstanding() []*model.ContainerTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := slices.Clone(b.running)
	return append(out, b.queueToRun()...)
}

func (b *Backend) outstanding(t *model.ContainerTask) bool {
	return slices.Contains(b.running, t) || slices.Contains(b.rescheduled, t) || slices.Contains(b.pending[t.Def], t)
}

// Abandon force-removes every running container and moves its task back to
// rescheduled. Used on cancellation; the tasks stay outstanding so they are
// reported incomplete.
func (b *Backend) Abandon(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.running {
		logging.Log(fmt.Sprintf("Cleaning up running container %s...", t.Name), slog.LevelInfo)
		b.release(ctx, t)
		t.Status = model.TaskRescheduled
		t.StartedAt = nil
	}
	b.rescheduled = append(b.running, b.rescheduled...)
	b.running = nil
}

func (b *Backend) transition(t *model.ContainerTask, kind model.TransitionKind, detail string) model.Transition {
	return model.Transition{Task: t.Name, Backend: model.BackendContainer, Kind: kind, Detail: detail, At: b.now()}
}

func removeTask(list []*model.ContainerTask, t *model.ContainerTask) []*model.ContainerTask {
	if i := slices.Index(list, t); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

func duration(startedAt, finishedAt string) string {
	start, err1 := time.Parse(time.RFC3339Nano, startedAt)
	finish, err2 := time.Parse(time.RFC3339Nano, finishedAt)
	if err1 != nil || err2 != nil {
		return "?"
	}
	s := int(finish.Sub(start).Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
