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
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"indexbatcher/src/logging"
	"indexbatcher/src/model"
)

// ErrOutOfMemory may be wrapped by a Generator to report local resource
// exhaustion.
var ErrOutOfMemory = errors.New("out of memory")

// Generator produces the output artifact of one work item in-process.
type Generator interface {
	Generate(ctx context.Context, item model.WorkItem) error
}

type GeneratorFunc func(ctx context.Context, item model.WorkItem) error

func (f GeneratorFunc) Generate(ctx context.Context, item model.WorkItem) error {
	return f(ctx, item)
}

// LocalRunner runs unclaimed items one at a time. A failed item is logged and
// reported; it is never rescheduled.
type LocalRunner struct {
	gen         Generator
	resetCaches func()
	recorder    model.Recorder

	mu        sync.Mutex
	pending   []model.WorkItem
	running   string
	succeeded int
	failed    []FailedTask
}

func NewLocalRunner(gen Generator, resetCaches func(), rec model.Recorder) *LocalRunner {
	if rec == nil {
		rec = model.NopRecorder{}
	}
	return &LocalRunner{gen: gen, resetCaches: resetCaches, recorder: rec}
}

func (r *LocalRunner) Add(item model.WorkItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, item)
}

// Run processes the pending queue until it is empty or ctx is done. Items left
// behind on cancellation stay pending.
func (r *LocalRunner) Run(ctx context.Context) {
	for ctx.Err() == nil {
		item, ok := r.next()
		if !ok {
			return
		}
		r.process(ctx, item)
	}
}

func (r *LocalRunner) next() (model.WorkItem, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return model.WorkItem{}, false
	}
	item := r.pending[0]
	r.pending = r.pending[1:]
	r.running = item.FileName
	return item, true
}

func (r *LocalRunner) process(ctx context.Context, item model.WorkItem) {
	logging.Log(fmt.Sprintf("Generating %s locally from %s", item.TargetName, item.FileName), slog.LevelInfo)
	logging.Count(logging.MetricStarted, string(model.BackendLocal))
	r.record(ctx, item, model.TransitionStarted, "")

	start := time.Now()
	err := r.generate(ctx, item)

	r.mu.Lock()
	r.running = ""
	switch {
	case err == nil:
		r.succeeded++
	case ctx.Err() != nil:
		// interrupted, not failed: put it back so it is reported incomplete
		r.pending = append([]model.WorkItem{item}, r.pending...)
	default:
		r.failed = append(r.failed, FailedTask{Name: item.FileName, FileName: item.FileName, Backend: model.BackendLocal, Reason: err.Error()})
	}
	r.mu.Unlock()

	switch {
	case err == nil:
		logging.Log(fmt.Sprintf("Generated %s in %s", item.TargetName, time.Since(start).Truncate(time.Second)), slog.LevelInfo)
		logging.Count(logging.MetricSucceeded, string(model.BackendLocal))
		r.record(ctx, item, model.TransitionSucceeded, "")
	case ctx.Err() != nil:
		logging.Log(fmt.Sprintf("Local generation of %s cancelled: %v", item.FileName, err), slog.LevelWarn)
	case errors.Is(err, ErrOutOfMemory):
		logging.Log(fmt.Sprintf("Out of memory while generating %s: %v", item.FileName, err), slog.LevelError)
		logging.Count(logging.MetricFailed, string(model.BackendLocal))
		r.record(ctx, item, model.TransitionFailed, err.Error())
		debug.FreeOSMemory()
	default:
		logging.Log(fmt.Sprintf("Error generating %s: %v", item.FileName, err), slog.LevelError)
		logging.Count(logging.MetricFailed, string(model.BackendLocal))
		r.record(ctx, item, model.TransitionFailed, err.Error())
	}
	runtime.GC()
}

// generate invokes the collaborator with cleared caches. A panic is treated as
// resource exhaustion of this item only.
func (r *LocalRunner) generate(ctx context.Context, item model.WorkItem) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: generator panic: %v", ErrOutOfMemory, p)
		}
	}()
	if r.resetCaches != nil {
		r.resetCaches()
	}
	return r.gen.Generate(ctx, item)
}

func (r *LocalRunner) record(ctx context.Context, item model.WorkItem, kind model.TransitionKind, detail string) {
	r.recorder.Record(ctx, model.Transition{Task: item.FileName, Backend: model.BackendLocal, Kind: kind, Detail: detail, At: time.Now()})
}

func (r *LocalRunner) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for _, it := range r.pending {
		out = append(out, it.FileName)
	}
	return out
}

type LocalStats struct {
	Pending   int    `json:"pending"`
	Running   string `json:"running,omitempty"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

func (r *LocalRunner) Stats() LocalStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LocalStats{Pending: len(r.pending), Running: r.running, Succeeded: r.succeeded, Failed: len(r.failed)}
}

func (r *LocalRunner) Failed() []FailedTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FailedTask(nil), r.failed...)
}

// CommandGenerator runs an external generation command per item. Arguments
// may use the item placeholders plus {input} for the input path and {outdir}
// for the artifact directory.
type CommandGenerator struct {
	Args   []string
	OutDir string
}

func (g CommandGenerator) Generate(ctx context.Context, item model.WorkItem) error {
	if len(g.Args) == 0 {
		return errors.New("no generator command configured")
	}
	ph := model.NewPlaceholders(item, time.Now())
	args := make([]string, len(g.Args))
	for i, a := range g.Args {
		a = strings.ReplaceAll(a, "{input}", item.InputRef)
		a = strings.ReplaceAll(a, "{outdir}", g.OutDir)
		args[i] = ph.Resolve(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = g.OutDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, tail(out, 512))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
