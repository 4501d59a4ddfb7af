package containerization

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexbatcher/src/model"
)

var testNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	states     map[string]*State
	names      map[string]string
	created    []string
	stopped    []string
	removed    []string
	createErr  error
	conflicts  bool             // reject names bound to a live container
	startErr   map[string]error // by container name
	inspectErr map[string]error // by container id
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		states:     map[string]*State{},
		names:      map[string]string{},
		startErr:   map[string]error{},
		inspectErr: map[string]error{},
	}
}

func (f *fakeRuntime) Create(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.conflicts {
		if id, ok := f.names[spec.Name]; ok {
			if _, live := f.states[id]; live {
				return "", fmt.Errorf("create %s: %w", spec.Name, cerrdefs.ErrConflict)
			}
		}
	}
	f.seq++
	id := fmt.Sprintf("c%02d", f.seq)
	f.states[id] = &State{}
	f.names[spec.Name] = id
	f.created = append(f.created, spec.Name)
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, cid := range f.names {
		if cid == id {
			if err := f.startErr[name]; err != nil {
				return err
			}
		}
	}
	f.states[id].Running = true
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.inspectErr[id]; err != nil {
		return State{}, err
	}
	st, ok := f.states[id]
	if !ok {
		return State{}, errors.New("no such container")
	}
	return *st, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if st, ok := f.states[id]; ok {
		st.Running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.states, id)
	return nil
}

// exit finishes the container currently bound to a task name.
func (f *fakeRuntime) exit(name string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[f.names[name]]
	st.Running = false
	st.ExitCode = code
}

type fixedSampler struct {
	mu   sync.Mutex
	perc int
}

func (s *fixedSampler) FreeMemoryPercent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perc
}

func (s *fixedSampler) set(p int) {
	s.mu.Lock()
	s.perc = p
	s.mu.Unlock()
}

func containerDef(order, slots int) *model.JobDefinition {
	return &model.JobDefinition{
		Name:        "gen-{0}",
		Type:        model.BackendContainer,
		Order:       order,
		SlotsPerJob: slots,
		SizeUpToMB:  -1,
		Params: []model.Param{
			{Key: "image", Value: "gen:latest"},
			{Key: "cmd1", Value: "--input={0}"},
		},
	}
}

func item(name string) model.WorkItem {
	return model.WorkItem{InputRef: "/in/" + name + ".osm", FileName: name + ".osm", LogicalName: name, TargetName: name + "_2.obf"}
}

func enqueue(t *testing.T, b *Backend, def *model.JobDefinition, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := b.Enqueue(context.Background(), item(n), def)
		require.NoError(t, err)
	}
}

func runningNames(b *Backend) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, t := range b.running {
		out = append(out, t.Name)
	}
	return out
}

func TestBuildTask(t *testing.T) {
	def := containerDef(0, 1)
	def.Params = append(def.Params,
		model.Param{Key: "env1", Value: "TARGET={2}"},
		model.Param{Key: "bind1", Value: "/srtm:/home/srtm"},
		model.Param{Key: "cmd2", Value: "--srtm=/home/srtm"},
	)

	task, err := BuildTask(item("berlin"), def, "/data/index", testNow)
	require.NoError(t, err)

	assert.Equal(t, "gen-berlin", task.Name)
	assert.Equal(t, "gen:latest", task.Image)
	assert.Equal(t, []string{"--input=berlin", "--srtm=/home/srtm", "--upload", "/home/result/berlin_2.obf"}, task.Command)
	assert.Equal(t, []string{"TARGET=berlin_2.obf"}, task.Env)
	assert.Equal(t, []string{"/srtm:/home/srtm", "/data/index:/home/result"}, task.Binds)
	assert.Empty(t, task.RuntimeHandle)
}

func TestBuildTask_MissingImage(t *testing.T) {
	def := containerDef(0, 1)
	def.Params = def.Params[1:]

	_, err := BuildTask(item("berlin"), def, "", testNow)
	assert.ErrorIs(t, err, model.ErrInvalidDefinition)
}

func TestCycle_StartsWithinSlots(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 4})
	def := containerDef(0, 2)
	enqueue(t, b, def, "a", "b", "c")

	b.Cycle(context.Background())

	assert.Equal(t, []string{"gen-a", "gen-b"}, runningNames(b))
	st := b.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 4, st.SlotsInUse)
	assert.LessOrEqual(t, st.SlotsInUse, st.TotalSlots)
}

func TestCycle_SlotShortfallSkipsToSmallerCandidate(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 3})
	big := containerDef(0, 2)
	small := containerDef(1, 1)
	enqueue(t, b, big, "big1", "big2")
	enqueue(t, b, small, "small1")

	b.Cycle(context.Background())

	assert.Equal(t, []string{"gen-big1", "gen-small1"}, runningNames(b))
	assert.Equal(t, 3, b.Stats().SlotsInUse)
}

func TestCycle_SlotConservationWithManyRescheduled(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 2})
	def := containerDef(0, 1)
	enqueue(t, b, def, "a", "b", "c", "d", "e")

	b.Cycle(context.Background())
	for _, n := range []string{"gen-a", "gen-b"} {
		rt.exit(n, 1)
	}
	for i := 0; i < 10; i++ {
		b.Cycle(context.Background())
		st := b.Stats()
		assert.LessOrEqual(t, st.SlotsInUse, st.TotalSlots)
	}
}

func TestCycle_LowRAMStopsStartSweepEntirely(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 20}, Config{Slots: 4})
	guarded := containerDef(0, 1)
	guarded.FreeRAMToStartPerc = 30
	free := containerDef(1, 1)
	enqueue(t, b, guarded, "a")
	enqueue(t, b, free, "b")

	b.Cycle(context.Background())

	assert.Empty(t, runningNames(b), "a RAM-blocked candidate stops the sweep, later candidates are not tried")
	assert.Equal(t, 2, b.Stats().Pending)
}

func TestCycle_RAMStopPreemptsMostRecent(t *testing.T) {
	rt := newFakeRuntime()
	sampler := &fixedSampler{perc: 90}
	b := NewBackend(rt, sampler, Config{Slots: 4})
	def := containerDef(0, 1)
	def.FreeRAMToStopPerc = 50
	enqueue(t, b, def, "a", "b")

	b.Cycle(context.Background())
	require.Equal(t, []string{"gen-a", "gen-b"}, runningNames(b))

	sampler.set(40)
	b.Cycle(context.Background())

	assert.Equal(t, []string{"gen-a"}, runningNames(b))
	st := b.Stats()
	assert.Equal(t, 1, st.Rescheduled)
	assert.Equal(t, 0, st.Failed, "preemption is not a failure")
	assert.Len(t, rt.stopped, 1)

	b.mu.Lock()
	assert.Equal(t, "gen-b", b.rescheduled[0].Name)
	assert.Empty(t, b.rescheduled[0].RuntimeHandle)
	b.mu.Unlock()
}

func TestCycle_FailureIsRescheduledAndForgivenOnSuccess(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 1})
	def := containerDef(0, 1)
	enqueue(t, b, def, "a")

	b.Cycle(context.Background())
	rt.exit("gen-a", 2)
	b.Cycle(context.Background()) // sweep fails it, start sweep restarts it from rescheduled

	assert.Equal(t, []string{"gen-a"}, runningNames(b))
	assert.Equal(t, 1, b.Stats().Failed)

	rt.exit("gen-a", 0)
	b.Cycle(context.Background())

	st := b.Stats()
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, 1, st.Succeeded)
	assert.True(t, b.Drained())
	assert.Empty(t, b.Failed())
}

func TestCycle_NeverFailingTaskNeverInFailed(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 1})
	enqueue(t, b, containerDef(0, 1), "a")

	b.Cycle(context.Background())
	assert.Equal(t, 0, b.Stats().Failed)
	rt.exit("gen-a", 0)
	b.Cycle(context.Background())

	assert.Equal(t, 0, b.Stats().Failed)
	assert.True(t, b.Drained())
}

func TestCycle_SecondFailureIsTerminal(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 1})
	enqueue(t, b, containerDef(0, 1), "a")

	b.Cycle(context.Background())
	rt.exit("gen-a", 1)
	b.Cycle(context.Background())
	rt.exit("gen-a", 1)
	b.Cycle(context.Background())

	assert.True(t, b.Drained())
	failed := b.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "gen-a", failed[0].Name)
	assert.Equal(t, 2, failed[0].Attempts)
}

func TestCycle_InspectErrorTreatedAsFailure(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 1})
	enqueue(t, b, containerDef(0, 1), "a")

	b.Cycle(context.Background())
	rt.inspectErr[rt.names["gen-a"]] = errors.New("daemon went away")
	b.Cycle(context.Background())

	st := b.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Running, "rescheduled task restarted in the same cycle")
}

func TestCycle_StartFailureStopsSweep(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr["gen-a"] = errors.New("no such image")
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 4})
	enqueue(t, b, containerDef(0, 1), "a", "b")

	b.Cycle(context.Background())

	assert.Empty(t, runningNames(b))
	st := b.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Rescheduled)
	assert.Equal(t, 1, st.Pending, "the sweep stops after a start failure")
	assert.Contains(t, rt.removed, rt.names["gen-a"], "created container is cleaned up")
}

func TestCycle_RescheduledHavePriority(t *testing.T) {
	rt := newFakeRuntime()
	sampler := &fixedSampler{perc: 90}
	b := NewBackend(rt, sampler, Config{Slots: 1})
	def := containerDef(0, 1)
	def.FreeRAMToStopPerc = 50
	enqueue(t, b, def, "a", "b")

	b.Cycle(context.Background())
	sampler.set(10)
	b.Cycle(context.Background()) // preempts a
	sampler.set(90)
	b.Cycle(context.Background())

	assert.Equal(t, []string{"gen-a"}, runningNames(b))
}

func TestAbandon_MovesRunningBack(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 2})
	enqueue(t, b, containerDef(0, 1), "a", "b", "c")
	b.Cycle(context.Background())

	b.Abandon(context.Background())

	assert.Empty(t, runningNames(b))
	assert.Len(t, b.Outstanding(), 3)
	assert.Len(t, rt.removed, 2)
	for _, task := range b.Outstanding() {
		assert.Empty(t, task.RuntimeHandle)
	}
}

func TestCycle_CancelledContextKeepsRunning(t *testing.T) {
	rt := newFakeRuntime()
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 1})
	enqueue(t, b, containerDef(0, 1), "a")
	b.Cycle(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt.inspectErr[rt.names["gen-a"]] = context.Canceled
	b.Cycle(ctx)

	assert.Equal(t, []string{"gen-a"}, runningNames(b))
	assert.Equal(t, 0, b.Stats().Failed)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "1:02:03", duration("2026-01-01T00:00:00Z", "2026-01-01T01:02:03.5Z"))
	assert.Equal(t, "?", duration("", ""))
}

func TestCycle_NameCollisionKeepsRunningSibling(t *testing.T) {
	rt := newFakeRuntime()
	rt.conflicts = true
	b := NewBackend(rt, &fixedSampler{perc: 90}, Config{Slots: 2})
	def := containerDef(0, 1)
	def.Name = "obf-generation"
	enqueue(t, b, def, "a", "b")

	b.Cycle(context.Background())

	assert.Len(t, runningNames(b), 2)
	assert.Empty(t, rt.removed)
	assert.Empty(t, rt.stopped)
	require.Len(t, rt.created, 2)
	assert.Equal(t, "obf-generation", rt.created[0])
	assert.True(t, strings.HasPrefix(rt.created[1], "obf-generation-"), rt.created[1])

	for _, name := range rt.created {
		rt.exit(name, 0)
	}
	b.Cycle(context.Background())

	assert.True(t, b.Drained())
	assert.Equal(t, 2, b.Stats().Succeeded)
	assert.Empty(t, b.Failed())
}
