package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexbatcher/src/model"
)

func TestLocalRunner_RunsSequentiallyAndContinuesPastFailures(t *testing.T) {
	var order []string
	resets := 0
	gen := GeneratorFunc(func(_ context.Context, item model.WorkItem) error {
		order = append(order, item.FileName)
		switch item.FileName {
		case "b.osm":
			return errors.New("broken input")
		case "c.osm":
			return ErrOutOfMemory
		case "d.osm":
			panic("heap exhausted")
		}
		return nil
	})
	r := NewLocalRunner(gen, func() { resets++ }, nil)
	for _, n := range []string{"a.osm", "b.osm", "c.osm", "d.osm", "e.osm"} {
		r.Add(workItem(n, 1))
	}

	r.Run(context.Background())

	assert.Equal(t, []string{"a.osm", "b.osm", "c.osm", "d.osm", "e.osm"}, order)
	assert.Equal(t, 5, resets)
	st := r.Stats()
	assert.Equal(t, 2, st.Succeeded)
	assert.Equal(t, 3, st.Failed)
	assert.Zero(t, st.Pending)

	failed := r.Failed()
	require.Len(t, failed, 3)
	assert.Equal(t, "b.osm", failed[0].Name)
	assert.Equal(t, model.BackendLocal, failed[0].Backend)
	assert.Contains(t, failed[2].Reason, "heap exhausted")
}

func TestLocalRunner_CancellationLeavesItemsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := GeneratorFunc(func(ctx context.Context, item model.WorkItem) error {
		cancel()
		return ctx.Err()
	})
	r := NewLocalRunner(gen, nil, nil)
	r.Add(workItem("a.osm", 1))
	r.Add(workItem("b.osm", 1))

	r.Run(ctx)

	assert.Equal(t, []string{"a.osm", "b.osm"}, r.Pending())
	assert.Empty(t, r.Failed())
}

func TestCommandGenerator(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	gen := CommandGenerator{Args: []string{"/bin/sh", "-c", "echo {input} > {outdir}/{2}"}, OutDir: dir}
	item := NewWorkItem("/data/berlin.osm.pbf", 1, "_2.obf")

	require.NoError(t, gen.Generate(context.Background(), item))

	data, err := os.ReadFile(filepath.Join(dir, "Berlin_2.obf"))
	require.NoError(t, err)
	assert.Equal(t, "/data/berlin.osm.pbf\n", string(data))
}

func TestCommandGenerator_Failure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	gen := CommandGenerator{Args: []string{"/bin/sh", "-c", "echo boom >&2; exit 3"}, OutDir: t.TempDir()}

	err := gen.Generate(context.Background(), NewWorkItem("/data/a.osm", 1, "_2.obf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Error(t, CommandGenerator{}.Generate(context.Background(), model.WorkItem{}))
}
