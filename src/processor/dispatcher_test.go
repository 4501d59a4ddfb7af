package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexbatcher/src/model"
)

type claimRecord struct {
	item model.WorkItem
	def  *model.JobDefinition
}

type fakeClaimer struct {
	err    error
	claims []claimRecord
}

func (f *fakeClaimer) Enqueue(_ context.Context, item model.WorkItem, def *model.JobDefinition) (*model.ContainerTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.claims = append(f.claims, claimRecord{item, def})
	return &model.ContainerTask{Item: item, Def: def}, nil
}

func (f *fakeClaimer) Submit(_ context.Context, item model.WorkItem, def *model.JobDefinition) (*model.CloudTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.claims = append(f.claims, claimRecord{item, def})
	return &model.CloudTask{Item: item, Def: def}, nil
}

type localList struct {
	items []model.WorkItem
}

func (l *localList) Add(item model.WorkItem) {
	l.items = append(l.items, item)
}

type memRecorder struct {
	transitions []model.Transition
}

func (m *memRecorder) Record(_ context.Context, t model.Transition) {
	m.transitions = append(m.transitions, t)
}

func def(name string, bt model.BackendType, order int, excluded ...string) *model.JobDefinition {
	d := &model.JobDefinition{Name: name, Type: bt, Order: order, SlotsPerJob: 1, SizeUpToMB: -1, ExcludedNames: map[string]struct{}{}}
	for _, e := range excluded {
		d.ExcludedNames[e] = struct{}{}
	}
	return d
}

func workItem(file string, size int64) model.WorkItem {
	return NewWorkItem("/in/"+file, size, "_2.obf")
}

func TestNewJobCatalog_SortsByOrderStable(t *testing.T) {
	a := def("a", model.BackendContainer, 2)
	b := def("b", model.BackendCloud, 0)
	c := def("c", model.BackendContainer, 2)
	d := def("d", model.BackendContainer, 1)

	cat := NewJobCatalog([]*model.JobDefinition{a, b, c, d})

	assert.Equal(t, []*model.JobDefinition{b, d, a, c}, cat.Definitions())
}

func TestJobCatalog_Images(t *testing.T) {
	a := def("a", model.BackendContainer, 0)
	a.Params = []model.Param{{Key: "image", Value: "osmand/gen:1"}}
	b := def("b", model.BackendContainer, 1)
	b.Params = []model.Param{{Key: "image", Value: "osmand/gen:{1}"}}
	c := def("c", model.BackendContainer, 2)
	c.Params = []model.Param{{Key: "image", Value: "osmand/gen:1"}}
	d := def("d", model.BackendCloud, 3)
	d.Params = []model.Param{{Key: "image", Value: "other"}}

	assert.Equal(t, []string{"osmand/gen:1"}, NewJobCatalog([]*model.JobDefinition{a, b, c, d}).Images())
}

func TestDispatch_FirstNonExcludingDefinitionClaims(t *testing.T) {
	first := def("first", model.BackendContainer, 0, "berlin")
	second := def("second", model.BackendContainer, 1)
	container := &fakeClaimer{}
	local := &localList{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{second, first}), container, nil, local, nil)

	got := d.Dispatch(context.Background(), workItem("berlin.osm.pbf", 10))

	assert.Equal(t, model.BackendContainer, got)
	require.Len(t, container.claims, 1)
	assert.Same(t, second, container.claims[0].def)
	assert.Empty(t, local.items)
}

func TestDispatch_LowestOrderWins(t *testing.T) {
	cloudDef := def("cloud", model.BackendCloud, 0)
	containerDef := def("container", model.BackendContainer, 1)
	container, cloud := &fakeClaimer{}, &fakeClaimer{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{containerDef, cloudDef}), container, cloud, &localList{}, nil)

	assert.Equal(t, model.BackendCloud, d.Dispatch(context.Background(), workItem("paris.osm.pbf", 10)))
	assert.Len(t, cloud.claims, 1)
	assert.Empty(t, container.claims)
}

func TestDispatch_ClaimErrorFallsThrough(t *testing.T) {
	container := &fakeClaimer{err: model.ErrInvalidDefinition}
	cloud := &fakeClaimer{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{
		def("container", model.BackendContainer, 0),
		def("cloud", model.BackendCloud, 1),
	}), container, cloud, &localList{}, nil)

	assert.Equal(t, model.BackendCloud, d.Dispatch(context.Background(), workItem("rome.osm.pbf", 10)))
	assert.Len(t, cloud.claims, 1)
}

func TestDispatch_EveryClaimFailingFallsToLocal(t *testing.T) {
	cloud := &fakeClaimer{err: errors.New("throttled")}
	local := &localList{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{
		def("container", model.BackendContainer, 0),
		def("cloud", model.BackendCloud, 1),
	}), nil, cloud, local, nil)

	assert.Equal(t, model.BackendLocal, d.Dispatch(context.Background(), workItem("rome.osm.pbf", 10)))
	require.Len(t, local.items, 1)
	assert.Equal(t, "rome.osm.pbf", local.items[0].FileName)
}

func TestDispatch_SizeLimitExcludes(t *testing.T) {
	small := def("small-only", model.BackendContainer, 0)
	small.SizeUpToMB = 1
	container, local := &fakeClaimer{}, &localList{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{small}), container, nil, local, nil)

	assert.Equal(t, model.BackendContainer, d.Dispatch(context.Background(), workItem("a.osm", 1024*1024)))
	assert.Equal(t, model.BackendLocal, d.Dispatch(context.Background(), workItem("b.osm", 1024*1024+1)))
}

func TestDispatch_TracksClaimsAndTransitions(t *testing.T) {
	rec := &memRecorder{}
	d := NewDispatcher(NewJobCatalog([]*model.JobDefinition{def("c", model.BackendContainer, 0, "big")}), &fakeClaimer{}, nil, &localList{}, rec)

	d.Dispatch(context.Background(), workItem("small.in", 1))
	d.Dispatch(context.Background(), workItem("big.in", 1))

	assert.Equal(t, map[model.BackendType]int{model.BackendContainer: 1, model.BackendLocal: 1}, d.Claimed())
	assert.True(t, d.Dispatched("SMALL.in"))
	assert.False(t, d.Dispatched("other.in"))
	require.Len(t, rec.transitions, 2)
	assert.Equal(t, model.TransitionDispatched, rec.transitions[1].Kind)
	assert.Equal(t, model.BackendLocal, rec.transitions[1].Backend)
}
