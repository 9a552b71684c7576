package job

import (
	"testing"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph is a minimal in-memory GraphView for builder tests, independent
// of the graph package's loader machinery.
type fakeGraph struct {
	units map[string]*types.Unit
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{units: make(map[string]*types.Unit)}
}

func (g *fakeGraph) add(id string, kind types.Kind) *types.Unit {
	u := types.NewUnit(id, kind)
	u.LoadState = types.LoadLoaded
	g.units[id] = u
	return u
}

func (g *fakeGraph) GetOrLoad(name string) (*types.Unit, error) {
	if u, ok := g.units[name]; ok {
		return u, nil
	}
	return nil, &types.LoadErr{Unit: name, Kind: types.LoadErrNotFound}
}

func (g *fakeGraph) Lookup(name string) (*types.Unit, bool) {
	u, ok := g.units[name]
	return u, ok
}

func (g *fakeGraph) Snapshot() []*types.Unit {
	out := make([]*types.Unit, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u)
	}
	return out
}

// fakeInstalled is a minimal in-memory InstalledJobs for builder tests.
type fakeInstalled struct {
	byUnit map[string]*types.Job
}

func newFakeInstalled() *fakeInstalled {
	return &fakeInstalled{byUnit: make(map[string]*types.Job)}
}

func (f *fakeInstalled) JobForUnit(unitID string) (*types.Job, bool) {
	j, ok := f.byUnit[unitID]
	return j, ok
}

func requireEdge(t *testing.T, g *fakeGraph, from string, kind types.DependencyKind, to string) {
	t.Helper()
	a := g.units[from]
	if a.Dependencies[kind] == nil {
		a.Dependencies[kind] = make(map[string]bool)
	}
	a.Dependencies[kind][to] = true
	inv, ok := kind.Inverse()
	require.True(t, ok)
	b := g.units[to]
	if b.ReverseDependencies[inv] == nil {
		b.ReverseDependencies[inv] = make(map[string]bool)
	}
	b.ReverseDependencies[inv][from] = true
}

func TestBuildStartPullsInRequiredDependency(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)
	g.add("b.service", types.KindService)
	requireEdge(t, g, "a.service", types.DepRequires, "b.service")
	requireEdge(t, g, "a.service", types.DepAfter, "b.service")

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)
	tx, err := builder.Build("a.service", types.JobStart, types.ModeReplace)
	require.NoError(t, err)

	require.Contains(t, tx.Jobs, "a.service")
	require.Contains(t, tx.Jobs, "b.service")
	assert.Equal(t, types.JobStart, tx.Jobs["b.service"].Type)

	// b must be ordered before a.
	a := tx.Jobs["a.service"]
	b := tx.Jobs["b.service"]
	assert.True(t, a.OrderedAfter[b.ID])
	assert.True(t, b.OrderedBefore[a.ID])
}

func TestBuildStartPullsConflictingStop(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)
	g.add("c.service", types.KindService)
	requireEdge(t, g, "a.service", types.DepConflicts, "c.service")

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)
	tx, err := builder.Build("a.service", types.JobStart, types.ModeReplace)
	require.NoError(t, err)

	require.Contains(t, tx.Jobs, "c.service")
	assert.Equal(t, types.JobStop, tx.Jobs["c.service"].Type)
}

func TestBuildRefusesSimultaneousConflictingStarts(t *testing.T) {
	g := newFakeGraph()
	a := g.add("a.service", types.KindService)
	c := g.add("c.service", types.KindService)
	requireEdge(t, g, "a.service", types.DepConflicts, "c.service")
	_ = a
	_ = c

	// Force both into a Start state by making Conflicts not auto-pull a
	// Stop: simulate by directly requesting a transaction that already
	// wants c.service active too, via Requisite-style precondition.
	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)

	tx := types.NewTransaction(&counter)
	tx.Anchor = "a.service"
	j1 := tx.AddJob("a.service", types.JobStart, types.ModeReplace)
	j1.Anchor = true
	tx.AddJob("c.service", types.JobStart, types.ModeReplace)

	err := builder.validate(tx)
	require.Error(t, err)
	var txErr *types.TransactionErr
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, types.TxErrConflict, txErr.Kind)
}

func TestBuildDetectsAndRelaxesCycle(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)
	g.add("b.service", types.KindService)
	requireEdge(t, g, "a.service", types.DepAfter, "b.service")
	requireEdge(t, g, "b.service", types.DepAfter, "a.service") // deliberate cycle

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)

	tx := types.NewTransaction(&counter)
	a := tx.AddJob("a.service", types.JobStart, types.ModeReplace)
	a.Anchor = true
	tx.AddJob("b.service", types.JobStart, types.ModeReplace)

	err := builder.order(tx)
	assert.NoError(t, err, "a two-node After/After cycle should relax rather than abort")
}

func TestBuildRejectsInactiveRequisite(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)
	req := g.add("req.service", types.KindService)
	req.ActiveState = types.ActiveInactive
	requireEdge(t, g, "a.service", types.DepRequisite, "req.service")

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)
	_, err := builder.Build("a.service", types.JobStart, types.ModeReplace)
	require.Error(t, err)
	var txErr *types.TransactionErr
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, types.TxErrRequisiteInactive, txErr.Kind)
}

func TestBuildRefusesMaskedAnchor(t *testing.T) {
	g := newFakeGraph()
	u := g.add("masked.service", types.KindService)
	u.LoadState = types.LoadMasked

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)
	_, err := builder.Build("masked.service", types.JobStart, types.ModeReplace)
	require.Error(t, err)
	var txErr *types.TransactionErr
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, types.TxErrMaskedUnit, txErr.Kind)
}

func TestCoalesceMatrix(t *testing.T) {
	assert.Equal(t, types.CoalesceMergeToRestart, types.Coalesce(types.JobStart, types.JobRestart))
	assert.Equal(t, types.CoalesceConflict, types.Coalesce(types.JobStart, types.JobStop))
	assert.Equal(t, types.CoalesceKeepExisting, types.Coalesce(types.JobStart, types.JobStart))
}

func TestIsolateStopsNonDependencies(t *testing.T) {
	g := newFakeGraph()
	g.add("a.target", types.KindTarget)
	g.add("b.service", types.KindService)
	g.add("unrelated.service", types.KindService).ActiveState = types.ActiveActive
	ignored := g.add("ignored.service", types.KindService)
	ignored.ActiveState = types.ActiveActive
	ignored.Config = &types.UnitConfig{IgnoreOnIsolate: true}
	requireEdge(t, g, "a.target", types.DepRequires, "b.service")
	g.units["b.service"].ActiveState = types.ActiveInactive

	counter := types.JobID(0)
	builder := NewBuilder(g, nil, &counter)
	tx, err := builder.Build("a.target", types.JobStart, types.ModeIsolate)
	require.NoError(t, err)

	require.Contains(t, tx.Jobs, "unrelated.service")
	assert.Equal(t, types.JobStop, tx.Jobs["unrelated.service"].Type)
	assert.NotContains(t, tx.Jobs, "ignored.service")
	require.Contains(t, tx.Jobs, "b.service")
	assert.Equal(t, types.JobStart, tx.Jobs["b.service"].Type, "a required dependency of the isolate target is started, not stopped")
}

func TestMergeInstalledRedirectsIdenticalRequest(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)

	installed := newFakeInstalled()
	existing := &types.Job{ID: 1, Unit: "a.service", Type: types.JobStart, State: types.JobRunning}
	installed.byUnit["a.service"] = existing

	counter := types.JobID(1)
	builder := NewBuilder(g, installed, &counter)
	tx, err := builder.Build("a.service", types.JobStart, types.ModeReplace)
	require.NoError(t, err)

	assert.Equal(t, types.JobID(1), tx.Jobs["a.service"].RedirectsTo)
	assert.Equal(t, types.JobID(1), tx.AnchorJobID)
}

func TestMergeInstalledSupersedesOnConflictingRequest(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)

	installed := newFakeInstalled()
	existing := &types.Job{ID: 1, Unit: "a.service", Type: types.JobStart, State: types.JobWaiting}
	installed.byUnit["a.service"] = existing

	counter := types.JobID(1)
	builder := NewBuilder(g, installed, &counter)
	tx, err := builder.Build("a.service", types.JobStop, types.ModeReplace)
	require.NoError(t, err)

	assert.Equal(t, types.JobID(1), tx.Jobs["a.service"].Supersedes)
}

func TestMergeInstalledConflictRefusedWithoutReplaceMode(t *testing.T) {
	g := newFakeGraph()
	g.add("a.service", types.KindService)

	installed := newFakeInstalled()
	existing := &types.Job{ID: 1, Unit: "a.service", Type: types.JobStart, State: types.JobWaiting}
	installed.byUnit["a.service"] = existing

	counter := types.JobID(1)
	builder := NewBuilder(g, installed, &counter)
	_, err := builder.Build("a.service", types.JobStop, types.ModeFail)
	require.Error(t, err)
	var txErr *types.TransactionErr
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, types.TxErrConflict, txErr.Kind)
}
