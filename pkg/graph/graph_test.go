package graph

import (
	"fmt"
	"testing"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fakeLoader struct {
	configs map[string]*types.UnitConfig
}

func (f *fakeLoader) Load(name string) (*types.UnitConfig, error) {
	cfg, ok := f.configs[name]
	if !ok {
		return nil, &types.LoadErr{Unit: name, Kind: types.LoadErrNotFound}
	}
	return cfg, nil
}

func newTestGraph(configs map[string]*types.UnitConfig) *Graph {
	return New(&fakeLoader{configs: configs})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases instance only", func(t *testing.T) {
		got, err := Normalize("getty@TTY1.service")
		require.NoError(t, err)
		assert.Equal(t, "getty@tty1.service", got)
	})

	t.Run("rejects missing suffix", func(t *testing.T) {
		_, err := Normalize("nginx")
		assert.Error(t, err)
	})

	t.Run("rejects unknown suffix", func(t *testing.T) {
		_, err := Normalize("nginx.bogus")
		assert.Error(t, err)
	})

	t.Run("passes through non-template names untouched", func(t *testing.T) {
		got, err := Normalize("nginx.service")
		require.NoError(t, err)
		assert.Equal(t, "nginx.service", got)
	})
}

func TestExpandTemplateAndInstanceOf(t *testing.T) {
	expanded, err := ExpandTemplate("getty@.service", "tty1")
	require.NoError(t, err)
	assert.Equal(t, "getty@tty1.service", expanded)

	instance, ok := InstanceOf(expanded)
	require.True(t, ok)
	assert.Equal(t, "tty1", instance)

	_, ok = InstanceOf("nginx.service")
	assert.False(t, ok)

	_, err = ExpandTemplate("nginx.service", "tty1")
	assert.Error(t, err)
}

func TestGetOrLoadLoadsAndCaches(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"nginx.service": {ID: "nginx.service", Kind: types.KindService},
	})

	u, err := g.GetOrLoad("nginx.service")
	require.NoError(t, err)
	assert.Equal(t, types.LoadLoaded, u.LoadState)

	again, err := g.GetOrLoad("nginx.service")
	require.NoError(t, err)
	assert.Same(t, u, again)
}

func TestGetOrLoadNotFoundStillReturnsStub(t *testing.T) {
	g := newTestGraph(nil)

	u, err := g.GetOrLoad("missing.service")
	require.Error(t, err)
	require.NotNil(t, u)
	assert.Equal(t, types.LoadNotFound, u.LoadState)

	var loadErr *types.LoadErr
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, types.LoadErrNotFound, loadErr.Kind)
}

func TestGetOrLoadRefusesBareTemplate(t *testing.T) {
	g := newTestGraph(nil)
	_, err := g.GetOrLoad("getty@.service")
	assert.Error(t, err)
}

func TestAddDependencyMaintainsMirror(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"a.service": {ID: "a.service", Kind: types.KindService},
		"b.service": {ID: "b.service", Kind: types.KindService},
	})
	_, err := g.GetOrLoad("a.service")
	require.NoError(t, err)
	_, err = g.GetOrLoad("b.service")
	require.NoError(t, err)

	require.NoError(t, g.AddDependency("a.service", types.DepRequires, "b.service", types.ReasonFile))

	a, _ := g.Lookup("a.service")
	b, _ := g.Lookup("b.service")
	assert.True(t, a.HasDependency(types.DepRequires, "b.service"))
	assert.True(t, b.ReverseDependencies[types.DepRequiredBy]["a.service"])
}

func TestRemoveDependencyHonorsReasonMask(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"a.service": {ID: "a.service", Kind: types.KindService},
		"b.service": {ID: "b.service", Kind: types.KindService},
	})
	_, _ = g.GetOrLoad("a.service")
	_, _ = g.GetOrLoad("b.service")
	require.NoError(t, g.AddDependency("a.service", types.DepWants, "b.service", types.ReasonFile))

	g.RemoveDependency("a.service", types.DepWants, types.MaskRuntime)
	a, _ := g.Lookup("a.service")
	assert.True(t, a.HasDependency(types.DepWants, "b.service"), "runtime mask must not remove a file-reason edge")

	g.RemoveDependency("a.service", types.DepWants, types.MaskFile)
	a, _ = g.Lookup("a.service")
	assert.False(t, a.HasDependency(types.DepWants, "b.service"))

	b, _ := g.Lookup("b.service")
	assert.False(t, b.ReverseDependencies[types.DepWantedBy]["a.service"])
}

func TestMergeRedirectsReferences(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"canonical.service":  {ID: "canonical.service", Kind: types.KindService},
		"alias-stub.service": {ID: "alias-stub.service", Kind: types.KindService},
		"dependent.service":  {ID: "dependent.service", Kind: types.KindService},
	})
	_, _ = g.GetOrLoad("canonical.service")
	_, _ = g.GetOrLoad("alias-stub.service")
	_, _ = g.GetOrLoad("dependent.service")
	require.NoError(t, g.AddDependency("dependent.service", types.DepRequires, "alias-stub.service", types.ReasonFile))

	require.NoError(t, g.Merge("alias-stub.service", "canonical.service"))

	dep, _ := g.Lookup("dependent.service")
	assert.True(t, dep.HasDependency(types.DepRequires, "canonical.service"))
	assert.False(t, dep.HasDependency(types.DepRequires, "alias-stub.service"))

	viaAlias, ok := g.Lookup("alias-stub.service")
	require.True(t, ok, "merged alias should resolve through to the canonical unit")
	assert.Equal(t, "canonical.service", viaAlias.ID)

	resolved, ok := g.Lookup("canonical.service")
	require.True(t, ok)
	assert.Equal(t, "canonical.service", resolved.ID)
}

func TestGarbageCollectRemovesOnlyEligibleUnits(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"leaf.service":   {ID: "leaf.service", Kind: types.KindService},
		"parent.service": {ID: "parent.service", Kind: types.KindService},
	})
	_, _ = g.GetOrLoad("leaf.service")
	parent, _ := g.GetOrLoad("parent.service")
	require.NoError(t, g.AddDependency("parent.service", types.DepRequires, "leaf.service", types.ReasonFile))

	parent.ActiveState = types.ActiveActive
	removed := g.GarbageCollect()
	assert.Empty(t, removed, "leaf still has a live dependent via RequiredBy")

	parent.ActiveState = types.ActiveInactive
	removed = g.GarbageCollect()
	assert.ElementsMatch(t, []string{"leaf.service", "parent.service"}, removed)

	_, ok := g.Lookup("leaf.service")
	assert.False(t, ok)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	g := newTestGraph(map[string]*types.UnitConfig{
		"a.service": {ID: "a.service", Kind: types.KindService},
	})
	_, _ = g.GetOrLoad("a.service")
	snap := g.Snapshot()
	require.Len(t, snap, 1)

	g2 := newTestGraph(nil)
	g2.Restore(snap)
	u, ok := g2.Lookup("a.service")
	require.True(t, ok)
	assert.Equal(t, "a.service", u.ID)
}

func TestNameErrorMessage(t *testing.T) {
	err := &NameError{Name: "bogus", Reason: "missing kind suffix"}
	assert.Equal(t, fmt.Sprintf("invalid unit name %s: %s", "bogus", "missing kind suffix"), err.Error())
}

// mountFixture builds a types.MountConfig from a YAML literal, since real
// unit-file parsing lives outside this module and tests need some
// lightweight way to express a fixture mount configuration by hand.
func mountFixture(t *testing.T, doc string) *types.MountConfig {
	t.Helper()
	var cfg types.MountConfig
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	return &cfg
}

func TestGetOrLoadMountUnitFromYAMLFixture(t *testing.T) {
	cfg := mountFixture(t, `
what: /dev/sdb1
where: /mnt/data
fstype: ext4
options: [noatime]
`)
	g := newTestGraph(map[string]*types.UnitConfig{
		"mnt-data.mount": {ID: "mnt-data.mount", Kind: types.KindMount, Mount: cfg},
	})
	u, err := g.GetOrLoad("mnt-data.mount")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/data", u.Config.Mount.Where)
	assert.Equal(t, []string{"noatime"}, u.Config.Mount.Options)
}
