package graph

import (
	"fmt"
	"sync"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// Loader is the external collaborator that turns a unit name into an
// already-validated UnitConfig. Load returns a *types.LoadErr wrapped error for any
// unit that cannot be loaded.
type Loader interface {
	Load(name string) (*types.UnitConfig, error)
}

// legalKinds restricts which unit kinds may be either endpoint of a
// dependency kind.
var legalKinds = map[types.DependencyKind]map[types.Kind]bool{
	types.DepSlice: {types.KindSlice: true, types.KindScope: true, types.KindService: true},
}

// Graph owns the in-memory unit index: nodes keyed by canonical ID, plus an
// alias table. All mutation happens on the event-loop goroutine; the mutex
// exists only to let read-only collaborators (metrics collector, IPC
// surface) observe consistent snapshots concurrently.
type Graph struct {
	mu      sync.RWMutex
	units   map[string]*types.Unit
	aliases map[string]string // alias -> canonical id
	loader  Loader
	logger  zerolog.Logger
}

// New constructs an empty Graph backed by loader.
func New(loader Loader) *Graph {
	return &Graph{
		units:   make(map[string]*types.Unit),
		aliases: make(map[string]string),
		loader:  loader,
		logger:  ulog.WithComponent("graph"),
	}
}

// resolve maps a requested name (already normalized) to its canonical unit,
// if loaded.
func (g *Graph) resolve(name string) (*types.Unit, bool) {
	if u, ok := g.units[name]; ok {
		return u, true
	}
	if canon, ok := g.aliases[name]; ok {
		u, ok := g.units[canon]
		return u, ok
	}
	return nil, false
}

// Lookup returns an already-loaded unit without triggering a load.
func (g *Graph) Lookup(name string) (*types.Unit, bool) {
	norm, err := Normalize(name)
	if err != nil {
		return nil, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolve(norm)
}

// GetOrLoad returns an existing unit by id or alias, or triggers a load via
// the collaborator on first reference. Requests targeting a bare template name are refused.
func (g *Graph) GetOrLoad(name string) (*types.Unit, error) {
	norm, err := Normalize(name)
	if err != nil {
		return nil, &types.TransactionErr{Kind: types.TxErrUnresolvedDependency, Unit: name}
	}
	if types.IsTemplate(norm) {
		return nil, &types.TransactionErr{Kind: types.TxErrRefused, Unit: norm}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if u, ok := g.resolve(norm); ok {
		return u, nil
	}

	kind, ok := KindOf(norm)
	if !ok {
		return nil, &NameError{Name: norm, Reason: "unrecognized kind"}
	}

	u := types.NewUnit(norm, kind)
	cfg, err := g.loader.Load(norm)
	if err != nil {
		u.LoadState = types.LoadNotFound
		g.units[norm] = u
		return u, err
	}

	u.Config = cfg
	u.LoadState = types.LoadLoaded
	for _, alias := range cfg.Aliases {
		aliasNorm, err := Normalize(alias)
		if err != nil {
			continue
		}
		u.Aliases[aliasNorm] = true
		g.aliases[aliasNorm] = norm
	}
	g.units[norm] = u

	for _, e := range cfg.Edges {
		if err := g.addDependencyLocked(norm, e.Kind, e.Target, e.Reason); err != nil {
			g.logger.Warn().Str("unit", norm).Str("target", e.Target).Err(err).Msg("dropping illegal edge from unit file")
		}
	}

	return u, nil
}

// AddDependency creates the edge (from,kind,to) and its mirror, idempotently,
// recording reason for later selective rollback.
func (g *Graph) AddDependency(from string, kind types.DependencyKind, to string, reason types.EdgeReason) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addDependencyLocked(from, kind, to, reason)
}

func (g *Graph) addDependencyLocked(from string, kind types.DependencyKind, to string, reason types.EdgeReason) error {
	inv, ok := kind.Inverse()
	if !ok {
		return fmt.Errorf("unknown dependency kind %s", kind)
	}

	a, ok := g.units[from]
	if !ok {
		return fmt.Errorf("add_dependency: unit %s not loaded", from)
	}
	b, ok := g.resolve(to)
	var bID string
	if ok {
		bID = b.ID
	} else {
		bID = to // target may be not-found; edges may still point at it
	}

	if allowed, restricted := legalKinds[kind]; restricted {
		if !allowed[a.Kind] || (ok && !allowed[b.Kind]) {
			return fmt.Errorf("dependency kind %s illegal for %s -> %s", kind, a.Kind, to)
		}
	}
	if a.LoadState == types.LoadNotFound && (kind == types.DepRequires || kind == types.DepWants) {
		return fmt.Errorf("not-found unit %s may not declare %s", from, kind)
	}

	if a.Dependencies[kind] == nil {
		a.Dependencies[kind] = make(map[string]bool)
	}
	a.Dependencies[kind][bID] = true
	a.EdgeReasons[types.EdgeKey(kind, bID)] = reason

	if ok {
		if b.ReverseDependencies[inv] == nil {
			b.ReverseDependencies[inv] = make(map[string]bool)
		}
		b.ReverseDependencies[inv][a.ID] = true
	}
	return nil
}

// RemoveDependency drops edges of kind from `from` whose reason matches
// mask, along with their mirrors.
func (g *Graph) RemoveDependency(from string, kind types.DependencyKind, mask types.ReasonMask) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.units[from]
	if !ok {
		return
	}
	inv, _ := kind.Inverse()
	set := a.Dependencies[kind]
	for target := range set {
		key := types.EdgeKey(kind, target)
		reason := a.EdgeReasons[key]
		if reason.Mask()&mask == 0 {
			continue
		}
		delete(set, target)
		delete(a.EdgeReasons, key)
		if b, ok := g.units[target]; ok {
			if rev := b.ReverseDependencies[inv]; rev != nil {
				delete(rev, from)
			}
		}
	}
}

// Merge redirects all inbound references from aliasUnit to canonicalUnit,
// used when the loader discovers two stubs name the same real unit.
func (g *Graph) Merge(aliasUnit, canonicalUnit string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	alias, ok := g.units[aliasUnit]
	if !ok {
		return fmt.Errorf("merge: %s not loaded", aliasUnit)
	}
	canon, ok := g.units[canonicalUnit]
	if !ok {
		return fmt.Errorf("merge: %s not loaded", canonicalUnit)
	}
	if alias.JobID != 0 {
		return fmt.Errorf("merge: %s has an in-flight job", aliasUnit)
	}

	for _, u := range g.units {
		for kind, set := range u.Dependencies {
			if set[aliasUnit] {
				delete(set, aliasUnit)
				set[canonicalUnit] = true
				oldKey := types.EdgeKey(kind, aliasUnit)
				u.EdgeReasons[types.EdgeKey(kind, canonicalUnit)] = u.EdgeReasons[oldKey]
				delete(u.EdgeReasons, oldKey)
				if inv, ok := kind.Inverse(); ok {
					if canon.ReverseDependencies[inv] == nil {
						canon.ReverseDependencies[inv] = make(map[string]bool)
					}
					canon.ReverseDependencies[inv][u.ID] = true
				}
			}
		}
	}
	g.aliases[aliasUnit] = canonicalUnit
	alias.LoadState = types.LoadMerged
	for name := range alias.Aliases {
		canon.Aliases[name] = true
		g.aliases[name] = canonicalUnit
	}
	delete(g.units, aliasUnit)
	return nil
}

// hasLiveDependents reports whether any other unit still needs unitID present:
// a reverse Requires/Wants/BindsTo/PartOf/Slice edge from a non-inactive or
// job-holding unit.
func (g *Graph) hasLiveDependents(unitID string) bool {
	u := g.units[unitID]
	for _, kind := range []types.DependencyKind{types.DepRequiredBy, types.DepWantedBy, types.DepBoundBy, types.DepConsistsOf} {
		for dep := range u.ReverseDependencies[kind] {
			d, ok := g.units[dep]
			if !ok {
				continue
			}
			if d.ActiveState != types.ActiveInactive || d.JobID != 0 {
				return true
			}
		}
	}
	return false
}

// GarbageCollect removes every eligible unit (inactive, no job, no
// refs, no live dependents) and returns their IDs.
func (g *Graph) GarbageCollect() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []string
	for id, u := range g.units {
		if u.GCEligible(g.hasLiveDependents(id)) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		u := g.units[id]
		for kind, set := range u.Dependencies {
			inv, _ := kind.Inverse()
			for target := range set {
				if t, ok := g.units[target]; ok {
					delete(t.ReverseDependencies[inv], id)
				}
			}
		}
		for alias := range u.Aliases {
			delete(g.aliases, alias)
		}
		delete(g.units, id)
	}
	return removed
}

// Snapshot returns every currently loaded unit, for serialization and for
// the IPC ListUnits surface. Callers must not mutate the returned units.
func (g *Graph) Snapshot() []*types.Unit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Unit, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u)
	}
	return out
}

// Restore repopulates the graph from units previously obtained via
// Snapshot, used by the re-exec coordinator. Dependency maps are
// assumed already consistent (they were serialized from a Graph that
// upheld the edge-symmetry invariant).
func (g *Graph) Restore(units []*types.Unit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.units = make(map[string]*types.Unit, len(units))
	g.aliases = make(map[string]string)
	for _, u := range units {
		g.units[u.ID] = u
		for alias := range u.Aliases {
			g.aliases[alias] = u.ID
		}
	}
}
