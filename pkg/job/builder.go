package job

import (
	"fmt"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// GraphView is the subset of *graph.Graph the builder needs: enough to
// resolve units, walk edges, and enumerate the active set for isolate mode,
// without importing the graph package and risking an import cycle with its
// own collaborators.
type GraphView interface {
	GetOrLoad(name string) (*types.Unit, error)
	Lookup(name string) (*types.Unit, bool)
	Snapshot() []*types.Unit
}

// InstalledJobs is the subset of *job.Runner the builder needs to merge a
// new transaction against jobs already installed on the same units.
type InstalledJobs interface {
	JobForUnit(unitID string) (*types.Job, bool)
}

// Builder implements the seed/expand/order/validate/merge-with-installed
// pipeline of a single build_transaction call. A Builder is single-use:
// call Build once per anchor request.
type Builder struct {
	graph     GraphView
	installed InstalledJobs
	counter   *types.JobID
	logger    zerolog.Logger
}

// NewBuilder constructs a Builder sharing the job ID counter with the
// runner's already-installed jobs. installed may be nil, treated as "no
// jobs installed yet" (useful for tests exercising the builder in
// isolation).
func NewBuilder(g GraphView, installed InstalledJobs, counter *types.JobID) *Builder {
	return &Builder{graph: g, installed: installed, counter: counter, logger: ulog.WithComponent("job-builder")}
}

// Build runs the full pipeline for one anchor request and returns the
// transaction ready for Runner.Install, or a *types.TransactionErr explaining why
// it was discarded. Nothing in the unit graph is mutated on failure.
func (b *Builder) Build(unitID string, jobType types.JobType, mode types.Mode) (*types.Transaction, error) {
	tx := types.NewTransaction(b.counter)
	tx.Anchor = unitID

	anchor, err := b.graph.GetOrLoad(unitID)
	if err != nil {
		return nil, &types.TransactionErr{Kind: types.TxErrUnresolvedDependency, Unit: unitID}
	}
	if anchor.LoadState == types.LoadMasked {
		return nil, &types.TransactionErr{Kind: types.TxErrMaskedUnit, Unit: unitID}
	}

	anchorJob := tx.AddJob(unitID, jobType, mode)
	anchorJob.Anchor = true
	anchorJob.Irreversible = mode == types.ModeReplaceIrreversibly

	if mode != types.ModeIgnoreDependencies {
		if err := b.expand(tx, anchor, mode); err != nil {
			return nil, err
		}
	}

	if mode == types.ModeIsolate {
		if err := b.addIsolateStops(tx, anchor); err != nil {
			return nil, err
		}
	}

	if err := b.order(tx); err != nil {
		return nil, err
	}
	if err := b.validate(tx); err != nil {
		return nil, err
	}
	if err := b.mergeInstalled(tx, mode); err != nil {
		return nil, err
	}
	return tx, nil
}

// mergeInstalled implements transaction step 3: every job this transaction
// is about to install is coalesced against whatever job is already
// installed on the same unit, so two overlapping requests (e.g. two
// StartUnit calls on the same unit before the first completes) never result
// in two concurrent jobs on one unit. A job that collapses into an
// existing one (CoalesceKeepExisting) is marked RedirectsTo and dropped at
// Install time; a job that must displace an existing one is marked
// Supersedes so Install cancels the old job first.
func (b *Builder) mergeInstalled(tx *types.Transaction, mode types.Mode) error {
	if b.installed == nil {
		return nil
	}
	for unitID, j := range tx.Jobs {
		existing, ok := b.installed.JobForUnit(unitID)
		if !ok || existing.State == types.JobDone {
			continue
		}
		outcome := types.Coalesce(existing.Type, j.Type)
		switch outcome {
		case types.CoalesceKeepExisting:
			j.RedirectsTo = existing.ID
		case types.CoalesceReplace, types.CoalesceMergeToRestart:
			j.Supersedes = existing.ID
			if outcome == types.CoalesceMergeToRestart {
				j.Type = types.JobRestart
			}
		case types.CoalesceConflict:
			canOverride := (mode == types.ModeReplace || mode == types.ModeReplaceIrreversibly) && !existing.Irreversible
			if !canOverride {
				return &types.TransactionErr{Kind: types.TxErrConflict, Unit: unitID}
			}
			j.Supersedes = existing.ID
		}
		if j.RedirectsTo != 0 && unitID == tx.Anchor {
			tx.AnchorJobID = j.RedirectsTo
		}
	}
	return nil
}

// expand walks activation-implying and Conflicts edges outward from every
// job already in the transaction, adding the jobs they pull in, until no
// new unit is reached. It is implemented as repeated passes
// over the transaction's current job set rather than an explicit worklist,
// since jobs are only ever added, never removed, during expansion.
func (b *Builder) expand(tx *types.Transaction, seed *types.Unit, mode types.Mode) error {
	if _, err := b.pullConflicts(tx, seed, mode); err != nil {
		return err
	}

	for pass := 0; pass < len(tx.Jobs)+64; pass++ {
		grew := false
		for id, j := range snapshotJobs(tx) {
			u, ok := b.graph.Lookup(id)
			if !ok {
				continue
			}
			propagated := propagatedJobType(j.Type)
			if propagated != types.JobNop {
				for kind, targets := range u.Dependencies {
					if !kind.ActivationImplying() {
						continue
					}
					for target := range targets {
						g, err := b.pull(tx, target, propagated, mode)
						if err != nil {
							return err
						}
						if g {
							grew = true
						}
					}
				}
			}
			g, err := b.pullConflicts(tx, u, mode)
			if err != nil {
				return err
			}
			if g {
				grew = true
			}
		}
		if !grew {
			return nil
		}
	}
	return nil
}

func snapshotJobs(tx *types.Transaction) map[string]*types.Job {
	out := make(map[string]*types.Job, len(tx.Jobs))
	for id, j := range tx.Jobs {
		out[id] = j
	}
	return out
}

// pull ensures unit target carries a job of jobType in tx, coalescing with
// whatever is already there, and reports whether a new job was added. A
// CoalesceConflict between two jobs pulled into the same transaction (e.g.
// one dependency chain wanting target started while another wants it
// stopped) is always a hard failure: nothing in a single transaction gets
// to override it.
func (b *Builder) pull(tx *types.Transaction, target string, jobType types.JobType, mode types.Mode) (bool, error) {
	u, err := b.graph.GetOrLoad(target)
	if err != nil {
		// Unresolved soft dependency (Wants) is tolerated; a hard one
		// (Requires) surfaces at validate time via TxErrUnresolvedDependency.
		return false, nil
	}
	if existing, ok := tx.Jobs[u.ID]; ok {
		if err := applyCoalesce(existing, types.Coalesce(existing.Type, jobType), jobType); err != nil {
			return false, err
		}
		return false, nil
	}
	tx.AddJob(u.ID, jobType, mode)
	return true, nil
}

func (b *Builder) pullConflicts(tx *types.Transaction, u *types.Unit, mode types.Mode) (bool, error) {
	grew := false
	for target := range u.Dependencies[types.DepConflicts] {
		g, err := b.pull(tx, target, types.JobStop, mode)
		if err != nil {
			return false, err
		}
		grew = grew || g
	}
	for target := range u.ReverseDependencies[types.DepConflictedBy] {
		g, err := b.pull(tx, target, types.JobStop, mode)
		if err != nil {
			return false, err
		}
		grew = grew || g
	}
	return grew, nil
}

// isolateKeepSet returns the anchor plus every unit transitively reachable
// from it via Requires/Wants/BindsTo edges — the set isolate mode must
// leave alone.
func (b *Builder) isolateKeepSet(anchor *types.Unit) map[string]bool {
	keep := map[string]bool{anchor.ID: true}
	queue := []*types.Unit{anchor}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for kind, targets := range u.Dependencies {
			if !kind.ActivationImplying() {
				continue
			}
			for target := range targets {
				if keep[target] {
					continue
				}
				keep[target] = true
				if next, ok := b.graph.Lookup(target); ok {
					queue = append(queue, next)
				}
			}
		}
	}
	return keep
}

// addIsolateStops schedules a Stop for every loaded, live unit outside
// transitive_wants_requires_bindsto(anchor) ∪ IgnoreOnIsolate.
func (b *Builder) addIsolateStops(tx *types.Transaction, anchor *types.Unit) error {
	keep := b.isolateKeepSet(anchor)
	for _, u := range b.graph.Snapshot() {
		if keep[u.ID] {
			continue
		}
		if u.Config != nil && u.Config.IgnoreOnIsolate {
			continue
		}
		if !u.ActiveState.IsLive() {
			continue
		}
		if _, err := b.pull(tx, u.ID, types.JobStop, types.ModeIsolate); err != nil {
			return err
		}
	}
	return nil
}

// propagatedJobType maps an anchor job's type to the type it propagates to
// units it activation-implies.
func propagatedJobType(seedType types.JobType) types.JobType {
	switch seedType {
	case types.JobStart, types.JobRestart, types.JobTryRestart:
		return types.JobStart
	case types.JobReload, types.JobTryReload:
		return types.JobNop
	default:
		return types.JobNop
	}
}

func applyCoalesce(existing *types.Job, outcome types.CoalesceOutcome, incoming types.JobType) error {
	switch outcome {
	case types.CoalesceReplace:
		existing.Type = incoming
	case types.CoalesceMergeToRestart:
		existing.Type = types.JobRestart
	case types.CoalesceConflict:
		return &types.TransactionErr{Kind: types.TxErrConflict, Unit: existing.Unit}
	default:
	}
	return nil
}

// order derives OrderedAfter/OrderedBefore from Before/After edges and from
// activation-implying edges (a Requires/BindsTo dependency's Start runs
// before its dependent's Start; among Stop jobs, a unit that Requires
// another stops before it), then resolves cycles by relaxation.
func (b *Builder) order(tx *types.Transaction) error {
	for _, j := range tx.Jobs {
		u, ok := b.graph.Lookup(j.Unit)
		if !ok {
			continue
		}
		for target := range u.Dependencies[types.DepBefore] {
			if other, ok := tx.Jobs[target]; ok {
				addOrder(j, other)
			}
		}
		for target := range u.Dependencies[types.DepAfter] {
			if other, ok := tx.Jobs[target]; ok {
				addOrder(other, j)
			}
		}
		if j.Type == types.JobStart {
			for target := range u.Dependencies[types.DepRequires] {
				if other, ok := tx.Jobs[target]; ok && other.Type == types.JobStart {
					addOrder(other, j)
				}
			}
			for target := range u.Dependencies[types.DepBindsTo] {
				if other, ok := tx.Jobs[target]; ok && other.Type == types.JobStart {
					addOrder(other, j)
				}
			}
		}
		if j.Type == types.JobStop {
			for target := range u.ReverseDependencies[types.DepRequiredBy] {
				if other, ok := tx.Jobs[target]; ok && other.Type == types.JobStop {
					addOrder(other, j)
				}
			}
		}
	}

	return b.relaxCycles(tx)
}

// addOrder records that before must run before after.
func addOrder(before, after *types.Job) {
	before.OrderedBefore[after.ID] = true
	after.OrderedAfter[before.ID] = true
}

// relaxCycles detects ordering cycles via DFS and breaks each one by
// dropping a single ordering edge on the path (see breakCycle): the first
// edge whose tail is not the anchor job, or the first edge of the path when
// every edge starts at the anchor. After-derived and Requires-derived edges
// are not distinguished at this point.
func (b *Builder) relaxCycles(tx *types.Transaction) error {
	const maxPasses = 64
	for pass := 0; pass < maxPasses; pass++ {
		path, ok := findCycle(tx)
		if !ok {
			return nil
		}
		dropped := b.breakCycle(tx, path)
		if !dropped {
			return &types.TransactionErr{Kind: types.TxErrCycleFound, Path: path}
		}
		b.logger.Warn().Strs("cycle", path).Msg("relaxed ordering cycle by dropping a non-essential edge")
	}
	return &types.TransactionErr{Kind: types.TxErrCycleFound}
}

func findCycle(tx *types.Transaction) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[types.JobID]int, len(tx.Jobs))
	idToUnit := make(map[types.JobID]string, len(tx.Jobs))
	for _, j := range tx.Jobs {
		idToUnit[j.ID] = j.Unit
	}

	var stack []types.JobID
	var cyclePath []string

	var visit func(id types.JobID) bool
	visit = func(id types.JobID) bool {
		color[id] = gray
		stack = append(stack, id)
		for next := range jobByID(tx, id).OrderedBefore {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				for i, sid := range stack {
					if sid == next {
						for _, pid := range stack[i:] {
							cyclePath = append(cyclePath, idToUnit[pid])
						}
						cyclePath = append(cyclePath, idToUnit[next])
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, j := range tx.Jobs {
		if color[j.ID] == white {
			if visit(j.ID) {
				return cyclePath, true
			}
		}
	}
	return nil, false
}

func jobByID(tx *types.Transaction, id types.JobID) *types.Job {
	for _, j := range tx.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// breakCycle removes one OrderedBefore/OrderedAfter pair on the path,
// preferring an edge whose tail is not the anchor job.
func (b *Builder) breakCycle(tx *types.Transaction, path []string) bool {
	for i := 0; i < len(path)-1; i++ {
		from := tx.Jobs[path[i]]
		to := tx.Jobs[path[i+1]]
		if from == nil || to == nil {
			continue
		}
		if from.Anchor {
			continue
		}
		delete(from.OrderedBefore, to.ID)
		delete(to.OrderedAfter, from.ID)
		return true
	}
	// every edge touches the anchor: last resort, drop the first one anyway.
	if len(path) >= 2 {
		from := tx.Jobs[path[0]]
		to := tx.Jobs[path[1]]
		if from != nil && to != nil {
			delete(from.OrderedBefore, to.ID)
			delete(to.OrderedAfter, from.ID)
			return true
		}
	}
	return false
}

// validate runs the load-bearing checks that may still discard the whole
// transaction after ordering succeeds: Requires/BindsTo targets of a Start
// job must resolve to a found unit, Requisite units must
// already be active, masked units may not be scheduled, and a unit may not
// carry both a Start and a Stop job for two different conflicting units
// that both insist on being active.
func (b *Builder) validate(tx *types.Transaction) error {
	for _, j := range tx.Jobs {
		u, ok := b.graph.Lookup(j.Unit)
		if !ok {
			return &types.TransactionErr{Kind: types.TxErrUnresolvedDependency, Unit: j.Unit}
		}
		if u.LoadState == types.LoadMasked && j.Type != types.JobStop {
			return &types.TransactionErr{Kind: types.TxErrMaskedUnit, Unit: j.Unit}
		}
		if j.Type != types.JobStart {
			continue
		}
		for _, kind := range []types.DependencyKind{types.DepRequires, types.DepBindsTo} {
			for target := range u.Dependencies[kind] {
				if dep, ok := b.graph.Lookup(target); !ok || dep.LoadState == types.LoadNotFound {
					return &types.TransactionErr{Kind: types.TxErrUnresolvedDependency, Unit: target}
				}
			}
		}
		for target := range u.Dependencies[types.DepRequisite] {
			dep, ok := b.graph.Lookup(target)
			if !ok || !dep.ActiveState.IsLive() {
				return &types.TransactionErr{Kind: types.TxErrRequisiteInactive, Unit: target}
			}
		}
		for target := range u.Dependencies[types.DepConflicts] {
			if other, ok := tx.Jobs[target]; ok && other.Type == types.JobStart {
				return &types.TransactionErr{Kind: types.TxErrConflict, Unit: fmt.Sprintf("%s<->%s", j.Unit, target)}
			}
		}
	}
	return nil
}
