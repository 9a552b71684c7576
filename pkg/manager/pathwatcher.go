package manager

import (
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/fsnotify/fsnotify"
)

// pathWatcher feeds filesystem change notifications into the event loop as
// an I/O source distinct from the timer/SIGCHLD/request sources the loop
// natively understands: the watcher goroutine only ever calls Post, never
// touches a PathMachine directly, so the single-writer invariant holds.
type pathWatcher struct {
	mgr     *Manager
	watcher *fsnotify.Watcher
	paths   map[string]string // watched path -> owning unit ID
}

func newPathWatcher(mgr *Manager) (*pathWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &pathWatcher{mgr: mgr, watcher: w, paths: make(map[string]string)}, nil
}

// Watch registers every path named by cfg for unitID, tolerating paths
// that do not exist yet (PathExists= is defined in terms of their
// eventual creation).
func (p *pathWatcher) Watch(unitID string, cfg *types.PathConfig) {
	for _, path := range cfg.PathExists {
		p.add(path, unitID)
	}
	for _, path := range cfg.PathChanged {
		p.add(path, unitID)
	}
	for _, path := range cfg.DirectoryNotEmpty {
		p.add(path, unitID)
	}
}

func (p *pathWatcher) add(path, unitID string) {
	if err := p.watcher.Add(path); err != nil {
		p.mgr.logger.Debug().Err(err).Str("path", path).Str("unit", unitID).Msg("path watch deferred, target missing")
		return
	}
	p.paths[path] = unitID
}

func (p *pathWatcher) run() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			unitID, known := p.paths[ev.Name]
			if !known {
				continue
			}
			p.mgr.loop.Post(func() { p.mgr.onPathTriggered(unitID) })
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.mgr.logger.Warn().Err(err).Msg("path watcher error")
		}
	}
}

func (p *pathWatcher) Close() error {
	return p.watcher.Close()
}

// onPathTriggered runs on the event loop goroutine: it settles the path
// unit's machine and starts its paired unit, exactly the condition PathMachine
// models without itself touching the filesystem.
func (m *Manager) onPathTriggered(unitID string) {
	sm := m.pathMachines[unitID]
	if sm == nil {
		return
	}
	sm.Trigger()
	if u, ok := m.graph.Lookup(unitID); ok {
		u.ActiveState = sm.ActiveState()
		m.publishUnit(u)
	}
	if sm.Cfg != nil && sm.Cfg.Unit != "" {
		go m.enqueue(sm.Cfg.Unit, types.JobStart, types.ModeReplace)
	}
	sm.Settle()
}
