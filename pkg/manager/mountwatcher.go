package manager

import (
	"time"

	"github.com/moby/sys/mountinfo"
)

// mountPollInterval is how often the mount reconciler re-reads
// /proc/self/mountinfo. Mount units have no inotify-style event source of
// their own (a mount appearing is not a path event coreinit watches), so
// polling is the only input alphabet available.
const mountPollInterval = 2 * time.Second

// mountWatcher periodically reconciles every loaded mount unit's machine
// against the kernel's own view of what is mounted, posting the
// observation onto the event loop so only the loop goroutine ever calls
// MountMachine.Observe.
type mountWatcher struct {
	mgr    *Manager
	stopCh chan struct{}
}

func newMountWatcher(mgr *Manager) *mountWatcher {
	return &mountWatcher{mgr: mgr, stopCh: make(chan struct{})}
}

func (w *mountWatcher) run() {
	ticker := time.NewTicker(mountPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stopCh:
			return
		}
	}
}

func (w *mountWatcher) Stop() { close(w.stopCh) }

func (w *mountWatcher) poll() {
	mounted, err := w.mountedPaths()
	if err != nil {
		w.mgr.logger.Warn().Err(err).Msg("mountinfo read failed, skipping reconcile pass")
		return
	}
	w.mgr.loop.Post(func() {
		for unitID, sm := range w.mgr.mountMachines {
			if sm.Cfg == nil {
				continue
			}
			sm.Observe(mounted[sm.Cfg.Where])
			if u, ok := w.mgr.graph.Lookup(unitID); ok {
				u.ActiveState = sm.ActiveState()
				u.SubState = string(sm.Sub)
				w.mgr.publishUnit(u)
			}
		}
	})
}

func (w *mountWatcher) mountedPaths() (map[string]bool, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	mounted := make(map[string]bool, len(infos))
	for _, info := range infos {
		mounted[info.Mountpoint] = true
	}
	return mounted, nil
}
