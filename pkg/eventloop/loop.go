package eventloop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// ChildReaper is notified when a child process has been reaped, with its
// exit status, so the owning unit's state machine can transition.
type ChildReaper interface {
	Reaped(pid int, status syscall.WaitStatus)
}

// Timer is a single scheduled wakeup, either monotonic or wall-clock; the
// loop does not care which, it only compares Fire against its own clock
// read at tick time.
type Timer struct {
	ID   uint64
	Fire time.Time
	Then func()
}

// Loop is the manager's single-threaded dispatcher. Run blocks until Stop
// is called; all registered callbacks (timer Then
// funcs, request handlers, drain passes) execute on the same goroutine
// that called Run, so none of them may block.
type Loop struct {
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[uint64]*Timer
	nextID uint64

	requests chan func()
	sigchld  chan os.Signal
	stop     chan struct{}
	stopped  chan struct{}

	reaper ChildReaper
	onTick func() // invoked once per loop iteration, e.g. runner.Drain
}

// New constructs a Loop. onTick is called once after every processed event
// (timer fire, request, SIGCHLD reap) so the job runner can drain newly
// runnable jobs without the loop needing to know about jobs at all.
func New(reaper ChildReaper, onTick func()) *Loop {
	return &Loop{
		logger:   ulog.WithComponent("event-loop"),
		timers:   make(map[uint64]*Timer),
		requests: make(chan func(), 64),
		sigchld:  make(chan os.Signal, 8),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		reaper:   reaper,
		onTick:   onTick,
	}
}

// ArmTimer schedules fn to run at (or shortly after) fire, and returns an
// ID usable with CancelTimer.
func (l *Loop) ArmTimer(fire time.Time, fn func()) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.timers[id] = &Timer{ID: id, Fire: fire, Then: fn}
	return id
}

// CancelTimer removes a previously armed timer; a no-op if it already fired.
func (l *Loop) CancelTimer(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, id)
}

// Post queues fn to run on the loop goroutine, the only safe way for
// another goroutine (e.g. an IPC handler) to touch manager state.
func (l *Loop) Post(fn func()) {
	select {
	case l.requests <- fn:
	case <-l.stop:
	}
}

// Run starts the dispatch loop and blocks until Stop is called. It installs
// its own SIGCHLD handler; the caller must not also call signal.Notify for
// SIGCHLD elsewhere in the process.
func (l *Loop) Run() {
	defer close(l.stopped)
	signal.Notify(l.sigchld, syscall.SIGCHLD)
	defer signal.Stop(l.sigchld)

	const tick = 100 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case fn := <-l.requests:
			l.safely(fn)
			l.tick()
		case <-l.sigchld:
			l.reapAll()
			l.tick()
		case now := <-ticker.C:
			l.fireTimers(now)
			l.tick()
		}
	}
}

// Stop requests the loop to exit and blocks until it has.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.stopped
}

func (l *Loop) tick() {
	if l.onTick != nil {
		l.safely(l.onTick)
	}
}

func (l *Loop) fireTimers(now time.Time) {
	l.mu.Lock()
	var due []*Timer
	for id, t := range l.timers {
		if !t.Fire.After(now) {
			due = append(due, t)
			delete(l.timers, id)
		}
	}
	l.mu.Unlock()

	for _, t := range due {
		l.safely(t.Then)
	}
}

// reapAll drains every exited child via wait4/WNOHANG, per the
// SIGCHLD-coalescing rule: a single signal can represent multiple
// terminated children, so the handler must loop until ECHILD.
func (l *Loop) reapAll() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if l.reaper != nil {
			l.safely(func() { l.reaper.Reaped(pid, status) })
		}
	}
}

func (l *Loop) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("event loop callback panicked, continuing")
		}
	}()
	fn()
}
