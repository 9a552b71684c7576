package unitfsm

import (
	"testing"
	"time"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleConfig() *types.ServiceConfig {
	return &types.ServiceConfig{
		Type:            types.ServiceSimple,
		ExecStart:       []types.ExecCommand{{Path: "/usr/bin/true"}},
		Restart:         types.RestartNo,
		TimeoutStartSec: 5 * time.Second,
		TimeoutStopSec:  5 * time.Second,
		KillSignal:      "SIGTERM",
	}
}

func TestServiceMachineHappyPath(t *testing.T) {
	m := NewServiceMachine("a.service", simpleConfig())
	assert.Equal(t, types.ActiveInactive, m.ActiveState())

	act := m.Transition(EventStartRequested)
	require.Equal(t, ActionRunCommands, act.Kind)
	assert.Equal(t, SvcStartPre, m.Sub)
	assert.Equal(t, types.ActiveActivating, m.ActiveState())

	m.Transition(EventPhaseSucceeded) // start-pre done -> start
	assert.Equal(t, SvcStart, m.Sub)

	m.Transition(EventPhaseSucceeded) // simple type: ExecStart spawned -> start-post
	assert.Equal(t, SvcStartPost, m.Sub)

	m.Transition(EventPhaseSucceeded) // start-post done -> running
	assert.Equal(t, SvcRunning, m.Sub)
	assert.Equal(t, types.ActiveActive, m.ActiveState())

	act = m.Transition(EventStopRequested)
	assert.Equal(t, SvcStop, m.Sub)
	assert.Equal(t, ActionRunCommands, act.Kind)

	m.Transition(EventPhaseSucceeded) // ExecStop done -> sigterm
	assert.Equal(t, SvcStopSigterm, m.Sub)

	m.Transition(EventMainExited) // process gone -> stop-post
	assert.Equal(t, SvcStopPost, m.Sub)

	m.Transition(EventPhaseSucceeded) // stop-post done -> dead
	assert.Equal(t, SvcDead, m.Sub)
	assert.Equal(t, types.ActiveInactive, m.ActiveState())
	assert.False(t, m.FailedLatched())
}

func TestServiceMachineRestartAlwaysOnUnexpectedExit(t *testing.T) {
	cfg := simpleConfig()
	cfg.Restart = types.RestartAlways
	cfg.RestartSec = 100 * time.Millisecond
	m := NewServiceMachine("a.service", cfg)

	m.Transition(EventStartRequested)
	m.Transition(EventPhaseSucceeded)
	m.Transition(EventPhaseSucceeded)
	m.Transition(EventPhaseSucceeded)
	require.Equal(t, SvcRunning, m.Sub)

	act := m.Transition(EventMainExited)
	assert.Equal(t, SvcAutoRestart, m.Sub)
	assert.Equal(t, ActionArmRestart, act.Kind)

	m.Transition(EventRestartTimerFired)
	assert.Equal(t, SvcStartPre, m.Sub)
}

func TestServiceMachineFailsWithoutRestart(t *testing.T) {
	m := NewServiceMachine("a.service", simpleConfig())
	m.Transition(EventStartRequested)
	act := m.Transition(EventPhaseFailed) // start-pre failed: stop-post runs, stop is skipped
	require.Equal(t, SvcStopPost, m.Sub)
	assert.Equal(t, ActionRunCommands, act.Kind)
	assert.False(t, m.FailedLatched())

	act = m.Transition(EventPhaseSucceeded) // stop-post (empty) done -> failed
	assert.Equal(t, SvcFailed, m.Sub)
	assert.Equal(t, ActionNotifyFailed, act.Kind)
	assert.True(t, m.FailedLatched())
	assert.Equal(t, types.ActiveFailed, m.ActiveState())
}

func TestStopDuringStartPostRunsStopPostSkipsStop(t *testing.T) {
	m := NewServiceMachine("a.service", simpleConfig())
	m.Transition(EventStartRequested)
	m.Transition(EventPhaseSucceeded) // start-pre -> start
	m.Transition(EventPhaseSucceeded) // start -> start-post
	require.Equal(t, SvcStartPost, m.Sub)

	act := m.Transition(EventStopRequested)
	assert.Equal(t, SvcStopPost, m.Sub)
	assert.Equal(t, ActionRunCommands, act.Kind)
	assert.False(t, m.FailedLatched())

	m.Transition(EventPhaseSucceeded) // stop-post done -> dead, not failed
	assert.Equal(t, SvcDead, m.Sub)
	assert.False(t, m.FailedLatched())
}

func TestServiceMachineSigtermEscalatesToSigkill(t *testing.T) {
	cfg := simpleConfig()
	m := NewServiceMachine("a.service", cfg)
	m.Transition(EventStartRequested)
	m.Transition(EventPhaseSucceeded)
	m.Transition(EventPhaseSucceeded)
	m.Transition(EventPhaseSucceeded)

	m.Transition(EventStopRequested)
	m.Transition(EventPhaseSucceeded) // -> stop-sigterm
	require.Equal(t, SvcStopSigterm, m.Sub)

	act := m.Transition(EventTimeout)
	assert.Equal(t, SvcStopSigkill, m.Sub)
	assert.Equal(t, "SIGKILL", act.Signal)
}

func TestClearFailedResetsLatch(t *testing.T) {
	m := NewServiceMachine("a.service", simpleConfig())
	m.Transition(EventStartRequested)
	m.Transition(EventPhaseFailed)    // start-pre failed -> stop-post
	m.Transition(EventPhaseSucceeded) // stop-post done -> failed
	require.True(t, m.FailedLatched())

	m.ClearFailed()
	assert.False(t, m.FailedLatched())
	assert.Equal(t, SvcDead, m.Sub)
}

func TestOneshotRemainsExitedNotRunning(t *testing.T) {
	cfg := simpleConfig()
	cfg.Type = types.ServiceOneshot
	m := NewServiceMachine("a.service", cfg)

	m.Transition(EventStartRequested)
	m.Transition(EventPhaseSucceeded) // start-pre -> start
	m.Transition(EventMainExited)     // oneshot: exit triggers start-post
	require.Equal(t, SvcStartPost, m.Sub)
	m.Transition(EventPhaseSucceeded)
	assert.Equal(t, SvcExited, m.Sub)
	assert.Equal(t, types.ActiveActive, m.ActiveState())
}
