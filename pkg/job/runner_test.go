package job

import (
	"testing"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	executed []types.JobID
	fail     map[types.JobID]bool
}

func (e *recordingExecutor) Execute(j *types.Job) error {
	e.executed = append(e.executed, j.ID)
	if e.fail[j.ID] {
		return assertErr
	}
	return nil
}

var assertErr = &types.RuntimeErr{Kind: types.RtErrSpawnFailed, Unit: "x"}

func TestRunnerDrainsOnlyRunnableJobs(t *testing.T) {
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	var changes []string
	r := NewRunner(exec, func(j *types.Job) { changes = append(changes, string(j.State)) })

	counter := r.Counter()
	tx := types.NewTransaction(counter)
	dep := tx.AddJob("dep.service", types.JobStart, types.ModeReplace)
	main := tx.AddJob("main.service", types.JobStart, types.ModeReplace)
	main.OrderedAfter[dep.ID] = true
	dep.OrderedBefore[main.ID] = true

	r.Install(tx)
	r.Drain()

	assert.Contains(t, exec.executed, dep.ID)
	assert.NotContains(t, exec.executed, main.ID, "main must not run before its dependency completes")

	r.Complete(dep.ID, types.ResultDone)
	r.Drain()
	assert.Contains(t, exec.executed, main.ID)
}

func TestRunnerFinishOnExecuteError(t *testing.T) {
	counter := types.JobID(0)
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	r := NewRunner(exec, nil)
	_ = counter

	tx := types.NewTransaction(r.Counter())
	j := tx.AddJob("broken.service", types.JobStart, types.ModeReplace)
	exec.fail[j.ID] = true

	r.Install(tx)
	r.Drain()

	require.Equal(t, types.JobDone, j.State)
	assert.Equal(t, types.ResultFailed, j.Result)
}

func TestRunnerPruneRemovesCompletedJobs(t *testing.T) {
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	r := NewRunner(exec, nil)
	tx := types.NewTransaction(r.Counter())
	j := tx.AddJob("a.service", types.JobStart, types.ModeReplace)
	r.Install(tx)
	r.Complete(j.ID, types.ResultDone)

	assert.Len(t, r.List(), 1)
	r.Prune()
	assert.Len(t, r.List(), 0)
}

func TestRunnerCancelWaitingJob(t *testing.T) {
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	r := NewRunner(exec, nil)
	tx := types.NewTransaction(r.Counter())
	j := tx.AddJob("a.service", types.JobStart, types.ModeReplace)
	r.Install(tx)

	r.Cancel(j.ID)
	assert.Equal(t, types.JobDone, j.State)
	assert.Equal(t, types.ResultCanceled, j.Result)
	assert.Empty(t, exec.executed)
}

func TestRunnerJobForUnitFindsInFlightJob(t *testing.T) {
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	r := NewRunner(exec, nil)
	tx := types.NewTransaction(r.Counter())
	j := tx.AddJob("a.service", types.JobStart, types.ModeReplace)
	r.Install(tx)

	found, ok := r.JobForUnit("a.service")
	require.True(t, ok)
	assert.Equal(t, j.ID, found.ID)

	r.Complete(j.ID, types.ResultDone)
	_, ok = r.JobForUnit("a.service")
	assert.False(t, ok, "a done job no longer counts as in-flight")
}

func TestRunnerInstallSkipsRedirectedJobAndCancelsSuperseded(t *testing.T) {
	exec := &recordingExecutor{fail: map[types.JobID]bool{}}
	r := NewRunner(exec, nil)

	firstTx := types.NewTransaction(r.Counter())
	first := firstTx.AddJob("a.service", types.JobStart, types.ModeReplace)
	r.Install(firstTx)

	redirectTx := types.NewTransaction(r.Counter())
	redirected := redirectTx.AddJob("a.service", types.JobStart, types.ModeReplace)
	redirected.RedirectsTo = first.ID
	r.Install(redirectTx)
	assert.NotContains(t, r.List(), redirected)

	supersedeTx := types.NewTransaction(r.Counter())
	superseding := supersedeTx.AddJob("b.service", types.JobStop, types.ModeReplace)
	second := supersedeTx.AddJob("a.service", types.JobStop, types.ModeReplace)
	second.Supersedes = first.ID
	_ = superseding
	r.Install(supersedeTx)

	require.Equal(t, types.JobDone, first.State)
	assert.Equal(t, types.ResultCanceled, first.Result)
}
