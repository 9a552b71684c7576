package reexec

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/cuemby/coreinit/pkg/storage"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func applyCommand(t *testing.T, fsm *FSM, op string, data interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmdRaw, err := json.Marshal(Command{Op: op, Data: raw})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmdRaw})
}

func TestFSMApplySaveUnitPersists(t *testing.T) {
	store := newTestStore(t)
	fsm := NewFSM(store)
	u := types.NewUnit("a.service", types.KindService)

	result := applyCommand(t, fsm, opSaveUnit, u)
	assert.Nil(t, result)

	got, err := store.GetUnit("a.service")
	require.NoError(t, err)
	assert.Equal(t, "a.service", got.ID)
}

func TestFSMApplyDeleteUnitRemovesRecord(t *testing.T) {
	store := newTestStore(t)
	fsm := NewFSM(store)
	u := types.NewUnit("a.service", types.KindService)
	applyCommand(t, fsm, opSaveUnit, u)

	result := applyCommand(t, fsm, opDeleteUnit, "a.service")
	assert.Nil(t, result)

	_, err := store.GetUnit("a.service")
	assert.Error(t, err)
}

func TestFSMApplySaveJobPersists(t *testing.T) {
	store := newTestStore(t)
	fsm := NewFSM(store)
	j := &types.Job{ID: 1, Unit: "a.service", Type: types.JobStart}

	result := applyCommand(t, fsm, opSaveJob, j)
	assert.Nil(t, result)

	got, err := store.GetJob(1)
	require.NoError(t, err)
	assert.Equal(t, "a.service", got.Unit)
}

func TestFSMApplyUnknownOpReturnsError(t *testing.T) {
	store := newTestStore(t)
	fsm := NewFSM(store)

	result := applyCommand(t, fsm, "bogus", "x")
	require.NotNil(t, result)
	_, ok := result.(error)
	assert.True(t, ok)
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	fsm := NewFSM(store)
	applyCommand(t, fsm, opSaveUnit, types.NewUnit("a.service", types.KindService))
	applyCommand(t, fsm, opSaveJob, &types.Job{ID: 1, Unit: "a.service", Type: types.JobStart})

	snapIface, err := fsm.Snapshot()
	require.NoError(t, err)
	snap := snapIface.(*Snapshot)
	require.Len(t, snap.Units, 1)
	require.Len(t, snap.Jobs, 1)

	freshStore := newTestStore(t)
	freshFSM := NewFSM(freshStore)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, freshFSM.Restore(&fakeReadCloser{data: raw}))

	got, err := freshStore.GetUnit("a.service")
	require.NoError(t, err)
	assert.Equal(t, "a.service", got.ID)
}

type fakeReadCloser struct {
	data []byte
	off  int
}

func (f *fakeReadCloser) Read(p []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *fakeReadCloser) Close() error { return nil }
