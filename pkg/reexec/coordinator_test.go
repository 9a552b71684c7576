package reexec

import (
	"testing"
	"time"

	"github.com/cuemby/coreinit/pkg/fdstore"
	"github.com/cuemby/coreinit/pkg/storage"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fds := fdstore.New()
	c, err := New(Config{NodeID: "test-node", DataDir: t.TempDir()}, store, fds)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })

	require.Eventually(t, func() bool {
		return c.raft.State() == raft.Leader
	}, 2*time.Second, 10*time.Millisecond, "single-voter group must self-elect")

	return c, store
}

// TestProposeSaveUnitAppliesToStore proves the raft log is no longer
// decorative: Propose must drive Apply, which must write through to the
// durable store, before it returns.
func TestProposeSaveUnitAppliesToStore(t *testing.T) {
	c, store := newTestCoordinator(t)
	u := types.NewUnit("a.service", types.KindService)

	require.NoError(t, c.ProposeSaveUnit(u))

	got, err := store.GetUnit("a.service")
	require.NoError(t, err)
	require.Equal(t, "a.service", got.ID)
}

func TestProposeSaveJobAppliesToStore(t *testing.T) {
	c, store := newTestCoordinator(t)
	j := &types.Job{ID: 7, Unit: "a.service", Type: types.JobStart}

	require.NoError(t, c.ProposeSaveJob(j))

	got, err := store.GetJob(7)
	require.NoError(t, err)
	require.Equal(t, "a.service", got.Unit)
}
