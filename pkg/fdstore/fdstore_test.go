package fdstore

import (
	"fmt"
	"os"
	"testing"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPipeFDs(t *testing.T) (int, int) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return int(r.Fd()), int(w.Fd())
}

func TestPutAndGet(t *testing.T) {
	s := New()
	r, _ := openPipeFDs(t)
	dup, err := s.PutDup("a.service", "listener", r)
	require.NoError(t, err)

	got, ok := s.Get("a.service", "listener")
	require.True(t, ok)
	assert.Equal(t, dup, got)
}

func TestDropUnitRemovesAllEntries(t *testing.T) {
	s := New()
	r, w := openPipeFDs(t)
	_, err := s.PutDup("a.service", "r", r)
	require.NoError(t, err)
	_, err = s.PutDup("a.service", "w", w)
	require.NoError(t, err)

	s.DropUnit("a.service")
	_, ok := s.Get("a.service", "r")
	assert.False(t, ok)
	assert.Empty(t, s.List())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	entries := []Entry{
		{UnitID: "a.service", Name: "listener", FD: 7},
		{UnitID: "a.service", Name: "stdout", FD: 9},
		{UnitID: "b.socket", Name: "listener", FD: 11},
	}

	text, fds, err := Serialize(entries)
	require.NoError(t, err)
	require.Len(t, fds, 3)

	back, err := Deserialize(text, fds)
	require.NoError(t, err)
	require.Len(t, back, 3)

	byKey := make(map[string]Entry)
	for _, e := range back {
		byKey[e.UnitID+"."+e.Name] = e
	}
	assert.Equal(t, 7, byKey["a.service.listener"].FD)
	assert.Equal(t, 9, byKey["a.service.stdout"].FD)
	assert.Equal(t, 11, byKey["b.socket.listener"].FD)
}

func TestDeserializeRejectsBadEncoding(t *testing.T) {
	_, err := Deserialize("not-a-valid-line", nil)
	require.Error(t, err)
	var serErr *types.SerializationErr
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, types.SerErrBadEncoding, serErr.Kind)
}

func TestDeserializeRejectsOutOfRangeIndex(t *testing.T) {
	_, err := Deserialize("a.service.listener=@5", []int{1, 2})
	require.Error(t, err)
	var serErr *types.SerializationErr
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, types.SerErrMissingFD, serErr.Kind)
}

func TestSerializeRejectsOversizedRecord(t *testing.T) {
	entries := make([]Entry, 0, 200000)
	for i := 0; i < 200000; i++ {
		entries = append(entries, Entry{UnitID: "a.service", Name: fmt.Sprintf("fd%d", i), FD: i})
	}
	_, _, err := Serialize(entries)
	require.Error(t, err)
	var serErr *types.SerializationErr
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, types.SerErrOverflow, serErr.Kind)
}

func TestPutDupIndexed(t *testing.T) {
	s := New()
	r1, w1 := openPipeFDs(t)
	dups, err := s.PutDupIndexed("a.socket", "listen", []int{r1, w1})
	require.NoError(t, err)
	require.Len(t, dups, 2)

	_, ok := s.Get("a.socket", "listen#0")
	assert.True(t, ok)
	_, ok = s.Get("a.socket", "listen#1")
	assert.True(t, ok)
}
