package fdstore

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// Entry is one owned file descriptor, named within its owning unit.
type Entry struct {
	UnitID string
	Name   string
	FD     int
}

// Store owns every fd units have handed off via sd_notify-style
// FDSTORE=1/fdstore_add semantics, indexed so a unit can look its own fds
// back up by name after a reload or re-exec.
type Store struct {
	mu      sync.Mutex
	entries map[string]map[string]int // unitID -> name -> fd
	logger  zerolog.Logger
}

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]map[string]int), logger: ulog.WithComponent("fdstore")}
}

// Put takes ownership of fd under (unitID, name), closing any previous fd
// that occupied the same slot.
func (s *Store) Put(unitID, name string, fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(unitID, name, fd)
}

func (s *Store) putLocked(unitID, name string, fd int) {
	if s.entries[unitID] == nil {
		s.entries[unitID] = make(map[string]int)
	}
	if old, ok := s.entries[unitID][name]; ok && old != fd {
		_ = syscall.Close(old)
	}
	s.entries[unitID][name] = fd
}

// PutDup duplicates srcFD and stores the duplicate, leaving the caller's
// original fd untouched (used when the caller must keep using its own copy
// after handing one to the store).
func (s *Store) PutDup(unitID, name string, srcFD int) (int, error) {
	dup, err := syscall.Dup(srcFD)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", srcFD, err)
	}
	s.Put(unitID, name, dup)
	return dup, nil
}

// PutDupIndexed stores N duplicates of srcFDs under indexed names
// ("name#0", "name#1", ...), for a unit that hands off a whole fd array at
// once (e.g. every listener of a socket unit with multiple ListenStream=
// lines).
func (s *Store) PutDupIndexed(unitID, name string, srcFDs []int) ([]int, error) {
	out := make([]int, 0, len(srcFDs))
	for i, fd := range srcFDs {
		dup, err := s.PutDup(unitID, fmt.Sprintf("%s#%d", name, i), fd)
		if err != nil {
			for _, d := range out {
				_ = syscall.Close(d)
			}
			return nil, err
		}
		out = append(out, dup)
	}
	return out, nil
}

// Get looks up a single fd by (unitID, name).
func (s *Store) Get(unitID, name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.entries[unitID][name]
	return fd, ok
}

// Remove drops and closes a single fd, e.g. when a unit calls
// FDSTOREREMOVE=1 for a name it no longer needs preserved.
func (s *Store) Remove(unitID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fd, ok := s.entries[unitID][name]; ok {
		_ = syscall.Close(fd)
		delete(s.entries[unitID], name)
	}
}

// DropUnit closes and removes every fd belonging to unitID, called when a
// unit is garbage collected.
func (s *Store) DropUnit(unitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fd := range s.entries[unitID] {
		_ = syscall.Close(fd)
	}
	delete(s.entries, unitID)
}

// List returns every entry currently held, for serialization.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for unitID, names := range s.entries {
		for name, fd := range names {
			out = append(out, Entry{UnitID: unitID, Name: name, FD: fd})
		}
	}
	return out
}

// Restore replaces the store's contents wholesale, used by the re-exec
// coordinator after deserializing fds inherited across execve().
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]map[string]int, len(entries))
	for _, e := range entries {
		if s.entries[e.UnitID] == nil {
			s.entries[e.UnitID] = make(map[string]int)
		}
		s.entries[e.UnitID][e.Name] = e.FD
	}
}
