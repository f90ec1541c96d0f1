// Package syncstate holds the process-wide synchronization state shared by the
// presence and consultation paths: pending status updates for faculty that do
// not exist yet, the notification sequence counter and per-faculty ordering
// locks. One State is built in main and passed to every component.
package syncstate

import (
	"sync"
	"sync/atomic"
)

type State struct {
	mu      sync.Mutex
	pending map[int64]bool

	sequence atomic.Int64

	locksMu sync.Mutex
	locks   map[int64]*facultyLock
}

type facultyLock struct {
	mu   sync.Mutex
	refs int
}

func New() *State {
	return &State{
		pending: make(map[int64]bool),
		locks:   make(map[int64]*facultyLock),
	}
}

// Enqueue records status as the desired value for facultyID. Only the latest
// value per id is kept.
func (s *State) Enqueue(facultyID int64, status bool) {
	s.mu.Lock()
	s.pending[facultyID] = status
	s.mu.Unlock()
}

// Take removes and returns the pending value for facultyID.
func (s *State) Take(facultyID int64) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.pending[facultyID]
	if ok {
		delete(s.pending, facultyID)
	}
	return status, ok
}

func (s *State) Pending(facultyID int64) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.pending[facultyID]
	return status, ok
}

func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextSequence allocates the next notification sequence number.
func (s *State) NextSequence() int64 {
	return s.sequence.Add(1)
}

// Sequence returns the last allocated sequence number.
func (s *State) Sequence() int64 {
	return s.sequence.Load()
}

// Lock serializes work for one faculty id inside this process and returns the
// unlock func. Lock entries are dropped once nobody holds or waits on them.
func (s *State) Lock(facultyID int64) func() {
	s.locksMu.Lock()
	l, ok := s.locks[facultyID]
	if !ok {
		l = &facultyLock{}
		s.locks[facultyID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, facultyID)
		}
		s.locksMu.Unlock()
	}
}
