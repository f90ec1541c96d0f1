package syncstate

import "sync"

// SequenceGuard is the consumer side of status sequencing: it remembers the
// highest sequence seen per faculty and rejects anything at or below it.
type SequenceGuard struct {
	mu   sync.Mutex
	last map[int64]int64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{last: make(map[int64]int64)}
}

// Accept reports whether seq is newer than every sequence already accepted
// for facultyID, and records it if so. Unsequenced events (seq <= 0) are
// always accepted.
func (g *SequenceGuard) Accept(facultyID, seq int64) bool {
	if seq <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq <= g.last[facultyID] {
		return false
	}
	g.last[facultyID] = seq
	return true
}

// Last returns the highest sequence accepted for facultyID.
func (g *SequenceGuard) Last(facultyID int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last[facultyID]
}
