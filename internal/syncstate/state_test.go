package syncstate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueKeepsLatest(t *testing.T) {
	s := New()
	s.Enqueue(99, true)
	s.Enqueue(99, false)

	assert.Equal(t, 1, s.PendingCount())
	status, ok := s.Take(99)
	require.True(t, ok)
	assert.False(t, status)

	_, ok = s.Take(99)
	assert.False(t, ok)
}

func TestSequenceIsStrictlyIncreasing(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	seen := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.NextSequence()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]struct{})
	for seq := range seen {
		unique[seq] = struct{}{}
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, int64(100), s.Sequence())
}

func TestLockSerializesPerFaculty(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock(1)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	assert.Empty(t, s.locks)
}
