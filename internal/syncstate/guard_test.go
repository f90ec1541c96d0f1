package syncstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceGuardDropsStaleDeliveries(t *testing.T) {
	g := NewSequenceGuard()

	assert.True(t, g.Accept(2, 5))
	assert.True(t, g.Accept(2, 6))
	assert.False(t, g.Accept(2, 5))
	assert.False(t, g.Accept(2, 6))
	assert.Equal(t, int64(6), g.Last(2))

	assert.True(t, g.Accept(3, 4), "sequences are tracked per faculty")
	assert.True(t, g.Accept(2, 0))
	assert.Equal(t, int64(6), g.Last(2))
}
