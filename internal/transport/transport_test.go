package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"consultease/faculty/+/status", "consultease/faculty/1/status", true},
		{"consultease/faculty/+/status", "consultease/faculty/1/status_update", false},
		{"consultease/faculty/+/status", "consultease/faculty/1/2/status", false},
		{"consultease/#", "consultease/faculty/1/status", true},
		{"consultease/faculty/#", "consultease/faculty", false},
		{"professor/status", "professor/status", true},
		{"professor/status", "professor/messages", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestLoopbackDispatchesAndRetains(t *testing.T) {
	l := NewLoopback()
	var got []string
	require.NoError(t, l.Subscribe("a/+/c", 1, func(_ context.Context, topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))

	require.NoError(t, l.Publish(context.Background(), "a/b/c", []byte("1"), 1, true))
	require.NoError(t, l.Publish(context.Background(), "a/b/d", []byte("2"), 0, false))

	assert.Equal(t, []string{"a/b/c=1"}, got)
	assert.Len(t, l.Published(), 2)
	retained, ok := l.Retained("a/b/c")
	require.True(t, ok)
	assert.Equal(t, byte(1), retained.QoS)
	_, ok = l.Retained("a/b/d")
	assert.False(t, ok)
}
