package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		meta Subscription
		want bool
	}{
		{"no filter", Subscription{}, Subscription{FacultyID: 2}, true},
		{"faculty match", Subscription{FacultyID: 2}, Subscription{FacultyID: 2}, true},
		{"faculty mismatch", Subscription{FacultyID: 2}, Subscription{FacultyID: 3}, false},
		{"student match", Subscription{StudentID: 1}, Subscription{FacultyID: 2, StudentID: 1}, true},
		{"student missing", Subscription{StudentID: 1}, Subscription{FacultyID: 2}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, match(tc.sub, tc.meta))
		})
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","faculty_id":2}`))
	require.True(t, ok)
	assert.Equal(t, int64(2), msg.FacultyID)

	_, ok = ParseSubscribe([]byte(`{"action":"dance"}`))
	assert.False(t, ok)
	_, ok = ParseSubscribe([]byte(`nope`))
	assert.False(t, ok)
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := NewHub(nil)
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	assert.Equal(t, []byte("one"), <-client.Send)
	select {
	case msg := <-client.Send:
		t.Fatalf("unexpected message %q", msg)
	default:
	}

	h.Unregister(client)
	h.Unregister(client)
	assert.Zero(t, h.Len())
}

func TestAttachForwardsBusEvents(t *testing.T) {
	h := NewHub(nil)
	bus := eventbus.New(transport.NewLoopback(), nil)
	h.Attach(bus)

	mine := &Client{ID: "mine", Send: make(chan []byte, 4), Subscription: Subscription{FacultyID: 2}}
	other := &Client{ID: "other", Send: make(chan []byte, 4), Subscription: Subscription{FacultyID: 3}}
	h.Register(mine)
	h.Register(other)

	bus.Publish(context.Background(), eventbus.Event{Type: "faculty_status", FacultyID: 2, Data: map[string]any{"status": true}})

	require.Len(t, mine.Send, 1)
	assert.Empty(t, other.Send)
	var env Envelope
	require.NoError(t, json.Unmarshal(<-mine.Send, &env))
	assert.Equal(t, "faculty_status", env.Type)
	assert.Equal(t, int64(2), env.FacultyID)
}

func TestAttachDropsStaleStatusEvents(t *testing.T) {
	h := NewHub(nil)
	bus := eventbus.New(transport.NewLoopback(), nil)
	h.Attach(bus)
	client := &Client{ID: "c1", Send: make(chan []byte, 8)}
	h.Register(client)
	ctx := context.Background()

	bus.Publish(ctx, eventbus.Event{Type: "faculty_status", FacultyID: 2, Sequence: 8, Data: map[string]any{"status": true}})
	bus.Publish(ctx, eventbus.Event{Type: "faculty_status", FacultyID: 2, Sequence: 7, Data: map[string]any{"status": false}})
	bus.Publish(ctx, eventbus.Event{Type: "faculty_status", FacultyID: 3, Sequence: 7, Data: map[string]any{"status": false}})
	bus.Publish(ctx, eventbus.Event{Type: "consultation_status_changed", FacultyID: 2, Data: map[string]any{}})

	require.Len(t, client.Send, 3)
	var env Envelope
	require.NoError(t, json.Unmarshal(<-client.Send, &env))
	assert.Equal(t, int64(2), env.FacultyID)
	require.NoError(t, json.Unmarshal(<-client.Send, &env))
	assert.Equal(t, int64(3), env.FacultyID)
	require.NoError(t, json.Unmarshal(<-client.Send, &env))
	assert.Equal(t, "consultation_status_changed", env.Type)
}
