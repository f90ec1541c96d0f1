// Package realtime pushes bus events to dashboard clients over SockJS.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"consultease/sync-service/internal/metrics"
)

// Subscription narrows what a client receives. Zero fields match everything.
type Subscription struct {
	FacultyID int64
	StudentID int64
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	metrics *metrics.Metrics
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	FacultyID int64  `json:"faculty_id"`
	StudentID int64  `json:"student_id"`
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{clients: make(map[string]*Client), metrics: m}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.metrics.SetRealtimeClients(len(h.clients))
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	h.metrics.SetRealtimeClients(len(h.clients))
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast never blocks; a client with a full buffer misses the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.metrics.RealtimeDropped()
			slog.Warn("drop realtime message", "client_id", client.ID)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, meta Subscription) bool {
	if sub.FacultyID != 0 && meta.FacultyID != sub.FacultyID {
		return false
	}
	if sub.StudentID != 0 && meta.StudentID != sub.StudentID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
