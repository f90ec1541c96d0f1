// Package offline holds desk messages that could not be delivered while a
// faculty desk unit was unreachable. Messages are drained per faculty in
// priority order, FIFO within a priority.
package offline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

type Message struct {
	ID             string    `json:"id"`
	FacultyID      int64     `json:"faculty_id"`
	ConsultationID int64     `json:"consultation_id,omitempty"`
	Priority       Priority  `json:"priority"`
	Topic          string    `json:"topic"`
	Payload        []byte    `json:"payload"`
	QoS            byte      `json:"qos"`
	Attempts       int       `json:"attempts"`
	QueuedAt       time.Time `json:"queued_at"`
}

type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Drain removes and returns every message queued for facultyID.
	Drain(ctx context.Context, facultyID int64) ([]Message, error)
	Len(ctx context.Context, facultyID int64) (int, error)
}

func validPriority(p Priority) bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

type Memory struct {
	mu     sync.Mutex
	queues map[int64]map[Priority][]Message
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[int64]map[Priority][]Message)}
}

func (m *Memory) Enqueue(_ context.Context, msg Message) error {
	if !validPriority(msg.Priority) {
		return fmt.Errorf("offline: invalid priority %d", msg.Priority)
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byPriority, ok := m.queues[msg.FacultyID]
	if !ok {
		byPriority = make(map[Priority][]Message)
		m.queues[msg.FacultyID] = byPriority
	}
	byPriority[msg.Priority] = append(byPriority[msg.Priority], msg)
	return nil
}

func (m *Memory) Drain(_ context.Context, facultyID int64) ([]Message, error) {
	m.mu.Lock()
	byPriority := m.queues[facultyID]
	delete(m.queues, facultyID)
	m.mu.Unlock()

	var out []Message
	for _, p := range priorities {
		out = append(out, byPriority[p]...)
	}
	return out, nil
}

func (m *Memory) Len(_ context.Context, facultyID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.queues[facultyID] {
		n += len(msgs)
	}
	return n, nil
}
