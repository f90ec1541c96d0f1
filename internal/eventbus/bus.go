// Package eventbus fans one logical event out to remote topics and to
// in-process subscribers. Every delivery is attempted independently; a failed
// or panicking delivery is logged and never stops the rest.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/transport"
)

// Message is one remote publish. Channel is a short stable name used for
// logs and metrics ("status_update", "system", "legacy", ...).
type Message struct {
	Channel string
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Event struct {
	Type           string
	FacultyID      int64
	StudentID      int64
	ConsultationID int64
	// Sequence is the faculty status sequence number, zero for unsequenced
	// events.
	Sequence int64
	// Data is the structured body handed to in-process subscribers.
	Data     any
	Messages []Message
}

type Outcome struct {
	Channel string
	Topic   string
	OK      bool
	Err     error
}

type Report struct {
	Outcomes []Outcome
}

func (r Report) Attempts() int { return len(r.Outcomes) }

func (r Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK {
			n++
		}
	}
	return n
}

func (r Report) AnySucceeded() bool { return r.Succeeded() > 0 }

func (r Report) Channel(channel string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Channel == channel {
			return o, true
		}
	}
	return Outcome{}, false
}

type SubscriberFunc func(ctx context.Context, event Event)

type subscriber struct {
	name string
	fn   SubscriberFunc
}

type Bus struct {
	publisher transport.Publisher
	metrics   *metrics.Metrics

	mu          sync.RWMutex
	subscribers []subscriber
}

func New(publisher transport.Publisher, m *metrics.Metrics) *Bus {
	return &Bus{publisher: publisher, metrics: m}
}

// Subscribe registers an in-process subscriber. Subscribers run synchronously
// on the publishing goroutine and must not block.
func (b *Bus) Subscribe(name string, fn SubscriberFunc) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{name: name, fn: fn})
	b.mu.Unlock()
}

// Publish attempts every message of event, then hands event to every
// in-process subscriber.
func (b *Bus) Publish(ctx context.Context, event Event) Report {
	report := Report{Outcomes: make([]Outcome, 0, len(event.Messages))}
	for _, msg := range event.Messages {
		err := b.send(ctx, msg)
		outcome := Outcome{Channel: msg.Channel, Topic: msg.Topic, OK: err == nil, Err: err}
		report.Outcomes = append(report.Outcomes, outcome)
		b.metrics.Publish(msg.Channel, outcome.OK)
		if err != nil {
			slog.Warn("publish failed",
				"event", event.Type,
				"channel", msg.Channel,
				"topic", msg.Topic,
				"qos", msg.QoS,
				"error", err)
			continue
		}
		slog.Debug("published",
			"event", event.Type,
			"channel", msg.Channel,
			"topic", msg.Topic,
			"qos", msg.QoS,
			"retain", msg.Retain)
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()
	for _, sub := range subs {
		b.deliver(ctx, sub, event)
	}
	return report
}

func (b *Bus) send(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish panic: %v", r)
		}
	}()
	if b.publisher == nil {
		return transport.ErrNotConnected
	}
	return b.publisher.Publish(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retain)
}

func (b *Bus) deliver(ctx context.Context, sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panic", "subscriber", sub.name, "event", event.Type, "panic", r)
		}
	}()
	sub.fn(ctx, event)
}

// JSONMessage marshals v into a Message.
func JSONMessage(channel, topic string, v any, qos byte, retain bool) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	return Message{Channel: channel, Topic: topic, Payload: payload, QoS: qos, Retain: retain}, nil
}

// LogReport writes one summary line per fan-out.
func LogReport(event Event, report Report) {
	slog.Info("fan-out complete",
		"event", event.Type,
		"faculty_id", event.FacultyID,
		"consultation_id", event.ConsultationID,
		"attempted", report.Attempts(),
		"succeeded", report.Succeeded())
}
