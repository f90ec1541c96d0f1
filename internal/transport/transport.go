// Package transport defines the publish/subscribe contract the service
// consumes. Connection management belongs to the implementations.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNotConnected = errors.New("transport not connected")

type Handler func(ctx context.Context, topic string, payload []byte)

type Publisher interface {
	// Publish hands payload to the transport. It does not wait for broker
	// acknowledgment; an error means the message was not handed off.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

type Subscriber interface {
	Subscribe(pattern string, qos byte, handler Handler) error
}

type Client interface {
	Publisher
	Subscriber
}

// MatchTopic reports whether topic matches an MQTT filter with + and #
// wildcards.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range patternParts {
		if part == "#" {
			return i == len(patternParts)-1
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(patternParts) == len(topicParts)
}

type Delivery struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type subscription struct {
	pattern string
	handler Handler
}

// Loopback is an in-process Client. Published messages are recorded and
// dispatched synchronously to matching subscribers.
type Loopback struct {
	mu            sync.RWMutex
	subscriptions []subscription
	published     []Delivery
	retained      map[string]Delivery
}

func NewLoopback() *Loopback {
	return &Loopback{retained: make(map[string]Delivery)}
}

func (l *Loopback) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	d := Delivery{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retain: retain}
	l.mu.Lock()
	l.published = append(l.published, d)
	if retain {
		l.retained[topic] = d
	}
	var handlers []Handler
	for _, sub := range l.subscriptions {
		if MatchTopic(sub.pattern, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(ctx, topic, d.Payload)
	}
	return nil
}

func (l *Loopback) Subscribe(pattern string, _ byte, handler Handler) error {
	l.mu.Lock()
	l.subscriptions = append(l.subscriptions, subscription{pattern: pattern, handler: handler})
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Published() []Delivery {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Delivery, len(l.published))
	copy(out, l.published)
	return out
}

func (l *Loopback) Retained(topic string) (Delivery, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.retained[topic]
	return d, ok
}
