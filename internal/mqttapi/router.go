// Package mqttapi binds inbound desk-unit topics to the presence and response
// components.
package mqttapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/presence"
	"consultease/sync-service/internal/response"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/transport"
)

var ErrMalformedPayload = errors.New("malformed payload")

type handlerFunc func(ctx context.Context, topic string, payload []byte) error

type Router struct {
	presence  *presence.Reconciler
	responses *response.Processor
	topics    topics.Scheme
	metrics   *metrics.Metrics
}

func NewRouter(rec *presence.Reconciler, responses *response.Processor, scheme topics.Scheme, m *metrics.Metrics) *Router {
	return &Router{presence: rec, responses: responses, topics: scheme, metrics: m}
}

// Register subscribes every inbound topic on sub.
func (r *Router) Register(sub transport.Subscriber) error {
	routes := []struct {
		name    string
		pattern string
		qos     byte
		fn      handlerFunc
	}{
		{"status", r.topics.StatusPattern(), topics.QoSAtLeastOnce, r.HandleStatus},
		{"mac_status", r.topics.MacStatusPattern(), topics.QoSAtLeastOnce, r.HandleMacStatus},
		{"heartbeat", r.topics.HeartbeatPattern(), topics.QoSAtMostOnce, r.HandleHeartbeat},
		{"responses", r.topics.ResponsesPattern(), topics.QoSAtLeastOnce, r.HandleResponse},
		{"legacy_status", r.topics.LegacyStatus, topics.QoSAtLeastOnce, r.HandleLegacyStatus},
	}
	for _, route := range routes {
		if route.pattern == "" {
			continue
		}
		if err := sub.Subscribe(route.pattern, route.qos, r.guard(route.name, route.fn)); err != nil {
			return fmt.Errorf("subscribe %s: %w", route.pattern, err)
		}
		slog.Info("subscribed", "handler", route.name, "topic", route.pattern)
	}
	return nil
}

// guard keeps handler errors and panics out of the transport dispatch loop.
func (r *Router) guard(name string, fn handlerFunc) transport.Handler {
	return func(ctx context.Context, topic string, payload []byte) {
		defer func() {
			if rec := recover(); rec != nil {
				r.metrics.HandlerFailure(name)
				slog.Error("handler panic", "handler", name, "topic", topic, "panic", rec)
			}
		}()
		if err := fn(ctx, topic, payload); err != nil {
			r.metrics.HandlerFailure(name)
			if isRejection(err) {
				slog.Warn("message rejected", "handler", name, "topic", topic, "error", err)
				return
			}
			slog.Error("handler failed", "handler", name, "topic", topic, "error", err)
		}
	}
}

func isRejection(err error) bool {
	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, presence.ErrUnrecognizedStatus) ||
		errors.Is(err, presence.ErrInvalidMAC) ||
		errors.Is(err, presence.ErrNoLegacyTarget) ||
		errors.Is(err, response.ErrMissingField) ||
		errors.Is(err, response.ErrFacultyMismatch) ||
		errors.Is(err, store.ErrConsultationNotFound) ||
		errors.Is(err, store.ErrInvalidTransition)
}

func (r *Router) HandleStatus(ctx context.Context, topic string, payload []byte) error {
	facultyID, err := r.topics.ParseFacultyID(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	parsed, err := presence.ParsePayload(payload)
	if err != nil {
		return err
	}
	status, err := presence.Normalize(parsed)
	if err != nil {
		return err
	}
	update, err := r.presence.UpdateStatus(ctx, facultyID, status)
	if err != nil {
		return err
	}
	slog.Debug("status handled", "faculty_id", facultyID, "status", status, "outcome", update.Outcome.String())
	return nil
}

func (r *Router) HandleMacStatus(ctx context.Context, topic string, payload []byte) error {
	facultyID, err := r.topics.ParseFacultyID(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	_, err = r.presence.ApplyMacStatus(ctx, facultyID, payload)
	return err
}

func (r *Router) HandleHeartbeat(ctx context.Context, topic string, payload []byte) error {
	facultyID, err := r.topics.ParseFacultyID(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var hb presence.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrMalformedPayload, err)
	}
	err = r.presence.Heartbeat(ctx, facultyID, hb)
	if errors.Is(err, store.ErrFacultyNotFound) {
		slog.Debug("heartbeat from unknown faculty", "faculty_id", facultyID)
		return nil
	}
	return err
}

// HandleResponse decodes a desk response. The payload's faculty_id is
// required and must name the faculty in the topic.
func (r *Router) HandleResponse(ctx context.Context, topic string, payload []byte) error {
	facultyID, err := r.topics.ParseFacultyID(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var resp response.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("%w: response: %v", ErrMalformedPayload, err)
	}
	if resp.FacultyID != 0 && resp.FacultyID.Int64() != facultyID {
		return fmt.Errorf("%w: topic faculty %d, payload faculty %d", response.ErrFacultyMismatch, facultyID, resp.FacultyID.Int64())
	}
	result, err := r.responses.Process(ctx, resp)
	if err != nil {
		return err
	}
	if !result.Processed {
		slog.Warn("faculty response not processed", "faculty_id", facultyID, "message_id", resp.MessageID.Int64(), "response_type", resp.ResponseType)
	}
	return nil
}

func (r *Router) HandleLegacyStatus(ctx context.Context, _ string, payload []byte) error {
	_, err := r.presence.ApplyLegacyStatus(ctx, payload)
	return err
}
