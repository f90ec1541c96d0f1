// Package consultation runs the consultation lifecycle: request creation and
// desk delivery, status transitions, student cancellation and redelivery of
// requests queued while a desk unit was unreachable.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/offline"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/telemetry"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/txretry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	EventRequested          = "consultation_request"
	EventStatusChanged      = "consultation_status_changed"
	EventCancelled          = "consultation_cancelled"
	TriggerStudentCancel    = "student_cancellation"
	ChannelDeskRequest      = "desk_request"
	ChannelDeskLegacy       = "desk_legacy"
	ChannelDeskCancellation = "desk_cancellation"
	ChannelUI               = "ui_update"
	ChannelStudent          = "student"
	ChannelSystem           = "system"
)

var ErrInvalidInput = errors.New("invalid consultation input")

type CreateInput struct {
	StudentID      int64
	StudentName    string
	FacultyID      int64
	RequestMessage string
	CourseCode     string
}

type CreateResult struct {
	Consultation models.Consultation
	Delivered    bool
	Queued       bool
}

// DeskRequest is the JSON body sent to a faculty desk unit.
type DeskRequest struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	StudentID      int64  `json:"student_id"`
	StudentName    string `json:"student_name,omitempty"`
	FacultyID      int64  `json:"faculty_id"`
	FacultyName    string `json:"faculty_name,omitempty"`
	RequestMessage string `json:"request_message"`
	CourseCode     string `json:"course_code,omitempty"`
	Status         string `json:"status"`
	RequestedAt    string `json:"requested_at"`
}

// StatusChange is published to the UI update topic for every lifecycle
// change.
type StatusChange struct {
	Type           string `json:"type"`
	ConsultationID int64  `json:"consultation_id"`
	StudentID      int64  `json:"student_id"`
	FacultyID      int64  `json:"faculty_id"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	ResponseType   string `json:"response_type,omitempty"`
	Timestamp      string `json:"timestamp"`
	Trigger        string `json:"trigger"`
}

type Options struct {
	Store   store.Store
	Bus     *eventbus.Bus
	Cache   cache.Cache
	Offline offline.Queue
	Topics  topics.Scheme
	Retry   txretry.Policy
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Service struct {
	store   store.Store
	bus     *eventbus.Bus
	cache   cache.Cache
	offline offline.Queue
	topics  topics.Scheme
	retry   txretry.Policy
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = txretry.DefaultPolicy()
	}
	if opts.Retry.OnRetry == nil && opts.Metrics != nil {
		m := opts.Metrics
		opts.Retry.OnRetry = func(name string, _ int, _ error) { m.Retry(name) }
	}
	return &Service{
		store:   opts.Store,
		bus:     opts.Bus,
		cache:   opts.Cache,
		offline: opts.Offline,
		topics:  opts.Topics,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Create persists a PENDING consultation and tries to deliver it to the
// faculty desk unit. Undeliverable requests go to the offline queue with
// normal priority.
func (s *Service) Create(ctx context.Context, input CreateInput) (CreateResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "consultation.Create")
	defer span.End()
	span.SetAttributes(attribute.Int64("student.id", input.StudentID), attribute.Int64("faculty.id", input.FacultyID))

	if input.StudentID <= 0 || input.FacultyID <= 0 || strings.TrimSpace(input.RequestMessage) == "" {
		return CreateResult{}, fmt.Errorf("%w: student_id, faculty_id and request_message are required", ErrInvalidInput)
	}

	requestedAt := s.now()
	c, err := txretry.Do(ctx, s.retry, "create_consultation", func(ctx context.Context) (models.Consultation, error) {
		return s.store.CreateConsultation(ctx, store.CreateConsultationInput{
			StudentID:      input.StudentID,
			FacultyID:      input.FacultyID,
			RequestMessage: input.RequestMessage,
			CourseCode:     input.CourseCode,
			RequestedAt:    requestedAt,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CreateResult{}, err
	}
	span.SetAttributes(attribute.Int64("consultation.id", c.ConsultationID))
	slog.Info("consultation created",
		"consultation_id", c.ConsultationID,
		"student_id", c.StudentID,
		"faculty_id", c.FacultyID)

	cache.InvalidateConsultation(ctx, s.cache, c)

	facultyName := ""
	if f, err := s.store.GetFaculty(ctx, c.FacultyID); err == nil {
		facultyName = f.Name
	}
	result := CreateResult{Consultation: c}
	request := DeskRequest{
		Type:           EventRequested,
		ID:             c.ConsultationID,
		StudentID:      c.StudentID,
		StudentName:    input.StudentName,
		FacultyID:      c.FacultyID,
		FacultyName:    facultyName,
		RequestMessage: c.RequestMessage,
		CourseCode:     c.CourseCode,
		Status:         c.Status,
		RequestedAt:    c.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
	jsonMsg, err := eventbus.JSONMessage(ChannelDeskRequest, s.topics.Requests(c.FacultyID), request, topics.QoSAtLeastOnce, false)
	if err != nil {
		return result, err
	}
	textMsg := eventbus.Message{
		Channel: ChannelDeskLegacy,
		Topic:   s.topics.LegacyMessages,
		Payload: []byte(deskText(input.StudentName, c)),
		QoS:     topics.QoSExactlyOnce,
	}

	event := eventbus.Event{
		Type:           EventRequested,
		StudentID:      c.StudentID,
		FacultyID:      c.FacultyID,
		ConsultationID: c.ConsultationID,
		Data:           request,
		Messages:       []eventbus.Message{jsonMsg, textMsg},
	}
	report := s.publish(ctx, event)
	result.Delivered = report.AnySucceeded()
	if result.Delivered {
		return result, nil
	}

	slog.Warn("desk delivery failed, queueing request", "consultation_id", c.ConsultationID, "faculty_id", c.FacultyID)
	result.Queued = s.enqueueOffline(ctx, c.FacultyID, c.ConsultationID, jsonMsg)
	return result, nil
}

func deskText(studentName string, c models.Consultation) string {
	var b strings.Builder
	if studentName != "" {
		fmt.Fprintf(&b, "Student: %s\n", studentName)
	} else {
		fmt.Fprintf(&b, "Student ID: %d\n", c.StudentID)
	}
	if c.CourseCode != "" {
		fmt.Fprintf(&b, "Course: %s\n", c.CourseCode)
	}
	fmt.Fprintf(&b, "Request: %s", c.RequestMessage)
	return b.String()
}

func (s *Service) enqueueOffline(ctx context.Context, facultyID, consultationID int64, msg eventbus.Message) bool {
	if s.offline == nil {
		slog.Error("no offline queue configured, desk request dropped", "consultation_id", consultationID)
		return false
	}
	err := s.offline.Enqueue(ctx, offline.Message{
		ID:             uuid.NewString(),
		FacultyID:      facultyID,
		ConsultationID: consultationID,
		Priority:       offline.PriorityNormal,
		Topic:          msg.Topic,
		Payload:        msg.Payload,
		QoS:            msg.QoS,
		QueuedAt:       s.now(),
	})
	if err != nil {
		slog.Error("offline enqueue failed", "consultation_id", consultationID, "error", err)
		return false
	}
	s.metrics.OfflineQueued()
	return true
}

// Transition moves a consultation to target in one locked transaction.
// Re-entering the current status is a no-op with Changed=false.
func (s *Service) Transition(ctx context.Context, consultationID int64, target, trigger string) (store.ConsultationTransition, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "consultation.Transition")
	defer span.End()
	span.SetAttributes(attribute.Int64("consultation.id", consultationID), attribute.String("consultation.target", target))

	at := s.now()
	result, err := txretry.Do(ctx, s.retry, "transition_consultation", func(ctx context.Context) (store.ConsultationTransition, error) {
		return s.store.TransitionConsultation(ctx, store.TransitionInput{
			ConsultationID: consultationID,
			Target:         target,
			Trigger:        trigger,
			OccurredAt:     at,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	if result.Changed {
		s.metrics.Transition(target)
		cache.InvalidateConsultation(ctx, s.cache, result.Consultation)
		slog.Info("consultation transitioned",
			"consultation_id", consultationID,
			"from", result.Previous,
			"to", target,
			"trigger", trigger)
	} else {
		slog.Debug("consultation already in target status", "consultation_id", consultationID, "status", target)
	}
	return result, nil
}

type CancelResult struct {
	Transition store.ConsultationTransition
	Report     eventbus.Report
}

// Cancel is the student-initiated cancellation. Cancelling an already
// cancelled consultation is a no-op; completed consultations cannot be
// cancelled.
func (s *Service) Cancel(ctx context.Context, consultationID int64, studentName string) (CancelResult, error) {
	result, err := s.Transition(ctx, consultationID, models.StatusCancelled, TriggerStudentCancel)
	if err != nil {
		return CancelResult{Transition: result}, err
	}
	if !result.Changed {
		return CancelResult{Transition: result}, nil
	}

	c := result.Consultation
	timestamp := s.now()
	if c.CancelledAt != nil {
		timestamp = *c.CancelledAt
	}
	ts := timestamp.UTC().Format(time.RFC3339Nano)
	facultyName := ""
	if f, err := s.store.GetFaculty(ctx, c.FacultyID); err == nil {
		facultyName = f.Name
	}

	change := StatusChange{
		Type:           EventStatusChanged,
		ConsultationID: c.ConsultationID,
		StudentID:      c.StudentID,
		FacultyID:      c.FacultyID,
		OldStatus:      result.Previous,
		NewStatus:      c.Status,
		Timestamp:      ts,
		Trigger:        TriggerStudentCancel,
	}
	event := eventbus.Event{
		Type:           EventCancelled,
		StudentID:      c.StudentID,
		FacultyID:      c.FacultyID,
		ConsultationID: c.ConsultationID,
		Data:           change,
	}
	bodies := []struct {
		channel string
		topic   string
		body    any
		qos     byte
	}{
		{ChannelDeskCancellation, s.topics.Cancellations(c.FacultyID), map[string]any{
			"type":            EventCancelled,
			"consultation_id": c.ConsultationID,
			"student_name":    studentName,
			"course_code":     c.CourseCode,
			"cancelled_at":    ts,
		}, topics.QoSAtLeastOnce},
		{ChannelUI, s.topics.ConsultationUpdates(), change, topics.QoSAtLeastOnce},
		{ChannelSystem, s.topics.SystemNotifications(), map[string]any{
			"type":            EventCancelled,
			"consultation_id": c.ConsultationID,
			"student_id":      c.StudentID,
			"student_name":    studentName,
			"faculty_id":      c.FacultyID,
			"faculty_name":    facultyName,
			"cancelled_at":    ts,
			"cancelled_by":    "student",
		}, topics.QoSAtMostOnce},
	}
	for _, b := range bodies {
		msg, err := eventbus.JSONMessage(b.channel, b.topic, b.body, b.qos, false)
		if err != nil {
			slog.Error("build cancellation notification", "channel", b.channel, "error", err)
			continue
		}
		event.Messages = append(event.Messages, msg)
	}
	report := s.publish(ctx, event)
	return CancelResult{Transition: result, Report: report}, nil
}

// FlushOffline redelivers queued desk messages for facultyID in priority
// order. Messages that still fail are queued again with Attempts bumped.
func (s *Service) FlushOffline(ctx context.Context, facultyID int64) (int, int, error) {
	if s.offline == nil {
		return 0, 0, nil
	}
	msgs, err := s.offline.Drain(ctx, facultyID)
	if err != nil {
		return 0, 0, err
	}
	delivered, requeued := 0, 0
	for _, m := range msgs {
		report := s.publish(ctx, eventbus.Event{
			Type:           EventRequested,
			FacultyID:      facultyID,
			ConsultationID: m.ConsultationID,
			Messages: []eventbus.Message{{
				Channel: ChannelDeskRequest,
				Topic:   m.Topic,
				Payload: m.Payload,
				QoS:     m.QoS,
			}},
		})
		if report.AnySucceeded() {
			delivered++
			s.metrics.OfflineDelivered()
			continue
		}
		m.Attempts++
		if err := s.offline.Enqueue(ctx, m); err != nil {
			slog.Error("offline requeue failed", "faculty_id", facultyID, "message_id", m.ID, "error", err)
			continue
		}
		requeued++
	}
	if len(msgs) > 0 {
		slog.Info("offline queue flushed", "faculty_id", facultyID, "delivered", delivered, "requeued", requeued)
	}
	return delivered, requeued, nil
}

func (s *Service) publish(ctx context.Context, event eventbus.Event) eventbus.Report {
	if s.bus == nil {
		return eventbus.Report{}
	}
	report := s.bus.Publish(ctx, event)
	eventbus.LogReport(event, report)
	return report
}
