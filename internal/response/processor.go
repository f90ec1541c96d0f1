// Package response applies faculty responses from desk units to
// consultations.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultease/sync-service/internal/consultation"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/telemetry"
	"consultease/sync-service/internal/topics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	TriggerFacultyResponse = "faculty_response"

	EventResponse         = "consultation_response"
	EventResponseReceived = "faculty_response_received"
)

var (
	ErrMissingField    = errors.New("missing required field")
	ErrFacultyMismatch = errors.New("response faculty does not own consultation")
)

// Response is the payload desk units publish on .../faculty/{id}/responses.
type Response struct {
	FacultyID    models.FlexibleID `json:"faculty_id"`
	FacultyName  string            `json:"faculty_name"`
	ResponseType string            `json:"response_type"`
	MessageID    models.FlexibleID `json:"message_id"`
	Timestamp    string            `json:"timestamp"`
}

var responseTargets = map[string]string{
	"ACKNOWLEDGE": models.StatusAccepted,
	"ACCEPTED":    models.StatusAccepted,
	"BUSY":        models.StatusBusy,
	"UNAVAILABLE": models.StatusBusy,
	"REJECTED":    models.StatusCancelled,
	"DECLINED":    models.StatusCancelled,
	"COMPLETED":   models.StatusCompleted,
}

// TargetStatus maps a response type to the consultation status it moves to.
func TargetStatus(responseType string) (string, bool) {
	target, ok := responseTargets[strings.ToUpper(strings.TrimSpace(responseType))]
	return target, ok
}

type Result struct {
	Processed  bool
	Transition store.ConsultationTransition
	Report     eventbus.Report
}

type Processor struct {
	store         store.Store
	consultations *consultation.Service
	bus           *eventbus.Bus
	topics        topics.Scheme
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewProcessor(st store.Store, consultations *consultation.Service, bus *eventbus.Bus, scheme topics.Scheme, m *metrics.Metrics) *Processor {
	return &Processor{
		store:         st,
		consultations: consultations,
		bus:           bus,
		topics:        scheme,
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Process validates r, applies the mapped transition and fans the outcome out
// to the UI, student and system topics. Processed is true once the
// transition committed or was already in place; notification failures do not
// change that. An unknown response type yields Processed=false and no error.
func (p *Processor) Process(ctx context.Context, r Response) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "response.Process")
	defer span.End()

	responseType := strings.ToUpper(strings.TrimSpace(r.ResponseType))
	if err := validate(r, responseType); err != nil {
		p.metrics.Response(responseType, "invalid")
		slog.Warn("rejecting faculty response", "faculty_id", r.FacultyID.Int64(), "message_id", r.MessageID.Int64(), "error", err)
		return Result{}, err
	}
	consultationID := r.MessageID.Int64()
	facultyID := r.FacultyID.Int64()
	span.SetAttributes(
		attribute.Int64("consultation.id", consultationID),
		attribute.Int64("faculty.id", facultyID),
		attribute.String("response.type", responseType),
	)

	current, err := p.store.GetConsultation(ctx, consultationID)
	if err != nil {
		p.metrics.Response(responseType, "not_found")
		slog.Error("faculty response for unknown consultation", "consultation_id", consultationID, "error", err)
		return Result{}, err
	}
	if current.FacultyID != facultyID {
		p.metrics.Response(responseType, "mismatch")
		slog.Warn("faculty response from wrong faculty",
			"consultation_id", consultationID,
			"faculty_id", facultyID,
			"owner_id", current.FacultyID)
		return Result{}, fmt.Errorf("%w: consultation %d belongs to faculty %d", ErrFacultyMismatch, consultationID, current.FacultyID)
	}

	target, ok := TargetStatus(responseType)
	if !ok {
		p.metrics.Response(responseType, "unknown_type")
		slog.Warn("unknown faculty response type", "response_type", r.ResponseType, "consultation_id", consultationID)
		return Result{}, nil
	}
	if current.Status != models.StatusPending {
		slog.Warn("faculty response for non-pending consultation",
			"consultation_id", consultationID,
			"status", current.Status,
			"response_type", responseType)
	}

	transition, err := p.consultations.Transition(ctx, consultationID, target, TriggerFacultyResponse)
	if err != nil {
		p.metrics.Response(responseType, "rejected")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("faculty response rejected",
			"consultation_id", consultationID,
			"status", transition.Previous,
			"target", target,
			"error", err)
		return Result{Transition: transition}, err
	}
	if !transition.Changed {
		p.metrics.Response(responseType, "duplicate")
		slog.Debug("faculty response already applied", "consultation_id", consultationID, "status", target)
		return Result{Processed: true, Transition: transition}, nil
	}

	p.metrics.Response(responseType, "applied")
	report := p.notify(ctx, transition, responseType, r.FacultyName)
	return Result{Processed: true, Transition: transition, Report: report}, nil
}

func validate(r Response, responseType string) error {
	var missing []string
	if r.FacultyID <= 0 {
		missing = append(missing, "faculty_id")
	}
	if responseType == "" {
		missing = append(missing, "response_type")
	}
	if r.MessageID <= 0 {
		missing = append(missing, "message_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

func (p *Processor) notify(ctx context.Context, transition store.ConsultationTransition, responseType, facultyName string) eventbus.Report {
	c := transition.Consultation
	if facultyName == "" {
		if f, err := p.store.GetFaculty(ctx, c.FacultyID); err == nil {
			facultyName = f.Name
		}
	}
	ts := p.now().Format(time.RFC3339Nano)

	change := consultation.StatusChange{
		Type:           consultation.EventStatusChanged,
		ConsultationID: c.ConsultationID,
		StudentID:      c.StudentID,
		FacultyID:      c.FacultyID,
		OldStatus:      transition.Previous,
		NewStatus:      c.Status,
		ResponseType:   responseType,
		Timestamp:      ts,
		Trigger:        TriggerFacultyResponse,
	}
	event := eventbus.Event{
		Type:           consultation.EventStatusChanged,
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
		{consultation.ChannelUI, p.topics.ConsultationUpdates(), change, topics.QoSAtLeastOnce},
		{consultation.ChannelStudent, p.topics.StudentNotifications(c.StudentID), map[string]any{
			"type":            EventResponse,
			"consultation_id": c.ConsultationID,
			"faculty_name":    facultyName,
			"course_code":     c.CourseCode,
			"response_type":   responseType,
			"new_status":      c.Status,
			"message":         studentMessage(facultyName, c.Status),
			"responded_at":    ts,
		}, topics.QoSAtLeastOnce},
		{consultation.ChannelSystem, p.topics.SystemNotifications(), map[string]any{
			"type":            EventResponseReceived,
			"consultation_id": c.ConsultationID,
			"student_id":      c.StudentID,
			"faculty_id":      c.FacultyID,
			"faculty_name":    facultyName,
			"response_type":   responseType,
			"new_status":      c.Status,
			"responded_at":    ts,
		}, topics.QoSAtMostOnce},
	}
	for _, b := range bodies {
		msg, err := eventbus.JSONMessage(b.channel, b.topic, b.body, b.qos, false)
		if err != nil {
			slog.Error("build response notification", "channel", b.channel, "error", err)
			continue
		}
		event.Messages = append(event.Messages, msg)
	}
	if p.bus == nil {
		return eventbus.Report{}
	}
	report := p.bus.Publish(ctx, event)
	eventbus.LogReport(event, report)
	return report
}

func studentMessage(facultyName, status string) string {
	if facultyName == "" {
		facultyName = "Your faculty"
	}
	switch status {
	case models.StatusAccepted:
		return fmt.Sprintf("%s accepted your consultation request.", facultyName)
	case models.StatusBusy:
		return fmt.Sprintf("%s is busy and cannot take your consultation right now.", facultyName)
	case models.StatusCancelled:
		return fmt.Sprintf("%s declined your consultation request.", facultyName)
	case models.StatusCompleted:
		return fmt.Sprintf("Your consultation with %s is complete.", facultyName)
	}
	return fmt.Sprintf("Your consultation is now %s.", status)
}
