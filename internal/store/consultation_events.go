package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"consultease/sync-service/internal/models"
)

const (
	EventConsultationCreated = "consultation.created"
	EventConsultationStatus  = "consultation.status_changed"
)

type ConsultationEvent struct {
	ConsultationID int64           `json:"consultation_id"`
	EventSeq       int             `json:"event_seq"`
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	PrevHash       string          `json:"prev_hash"`
	Hash           string          `json:"hash"`
}

type eventPayload struct {
	ConsultationID int64      `json:"consultation_id"`
	StudentID      int64      `json:"student_id,omitempty"`
	FacultyID      int64      `json:"faculty_id,omitempty"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	Trigger        string     `json:"trigger,omitempty"`
	RequestedAt    *time.Time `json:"requested_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	BusyAt         *time.Time `json:"busy_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// EventPayload snapshots c for the audit trail.
func EventPayload(c models.Consultation, previous, trigger string) ([]byte, error) {
	requestedAt := c.RequestedAt
	return json.Marshal(eventPayload{
		ConsultationID: c.ConsultationID,
		StudentID:      c.StudentID,
		FacultyID:      c.FacultyID,
		Status:         c.Status,
		PreviousStatus: previous,
		Trigger:        trigger,
		RequestedAt:    &requestedAt,
		AcceptedAt:     c.AcceptedAt,
		BusyAt:         c.BusyAt,
		CompletedAt:    c.CompletedAt,
		CancelledAt:    c.CancelledAt,
	})
}

func ComputeEventHash(prevHash string, consultationID int64, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%d|%s", prevHash, consultationID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEventChain recomputes every hash and checks the links between events.
func VerifyEventChain(events []ConsultationEvent) error {
	prev := ""
	for i, event := range events {
		if event.EventSeq != i+1 {
			return fmt.Errorf("%w: event %d has seq %d", ErrBrokenEventChain, i, event.EventSeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: seq %d prev hash mismatch", ErrBrokenEventChain, event.EventSeq)
		}
		want := ComputeEventHash(prev, event.ConsultationID, event.Type, event.Payload, event.CreatedAt, event.EventSeq)
		if want != event.Hash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrBrokenEventChain, event.EventSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateConsultation(events []ConsultationEvent) (models.Consultation, error) {
	var c models.Consultation
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Consultation{}, err
		}
		if payload.ConsultationID != 0 {
			c.ConsultationID = payload.ConsultationID
		}
		if payload.StudentID != 0 {
			c.StudentID = payload.StudentID
		}
		if payload.FacultyID != 0 {
			c.FacultyID = payload.FacultyID
		}
		if payload.Status != "" {
			c.Status = payload.Status
		}
		if payload.RequestedAt != nil {
			c.RequestedAt = *payload.RequestedAt
		}
		if payload.AcceptedAt != nil {
			c.AcceptedAt = payload.AcceptedAt
		}
		if payload.BusyAt != nil {
			c.BusyAt = payload.BusyAt
		}
		if payload.CompletedAt != nil {
			c.CompletedAt = payload.CompletedAt
		}
		if payload.CancelledAt != nil {
			c.CancelledAt = payload.CancelledAt
		}
	}
	return c, nil
}
