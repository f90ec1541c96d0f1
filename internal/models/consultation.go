package models

import "time"

type Consultation struct {
	ConsultationID int64      `json:"consultation_id"`
	StudentID      int64      `json:"student_id"`
	FacultyID      int64      `json:"faculty_id"`
	RequestMessage string     `json:"request_message"`
	CourseCode     string     `json:"course_code,omitempty"`
	Status         string     `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	BusyAt         *time.Time `json:"busy_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusBusy      = "busy"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Terminal reports whether no further transitions leave status.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}
