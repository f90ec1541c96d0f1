package store

import (
	"context"
	"time"

	"consultease/sync-service/internal/models"
)

type CreateFacultyInput struct {
	Name       string
	Department string
	Email      string
	BeaconID   string
	CreatedAt  time.Time
}

type FacultyStatusInput struct {
	FacultyID int64
	Status    bool
	SeenAt    time.Time
}

// FacultyStatusChange is the result of a locked read-modify-write on a faculty
// row. When Changed is false nothing was written.
type FacultyStatusChange struct {
	Faculty  models.Faculty
	Previous bool
	Changed  bool
}

type CreateConsultationInput struct {
	StudentID      int64
	FacultyID      int64
	RequestMessage string
	CourseCode     string
	RequestedAt    time.Time
}

type TransitionInput struct {
	ConsultationID int64
	Target         string
	Trigger        string
	OccurredAt     time.Time
}

type ConsultationTransition struct {
	Consultation models.Consultation
	Previous     string
	Changed      bool
}

type ConsultationFilter struct {
	StudentID int64
	FacultyID int64
	Status    string
	Limit     int
}

type FacultyStore interface {
	CreateFaculty(ctx context.Context, input CreateFacultyInput) (models.Faculty, error)
	GetFaculty(ctx context.Context, facultyID int64) (models.Faculty, error)
	FindFacultyByName(ctx context.Context, name string) (models.Faculty, error)
	FirstBeaconFaculty(ctx context.Context) (models.Faculty, error)
	UpdateFacultyStatus(ctx context.Context, input FacultyStatusInput) (FacultyStatusChange, error)
	TouchFaculty(ctx context.Context, facultyID int64, seenAt time.Time) error
	UpdateBeaconID(ctx context.Context, facultyID int64, beaconID string) error
}

type ConsultationStore interface {
	CreateConsultation(ctx context.Context, input CreateConsultationInput) (models.Consultation, error)
	GetConsultation(ctx context.Context, consultationID int64) (models.Consultation, error)
	ListConsultations(ctx context.Context, filter ConsultationFilter) ([]models.Consultation, error)
	TransitionConsultation(ctx context.Context, input TransitionInput) (ConsultationTransition, error)
	ListConsultationEvents(ctx context.Context, consultationID int64) ([]ConsultationEvent, error)
	CountConsultationsByStatus(ctx context.Context) (map[string]int, error)
}

type Store interface {
	FacultyStore
	ConsultationStore
}
