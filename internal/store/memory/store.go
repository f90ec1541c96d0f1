// Package memory is an in-process store.Store used for local runs and tests.
// All reads and writes go through one mutex, which gives the same
// read-compare-write atomicity the postgres backend gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu            sync.Mutex
	nextFaculty   int64
	nextConsult   int64
	faculty       map[int64]models.Faculty
	consultations map[int64]models.Consultation
	events        map[int64][]store.ConsultationEvent
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		faculty:       make(map[int64]models.Faculty),
		consultations: make(map[int64]models.Consultation),
		events:        make(map[int64][]store.ConsultationEvent),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SeedFaculty inserts f with its own ID. Used by tests that need fixed IDs.
func (s *Store) SeedFaculty(f models.Faculty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Version == 0 {
		f.Version = 1
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	s.faculty[f.FacultyID] = f
	if f.FacultyID > s.nextFaculty {
		s.nextFaculty = f.FacultyID
	}
}

func (s *Store) CreateFaculty(_ context.Context, input store.CreateFacultyInput) (models.Faculty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.faculty {
		if input.Email != "" && existing.Email == input.Email {
			return models.Faculty{}, store.ErrDuplicateFaculty
		}
		if input.BeaconID != "" && existing.BeaconID == input.BeaconID {
			return models.Faculty{}, store.ErrDuplicateFaculty
		}
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	s.nextFaculty++
	f := models.Faculty{
		FacultyID:  s.nextFaculty,
		Name:       input.Name,
		Department: input.Department,
		Email:      input.Email,
		BeaconID:   input.BeaconID,
		Version:    1,
		CreatedAt:  createdAt,
	}
	s.faculty[f.FacultyID] = f
	return f, nil
}

func (s *Store) GetFaculty(_ context.Context, facultyID int64) (models.Faculty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faculty[facultyID]
	if !ok {
		return models.Faculty{}, store.ErrFacultyNotFound
	}
	return f, nil
}

func (s *Store) FindFacultyByName(_ context.Context, name string) (models.Faculty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstFaculty(func(f models.Faculty) bool { return f.Name == name })
}

func (s *Store) FirstBeaconFaculty(_ context.Context) (models.Faculty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstFaculty(func(f models.Faculty) bool { return f.BeaconID != "" })
}

func (s *Store) firstFaculty(match func(models.Faculty) bool) (models.Faculty, error) {
	var found *models.Faculty
	for _, f := range s.faculty {
		if !match(f) {
			continue
		}
		if found == nil || f.FacultyID < found.FacultyID {
			candidate := f
			found = &candidate
		}
	}
	if found == nil {
		return models.Faculty{}, store.ErrFacultyNotFound
	}
	return *found, nil
}

func (s *Store) UpdateFacultyStatus(_ context.Context, input store.FacultyStatusInput) (store.FacultyStatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faculty[input.FacultyID]
	if !ok {
		return store.FacultyStatusChange{}, store.ErrFacultyNotFound
	}
	previous := f.Status
	if previous == input.Status {
		return store.FacultyStatusChange{Faculty: f, Previous: previous}, nil
	}
	seenAt := input.SeenAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}
	f.Status = input.Status
	f.LastSeen = &seenAt
	f.Version++
	s.faculty[f.FacultyID] = f
	return store.FacultyStatusChange{Faculty: f, Previous: previous, Changed: true}, nil
}

func (s *Store) TouchFaculty(_ context.Context, facultyID int64, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faculty[facultyID]
	if !ok {
		return store.ErrFacultyNotFound
	}
	if seenAt.IsZero() {
		seenAt = s.now()
	}
	f.LastSeen = &seenAt
	s.faculty[facultyID] = f
	return nil
}

func (s *Store) UpdateBeaconID(_ context.Context, facultyID int64, beaconID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faculty[facultyID]
	if !ok {
		return store.ErrFacultyNotFound
	}
	if beaconID != "" {
		for id, other := range s.faculty {
			if id != facultyID && other.BeaconID == beaconID {
				return store.ErrDuplicateFaculty
			}
		}
	}
	f.BeaconID = beaconID
	s.faculty[facultyID] = f
	return nil
}

func (s *Store) CreateConsultation(_ context.Context, input store.CreateConsultationInput) (models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.faculty[input.FacultyID]; !ok {
		return models.Consultation{}, store.ErrFacultyNotFound
	}
	requestedAt := input.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = s.now()
	}
	s.nextConsult++
	c := models.Consultation{
		ConsultationID: s.nextConsult,
		StudentID:      input.StudentID,
		FacultyID:      input.FacultyID,
		RequestMessage: input.RequestMessage,
		CourseCode:     input.CourseCode,
		Status:         models.StatusPending,
		RequestedAt:    requestedAt,
	}
	if err := s.appendEvent(c, store.EventConsultationCreated, "", "create"); err != nil {
		s.nextConsult--
		return models.Consultation{}, err
	}
	s.consultations[c.ConsultationID] = c
	return c, nil
}

func (s *Store) GetConsultation(_ context.Context, consultationID int64) (models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consultations[consultationID]
	if !ok {
		return models.Consultation{}, store.ErrConsultationNotFound
	}
	return c, nil
}

func (s *Store) ListConsultations(_ context.Context, filter store.ConsultationFilter) ([]models.Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Consultation
	for _, c := range s.consultations {
		if filter.StudentID != 0 && c.StudentID != filter.StudentID {
			continue
		}
		if filter.FacultyID != 0 && c.FacultyID != filter.FacultyID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ConsultationID > out[j].ConsultationID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionConsultation(_ context.Context, input store.TransitionInput) (store.ConsultationTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.consultations[input.ConsultationID]
	if !ok {
		return store.ConsultationTransition{}, store.ErrConsultationNotFound
	}
	changed, err := store.CheckTransition(current.Status, input.Target)
	if err != nil {
		return store.ConsultationTransition{Consultation: current, Previous: current.Status}, err
	}
	if !changed {
		return store.ConsultationTransition{Consultation: current, Previous: current.Status}, nil
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	updated := current
	store.ApplyTransition(&updated, input.Target, occurredAt)
	if err := s.appendEvent(updated, store.EventConsultationStatus, current.Status, input.Trigger); err != nil {
		return store.ConsultationTransition{}, err
	}
	s.consultations[updated.ConsultationID] = updated
	return store.ConsultationTransition{Consultation: updated, Previous: current.Status, Changed: true}, nil
}

func (s *Store) ListConsultationEvents(_ context.Context, consultationID int64) ([]store.ConsultationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[consultationID]
	out := make([]store.ConsultationEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) CountConsultationsByStatus(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, c := range s.consultations {
		counts[c.Status]++
	}
	return counts, nil
}

func (s *Store) appendEvent(c models.Consultation, eventType, previous, trigger string) error {
	payload, err := store.EventPayload(c, previous, trigger)
	if err != nil {
		return err
	}
	chain := s.events[c.ConsultationID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	createdAt := s.now()
	s.events[c.ConsultationID] = append(chain, store.ConsultationEvent{
		ConsultationID: c.ConsultationID,
		EventSeq:       seq,
		EventID:        uuid.NewString(),
		Type:           eventType,
		Payload:        payload,
		CreatedAt:      createdAt,
		PrevHash:       prev,
		Hash:           store.ComputeEventHash(prev, c.ConsultationID, eventType, payload, createdAt, seq),
	})
	return nil
}

var _ store.Store = (*Store)(nil)
