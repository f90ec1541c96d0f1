package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	facultyColumns      = `faculty_id, name, department, email, beacon_id, status, last_seen, version, created_at`
	consultationColumns = `consultation_id, student_id, faculty_id, request_message, course_code, status, requested_at, accepted_at, busy_at, completed_at, cancelled_at`

	defaultListLimit = 100
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateFaculty(ctx context.Context, input store.CreateFacultyInput) (models.Faculty, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO faculty (name, department, email, beacon_id, status, version, created_at)
		VALUES ($1, $2, $3, $4, FALSE, 1, $5)
		RETURNING `+facultyColumns,
		input.Name, input.Department, nullIfEmpty(input.Email), nullIfEmpty(input.BeaconID), createdAt)
	faculty, err := scanFaculty(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Faculty{}, store.ErrDuplicateFaculty
		}
		return models.Faculty{}, err
	}
	return faculty, nil
}

func (s *Store) GetFaculty(ctx context.Context, facultyID int64) (models.Faculty, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+facultyColumns+` FROM faculty WHERE faculty_id = $1`, facultyID)
	return scanFacultyOrNotFound(row)
}

func (s *Store) FindFacultyByName(ctx context.Context, name string) (models.Faculty, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+facultyColumns+`
		FROM faculty
		WHERE name = $1
		ORDER BY faculty_id ASC
		LIMIT 1
	`, name)
	return scanFacultyOrNotFound(row)
}

func (s *Store) FirstBeaconFaculty(ctx context.Context) (models.Faculty, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+facultyColumns+`
		FROM faculty
		WHERE beacon_id IS NOT NULL
		ORDER BY faculty_id ASC
		LIMIT 1
	`)
	return scanFacultyOrNotFound(row)
}

// UpdateFacultyStatus locks the faculty row, compares and writes only on a
// real change. A change bumps version and last_seen.
func (s *Store) UpdateFacultyStatus(ctx context.Context, input store.FacultyStatusInput) (store.FacultyStatusChange, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.FacultyStatusChange{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+facultyColumns+` FROM faculty WHERE faculty_id = $1 FOR UPDATE`, input.FacultyID)
	faculty, err := scanFacultyOrNotFound(row)
	if err != nil {
		return store.FacultyStatusChange{}, err
	}

	previous := faculty.Status
	if previous == input.Status {
		if err = tx.Commit(ctx); err != nil {
			return store.FacultyStatusChange{}, err
		}
		return store.FacultyStatusChange{Faculty: faculty, Previous: previous, Changed: false}, nil
	}

	seenAt := input.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	row = tx.QueryRow(ctx, `
		UPDATE faculty
		SET status = $1, last_seen = $2, version = version + 1
		WHERE faculty_id = $3
		RETURNING `+facultyColumns,
		input.Status, seenAt, input.FacultyID)
	updated, err := scanFaculty(row)
	if err != nil {
		return store.FacultyStatusChange{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.FacultyStatusChange{}, err
	}
	return store.FacultyStatusChange{Faculty: updated, Previous: previous, Changed: true}, nil
}

func (s *Store) TouchFaculty(ctx context.Context, facultyID int64, seenAt time.Time) error {
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `UPDATE faculty SET last_seen = $1 WHERE faculty_id = $2`, seenAt, facultyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrFacultyNotFound
	}
	return nil
}

func (s *Store) UpdateBeaconID(ctx context.Context, facultyID int64, beaconID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE faculty SET beacon_id = $1 WHERE faculty_id = $2`, nullIfEmpty(beaconID), facultyID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateFaculty
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrFacultyNotFound
	}
	return nil
}

func (s *Store) CreateConsultation(ctx context.Context, input store.CreateConsultationInput) (models.Consultation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Consultation{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	requestedAt := input.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO consultations (student_id, faculty_id, request_message, course_code, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+consultationColumns,
		input.StudentID, input.FacultyID, input.RequestMessage, nullIfEmpty(input.CourseCode), models.StatusPending, requestedAt)
	consultation, err := scanConsultation(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Consultation{}, store.ErrFacultyNotFound
		}
		return models.Consultation{}, err
	}

	if err = insertConsultationEvent(ctx, tx, consultation, store.EventConsultationCreated, "", "create"); err != nil {
		return models.Consultation{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Consultation{}, err
	}
	return consultation, nil
}

func (s *Store) GetConsultation(ctx context.Context, consultationID int64) (models.Consultation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE consultation_id = $1`, consultationID)
	return scanConsultationOrNotFound(row)
}

func (s *Store) ListConsultations(ctx context.Context, filter store.ConsultationFilter) ([]models.Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations`
	var conditions []string
	var args []interface{}
	if filter.StudentID != 0 {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.FacultyID != 0 {
		args = append(args, filter.FacultyID)
		conditions = append(conditions, fmt.Sprintf("faculty_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var consultations []models.Consultation
	for rows.Next() {
		consultation, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		consultations = append(consultations, consultation)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return consultations, nil
}

// TransitionConsultation runs fetch, check and stamp in one transaction with the
// consultation row locked.
func (s *Store) TransitionConsultation(ctx context.Context, input store.TransitionInput) (store.ConsultationTransition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ConsultationTransition{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE consultation_id = $1 FOR UPDATE`, input.ConsultationID)
	current, err := scanConsultationOrNotFound(row)
	if err != nil {
		return store.ConsultationTransition{}, err
	}

	changed, err := store.CheckTransition(current.Status, input.Target)
	if err != nil {
		return store.ConsultationTransition{Consultation: current, Previous: current.Status}, err
	}
	if !changed {
		if err = tx.Commit(ctx); err != nil {
			return store.ConsultationTransition{}, err
		}
		return store.ConsultationTransition{Consultation: current, Previous: current.Status, Changed: false}, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	column := store.TimestampColumn(input.Target)
	row = tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE consultations
		SET status = $1, %s = $2
		WHERE consultation_id = $3
		RETURNING %s`, column, consultationColumns),
		input.Target, occurredAt, input.ConsultationID)
	updated, err := scanConsultation(row)
	if err != nil {
		return store.ConsultationTransition{}, err
	}

	if err = insertConsultationEvent(ctx, tx, updated, store.EventConsultationStatus, current.Status, input.Trigger); err != nil {
		return store.ConsultationTransition{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.ConsultationTransition{}, err
	}
	return store.ConsultationTransition{Consultation: updated, Previous: current.Status, Changed: true}, nil
}

func (s *Store) ListConsultationEvents(ctx context.Context, consultationID int64) ([]store.ConsultationEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT consultation_id, event_seq, event_id::text, type, payload, created_at, prev_hash, hash
		FROM consultation_events
		WHERE consultation_id = $1
		ORDER BY event_seq ASC
	`, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.ConsultationEvent
	for rows.Next() {
		var event store.ConsultationEvent
		var payload []byte
		if err := rows.Scan(&event.ConsultationID, &event.EventSeq, &event.EventID, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CountConsultationsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM consultations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func insertConsultationEvent(ctx context.Context, tx pgx.Tx, consultation models.Consultation, eventType, previous, trigger string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, consultation.ConsultationID); err != nil {
		return err
	}

	payload, err := store.EventPayload(consultation, previous, trigger)
	if err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT event_seq, hash
		FROM consultation_events
		WHERE consultation_id = $1
		ORDER BY event_seq DESC
		LIMIT 1
	`, consultation.ConsultationID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeEventHash(prev, consultation.ConsultationID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO consultation_events (consultation_id, event_seq, event_id, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, consultation.ConsultationID, nextSeq, uuid.NewString(), eventType, payload, createdAt, prev, hash)
	return err
}

func scanFaculty(row pgx.Row) (models.Faculty, error) {
	var faculty models.Faculty
	var emailNull sql.NullString
	var beaconNull sql.NullString
	var lastSeenNull sql.NullTime
	if err := row.Scan(&faculty.FacultyID, &faculty.Name, &faculty.Department, &emailNull, &beaconNull, &faculty.Status, &lastSeenNull, &faculty.Version, &faculty.CreatedAt); err != nil {
		return models.Faculty{}, err
	}
	faculty.Email = emailNull.String
	faculty.BeaconID = beaconNull.String
	faculty.LastSeen = nullTimePtr(lastSeenNull)
	return faculty, nil
}

func scanFacultyOrNotFound(row pgx.Row) (models.Faculty, error) {
	faculty, err := scanFaculty(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Faculty{}, store.ErrFacultyNotFound
		}
		return models.Faculty{}, err
	}
	return faculty, nil
}

func scanConsultation(row pgx.Row) (models.Consultation, error) {
	var c models.Consultation
	var courseNull sql.NullString
	var acceptedNull, busyNull, completedNull, cancelledNull sql.NullTime
	if err := row.Scan(&c.ConsultationID, &c.StudentID, &c.FacultyID, &c.RequestMessage, &courseNull, &c.Status, &c.RequestedAt, &acceptedNull, &busyNull, &completedNull, &cancelledNull); err != nil {
		return models.Consultation{}, err
	}
	c.CourseCode = courseNull.String
	c.AcceptedAt = nullTimePtr(acceptedNull)
	c.BusyAt = nullTimePtr(busyNull)
	c.CompletedAt = nullTimePtr(completedNull)
	c.CancelledAt = nullTimePtr(cancelledNull)
	return c, nil
}

func scanConsultationOrNotFound(row pgx.Row) (models.Consultation, error) {
	c, err := scanConsultation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Consultation{}, store.ErrConsultationNotFound
		}
		return models.Consultation{}, err
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
