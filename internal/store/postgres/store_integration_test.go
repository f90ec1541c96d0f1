package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestUpdateFacultyStatusWritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	faculty := createFaculty(t, ctx, st, "Dr. Santos")

	first, err := st.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: faculty.FacultyID, Status: true})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if !first.Changed || first.Previous {
		t.Fatalf("expected change from false, got %+v", first)
	}
	if first.Faculty.Version != faculty.Version+1 {
		t.Fatalf("expected version bump, got %d", first.Faculty.Version)
	}

	second, err := st.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: faculty.FacultyID, Status: true})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if second.Changed {
		t.Fatalf("expected no change on repeated status")
	}
	if second.Faculty.Version != first.Faculty.Version {
		t.Fatalf("expected version unchanged, got %d", second.Faculty.Version)
	}
}

func TestUpdateFacultyStatusMissing(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: 99, Status: true})
	if !errors.Is(err, store.ErrFacultyNotFound) {
		t.Fatalf("expected ErrFacultyNotFound, got %v", err)
	}
}

func TestConcurrentStatusUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	faculty := createFaculty(t, ctx, st, "Dr. Reyes")

	var wg sync.WaitGroup
	results := make(chan store.FacultyStatusChange, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			change, err := st.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: faculty.FacultyID, Status: true})
			if err != nil {
				errs <- err
				return
			}
			results <- change
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("update status: %v", err)
	}
	changed := 0
	for result := range results {
		if result.Changed {
			changed++
		}
	}
	if changed != 1 {
		t.Fatalf("expected exactly one writer to observe a change, got %d", changed)
	}
}

func TestTransitionConsultationAppendsEvents(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	faculty := createFaculty(t, ctx, st, "Dr. Cruz")
	consultation, err := st.CreateConsultation(ctx, store.CreateConsultationInput{
		StudentID:      1,
		FacultyID:      faculty.FacultyID,
		RequestMessage: "Need help",
		CourseCode:     "CS101",
	})
	if err != nil {
		t.Fatalf("create consultation: %v", err)
	}
	if consultation.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", consultation.Status)
	}

	result, err := st.TransitionConsultation(ctx, store.TransitionInput{
		ConsultationID: consultation.ConsultationID,
		Target:         models.StatusBusy,
		Trigger:        "faculty_response",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !result.Changed || result.Previous != models.StatusPending {
		t.Fatalf("unexpected transition result %+v", result)
	}
	if result.Consultation.BusyAt == nil {
		t.Fatalf("expected busy_at to be set")
	}

	_, err = st.TransitionConsultation(ctx, store.TransitionInput{
		ConsultationID: consultation.ConsultationID,
		Target:         models.StatusAccepted,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	events, err := st.ListConsultationEvents(ctx, consultation.ConsultationID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if err := store.VerifyEventChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	rehydrated, err := store.RehydrateConsultation(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rehydrated.Status != models.StatusBusy {
		t.Fatalf("expected rehydrated busy, got %s", rehydrated.Status)
	}
}

func TestCreateConsultationUnknownFaculty(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	_, err := st.CreateConsultation(ctx, store.CreateConsultationInput{
		StudentID:      1,
		FacultyID:      404,
		RequestMessage: "Need help",
	})
	if !errors.Is(err, store.ErrFacultyNotFound) {
		t.Fatalf("expected ErrFacultyNotFound, got %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func createFaculty(t *testing.T, ctx context.Context, st *Store, name string) models.Faculty {
	t.Helper()
	faculty, err := st.CreateFaculty(ctx, store.CreateFacultyInput{Name: name, Department: "Computer Science"})
	if err != nil {
		t.Fatalf("create faculty: %v", err)
	}
	return faculty
}
