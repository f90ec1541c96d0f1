package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/consultation"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/presence"
	"consultease/sync-service/internal/response"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/store/memory"
	"consultease/sync-service/internal/syncstate"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	*memory.Store
	getConsultationFn func(ctx context.Context, consultationID int64) (models.Consultation, error)
}

func (f *fakeStore) GetConsultation(ctx context.Context, consultationID int64) (models.Consultation, error) {
	if f.getConsultationFn != nil {
		return f.getConsultationFn(ctx, consultationID)
	}
	return f.Store.GetConsultation(ctx, consultationID)
}

type fixture struct {
	store    *fakeStore
	loopback *transport.Loopback
	state    *syncstate.State
	cache    *cache.Memory
	handler  http.Handler
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	mem := memory.NewStore()
	mem.SeedFaculty(models.Faculty{FacultyID: 2, Name: "Dr. Reyes", Department: "CS"})
	st := &fakeStore{Store: mem}
	lb := transport.NewLoopback()
	bus := eventbus.New(lb, nil)
	scheme := topics.DefaultScheme()
	state := syncstate.New()
	c := cache.NewMemory(time.Minute)
	rec := presence.NewReconciler(presence.Options{Store: st, State: state, Bus: bus, Cache: c, Topics: scheme})
	svc := consultation.NewService(consultation.Options{Store: st, Bus: bus, Cache: c, Topics: scheme})
	o := Options{
		Store:         st,
		Cache:         c,
		Consultations: svc,
		Presence:      rec,
		Responses:     response.NewProcessor(st, svc, bus, scheme, nil),
		Bus:           bus,
		Topics:        scheme,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &fixture{store: st, loopback: lb, state: state, cache: c, handler: NewHandler(o).Routes()}
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func (fx *fixture) createConsultation(t *testing.T) models.Consultation {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/consultations", map[string]any{
		"student_id":      1,
		"faculty_id":      2,
		"request_message": "Need help",
		"course_code":     "CS101",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createConsultationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Consultation
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := newFixture(t, func(o *Options) {
		o.HealthChecks = map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rec = failing.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCreateFacultyReplaysPendingStatus(t *testing.T) {
	fx := newFixture(t)
	fx.state.Enqueue(3, false)
	fx.state.Enqueue(3, true)

	rec := fx.do(t, http.MethodPost, "/api/faculty", map[string]any{
		"name":      "Dr. Santos",
		"email":     "santos@example.edu",
		"beacon_id": "aa-bb-cc-dd-ee-ff",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createFacultyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Faculty.FacultyID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", resp.Faculty.BeaconID)
	assert.True(t, resp.Replayed)
	assert.True(t, resp.Faculty.Status)
	assert.Zero(t, fx.state.PendingCount())

	var created bool
	for _, d := range fx.loopback.Published() {
		if d.Topic == topics.DefaultScheme().SystemNotifications() && bytes.Contains(d.Payload, []byte(presence.EventFacultyCreated)) {
			created = true
		}
	}
	assert.True(t, created)
}

func TestCreateFacultyValidation(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/faculty", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/faculty", map[string]any{"name": "Dr. X", "beacon_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/faculty", map[string]any{"name": "Dr. X", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFacultyUsesCache(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/faculty/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := fx.cache.Get(context.Background(), cache.FacultyKey(2))
	require.NoError(t, err)
	assert.True(t, ok)

	rec = fx.do(t, http.MethodGet, "/api/faculty/404", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = fx.do(t, http.MethodGet, "/api/faculty/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConsultation(t *testing.T) {
	fx := newFixture(t)
	c := fx.createConsultation(t)
	assert.Equal(t, models.StatusPending, c.Status)

	rec := fx.do(t, http.MethodPost, "/api/consultations", map[string]any{"student_id": 1, "faculty_id": 404, "request_message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/consultations", map[string]any{"student_id": "1", "faculty_id": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelConsultation(t *testing.T) {
	fx := newFixture(t)
	c := fx.createConsultation(t)
	path := "/api/consultations/" + itoa(c.ConsultationID)

	rec := fx.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodPost, path+"/cancel", map[string]any{"student_name": "Ana"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cancelled models.Consultation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	rec = fx.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched models.Consultation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, models.StatusCancelled, fetched.Status)

	rec = fx.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, path+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []store.ConsultationEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.NoError(t, store.VerifyEventChain(events))
}

func TestCancelCompletedConsultationConflicts(t *testing.T) {
	fx := newFixture(t)
	c := fx.createConsultation(t)
	ctx := context.Background()
	for _, target := range []string{models.StatusAccepted, models.StatusCompleted} {
		_, err := fx.store.TransitionConsultation(ctx, store.TransitionInput{ConsultationID: c.ConsultationID, Target: target, Trigger: "test"})
		require.NoError(t, err)
	}
	rec := fx.do(t, http.MethodPost, "/api/consultations/"+itoa(c.ConsultationID)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStudentConsultationsInvalidatedOnCreate(t *testing.T) {
	fx := newFixture(t)
	fx.createConsultation(t)

	rec := fx.do(t, http.MethodGet, "/api/students/1/consultations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Consultation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	fx.createConsultation(t)
	rec = fx.do(t, http.MethodGet, "/api/students/1/consultations", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = fx.do(t, http.MethodGet, "/api/students/7/consultations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestResponseStats(t *testing.T) {
	fx := newFixture(t)
	fx.createConsultation(t)
	rec := fx.do(t, http.MethodGet, "/api/stats/responses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats response.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalPending)
}

func TestStoreFailureMapsToInternalError(t *testing.T) {
	fx := newFixture(t)
	fx.store.getConsultationFn = func(context.Context, int64) (models.Consultation, error) {
		return models.Consultation{}, errors.New("db down")
	}
	rec := fx.do(t, http.MethodGet, "/api/consultations/1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestRateLimitPerStudent(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Limiter = NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, StudentPerMinute: 1, StudentBurst: 1})
	})
	fx.createConsultation(t)

	rec := fx.do(t, http.MethodPost, "/api/consultations", map[string]any{"student_id": 1, "faculty_id": 2, "request_message": "again"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/consultations", map[string]any{"student_id": 5, "faculty_id": 2, "request_message": "other"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTokenLimiterRefills(t *testing.T) {
	now := time.Unix(0, 0)
	l := newTokenLimiter(60, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("k"))
	assert.False(t, l.allow("k"))
	now = now.Add(time.Second)
	assert.True(t, l.allow("k"))
}

func TestLoggingMiddlewareSetsRequestID(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
