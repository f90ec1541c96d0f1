package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/consultation"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/presence"
	"consultease/sync-service/internal/response"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/txretry"
)

// HealthCheck reports a dependency as unhealthy by returning an error.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Store         store.Store
	Cache         cache.Cache
	Consultations *consultation.Service
	Presence      *presence.Reconciler
	Responses     *response.Processor
	Bus           *eventbus.Bus
	Topics        topics.Scheme
	Metrics       *metrics.Metrics
	Limiter       *RateLimiter
	Realtime      http.Handler
	HealthChecks  map[string]HealthCheck
	Now           func() time.Time
}

type Handler struct {
	store         store.Store
	cache         cache.Cache
	consultations *consultation.Service
	presence      *presence.Reconciler
	responses     *response.Processor
	bus           *eventbus.Bus
	topics        topics.Scheme
	metrics       *metrics.Metrics
	limiter       *RateLimiter
	realtime      http.Handler
	checks        map[string]HealthCheck
	now           func() time.Time
}

type createFacultyRequest struct {
	Name       string `json:"name"`
	Department string `json:"department"`
	Email      string `json:"email"`
	BeaconID   string `json:"beacon_id"`
}

type createFacultyResponse struct {
	Faculty  models.Faculty `json:"faculty"`
	Replayed bool           `json:"replayed"`
}

type createConsultationRequest struct {
	StudentID      models.FlexibleID `json:"student_id"`
	StudentName    string            `json:"student_name"`
	FacultyID      models.FlexibleID `json:"faculty_id"`
	RequestMessage string            `json:"request_message"`
	CourseCode     string            `json:"course_code"`
}

type createConsultationResponse struct {
	Consultation models.Consultation `json:"consultation"`
	Delivered    bool                `json:"delivered"`
	Queued       bool                `json:"queued"`
}

type cancelRequest struct {
	StudentName string `json:"student_name"`
}

// FacultyCreatedNotification is published to the system topic when a faculty
// record is created.
type FacultyCreatedNotification struct {
	Type        string `json:"type"`
	FacultyID   int64  `json:"faculty_id"`
	FacultyName string `json:"faculty_name"`
	Department  string `json:"department,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		store:         opts.Store,
		cache:         opts.Cache,
		consultations: opts.Consultations,
		presence:      opts.Presence,
		responses:     opts.Responses,
		bus:           opts.Bus,
		topics:        opts.Topics,
		metrics:       opts.Metrics,
		limiter:       opts.Limiter,
		realtime:      opts.Realtime,
		checks:        opts.HealthChecks,
		now:           opts.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/faculty", h.handleFaculty)
	mux.HandleFunc("/api/faculty/", h.handleFacultyByID)
	var create http.Handler = http.HandlerFunc(h.handleConsultations)
	if h.limiter != nil {
		create = h.limiter.Middleware(create)
	}
	mux.Handle("/api/consultations", create)
	mux.HandleFunc("/api/consultations/", h.handleConsultationActions)
	mux.HandleFunc("/api/students/", h.handleStudentConsultations)
	mux.HandleFunc("/api/stats/responses", h.handleResponseStats)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(h.checks) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	results := make(map[string]string, len(h.checks))
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, results)
}

func (h *Handler) handleFaculty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createFacultyRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Department = strings.TrimSpace(req.Department)
	req.Email = strings.TrimSpace(req.Email)
	req.BeaconID = strings.TrimSpace(req.BeaconID)
	if req.Name == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.BeaconID != "" {
		normalized, err := presence.NormalizeMAC(req.BeaconID)
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "beacon_id must be a MAC address")
			return
		}
		req.BeaconID = normalized
	}

	f, err := h.store.CreateFaculty(r.Context(), store.CreateFacultyInput{
		Name:       req.Name,
		Department: req.Department,
		Email:      req.Email,
		BeaconID:   req.BeaconID,
		CreatedAt:  h.now(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	slog.Info("faculty created", "faculty_id", f.FacultyID, "name", f.Name)
	h.publishFacultyCreated(r.Context(), f)

	resp := createFacultyResponse{Faculty: f}
	if h.presence != nil {
		update, replayed, err := h.presence.FacultyCreated(r.Context(), f.FacultyID)
		if err != nil {
			slog.Error("pending status replay failed", "faculty_id", f.FacultyID, "error", err)
		}
		if replayed && err == nil {
			resp.Replayed = true
			if update.Faculty.FacultyID != 0 {
				resp.Faculty = update.Faculty
			}
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) publishFacultyCreated(ctx context.Context, f models.Faculty) {
	if h.bus == nil {
		return
	}
	note := FacultyCreatedNotification{
		Type:        presence.EventFacultyCreated,
		FacultyID:   f.FacultyID,
		FacultyName: f.Name,
		Department:  f.Department,
		Timestamp:   h.now().Format(time.RFC3339Nano),
	}
	msg, err := eventbus.JSONMessage(presence.ChannelSystem, h.topics.SystemNotifications(), note, topics.QoSAtLeastOnce, false)
	if err != nil {
		slog.Error("build faculty created notification", "faculty_id", f.FacultyID, "error", err)
		return
	}
	h.bus.Publish(ctx, eventbus.Event{Type: presence.EventFacultyCreated, FacultyID: f.FacultyID, Data: note, Messages: []eventbus.Message{msg}})
}

func (h *Handler) handleFacultyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	facultyID, ok := parseID(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/faculty/"), "/"))
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "faculty_id must be a positive integer")
		return
	}
	f, err := cache.Load(r.Context(), h.cache, cache.FacultyKey(facultyID), func(ctx context.Context) (models.Faculty, error) {
		return h.store.GetFaculty(ctx, facultyID)
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) handleConsultations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createConsultationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestMessage = strings.TrimSpace(req.RequestMessage)
	req.CourseCode = strings.TrimSpace(req.CourseCode)
	if req.StudentID <= 0 || req.FacultyID <= 0 || req.RequestMessage == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "student_id, faculty_id, and request_message are required")
		return
	}

	result, err := h.consultations.Create(r.Context(), consultation.CreateInput{
		StudentID:      req.StudentID.Int64(),
		StudentName:    strings.TrimSpace(req.StudentName),
		FacultyID:      req.FacultyID.Int64(),
		RequestMessage: req.RequestMessage,
		CourseCode:     req.CourseCode,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, createConsultationResponse{
		Consultation: result.Consultation,
		Delivered:    result.Delivered,
		Queued:       result.Queued,
	})
}

func (h *Handler) handleConsultationActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/consultations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	consultationID, ok := parseID(parts[0])
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "consultation_id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetConsultation(w, r, consultationID)
	case len(parts) == 2 && parts[1] == "cancel":
		h.handleCancelConsultation(w, r, consultationID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleConsultationEvents(w, r, consultationID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetConsultation(w http.ResponseWriter, r *http.Request, consultationID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := cache.Load(r.Context(), h.cache, cache.ConsultationKey(consultationID), func(ctx context.Context) (models.Consultation, error) {
		return h.store.GetConsultation(ctx, consultationID)
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleCancelConsultation(w http.ResponseWriter, r *http.Request, consultationID int64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if r.Body != nil {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}

	result, err := h.consultations.Cancel(r.Context(), consultationID, strings.TrimSpace(req.StudentName))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result.Transition.Consultation)
}

func (h *Handler) handleConsultationEvents(w http.ResponseWriter, r *http.Request, consultationID int64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.store.GetConsultation(r.Context(), consultationID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	events, err := h.store.ListConsultationEvents(r.Context(), consultationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	if events == nil {
		events = []store.ConsultationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleStudentConsultations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/students/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "consultations" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	studentID, ok := parseID(parts[0])
	if !ok {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "student_id must be a positive integer")
		return
	}

	list, err := cache.Load(r.Context(), h.cache, cache.StudentConsultationsKey(studentID), func(ctx context.Context) ([]models.Consultation, error) {
		return h.store.ListConsultations(ctx, store.ConsultationFilter{StudentID: studentID})
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	if list == nil {
		list = []models.Consultation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleResponseStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.responses.Stats(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseID(value string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrFacultyNotFound):
		return http.StatusNotFound, "faculty_not_found", "faculty not found"
	case errors.Is(err, store.ErrConsultationNotFound):
		return http.StatusNotFound, "consultation_not_found", "consultation not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "consultation state does not allow this action"
	case errors.Is(err, store.ErrDuplicateFaculty):
		return http.StatusConflict, "duplicate_faculty", "faculty with this email or beacon already exists"
	case errors.Is(err, consultation.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, txretry.ErrRetriesExhausted):
		return http.StatusServiceUnavailable, "busy", "resource busy, try again"
	default:
		slog.Error("request failed", "error", err)
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
