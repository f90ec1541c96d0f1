// Package presence turns faculty presence telemetry into persisted status
// changes and sequenced notifications.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/metrics"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/syncstate"
	"consultease/sync-service/internal/telemetry"
	"consultease/sync-service/internal/topics"
	"consultease/sync-service/internal/txretry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	EventFacultyStatus  = "faculty_status"
	EventFacultyMac     = "faculty_mac_status"
	EventFacultyCreated = "faculty_created"

	ChannelStatusUpdate = "status_update"
	ChannelSystem       = "system"
	ChannelLegacy       = "legacy_status"
)

type Outcome int

const (
	OutcomeUpdated Outcome = iota + 1
	OutcomeUnchanged
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeQueued:
		return "queued"
	}
	return "unknown"
}

// Update is the result of UpdateStatus. Sequence and Report are only set when
// Outcome is OutcomeUpdated.
type Update struct {
	Outcome  Outcome
	Faculty  models.Faculty
	Previous bool
	Sequence int64
	Report   eventbus.Report
}

// Notification is the status_update envelope consumers order by Sequence.
type Notification struct {
	Type           string `json:"type"`
	FacultyID      int64  `json:"faculty_id"`
	FacultyName    string `json:"faculty_name"`
	Status         bool   `json:"status"`
	PreviousStatus bool   `json:"previous_status"`
	Sequence       int64  `json:"sequence"`
	Timestamp      string `json:"timestamp"`
	Version        int64  `json:"version"`
}

type Options struct {
	Store   store.FacultyStore
	State   *syncstate.State
	Bus     *eventbus.Bus
	Cache   cache.Cache
	Topics  topics.Scheme
	Retry   txretry.Policy
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Reconciler struct {
	store   store.FacultyStore
	state   *syncstate.State
	bus     *eventbus.Bus
	cache   cache.Cache
	topics  topics.Scheme
	retry   txretry.Policy
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(opts Options) *Reconciler {
	if opts.State == nil {
		opts.State = syncstate.New()
	}
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
	return &Reconciler{
		store:   opts.Store,
		state:   opts.State,
		bus:     opts.Bus,
		cache:   opts.Cache,
		topics:  opts.Topics,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// UpdateStatus writes status for facultyID if it differs from the stored
// value and publishes one sequenced notification per real change. Unknown
// faculty are parked in the pending map and reported as OutcomeQueued.
func (r *Reconciler) UpdateStatus(ctx context.Context, facultyID int64, status bool) (Update, error) {
	unlock := r.state.Lock(facultyID)
	defer unlock()
	return r.updateStatusLocked(ctx, facultyID, status)
}

// updateStatusLocked is UpdateStatus for callers already holding the
// faculty's ordering lock.
func (r *Reconciler) updateStatusLocked(ctx context.Context, facultyID int64, status bool) (Update, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "presence.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("faculty.id", facultyID), attribute.Bool("faculty.status", status))

	seenAt := r.now()
	change, err := txretry.Do(ctx, r.retry, "update_faculty_status", func(ctx context.Context) (store.FacultyStatusChange, error) {
		return r.store.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: facultyID, Status: status, SeenAt: seenAt})
	})
	if err != nil {
		if errors.Is(err, store.ErrFacultyNotFound) {
			r.state.Enqueue(facultyID, status)
			r.metrics.SetPending(r.state.PendingCount())
			r.metrics.StatusUpdate(OutcomeQueued.String())
			slog.Info("faculty not found, status queued", "faculty_id", facultyID, "status", status)
			span.SetAttributes(attribute.String("presence.outcome", OutcomeQueued.String()))
			return Update{Outcome: OutcomeQueued}, nil
		}
		r.metrics.StatusUpdate("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("faculty status update failed", "faculty_id", facultyID, "status", status, "error", err)
		return Update{}, err
	}

	if !change.Changed {
		r.metrics.StatusUpdate(OutcomeUnchanged.String())
		slog.Debug("faculty status unchanged", "faculty_id", facultyID, "status", status)
		span.SetAttributes(attribute.String("presence.outcome", OutcomeUnchanged.String()))
		return Update{Outcome: OutcomeUnchanged, Faculty: change.Faculty, Previous: change.Previous}, nil
	}

	seq := r.state.NextSequence()
	r.metrics.SetSequence(seq)
	r.metrics.StatusUpdate(OutcomeUpdated.String())
	span.SetAttributes(attribute.String("presence.outcome", OutcomeUpdated.String()), attribute.Int64("presence.sequence", seq))
	slog.Info("faculty status changed",
		"faculty_id", facultyID,
		"status", status,
		"previous_status", change.Previous,
		"sequence", seq,
		"version", change.Faculty.Version)

	report := r.publishStatus(ctx, change, seq)
	cache.InvalidateFaculty(ctx, r.cache, facultyID)

	return Update{
		Outcome:  OutcomeUpdated,
		Faculty:  change.Faculty,
		Previous: change.Previous,
		Sequence: seq,
		Report:   report,
	}, nil
}

func (r *Reconciler) publishStatus(ctx context.Context, change store.FacultyStatusChange, seq int64) eventbus.Report {
	f := change.Faculty
	timestamp := r.now()
	if f.LastSeen != nil {
		timestamp = *f.LastSeen
	}
	note := Notification{
		Type:           EventFacultyStatus,
		FacultyID:      f.FacultyID,
		FacultyName:    f.Name,
		Status:         f.Status,
		PreviousStatus: change.Previous,
		Sequence:       seq,
		Timestamp:      timestamp.UTC().Format(time.RFC3339Nano),
		Version:        f.Version,
	}

	event := eventbus.Event{Type: EventFacultyStatus, FacultyID: f.FacultyID, Sequence: seq, Data: note}
	for _, target := range []struct {
		channel string
		topic   string
	}{
		{ChannelStatusUpdate, r.topics.StatusUpdate(f.FacultyID)},
		{ChannelSystem, r.topics.SystemNotifications()},
		{ChannelLegacy, r.topics.LegacyFacultyStatus(f.FacultyID)},
	} {
		msg, err := eventbus.JSONMessage(target.channel, target.topic, note, topics.QoSAtLeastOnce, true)
		if err != nil {
			slog.Error("build status notification", "faculty_id", f.FacultyID, "channel", target.channel, "error", err)
			continue
		}
		event.Messages = append(event.Messages, msg)
	}
	if r.bus == nil {
		return eventbus.Report{}
	}
	report := r.bus.Publish(ctx, event)
	eventbus.LogReport(event, report)
	return report
}

// FacultyCreated replays the pending status for a newly created faculty, if
// any. At most one replay happens per pending entry.
//
// The faculty's ordering lock is held across the take and the replay so an
// UpdateStatus that saw the faculty missing finishes queueing first.
func (r *Reconciler) FacultyCreated(ctx context.Context, facultyID int64) (Update, bool, error) {
	unlock := r.state.Lock(facultyID)
	defer unlock()

	status, ok := r.state.Take(facultyID)
	r.metrics.SetPending(r.state.PendingCount())
	if !ok {
		return Update{}, false, nil
	}
	slog.Info("replaying pending faculty status", "faculty_id", facultyID, "status", status)
	update, err := r.updateStatusLocked(ctx, facultyID, status)
	return update, true, err
}

// State exposes the shared synchronization state.
func (r *Reconciler) State() *syncstate.State {
	return r.state
}
