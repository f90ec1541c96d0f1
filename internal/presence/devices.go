package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"consultease/sync-service/internal/cache"
	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"
	"consultease/sync-service/internal/topics"
)

const lowHeapBytes = 50000

var ErrNoLegacyTarget = errors.New("no faculty matches legacy status message")

type MacStatusNotification struct {
	Type        string `json:"type"`
	FacultyID   int64  `json:"faculty_id"`
	FacultyName string `json:"faculty_name"`
	Status      bool   `json:"status"`
	DetectedMAC string `json:"detected_mac,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// ApplyMacStatus handles a beacon report from a desk unit. The status goes
// through UpdateStatus; a present report with a new MAC rebinds the faculty's
// beacon id.
func (r *Reconciler) ApplyMacStatus(ctx context.Context, facultyID int64, raw []byte) (Update, error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		return Update{}, err
	}
	status, err := Normalize(payload)
	if err != nil {
		return Update{}, err
	}
	var body struct {
		MAC string `json:"mac"`
	}
	if isJSONObject(raw) {
		if err := json.Unmarshal(raw, &body); err != nil {
			return Update{}, fmt.Errorf("%w: mac status: %v", ErrUnrecognizedStatus, err)
		}
	}

	update, err := r.UpdateStatus(ctx, facultyID, status)
	if err != nil || update.Outcome == OutcomeQueued {
		return update, err
	}

	if status && body.MAC != "" {
		r.rebindBeacon(ctx, update.Faculty, body.MAC)
	}

	timestamp := r.now()
	if update.Faculty.LastSeen != nil {
		timestamp = *update.Faculty.LastSeen
	}
	note := MacStatusNotification{
		Type:        EventFacultyMac,
		FacultyID:   facultyID,
		FacultyName: update.Faculty.Name,
		Status:      status,
		DetectedMAC: body.MAC,
		Timestamp:   timestamp.UTC().Format(time.RFC3339Nano),
	}
	msg, err := eventbus.JSONMessage(ChannelSystem, r.topics.SystemNotifications(), note, topics.QoSAtLeastOnce, false)
	if err != nil {
		slog.Error("build mac status notification", "faculty_id", facultyID, "error", err)
		return update, nil
	}
	if r.bus != nil {
		r.bus.Publish(ctx, eventbus.Event{Type: EventFacultyMac, FacultyID: facultyID, Data: note, Messages: []eventbus.Message{msg}})
	}
	return update, nil
}

func (r *Reconciler) rebindBeacon(ctx context.Context, faculty models.Faculty, mac string) {
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		slog.Warn("ignoring beacon address", "faculty_id", faculty.FacultyID, "mac", mac, "error", err)
		return
	}
	if normalized == faculty.BeaconID {
		return
	}
	if err := r.store.UpdateBeaconID(ctx, faculty.FacultyID, normalized); err != nil {
		slog.Error("beacon rebind failed", "faculty_id", faculty.FacultyID, "mac", normalized, "error", err)
		return
	}
	cache.InvalidateFaculty(ctx, r.cache, faculty.FacultyID)
	slog.Info("faculty beacon rebound", "faculty_id", faculty.FacultyID, "previous", faculty.BeaconID, "mac", normalized)
}

type Heartbeat struct {
	FreeHeap      *int64 `json:"free_heap,omitempty"`
	NTPSyncStatus string `json:"ntp_sync_status,omitempty"`
	Uptime        int64  `json:"uptime,omitempty"`
	WiFiConnected *bool  `json:"wifi_connected,omitempty"`
}

// Heartbeat refreshes last_seen only. Status and notifications are untouched.
func (r *Reconciler) Heartbeat(ctx context.Context, facultyID int64, hb Heartbeat) error {
	if err := r.store.TouchFaculty(ctx, facultyID, r.now()); err != nil {
		return err
	}
	switch strings.ToUpper(hb.NTPSyncStatus) {
	case "FAILED":
		slog.Warn("desk unit ntp sync failed", "faculty_id", facultyID)
	case "SYNCING":
		slog.Warn("desk unit ntp still syncing", "faculty_id", facultyID)
	case "SYNCED":
		slog.Debug("desk unit ntp synced", "faculty_id", facultyID)
	}
	if hb.FreeHeap != nil && *hb.FreeHeap < lowHeapBytes {
		slog.Warn("desk unit low memory", "faculty_id", facultyID, "free_heap", *hb.FreeHeap)
	}
	return nil
}

// LegacyRef identifies the faculty a legacy status message is about.
type LegacyRef struct {
	FacultyID   int64
	FacultyName string
}

// ParseLegacyStatus reads a professor/status message: a plain token or JSON
// with a status and an optional faculty reference.
func ParseLegacyStatus(raw []byte) (StatusPayload, LegacyRef, error) {
	payload, err := ParsePayload(raw)
	if err != nil {
		return StatusPayload{}, LegacyRef{}, err
	}
	var body struct {
		FacultyID   models.FlexibleID `json:"faculty_id"`
		FacultyName string            `json:"faculty_name"`
	}
	if isJSONObject(raw) {
		if err := json.Unmarshal(raw, &body); err != nil {
			return StatusPayload{}, LegacyRef{}, fmt.Errorf("%w: %v", ErrUnrecognizedStatus, err)
		}
	}
	return payload, LegacyRef{FacultyID: body.FacultyID.Int64(), FacultyName: body.FacultyName}, nil
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// ApplyLegacyStatus resolves the faculty by id, then name, then the first
// faculty with a beacon configured, and updates its status.
func (r *Reconciler) ApplyLegacyStatus(ctx context.Context, raw []byte) (Update, error) {
	payload, ref, err := ParseLegacyStatus(raw)
	if err != nil {
		return Update{}, err
	}
	status, err := Normalize(payload)
	if err != nil {
		return Update{}, err
	}
	facultyID, err := r.resolveLegacy(ctx, ref)
	if err != nil {
		return Update{}, err
	}
	return r.UpdateStatus(ctx, facultyID, status)
}

func (r *Reconciler) resolveLegacy(ctx context.Context, ref LegacyRef) (int64, error) {
	if ref.FacultyID > 0 {
		return ref.FacultyID, nil
	}
	if ref.FacultyName != "" {
		f, err := r.store.FindFacultyByName(ctx, ref.FacultyName)
		if err == nil {
			return f.FacultyID, nil
		}
		if !errors.Is(err, store.ErrFacultyNotFound) {
			return 0, err
		}
	}
	f, err := r.store.FirstBeaconFaculty(ctx)
	if err != nil {
		if errors.Is(err, store.ErrFacultyNotFound) {
			return 0, ErrNoLegacyTarget
		}
		return 0, err
	}
	return f.FacultyID, nil
}
