// Package cache is the read cache in front of the store. Writers invalidate by
// entity key; readers go through Load.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consultease/sync-service/internal/models"
)

const DefaultTTL = 30 * time.Second

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, keys ...string) error
}

func FacultyKey(facultyID int64) string { return fmt.Sprintf("faculty:%d", facultyID) }

func ConsultationKey(consultationID int64) string {
	return fmt.Sprintf("consultation:%d", consultationID)
}

func StudentConsultationsKey(studentID int64) string {
	return fmt.Sprintf("consultations:student:%d", studentID)
}

func FacultyConsultationsKey(facultyID int64) string {
	return fmt.Sprintf("consultations:faculty:%d", facultyID)
}

// Load returns the cached value for key or calls load and caches its result.
// Cache errors are logged and fall through to load.
func Load[T any](ctx context.Context, c Cache, key string, load func(context.Context) (T, error)) (T, error) {
	if c != nil {
		raw, ok, err := c.Get(ctx, key)
		if err != nil {
			slog.Warn("cache get failed", "key", key, "error", err)
		} else if ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		if raw, err := json.Marshal(v); err == nil {
			if err := c.Set(ctx, key, raw); err != nil {
				slog.Warn("cache set failed", "key", key, "error", err)
			}
		}
	}
	return v, nil
}

func InvalidateFaculty(ctx context.Context, c Cache, facultyID int64) {
	invalidate(ctx, c, FacultyKey(facultyID))
}

func InvalidateConsultation(ctx context.Context, c Cache, consultation models.Consultation) {
	invalidate(ctx, c,
		ConsultationKey(consultation.ConsultationID),
		StudentConsultationsKey(consultation.StudentID),
		FacultyConsultationsKey(consultation.FacultyID),
	)
}

func invalidate(ctx context.Context, c Cache, keys ...string) {
	if c == nil {
		return
	}
	if err := c.Invalidate(ctx, keys...); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "error", err)
		return
	}
	slog.Debug("cache invalidated", "keys", keys)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]entry
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, items: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{value: append([]byte(nil), value...), expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}
