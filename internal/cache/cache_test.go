package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"consultease/sync-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	calls := 0
	load := func(context.Context) (models.Faculty, error) {
		calls++
		return models.Faculty{FacultyID: 2, Name: "Dr. Reyes", Status: calls > 1}, nil
	}

	first, err := Load(ctx, c, FacultyKey(2), load)
	require.NoError(t, err)
	second, err := Load(ctx, c, FacultyKey(2), load)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	InvalidateFaculty(ctx, c, 2)
	third, err := Load(ctx, c, FacultyKey(2), load)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, third.Status)
}

func TestLoadDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	_, err := Load(ctx, c, "k", func(context.Context) (int, error) { return 0, errors.New("db down") })
	assert.Error(t, err)
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory(30 * time.Second)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestInvalidateConsultationKeys(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	for _, key := range []string{ConsultationKey(9), StudentConsultationsKey(1), FacultyConsultationsKey(2), FacultyKey(2)} {
		require.NoError(t, c.Set(ctx, key, []byte("x")))
	}

	InvalidateConsultation(ctx, c, models.Consultation{ConsultationID: 9, StudentID: 1, FacultyID: 2})

	for _, key := range []string{ConsultationKey(9), StudentConsultationsKey(1), FacultyConsultationsKey(2)} {
		_, ok, _ := c.Get(ctx, key)
		assert.False(t, ok, key)
	}
	_, ok, _ := c.Get(ctx, FacultyKey(2))
	assert.True(t, ok)
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis tests")
	}
	ctx := context.Background()
	client := NewRedisClient(addr)
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedis(client, time.Minute)
	c.prefix = "test:" + uuid.NewString() + ":"
	require.True(t, c.Healthy(ctx))

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	raw, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(raw))

	require.NoError(t, c.Invalidate(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
