package memory

import (
	"context"
	"sync"
	"testing"

	"consultease/sync-service/internal/models"
	"consultease/sync-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFacultyStatusOnlyChangesOnce(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	st.SeedFaculty(models.Faculty{FacultyID: 7, Name: "Dr. Lim"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := st.UpdateFacultyStatus(ctx, store.FacultyStatusInput{FacultyID: 7, Status: true})
			assert.NoError(t, err)
			if result.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changed)
	f, err := st.GetFaculty(ctx, 7)
	require.NoError(t, err)
	assert.True(t, f.Status)
	assert.Equal(t, int64(2), f.Version)
	assert.NotNil(t, f.LastSeen)
}

func TestUpdateFacultyStatusMissing(t *testing.T) {
	st := NewStore()
	_, err := st.UpdateFacultyStatus(context.Background(), store.FacultyStatusInput{FacultyID: 99, Status: true})
	assert.ErrorIs(t, err, store.ErrFacultyNotFound)
}

func TestFacultyLookups(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	st.SeedFaculty(models.Faculty{FacultyID: 3, Name: "Dr. Cruz", BeaconID: "AA:BB"})
	st.SeedFaculty(models.Faculty{FacultyID: 2, Name: "Dr. Cruz"})

	byName, err := st.FindFacultyByName(ctx, "Dr. Cruz")
	require.NoError(t, err)
	assert.Equal(t, int64(2), byName.FacultyID)

	beacon, err := st.FirstBeaconFaculty(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), beacon.FacultyID)

	assert.ErrorIs(t, st.UpdateBeaconID(ctx, 2, "AA:BB"), store.ErrDuplicateFaculty)
	_, err = st.FindFacultyByName(ctx, "Nobody")
	assert.ErrorIs(t, err, store.ErrFacultyNotFound)
}

func TestConsultationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	st.SeedFaculty(models.Faculty{FacultyID: 2, Name: "Dr. Reyes"})

	c, err := st.CreateConsultation(ctx, store.CreateConsultationInput{StudentID: 1, FacultyID: 2, RequestMessage: "Need help", CourseCode: "CS101"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, c.Status)

	result, err := st.TransitionConsultation(ctx, store.TransitionInput{ConsultationID: c.ConsultationID, Target: models.StatusAccepted})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.NotNil(t, result.Consultation.AcceptedAt)

	again, err := st.TransitionConsultation(ctx, store.TransitionInput{ConsultationID: c.ConsultationID, Target: models.StatusAccepted})
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = st.TransitionConsultation(ctx, store.TransitionInput{ConsultationID: c.ConsultationID, Target: models.StatusBusy})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	events, err := st.ListConsultationEvents(ctx, c.ConsultationID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	require.NoError(t, store.VerifyEventChain(events))

	counts, err := st.CountConsultationsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusAccepted])

	list, err := st.ListConsultations(ctx, store.ConsultationFilter{StudentID: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateConsultationUnknownFaculty(t *testing.T) {
	st := NewStore()
	_, err := st.CreateConsultation(context.Background(), store.CreateConsultationInput{StudentID: 1, FacultyID: 5, RequestMessage: "x"})
	assert.ErrorIs(t, err, store.ErrFacultyNotFound)
}
