package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeNames(t *testing.T) {
	s := DefaultScheme()
	assert.Equal(t, "consultease/faculty/2/status_update", s.StatusUpdate(2))
	assert.Equal(t, "consultease/system/notifications", s.SystemNotifications())
	assert.Equal(t, "consultease/ui/consultation_updates", s.ConsultationUpdates())
	assert.Equal(t, "consultease/student/1/notifications", s.StudentNotifications(1))
	assert.Equal(t, "faculty/2/status", s.LegacyFacultyStatus(2))
	assert.Equal(t, "consultease/faculty/+/responses", s.ResponsesPattern())
}

func TestParseFacultyID(t *testing.T) {
	s := DefaultScheme()
	id, err := s.ParseFacultyID("consultease/faculty/42/heartbeat")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, topic := range []string{
		"professor/status",
		"consultease/faculty/abc/status",
		"consultease/faculty/-1/status",
		"consultease/faculty/7",
	} {
		_, err := s.ParseFacultyID(topic)
		assert.Error(t, err, topic)
	}
}
