package consultation

import (
	"context"
	"log/slog"

	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/presence"
	"consultease/sync-service/internal/syncstate"
)

// WatchAvailability flushes a faculty's offline queue whenever a status
// notification reports them available. Stale notifications are ignored. The
// flush runs on its own goroutine so the publishing path is not held up.
func (s *Service) WatchAvailability(bus *eventbus.Bus) {
	guard := syncstate.NewSequenceGuard()
	bus.Subscribe("offline_flush", func(ctx context.Context, event eventbus.Event) {
		if event.Type != presence.EventFacultyStatus {
			return
		}
		if !guard.Accept(event.FacultyID, event.Sequence) {
			s.metrics.StaleDelivery("offline_flush")
			slog.Debug("stale status event dropped", "faculty_id", event.FacultyID, "sequence", event.Sequence)
			return
		}
		note, ok := event.Data.(presence.Notification)
		if !ok || !note.Status {
			return
		}
		flushCtx := context.WithoutCancel(ctx)
		go func() {
			if _, _, err := s.FlushOffline(flushCtx, note.FacultyID); err != nil {
				slog.Error("offline flush failed", "faculty_id", note.FacultyID, "error", err)
			}
		}()
	})
}
