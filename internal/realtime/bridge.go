package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"consultease/sync-service/internal/eventbus"
	"consultease/sync-service/internal/syncstate"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const clientBuffer = 16

// Envelope is what dashboard clients receive for every bus event.
type Envelope struct {
	Type           string    `json:"type"`
	FacultyID      int64     `json:"faculty_id,omitempty"`
	StudentID      int64     `json:"student_id,omitempty"`
	ConsultationID int64     `json:"consultation_id,omitempty"`
	Payload        any       `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

// Attach forwards every bus event to the hub. Status events at or below the
// last sequence already forwarded for that faculty are dropped.
func (h *Hub) Attach(bus *eventbus.Bus) {
	guard := syncstate.NewSequenceGuard()
	bus.Subscribe("realtime", func(_ context.Context, event eventbus.Event) {
		if !guard.Accept(event.FacultyID, event.Sequence) {
			h.metrics.StaleDelivery("realtime")
			slog.Debug("stale status event dropped", "faculty_id", event.FacultyID, "sequence", event.Sequence)
			return
		}
		payload, err := json.Marshal(Envelope{
			Type:           event.Type,
			FacultyID:      event.FacultyID,
			StudentID:      event.StudentID,
			ConsultationID: event.ConsultationID,
			Payload:        event.Data,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			slog.Error("marshal realtime envelope", "event", event.Type, "error", err)
			return
		}
		h.Broadcast(payload, Subscription{FacultyID: event.FacultyID, StudentID: event.StudentID})
	})
}

// Handler serves SockJS sessions under prefix. Clients send
// {"action":"subscribe","faculty_id":..} to narrow their feed.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, h.serve)
}

func (h *Hub) serve(session sockjs.Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
	h.Register(client)
	defer h.Unregister(client)
	slog.Info("realtime client connected", "client_id", client.ID)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			slog.Info("realtime client disconnected", "client_id", client.ID)
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{FacultyID: parsed.FacultyID, StudentID: parsed.StudentID})
	}
}
