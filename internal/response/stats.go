package response

import (
	"context"

	"consultease/sync-service/internal/models"
)

type Stats struct {
	TotalAcknowledged int     `json:"total_acknowledged"`
	TotalBusy         int     `json:"total_busy"`
	TotalDeclined     int     `json:"total_declined"`
	TotalCompleted    int     `json:"total_completed"`
	TotalPending      int     `json:"total_pending"`
	TotalResponded    int     `json:"total_responded"`
	ResponseRate      float64 `json:"response_rate"`
}

// Stats counts consultations per status. Cancelled consultations count as
// declined responses.
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	counts, err := p.store.CountConsultationsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		TotalAcknowledged: counts[models.StatusAccepted],
		TotalBusy:         counts[models.StatusBusy],
		TotalDeclined:     counts[models.StatusCancelled],
		TotalCompleted:    counts[models.StatusCompleted],
		TotalPending:      counts[models.StatusPending],
	}
	s.TotalResponded = s.TotalAcknowledged + s.TotalBusy + s.TotalDeclined
	total := s.TotalResponded + s.TotalPending + s.TotalCompleted
	if total < 1 {
		total = 1
	}
	s.ResponseRate = float64(s.TotalResponded) / float64(total) * 100
	return s, nil
}
