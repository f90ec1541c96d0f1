package store

import (
	"time"

	"consultease/sync-service/internal/models"
)

// transitionMap lists, per target status, the statuses it may be entered from.
var transitionMap = map[string][]string{
	models.StatusAccepted:  {models.StatusPending},
	models.StatusBusy:      {models.StatusPending},
	models.StatusCompleted: {models.StatusAccepted, models.StatusBusy},
	models.StatusCancelled: {models.StatusPending, models.StatusAccepted, models.StatusBusy},
}

func ValidTransition(target, fromStatus string) bool {
	allowed, ok := transitionMap[target]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// CheckTransition decides what moving from -> target means. Re-entering the
// current status is a no-op (changed=false). Anything else off the table
// returns ErrInvalidTransition.
func CheckTransition(fromStatus, target string) (bool, error) {
	if fromStatus == target {
		if _, ok := transitionMap[target]; !ok {
			return false, ErrInvalidTransition
		}
		return false, nil
	}
	if !ValidTransition(target, fromStatus) {
		return false, ErrInvalidTransition
	}
	return true, nil
}

// TimestampColumn names the column stamped when entering target.
func TimestampColumn(target string) string {
	switch target {
	case models.StatusAccepted:
		return "accepted_at"
	case models.StatusBusy:
		return "busy_at"
	case models.StatusCompleted:
		return "completed_at"
	case models.StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

func ApplyTransition(c *models.Consultation, target string, at time.Time) {
	c.Status = target
	stamp := at
	switch target {
	case models.StatusAccepted:
		c.AcceptedAt = &stamp
	case models.StatusBusy:
		c.BusyAt = &stamp
	case models.StatusCompleted:
		c.CompletedAt = &stamp
	case models.StatusCancelled:
		c.CancelledAt = &stamp
	}
}
