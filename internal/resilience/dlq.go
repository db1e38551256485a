package resilience

import (
	"time"

	"github.com/statlinehq/props-engine/internal/model"
)

// DLQEntry is a prediction task that exhausted its delivery attempts and was
// routed to the dead-letter stream. Entries are archived in the store for
// inspection and can be requeued by an operator once the cause is fixed.
type DLQEntry struct {
	ID            string               `json:"id"`
	Task          model.PredictionTask `json:"task"`
	Error         string               `json:"error"`
	ErrorClass    string               `json:"error_class"`
	Attempts      int                  `json:"attempts"`
	FirstFailedAt time.Time            `json:"first_failed_at"`
	LastFailedAt  time.Time            `json:"last_failed_at"`
}

// DLQFilter specifies criteria for listing dead-letter entries.
type DLQFilter struct {
	ErrorClass string `json:"error_class,omitempty"`
	Date       string `json:"date,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
