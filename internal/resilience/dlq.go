package resilience

import (
	"time"

	"github.com/sells-group/blarser/internal/model"
)

// DeferredObservation is an observation whose resolution was put off — the
// feed horizon did not cover its window in time, or resolution failed
// transiently — and that should be retried later.
type DeferredObservation struct {
	ID           string            `json:"id"`
	Observation  model.Observation `json:"observation"`
	Error        string            `json:"error,omitempty"`
	ErrorType    string            `json:"error_type"` // "transient" or "permanent"
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	NextRetryAt  time.Time         `json:"next_retry_at"`
	CreatedAt    time.Time         `json:"created_at"`
	LastFailedAt time.Time         `json:"last_failed_at"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DeferredObservation) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry is ready to retry at the given time.
func (e *DeferredObservation) Due(now time.Time) bool {
	return !now.Before(e.NextRetryAt)
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
