package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sells-group/blarser/internal/model"
)

func TestDeferredObservation_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"one below max", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DeferredObservation{
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeferredObservation_Due(t *testing.T) {
	now := time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC)
	e := DeferredObservation{NextRetryAt: now}
	if !e.Due(now) {
		t.Error("expected entry due at its retry time")
	}
	if e.Due(now.Add(-time.Second)) {
		t.Error("expected entry not due before its retry time")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeferredObservation_CarriesObservation(t *testing.T) {
	e := DeferredObservation{
		Observation: model.Observation{Status: model.ObservationPending},
	}
	if e.Observation.Status != model.ObservationPending {
		t.Errorf("expected pending observation, got %q", e.Observation.Status)
	}
}
