// Package monitoring assembles point-in-time health snapshots of an ingest
// from the store, for the serve API's status endpoint.
package monitoring

import (
	"context"
	"time"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

// Snapshot holds a point-in-time view of ingest health.
type Snapshot struct {
	// Event horizon.
	LatestEventTime       time.Time `json:"latest_event_time"`
	LatestObservationTime time.Time `json:"latest_observation_time"`

	// Observation placement counts.
	ObservationsPending   int `json:"observations_pending"`
	ObservationsResolved  int `json:"observations_resolved"`
	ObservationsAmbiguous int `json:"observations_ambiguous"`
	ObservationsFailed    int `json:"observations_failed"`

	// Manual queue depth.
	PendingApprovals int `json:"pending_approvals"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a Collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers one snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	var err error
	if snap.LatestEventTime, err = c.store.LatestEventTime(ctx); err != nil {
		return nil, err
	}
	if snap.LatestObservationTime, err = c.store.LatestObservationTime(ctx); err != nil {
		return nil, err
	}

	counts := map[model.ObservationStatus]*int{
		model.ObservationPending:   &snap.ObservationsPending,
		model.ObservationResolved:  &snap.ObservationsResolved,
		model.ObservationAmbiguous: &snap.ObservationsAmbiguous,
		model.ObservationFailed:    &snap.ObservationsFailed,
	}
	for status, dst := range counts {
		obs, err := c.store.ListObservations(ctx, store.ObservationFilter{
			Statuses: []model.ObservationStatus{status},
		})
		if err != nil {
			return nil, err
		}
		*dst = len(obs)
	}

	approvals, err := c.store.ListApprovals(ctx, true)
	if err != nil {
		return nil, err
	}
	snap.PendingApprovals = len(approvals)

	return snap, nil
}
