// Package store persists the event log, the per-entity version DAGs, and the
// observation and approval queues. SQLite is the default backend; Postgres is
// available for larger ingests; Memory backs tests and one-off queries.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/blarser/internal/model"
)

// ObservationFilter selects observations for listing.
type ObservationFilter struct {
	Entity     *model.EntityRef
	Statuses   []model.ObservationStatus
	ResolvedBy []int64
	Limit      int
}

// TerminatedCascade is the reason recorded on versions terminated only
// because every path through them died.
const TerminatedCascade = "all descendants terminated"

// TerminatedOrphaned is the reason recorded on versions whose every parent
// died.
const TerminatedOrphaned = "all ancestors terminated"

// Store is the persistence interface for the ingest engine. Operations that
// touch a single entity are serialized by the engine's per-entity leases; the
// store itself only guarantees statement-level atomicity plus a transactional
// cascade in Terminate.
type Store interface {
	// Event log. AppendEvent assigns the event id and persists the effects;
	// ids are monotonic in insertion order.
	AppendEvent(ctx context.Context, e *model.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*model.Event, error)
	// EventsAffecting returns events touching the entity with
	// after < event_time <= until, in (event_time, id) order.
	EventsAffecting(ctx context.Context, ref model.EntityRef, after, until time.Time) ([]model.Event, error)
	LatestEventTime(ctx context.Context) (time.Time, error)

	// Versions. InsertVersions stores successors and their parent links in
	// one batch and returns the assigned ids in input order.
	InsertVersions(ctx context.Context, vs []model.NewVersion) ([]int64, error)
	GetVersion(ctx context.Context, id int64) (*model.Version, error)
	// LiveVersionsAt returns the frontier at time t: versions with
	// start_time <= t, not terminated, and no live descendant starting <= t.
	LiveVersionsAt(ctx context.Context, ref model.EntityRef, t time.Time) ([]model.Version, error)
	// VersionsInRange returns live versions whose implicit interval
	// [start_time, min child start) overlaps [t0, t1]: start_time <= t1 and
	// no live child starting <= t0.
	VersionsInRange(ctx context.Context, ref model.EntityRef, t0, t1 time.Time) ([]model.Version, error)
	// AncestorsUntil walks parent links from the version (exclusive) upward,
	// newest first, stopping before versions with start_time < tFloor.
	AncestorsUntil(ctx context.Context, versionID int64, tFloor time.Time) ([]model.Version, error)
	Children(ctx context.Context, versionID int64) ([]model.Version, error)
	ParentIDs(ctx context.Context, versionID int64) ([]int64, error)
	// Terminate marks the versions dead and cascades: a live version all of
	// whose children are terminated dies with TerminatedCascade, and a live
	// version all of whose parents are terminated dies with
	// TerminatedOrphaned. The cascade runs to fixpoint atomically.
	Terminate(ctx context.Context, versionIDs []int64, reason string) error
	AppendObservationTime(ctx context.Context, versionID int64, perceivedAt time.Time) error
	// UpdateVersionState replaces the stored partial state after a
	// post-match refinement.
	UpdateVersionState(ctx context.Context, versionID int64, state json.RawMessage) error
	// FrontierVersions returns every live leafmost version across all
	// entities, for timed-event generation.
	FrontierVersions(ctx context.Context) ([]model.Version, error)

	// Observations.
	InsertObservation(ctx context.Context, o *model.Observation) (int64, error)
	UpdateObservation(ctx context.Context, o *model.Observation) error
	GetObservation(ctx context.Context, id int64) (*model.Observation, error)
	ListObservations(ctx context.Context, f ObservationFilter) ([]model.Observation, error)
	LatestObservationTime(ctx context.Context) (time.Time, error)

	// Approvals.
	UpsertApproval(ctx context.Context, ref model.EntityRef, perceivedAt time.Time, message string) (*model.Approval, error)
	ResolveApproval(ctx context.Context, id int64, approved bool, explanation string) error
	ListApprovals(ctx context.Context, pendingOnly bool) ([]model.Approval, error)

	// EntityDAG assembles the full graph for one entity.
	EntityDAG(ctx context.Context, ref model.EntityRef) (*model.EntityDAG, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
