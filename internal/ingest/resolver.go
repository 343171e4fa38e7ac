package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/events"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
	"github.com/sells-group/blarser/internal/store"
)

// Resolver places Chronicler observations against candidate versions,
// refines the matched version with the observed values, and terminates
// candidates the observation rules out.
type Resolver struct {
	store   store.Store
	leases  *entityLeases
	metrics *Metrics
}

// NewResolver creates a Resolver. metrics may be nil.
func NewResolver(st store.Store, metrics *Metrics) *Resolver {
	return &Resolver{store: st, leases: newEntityLeases(), metrics: metrics}
}

// ObservationFromRaw builds an observation from one Chronicler snapshot,
// applying the entity type's perception window.
func ObservationFromRaw(ref model.EntityRef, perceivedAt time.Time, raw json.RawMessage) (*model.Observation, error) {
	codec, ok := entity.Lookup(ref.Type)
	if !ok {
		return nil, eris.Errorf("ingest: unknown entity type %q", ref.Type)
	}
	earliest, latest := codec.Window(perceivedAt)
	return &model.Observation{
		Entity:      ref,
		PerceivedAt: perceivedAt,
		Earliest:    earliest,
		Latest:      latest,
		Data:        raw,
		Status:      model.ObservationPending,
	}, nil
}

// versionMismatch records why one candidate was ruled out, for display.
type versionMismatch struct {
	VersionID int64              `json:"version_id"`
	StartTime time.Time          `json:"start_time"`
	Conflicts []partial.Conflict `json:"conflicts"`
}

type placement struct {
	version model.Version
	kind    partial.DiffKind
}

// Resolve places one observation. The observation is persisted if new; on
// return its status is Resolved, Ambiguous, or Failed, or Pending when no
// candidate matched and some were skipped as gated by an earlier ambiguous
// observation.
func (r *Resolver) Resolve(ctx context.Context, o *model.Observation) error {
	release := r.leases.acquire(o.Entity)
	defer release()

	if o.ID == 0 {
		if _, err := r.store.InsertObservation(ctx, o); err != nil {
			return err
		}
	}
	return r.resolve(ctx, o, make(map[int64]bool))
}

// Park persists an observation as pending without attempting resolution,
// for observations whose window the feed has not reached by end of run.
func (r *Resolver) Park(ctx context.Context, o *model.Observation) error {
	if o.ID != 0 {
		return nil
	}
	_, err := r.store.InsertObservation(ctx, o)
	return err
}

// ReevaluateEntity retries the entity's unplaced observations. Called after
// event application terminates versions, which can shrink candidate sets.
func (r *Resolver) ReevaluateEntity(ctx context.Context, ref model.EntityRef) error {
	release := r.leases.acquire(ref)
	defer release()

	return r.reresolve(ctx, ref, make(map[int64]bool))
}

// HandleTerminations reverts resolutions that pointed at now-dead versions
// and retries the entity's unplaced observations.
func (r *Resolver) HandleTerminations(ctx context.Context, ref model.EntityRef, terminated []int64) error {
	release := r.leases.acquire(ref)
	defer release()

	for _, id := range terminated {
		if err := r.revertResolved(ctx, id); err != nil {
			return err
		}
	}
	return r.reresolve(ctx, ref, make(map[int64]bool))
}

func (r *Resolver) resolve(ctx context.Context, o *model.Observation, visited map[int64]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	visited[o.ID] = true

	codec, ok := entity.Lookup(o.Entity.Type)
	if !ok {
		return eris.Errorf("ingest: unknown entity type %q", o.Entity.Type)
	}

	candidates, err := r.store.VersionsInRange(ctx, o.Entity, o.Earliest, o.Latest)
	if err != nil {
		return err
	}
	gated, err := r.pendingGate(ctx, o)
	if err != nil {
		return err
	}

	var valid []placement
	var ruledOut []versionMismatch
	skipped := 0
	for _, v := range candidates {
		// Observations apply in arrival order per chain: a candidate still
		// gated by an earlier unplaced observation is not considered.
		if gated[v.ID] {
			skipped++
			continue
		}
		st, err := codec.Decode(o.Entity.ID, v.State)
		if err != nil {
			return err
		}
		kind, conflicts, err := entity.Diff(st, o.Data)
		if err != nil {
			return err
		}
		if kind == partial.DiffIncompatible {
			ruledOut = append(ruledOut, versionMismatch{
				VersionID: v.ID,
				StartTime: v.StartTime,
				Conflicts: conflicts,
			})
			continue
		}
		valid = append(valid, placement{version: v, kind: kind})
	}

	switch len(valid) {
	case 0:
		// Candidates gated by an earlier unplaced observation keep this one
		// waiting its turn rather than failing it.
		if skipped > 0 {
			if o.Status != model.ObservationPending {
				o.Status = model.ObservationPending
				o.ResolvedVersion = nil
				return r.store.UpdateObservation(ctx, o)
			}
			return nil
		}
		return r.fail(ctx, o, ruledOut)
	case 1:
		return r.place(ctx, o, valid[0], ruledOut, visited)
	default:
		return r.markAmbiguous(ctx, o, valid)
	}
}

// pendingGate returns the versions an earlier-arrived, still-ambiguous
// observation is parked on. Those versions wait their turn.
func (r *Resolver) pendingGate(ctx context.Context, o *model.Observation) (map[int64]bool, error) {
	earlier, err := r.store.ListObservations(ctx, store.ObservationFilter{
		Entity:   &o.Entity,
		Statuses: []model.ObservationStatus{model.ObservationAmbiguous},
	})
	if err != nil {
		return nil, err
	}

	gated := make(map[int64]bool)
	for _, prev := range earlier {
		if prev.ID == o.ID || !prev.PerceivedAt.Before(o.PerceivedAt) {
			continue
		}
		for _, id := range prev.Candidates {
			gated[id] = true
		}
	}
	return gated, nil
}

func (r *Resolver) fail(ctx context.Context, o *model.Observation, ruledOut []versionMismatch) error {
	mismatches, err := json.Marshal(ruledOut)
	if err != nil {
		return eris.Wrap(err, "ingest: marshal mismatches")
	}
	o.Status = model.ObservationFailed
	o.ResolvedVersion = nil
	o.Candidates = nil
	o.Mismatches = mismatches
	if err := r.store.UpdateObservation(ctx, o); err != nil {
		return err
	}

	zap.L().Warn("ingest: observation matches no candidate",
		zap.String("entity", o.Entity.String()),
		zap.Time("perceived_at", o.PerceivedAt),
		zap.Int("ruled_out", len(ruledOut)),
	)
	if _, err := r.store.UpsertApproval(ctx, o.Entity, o.PerceivedAt,
		fmt.Sprintf("observation at %s matches no version in [%s, %s]",
			o.PerceivedAt.Format(time.RFC3339), o.Earliest.Format(time.RFC3339), o.Latest.Format(time.RFC3339)),
	); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ObservationOutcome(model.ObservationFailed)
	}
	return nil
}

func (r *Resolver) markAmbiguous(ctx context.Context, o *model.Observation, valid []placement) error {
	ids := make([]int64, len(valid))
	for i, p := range valid {
		ids[i] = p.version.ID
	}

	// Nothing shrank since the last attempt; leave the stored record alone.
	if o.Status == model.ObservationAmbiguous && equalIDs(o.Candidates, ids) {
		return nil
	}

	o.Status = model.ObservationAmbiguous
	o.ResolvedVersion = nil
	o.Candidates = ids
	o.Mismatches = nil
	if err := r.store.UpdateObservation(ctx, o); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ObservationOutcome(model.ObservationAmbiguous)
	}
	return nil
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Resolver) place(ctx context.Context, o *model.Observation, p placement, ruledOut []versionMismatch, visited map[int64]bool) error {
	v := p.version

	// A compatible-but-not-exact match gains information: refine the version
	// in place and push the tightened fields through its descendants.
	if p.kind == partial.DiffCompatible {
		codec, _ := entity.Lookup(o.Entity.Type)
		st, err := codec.Decode(o.Entity.ID, v.State)
		if err != nil {
			return err
		}
		conflicts, err := st.Observe(o.Data)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return eris.Errorf("ingest: refinement conflicts on version %d after compatible diff", v.ID)
		}
		newState, err := entity.Marshal(st)
		if err != nil {
			return err
		}
		if err := r.store.UpdateVersionState(ctx, v.ID, newState); err != nil {
			return err
		}
		if err := r.propagate(ctx, v, st); err != nil {
			return err
		}
	}

	if err := r.store.AppendObservationTime(ctx, v.ID, o.PerceivedAt); err != nil {
		return err
	}

	// Tighten the window to the interval during which the version was live.
	if v.StartTime.After(o.Earliest) {
		o.Earliest = v.StartTime
	}
	if end, ok, err := r.versionEnd(ctx, v.ID); err != nil {
		return err
	} else if ok && end.Before(o.Latest) {
		o.Latest = end
	}

	o.Status = model.ObservationResolved
	o.ResolvedVersion = &v.ID
	o.Candidates = nil
	o.Mismatches = nil
	if err := r.store.UpdateObservation(ctx, o); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ObservationOutcome(model.ObservationResolved)
	}

	// Candidates this observation ruled out die unless something else still
	// needs them: a resolved placement or a live descendant.
	for _, ruled := range ruledOut {
		if err := r.terminateIfUnsupported(ctx, ruled.VersionID, o); err != nil {
			return err
		}
	}

	// A placement shrinks time windows and candidate sets; earlier ambiguous
	// observations may now resolve.
	return r.reresolve(ctx, o.Entity, visited)
}

// versionEnd returns the start of the version's earliest live child, i.e.
// the exclusive end of its live interval.
func (r *Resolver) versionEnd(ctx context.Context, versionID int64) (time.Time, bool, error) {
	children, err := r.store.Children(ctx, versionID)
	if err != nil {
		return time.Time{}, false, err
	}
	var end time.Time
	found := false
	for _, c := range children {
		if !c.Live() {
			continue
		}
		if !found || c.StartTime.Before(end) {
			end = c.StartTime
			found = true
		}
	}
	return end, found, nil
}

func (r *Resolver) terminateIfUnsupported(ctx context.Context, versionID int64, o *model.Observation) error {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if !v.Live() {
		return nil
	}

	// Ruling out only proves the candidate wrong at the observed instant.
	// Termination is sound only when that instant must fall inside the
	// candidate's live interval, i.e. the interval covers the whole window.
	if v.StartTime.After(o.Earliest) {
		return nil
	}
	if end, ok, err := r.versionEnd(ctx, versionID); err != nil {
		return err
	} else if ok && !end.After(o.Latest) {
		return nil
	}

	resolved, err := r.store.ListObservations(ctx, store.ObservationFilter{
		ResolvedBy: []int64{versionID},
		Statuses:   []model.ObservationStatus{model.ObservationResolved},
	})
	if err != nil {
		return err
	}
	if len(resolved) > 0 {
		return nil
	}
	children, err := r.store.Children(ctx, versionID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Live() {
			return nil
		}
	}
	reason := fmt.Sprintf("failed to apply observation at %s", o.PerceivedAt.Format(time.RFC3339))
	if err := r.store.Terminate(ctx, []int64{versionID}, reason); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.VersionsTerminated(1)
	}
	return nil
}

// reresolve retries the entity's unplaced observations in perceived order.
// Each retry either leaves the stored record untouched or strictly shrinks a
// candidate set or time range, so the fixpoint is finite.
func (r *Resolver) reresolve(ctx context.Context, ref model.EntityRef, visited map[int64]bool) error {
	unplaced, err := r.store.ListObservations(ctx, store.ObservationFilter{
		Entity:   &ref,
		Statuses: []model.ObservationStatus{model.ObservationPending, model.ObservationAmbiguous},
	})
	if err != nil {
		return err
	}
	for _, o := range unplaced {
		if visited[o.ID] {
			continue
		}
		obs := o
		if err := r.resolve(ctx, &obs, visited); err != nil {
			return err
		}
	}
	return nil
}

// propagate rebuilds the descendant chain of a refined version by re-applying
// each child's producing event to the tightened state. A child whose branch
// no longer arises dies; a resolved observation that stops matching reverts
// to pending.
func (r *Resolver) propagate(ctx context.Context, from model.Version, fromState entity.State) error {
	type node struct {
		id int64
		st entity.State
	}
	queue := []node{{id: from.ID, st: fromState}}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		children, err := r.store.Children(ctx, n.id)
		if err != nil {
			return err
		}
		for _, child := range children {
			if !child.Live() {
				continue
			}
			e, err := r.store.GetEvent(ctx, child.FromEvent)
			if err != nil {
				return err
			}
			aux := effectAuxFor(e, child.Entity)
			outcome, err := events.Apply(e, n.st, aux)
			if err != nil {
				return err
			}

			successor, ok := matchSuccessor(outcome, child.EventAux)
			if !ok {
				// The refined ancestor no longer produces this branch.
				zap.L().Warn("ingest: refinement invalidates branch",
					zap.Int64("version", child.ID),
					zap.Int64("event", e.ID),
				)
				if err := r.revertResolved(ctx, child.ID); err != nil {
					return err
				}
				if err := r.store.Terminate(ctx, []int64{child.ID}, "refined ancestor no longer produces this branch"); err != nil {
					return err
				}
				continue
			}

			newState, err := entity.Marshal(successor.State)
			if err != nil {
				return err
			}
			if bytes.Equal(newState, child.State) {
				continue
			}

			// Check resolved observations on this child against the rebuilt
			// state; a mismatch is a refinement conflict.
			resolved, err := r.store.ListObservations(ctx, store.ObservationFilter{
				ResolvedBy: []int64{child.ID},
				Statuses:   []model.ObservationStatus{model.ObservationResolved},
			})
			if err != nil {
				return err
			}
			for _, ro := range resolved {
				kind, _, err := entity.Diff(successor.State, ro.Data)
				if err != nil {
					return err
				}
				if kind == partial.DiffIncompatible {
					zap.L().Warn("ingest: refinement conflict, reverting resolution",
						zap.Int64("observation", ro.ID),
						zap.Int64("version", child.ID),
					)
					obs := ro
					obs.Status = model.ObservationPending
					obs.ResolvedVersion = nil
					if err := r.store.UpdateObservation(ctx, &obs); err != nil {
						return err
					}
				}
			}

			if err := r.store.UpdateVersionState(ctx, child.ID, newState); err != nil {
				return err
			}
			queue = append(queue, node{id: child.ID, st: successor.State})
		}
	}
	return nil
}

func effectAuxFor(e *model.Event, ref model.EntityRef) json.RawMessage {
	for _, eff := range e.Effects {
		if effectTargets(eff, ref) {
			return eff.Aux
		}
	}
	return nil
}

func effectTargets(eff model.EventEffect, ref model.EntityRef) bool {
	if eff.EntityType != ref.Type {
		return false
	}
	return eff.EntityID == ref.ID || eff.EntityID == uuid.Nil
}

// matchSuccessor finds the outcome branch this child was created from, by
// its recorded branch scratch data.
func matchSuccessor(outcome events.Outcome, eventAux json.RawMessage) (events.Successor, bool) {
	if outcome.Kind != events.OutcomeSuccessors {
		return events.Successor{}, false
	}
	for _, s := range outcome.Successors {
		if auxEqual(s.Aux, eventAux) {
			return s, true
		}
	}
	if len(outcome.Successors) == 1 {
		return outcome.Successors[0], true
	}
	return events.Successor{}, false
}

func auxEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return bytes.Equal(a, b)
}

func (r *Resolver) revertResolved(ctx context.Context, versionID int64) error {
	resolved, err := r.store.ListObservations(ctx, store.ObservationFilter{
		ResolvedBy: []int64{versionID},
		Statuses:   []model.ObservationStatus{model.ObservationResolved},
	})
	if err != nil {
		return err
	}
	for _, ro := range resolved {
		obs := ro
		obs.Status = model.ObservationPending
		obs.ResolvedVersion = nil
		if err := r.store.UpdateObservation(ctx, &obs); err != nil {
			return err
		}
	}
	return nil
}
