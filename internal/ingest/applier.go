package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/events"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

// Applier advances one entity's frontier by exactly one event.
type Applier struct {
	store   store.Store
	leases  *entityLeases
	metrics *Metrics
}

// NewApplier creates an Applier. metrics may be nil.
func NewApplier(st store.Store, metrics *Metrics) *Applier {
	return &Applier{store: st, leases: newEntityLeases(), metrics: metrics}
}

// ApplyResult reports what one application did to the entity's DAG.
type ApplyResult struct {
	Created    []int64
	Terminated []int64
}

// Apply dispatches the event against every live version of the entity at the
// event's time. The update function decides per version whether it is
// unaffected, impossible, or advances; structurally equal successors merge.
// If every live version is terminated the event is unresolvable and nothing
// is mutated.
func (a *Applier) Apply(ctx context.Context, e *model.Event, eff model.EventEffect) (*ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := model.EntityRef{Type: eff.EntityType, ID: eff.EntityID}
	release := a.leases.acquire(ref)
	defer release()

	codec, ok := entity.Lookup(ref.Type)
	if !ok {
		return nil, eris.Errorf("ingest: unknown entity type %q", ref.Type)
	}

	live, err := a.store.LiveVersionsAt(ctx, ref, e.Time)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		// Entity not tracked yet; nothing to advance.
		return &ApplyResult{}, nil
	}

	merged := newMergedSuccessors()
	unchanged := 0
	type termination struct {
		id     int64
		reason string
	}
	var terminations []termination

	for _, v := range live {
		st, err := codec.Decode(ref.ID, v.State)
		if err != nil {
			return nil, err
		}
		outcome, err := events.Apply(e, st, eff.Aux)
		if err != nil {
			return nil, err
		}
		switch outcome.Kind {
		case events.OutcomeUnchanged:
			unchanged++
		case events.OutcomeTerminated:
			terminations = append(terminations, termination{id: v.ID, reason: outcome.Reason})
		case events.OutcomeSuccessors:
			for _, s := range outcome.Successors {
				state, err := entity.Marshal(s.State)
				if err != nil {
					return nil, err
				}
				merged.add(v.ID, ref, e.Time, e.ID, state, s.Aux)
			}
		}
	}

	if unchanged == 0 && merged.empty() {
		// Every live version died: the event cannot be explained. Leave the
		// DAG untouched and surface for manual approval.
		zap.L().Error("ingest: event terminates every live version",
			zap.Int64("event", e.ID),
			zap.String("kind", e.Kind),
			zap.String("entity", ref.String()),
		)
		return nil, eris.Wrapf(ErrUnresolvableEvent, "event %d (%s) on %s", e.ID, e.Kind, ref)
	}

	result := &ApplyResult{}
	if !merged.empty() {
		ids, err := a.store.InsertVersions(ctx, merged.all())
		if err != nil {
			return nil, err
		}
		result.Created = ids
	}
	for _, t := range terminations {
		if err := a.store.Terminate(ctx, []int64{t.id}, t.reason); err != nil {
			return nil, err
		}
		result.Terminated = append(result.Terminated, t.id)
	}

	if a.metrics != nil {
		a.metrics.EventApplied(e, len(result.Created), len(result.Terminated))
	}
	return result, nil
}
