package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

// timedKindPriority breaks ties between timed events scheduled at the same
// instant. Lower fires first; unknown kinds fire last.
var timedKindPriority = map[string]int{
	"earlseason_start": 0,
	"lets_go":          1,
}

// TimedGenerator derives implicit events from the contents of frontier
// versions and applies them in timestamp order.
type TimedGenerator struct {
	store   store.Store
	applier *Applier
}

// NewTimedGenerator creates a TimedGenerator.
func NewTimedGenerator(st store.Store, applier *Applier) *TimedGenerator {
	return &TimedGenerator{store: st, applier: applier}
}

// next returns the earliest pending timed event across all frontier
// versions, or nil. Ties break by kind priority, then entity id.
func (g *TimedGenerator) next(ctx context.Context) (*model.TimedEvent, error) {
	frontier, err := g.store.FrontierVersions(ctx)
	if err != nil {
		return nil, err
	}

	var best *model.TimedEvent
	for _, v := range frontier {
		codec, ok := entity.Lookup(v.Entity.Type)
		if !ok {
			continue
		}
		st, err := codec.Decode(v.Entity.ID, v.State)
		if err != nil {
			return nil, err
		}
		te := st.NextTimedEvent(v.StartTime)
		if te == nil {
			continue
		}
		if best == nil || timedBefore(te, best) {
			best = te
		}
	}
	return best, nil
}

func timedBefore(a, b *model.TimedEvent) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	pa, pb := priorityOf(a.Kind), priorityOf(b.Kind)
	if pa != pb {
		return pa < pb
	}
	return a.Entity.ID.String() < b.Entity.ID.String()
}

func priorityOf(kind string) int {
	if p, ok := timedKindPriority[kind]; ok {
		return p
	}
	return len(timedKindPriority)
}

// Drain applies pending timed events with time < limit, or <= limit when
// inclusive, in deterministic order. Returns the number applied.
func (g *TimedGenerator) Drain(ctx context.Context, limit time.Time, inclusive bool) (int, error) {
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		te, err := g.next(ctx)
		if err != nil {
			return applied, err
		}
		if te == nil {
			return applied, nil
		}
		if te.Time.After(limit) || (!inclusive && te.Time.Equal(limit)) {
			return applied, nil
		}

		e := &model.Event{
			Time:    te.Time,
			Source:  model.SourceTimed,
			Kind:    te.Kind,
			Payload: te.Payload,
			Effects: []model.EventEffect{{EntityType: te.Entity.Type, EntityID: te.Entity.ID}},
		}
		if _, err := g.store.AppendEvent(ctx, e); err != nil {
			return applied, err
		}
		zap.L().Debug("ingest: applying timed event",
			zap.String("kind", e.Kind),
			zap.Time("time", e.Time),
			zap.String("entity", te.Entity.String()),
		)
		for _, eff := range e.Effects {
			if _, err := g.applier.Apply(ctx, e, eff); err != nil {
				return applied, err
			}
		}
		applied++
	}
}
