package ingest

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/resilience"
)

// ChronItem is one Chronicler snapshot as delivered by the client.
type ChronItem struct {
	Entity      model.EntityRef
	PerceivedAt time.Time
	Data        json.RawMessage
}

// ChronSource yields observations ordered by the time they were perceived.
// Next returns nil at end of stream.
type ChronSource interface {
	Next(ctx context.Context) (*ChronItem, error)
}

// ChronLoop consumes observations, waits for the feed horizon to cover each
// observation's window, and hands them to the resolver. Observations whose
// horizon wait times out are deferred and retried, not failed.
type ChronLoop struct {
	src      ChronSource
	resolver *Resolver

	horizon     *Horizon
	progress    *Horizon
	waitTimeout time.Duration

	deferred []resilience.DeferredObservation
}

// NewChronLoop creates a ChronLoop. waitTimeout of zero waits indefinitely.
func NewChronLoop(src ChronSource, resolver *Resolver, horizon, progress *Horizon, waitTimeout time.Duration) *ChronLoop {
	return &ChronLoop{
		src:         src,
		resolver:    resolver,
		horizon:     horizon,
		progress:    progress,
		waitTimeout: waitTimeout,
	}
}

// Run consumes the observation stream to exhaustion, then flushes any
// deferred observations without waiting: those the horizon now covers are
// resolved, the rest are parked pending.
func (l *ChronLoop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := l.src.Next(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			return l.flushDeferred(ctx)
		}

		o, err := ObservationFromRaw(item.Entity, item.PerceivedAt, item.Data)
		if err != nil {
			return err
		}
		if err := l.ingest(ctx, o, l.waitTimeout); err != nil {
			return err
		}
		if err := l.retryDeferred(ctx); err != nil {
			return err
		}
	}
}

func (l *ChronLoop) ingest(ctx context.Context, o *model.Observation, waitTimeout time.Duration) error {
	// Resolution must not observe DAG state the feed has not built yet.
	if err := l.horizon.Wait(ctx, o.Latest, waitTimeout); err != nil {
		if err == ErrHorizonTimeout {
			zap.L().Warn("ingest: horizon wait timed out, deferring observation",
				zap.String("entity", o.Entity.String()),
				zap.Time("perceived_at", o.PerceivedAt),
			)
			l.deferred = append(l.deferred, resilience.DeferredObservation{
				Observation: *o,
				Error:       err.Error(),
				ErrorType:   "transient",
				CreatedAt:   time.Now().UTC(),
			})
			return nil
		}
		return err
	}

	if err := l.resolver.Resolve(ctx, o); err != nil {
		return err
	}
	l.progress.Advance(o.PerceivedAt)
	return nil
}

// retryDeferred resolves deferred observations whose windows the horizon now
// covers.
func (l *ChronLoop) retryDeferred(ctx context.Context) error {
	if len(l.deferred) == 0 {
		return nil
	}
	now := l.horizon.Now()
	var still []resilience.DeferredObservation
	for _, d := range l.deferred {
		if d.Observation.Latest.After(now) {
			d.RetryCount++
			still = append(still, d)
			continue
		}
		o := d.Observation
		if err := l.resolver.Resolve(ctx, &o); err != nil {
			return err
		}
		l.progress.Advance(o.PerceivedAt)
	}
	l.deferred = still
	return nil
}

// flushDeferred runs at end of stream: deferred observations the horizon now
// covers resolve normally; the rest are parked pending for the next run.
func (l *ChronLoop) flushDeferred(ctx context.Context) error {
	if err := l.retryDeferred(ctx); err != nil {
		return err
	}
	for _, d := range l.deferred {
		o := d.Observation
		if err := l.resolver.Park(ctx, &o); err != nil {
			return err
		}
	}
	l.deferred = nil
	return nil
}
