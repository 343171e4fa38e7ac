package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/events"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

// FeedItem is one element of the feed stream. A nil Event advances the
// horizon without producing an event.
type FeedItem struct {
	IngestTime time.Time
	Event      *model.Event
}

// FeedSource yields feed items in non-decreasing time order. Peek returns
// the next item without consuming it; both return nil at end of stream.
type FeedSource interface {
	Peek(ctx context.Context) (*FeedItem, error)
	Next(ctx context.Context) (*FeedItem, error)
}

// FeedLoop applies feed events in time order, draining timed events between
// them, and advances the feed horizon as it goes.
type FeedLoop struct {
	src      FeedSource
	store    store.Store
	applier  *Applier
	timed    *TimedGenerator
	resolver *Resolver

	horizon       *Horizon
	chronProgress *Horizon
	maxLag        time.Duration

	lastApplied time.Time
}

// NewFeedLoop creates a FeedLoop. resolver and chronProgress may be nil;
// maxLag of zero disables backpressure.
func NewFeedLoop(src FeedSource, st store.Store, applier *Applier, timed *TimedGenerator, resolver *Resolver, horizon, chronProgress *Horizon, maxLag time.Duration) *FeedLoop {
	return &FeedLoop{
		src:           src,
		store:         st,
		applier:       applier,
		timed:         timed,
		resolver:      resolver,
		horizon:       horizon,
		chronProgress: chronProgress,
		maxLag:        maxLag,
	}
}

// Run consumes the feed up to target. Events past the target stay in the
// source for a later run.
func (l *FeedLoop) Run(ctx context.Context, target time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := l.src.Peek(ctx)
		if err != nil {
			return err
		}
		if item == nil || l.pastTarget(item, target) {
			if _, err := l.timed.Drain(ctx, target, true); err != nil {
				return err
			}
			l.horizon.Advance(target)
			return nil
		}

		if item.Event == nil {
			if _, err := l.src.Next(ctx); err != nil {
				return err
			}
			if _, err := l.timed.Drain(ctx, item.IngestTime, true); err != nil {
				return err
			}
			l.horizon.Advance(item.IngestTime)
			continue
		}

		// Event kinds without an update function carry no state transition we
		// track; they only advance the horizon.
		if !events.Known(item.Event.Kind) {
			if _, err := l.src.Next(ctx); err != nil {
				return err
			}
			zap.L().Debug("ingest: skipping untracked event kind",
				zap.String("kind", item.Event.Kind),
				zap.Time("time", item.Event.Time),
			)
			l.horizon.Advance(item.Event.Time)
			continue
		}

		if err := l.applyFeedEvent(ctx, item.Event); err != nil {
			return err
		}
		if err := l.waitForChron(ctx, item.Event.Time); err != nil {
			return err
		}
	}
}

func (l *FeedLoop) pastTarget(item *FeedItem, target time.Time) bool {
	if item.Event != nil {
		return item.Event.Time.After(target)
	}
	return item.IngestTime.After(target)
}

func (l *FeedLoop) applyFeedEvent(ctx context.Context, e *model.Event) error {
	if e.Time.Before(l.lastApplied) {
		return eris.Wrapf(ErrClockInversion, "event at %s, horizon already at %s",
			e.Time.Format(time.RFC3339Nano), l.lastApplied.Format(time.RFC3339Nano))
	}

	// Timed events scheduled before this event fire first.
	if _, err := l.timed.Drain(ctx, e.Time, false); err != nil {
		return err
	}

	if _, err := l.src.Next(ctx); err != nil {
		return err
	}
	if _, err := l.store.AppendEvent(ctx, e); err != nil {
		return err
	}
	zap.L().Debug("ingest: applying feed event",
		zap.Int64("event", e.ID),
		zap.String("kind", e.Kind),
		zap.Time("time", e.Time),
	)

	for _, eff := range e.Effects {
		res, err := l.applier.Apply(ctx, e, eff)
		if err != nil {
			if eris.Is(err, ErrUnresolvableEvent) {
				approved, aerr := l.awaitApproval(ctx, e, eff)
				if aerr != nil {
					return aerr
				}
				if approved {
					zap.L().Warn("ingest: skipping approved unresolvable event",
						zap.Int64("event", e.ID),
						zap.String("entity", model.EntityRef{Type: eff.EntityType, ID: eff.EntityID}.String()),
					)
					continue
				}
			}
			return err
		}
		if len(res.Terminated) > 0 && l.resolver != nil {
			ref := model.EntityRef{Type: eff.EntityType, ID: eff.EntityID}
			if err := l.resolver.HandleTerminations(ctx, ref, res.Terminated); err != nil {
				return err
			}
		}
	}

	l.lastApplied = e.Time
	l.horizon.Advance(e.Time)
	return nil
}

// awaitApproval parks an unresolvable event on the manual queue. An already
// approved entry lets the run skip the entity; otherwise the run stays fatal.
func (l *FeedLoop) awaitApproval(ctx context.Context, e *model.Event, eff model.EventEffect) (bool, error) {
	ref := model.EntityRef{Type: eff.EntityType, ID: eff.EntityID}
	a, err := l.store.UpsertApproval(ctx, ref, e.Time,
		fmt.Sprintf("%s event at %s terminates every live version", e.Kind, e.Time.Format(time.RFC3339Nano)))
	if err != nil {
		return false, err
	}
	return a.Approved != nil && *a.Approved, nil
}

// waitForChron bounds how far the feed runs ahead of chron resolution, so
// undisposable frontier nodes do not pile up without bound.
func (l *FeedLoop) waitForChron(ctx context.Context, feedTime time.Time) error {
	if l.maxLag <= 0 || l.chronProgress == nil {
		return nil
	}
	// Until chron reports any progress there is nothing to pace against.
	if l.chronProgress.Now().IsZero() {
		return nil
	}
	return l.chronProgress.Wait(ctx, feedTime.Add(-l.maxLag), 0)
}
