package ingest

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

// Options tunes a Coordinator.
type Options struct {
	// MaxLag bounds how far the feed runs ahead of chron resolution.
	// Zero disables backpressure.
	MaxLag time.Duration
	// HorizonWaitTimeout bounds each chron horizon wait; on expiry the
	// observation is deferred. Zero waits indefinitely.
	HorizonWaitTimeout time.Duration
	// Metrics receives engine counters; callers that also feed client-side
	// collectors (circuit state) pass a shared instance.
	Metrics *Metrics
	// Registry receives freshly-created collectors when Metrics is unset.
	Registry prometheus.Registerer
}

// Coordinator owns the two ingest tasks and the horizons they communicate
// through. The chron loop never resolves past the feed horizon; the feed
// loop never runs more than MaxLag ahead of chron progress.
type Coordinator struct {
	store store.Store
	feed  FeedSource
	chron ChronSource

	feedHorizon   *Horizon
	chronProgress *Horizon

	applier  *Applier
	timed    *TimedGenerator
	resolver *Resolver
	metrics  *Metrics

	opts Options
}

// NewCoordinator wires the engine together. feed and chron may be nil when
// only one side runs (e.g. seeding or replay).
func NewCoordinator(st store.Store, feed FeedSource, chron ChronSource, opts Options) *Coordinator {
	metrics := opts.Metrics
	if metrics == nil && opts.Registry != nil {
		metrics = NewMetrics(opts.Registry)
	}

	leases := newEntityLeases()
	applier := &Applier{store: st, leases: leases, metrics: metrics}
	resolver := &Resolver{store: st, leases: leases, metrics: metrics}

	return &Coordinator{
		store:         st,
		feed:          feed,
		chron:         chron,
		feedHorizon:   NewHorizon(),
		chronProgress: NewHorizon(),
		applier:       applier,
		timed:         NewTimedGenerator(st, applier),
		resolver:      resolver,
		metrics:       metrics,
		opts:          opts,
	}
}

// FeedHorizon exposes the feed's caught-up horizon.
func (c *Coordinator) FeedHorizon() *Horizon {
	return c.feedHorizon
}

// Resolver exposes the resolver for manual re-resolution paths.
func (c *Coordinator) Resolver() *Resolver {
	return c.resolver
}

// SeedInitial records a start event and fully-known initial versions for the
// given snapshots. Run once per fresh database before ingestion.
func (c *Coordinator) SeedInitial(ctx context.Context, at time.Time, items []ChronItem) error {
	if len(items) == 0 {
		return nil
	}

	e := &model.Event{Time: at, Source: model.SourceStart, Kind: "start"}
	for _, item := range items {
		e.Effects = append(e.Effects, model.EventEffect{EntityType: item.Entity.Type, EntityID: item.Entity.ID})
	}
	if _, err := c.store.AppendEvent(ctx, e); err != nil {
		return err
	}

	versions := make([]model.NewVersion, 0, len(items))
	for _, item := range items {
		codec, ok := entity.Lookup(item.Entity.Type)
		if !ok {
			zap.L().Warn("ingest: skipping initial snapshot of unknown type",
				zap.String("type", string(item.Entity.Type)))
			continue
		}
		st, err := codec.FromRaw(item.Entity.ID, item.Data)
		if err != nil {
			return err
		}
		state, err := entity.Marshal(st)
		if err != nil {
			return err
		}
		versions = append(versions, model.NewVersion{
			Entity:       item.Entity,
			StartTime:    at,
			State:        state,
			FromEvent:    e.ID,
			Observations: []time.Time{item.PerceivedAt},
		})
	}
	_, err := c.store.InsertVersions(ctx, versions)
	return err
}

// Run ingests both streams until the feed reaches target and the chron
// stream is exhausted. Both loops respect ctx cancellation.
func (c *Coordinator) Run(ctx context.Context, target time.Time) error {
	feedLoop := NewFeedLoop(c.feed, c.store, c.applier, c.timed, c.resolver,
		c.feedHorizon, c.chronProgress, c.opts.MaxLag)
	chronLoop := NewChronLoop(c.chron, c.resolver, c.feedHorizon, c.chronProgress, c.opts.HorizonWaitTimeout)

	g, ctx := errgroup.WithContext(ctx)
	if c.feed != nil {
		g.Go(func() error { return feedLoop.Run(ctx, target) })
	} else {
		c.feedHorizon.Advance(target)
	}
	if c.chron != nil {
		g.Go(func() error {
			// Once the stream is drained the feed has nothing to pace against.
			defer c.chronProgress.Advance(target)
			return chronLoop.Run(ctx)
		})
	}
	return g.Wait()
}
