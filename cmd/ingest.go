package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/blarser/internal/ingest"
	"github.com/sells-group/blarser/internal/resilience"
	"github.com/sells-group/blarser/internal/store"
	"github.com/sells-group/blarser/pkg/chronicler"
	"github.com/sells-group/blarser/pkg/feed"
)

var ingestUntil string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run feed and Chronicler ingestion up to a target time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		start, err := resumePoint(ctx, st)
		if err != nil {
			return err
		}
		target, err := parseUntil()
		if err != nil {
			return err
		}

		metrics := ingest.NewMetrics(prometheus.DefaultRegisterer)

		feedBreaker := cfg.Feed.Breaker("feed")
		feedBreaker.OnStateChange = metrics.UpstreamCircuitChanged
		feedClient := feed.New(cfg.Feed.BaseURL,
			feed.WithRateLimit(cfg.Feed.RequestsPerSec),
			feed.WithRetry(cfg.Feed.Retry("feed")),
			feed.WithBreaker(resilience.NewCircuitBreaker(feedBreaker)),
		)

		chronBreaker := cfg.Chron.Breaker("chronicler")
		chronBreaker.OnStateChange = metrics.UpstreamCircuitChanged
		chronClient := chronicler.New(cfg.Chron.BaseURL,
			chronicler.WithRateLimit(cfg.Chron.RequestsPerSec),
			chronicler.WithRetry(cfg.Chron.Retry("chronicler")),
			chronicler.WithBreaker(resilience.NewCircuitBreaker(chronBreaker)),
		)

		c := ingest.NewCoordinator(st,
			&feedSource{stream: feed.NewStream(feedClient, start, cfg.Feed.PageSize)},
			&chronSource{stream: chronicler.NewStream(chronClient, start, cfg.Chron.PageSize, chronEntityTypes...)},
			ingest.Options{
				MaxLag:             cfg.Ingest.MaxLag(),
				HorizonWaitTimeout: cfg.Ingest.HorizonWait(),
				Metrics:            metrics,
			},
		)

		if err := seedIfEmpty(ctx, st, c, chronClient, start); err != nil {
			return err
		}

		zap.L().Info("ingest: starting run",
			zap.Time("from", start),
			zap.Time("until", target),
		)
		if err := c.Run(ctx, target); err != nil {
			return err
		}
		zap.L().Info("ingest: run complete", zap.Time("horizon", c.FeedHorizon().Now()))
		return nil
	},
}

// resumePoint returns where ingestion should pick up: the latest persisted
// event time, or the configured start for a fresh database.
func resumePoint(ctx context.Context, st store.Store) (time.Time, error) {
	latest, err := st.LatestEventTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !latest.IsZero() {
		return latest, nil
	}
	return cfg.StartAt()
}

func parseUntil() (time.Time, error) {
	if ingestUntil == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, ingestUntil)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse --until %q", ingestUntil)
	}
	return t, nil
}

// seedIfEmpty loads the initial full-entity snapshots into a fresh database.
func seedIfEmpty(ctx context.Context, st store.Store, c *ingest.Coordinator, client chronicler.Client, start time.Time) error {
	latest, err := st.LatestEventTime(ctx)
	if err != nil {
		return err
	}
	if !latest.IsZero() {
		return nil
	}

	zap.L().Info("ingest: seeding initial state", zap.Time("at", start))
	var items []ingest.ChronItem
	for _, et := range chronEntityTypes {
		snapshots, err := client.Entities(ctx, et, start)
		if err != nil {
			return err
		}
		for _, item := range snapshots {
			items = append(items, ingest.ChronItem{
				Entity:      entityRefOf(et, item.EntityID),
				PerceivedAt: item.ValidFrom,
				Data:        item.Data,
			})
		}
	}
	return c.SeedInitial(ctx, start, items)
}

func init() {
	ingestCmd.Flags().StringVar(&ingestUntil, "until", "", "ingest up to this RFC3339 instant (default: now)")
	rootCmd.AddCommand(ingestCmd)
}
