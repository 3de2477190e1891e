// Command xrpscope indexes XRP Ledger DEX offers: it backfills resting
// orders over JSON-RPC, follows the validated transaction stream over
// WebSocket, reconciles offer state into Postgres and serves read-side
// analytics over HTTP.
//
// Usage:
//
//	xrpscope --config config.yaml
//	xrpscope (uses CLI arguments)
//
// Required environment variables:
//
//	XRPSCOPE_POSTGRES_DSN — Postgres connection string (a .env file is honored)
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xrpscope/xrpscope/config"
	"github.com/xrpscope/xrpscope/internal/domain"
	"github.com/xrpscope/xrpscope/internal/services/backfill"
	"github.com/xrpscope/xrpscope/internal/services/reconcile"
	"github.com/xrpscope/xrpscope/internal/services/registry"
	"github.com/xrpscope/xrpscope/internal/services/stream"
	"github.com/xrpscope/xrpscope/internal/services/tracker"
	"github.com/xrpscope/xrpscope/internal/storage/activity"
	"github.com/xrpscope/xrpscope/internal/storage/postgres"
	"github.com/xrpscope/xrpscope/internal/web"
)

const journalReplayHorizon = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := os.Getenv("XRPSCOPE_POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal("XRPSCOPE_POSTGRES_DSN environment variable must be set")
	}

	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	store := postgres.New(pool)
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	state := domain.NewProcessState()
	reg := registry.New(logger, store)
	tr := tracker.New(logger)

	pairs, err := reg.Reload(ctx)
	if err != nil {
		return err
	}
	logger.Info("tracked pairs loaded", zap.Int("pairs", len(pairs)))

	var journal reconcile.ActivityJournal
	walStore, err := activity.NewWALStore(cfg.WALDir)
	if err != nil {
		logger.Warn("activity journal unavailable, running without warm restart", zap.Error(err))
	} else {
		defer walStore.Close()
		journal = walStore
		replayJournal(logger, walStore, tr)
	}

	weights := reconcile.Weights{
		Placement: decimal.NewFromFloat(cfg.ActivityPlacementWeight),
		Fill:      decimal.NewFromFloat(cfg.ActivityFillWeight),
	}
	pipeline := reconcile.New(logger, store, tr, reg, journal, state, weights)

	loader := backfill.New(logger, cfg.HTTPURL, store, cfg.BackfillPageLimit)

	manager := stream.New(logger, stream.Config{
		URL:             cfg.WSURL,
		RefreshInterval: cfg.RefreshInterval,
		ReconnectMin:    cfg.ReconnectMin,
		ReconnectMax:    cfg.ReconnectMax,
	}, reg, pipeline, state)

	api := web.NewServer(cfg.ListenAddr, logger, store, tr, state, cfg.TopKDefault)

	// The HTTP server comes up immediately so /health answers and data
	// routes return 503 until the snapshot is loaded. The stream is held
	// back until backfill finishes.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { tr.Run(gctx); return nil })
	g.Go(func() error { return api.Start(gctx) })
	g.Go(func() error {
		if err := loader.Run(gctx, pairs); err != nil {
			return err
		}
		state.SetBackfillInProgress(false)
		logger.Info("backfill complete, opening live stream")
		return manager.Run(gctx)
	})
	return g.Wait()
}

// replayJournal re-seeds the in-memory windows from journaled activity so a
// restart does not lose the 24h aggregates.
func replayJournal(logger *zap.Logger, journal *activity.WALStore, tr *tracker.Tracker) {
	cutoff := time.Now().Add(-journalReplayHorizon)
	replayed := 0
	err := journal.Replay(cutoff, func(a domain.Activity) {
		switch a.Kind {
		case domain.ActivityFill:
			tr.RecordFill(a.TakerGets, a.TakerPays, a.Volume, a.Time)
		default:
			tr.RecordTrade(a.TakerGets, a.TakerPays, a.Volume, a.Time)
		}
		replayed++
	})
	if err != nil {
		logger.Warn("activity journal replay failed", zap.Error(err))
		return
	}
	if replayed > 0 {
		logger.Info("activity journal replayed", zap.Int("records", replayed))
	}
}
