package main

import (
	"context"
	"database/sql"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/docq/internal/config"
	"github.com/you/docq/internal/durable"
	"github.com/you/docq/internal/fanout"
	"github.com/you/docq/internal/ingest"
	"github.com/you/docq/internal/lock"
	"github.com/you/docq/internal/match"
	"github.com/you/docq/internal/storage"
)

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx := context.Background()

	if err := migrate(cfg); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	holder := "worker-" + uuid.NewString()
	lk := lock.New(ctx, rdb, cfg.LockKey, holder, cfg.LockLease, logger)
	store := storage.New(db)

	terms := match.Compile(cfg.SearchTerms, nil)
	sweeper := ingest.NewSweeper(
		discoverySource(logger),
		documentProcessor(logger),
		terms,
		match.Options{SenderFallback: cfg.SenderFallback, AttachmentFallback: cfg.AttachmentFallback},
		fanout.Policy{PerAccountCap: cfg.FanoutPerAccount, GlobalCap: cfg.FanoutGlobal, DefaultLimit: cfg.FanoutDefault},
		logger,
	)

	mgr := durable.New(store, lk, cfg.LockWait, cfg.PollInterval, logger)
	mgr.RegisterHandler(ingest.JobTypeHistoricalSync, ingest.HistoricalSyncHandler(sweeper))
	mgr.Start()
	defer mgr.Stop()

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return staleSweep(gctx, cfg, store, lk, logger) })

	logger.Info("worker running",
		zap.String("holder", holder),
		zap.String("lock_mode", lk.Mode().String()),
		zap.Duration("poll_interval", cfg.PollInterval))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exiting", zap.Error(err))
	}
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}

// staleSweep periodically requeues jobs stuck in processing after a
// worker crash. Off unless STALE_REQUEUE_AFTER is set; runs under the
// ingestion lock so only one replica sweeps at a time.
func staleSweep(ctx context.Context, cfg config.Config, store *storage.Store, lk *lock.Lock, logger *zap.Logger) error {
	if cfg.StaleRequeue <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	tick := time.NewTicker(cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		if !lk.Acquire(ctx, false, 0) {
			continue
		}
		n, err := store.RequeueStale(ctx, cfg.StaleRequeue)
		lk.Release(ctx)
		if err != nil {
			logger.Error("stale requeue failed", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Warn("requeued stale jobs", zap.Int64("count", n), zap.Duration("older_than", cfg.StaleRequeue))
		}
	}
}

// Collaborator wiring. The mailbox transport and the document parser
// are separate services; a deployment swaps these for real clients.
func discoverySource(logger *zap.Logger) ingest.Source {
	return ingest.SourceFunc(func(ctx context.Context, account string, limit int) ([]ingest.Item, error) {
		logger.Debug("discovery source not configured", zap.String("account", account), zap.Int("limit", limit))
		return nil, nil
	})
}

func documentProcessor(logger *zap.Logger) ingest.Processor {
	return ingest.ProcessorFunc(func(ctx context.Context, account string, item ingest.Item) error {
		logger.Debug("processor not configured", zap.String("account", account), zap.String("item_id", item.ID))
		return nil
	})
}
