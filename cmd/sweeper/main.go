package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/fleet/internal/alert"
	"github.com/edvin/fleet/internal/config"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/db"
	"github.com/edvin/fleet/internal/logging"
	"github.com/edvin/fleet/internal/metrics"
	"github.com/edvin/fleet/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("sweeper"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	notifier := alert.NewLogNotifier(logger)
	nodes := core.NewNodeService(pool)
	groups := core.NewGroupService(pool)
	resolver := core.NewTargetResolver(pool, groups)
	windows := core.NewMaintenanceWindowService(pool, resolver)

	dispatcher := sweep.NewJobDispatcher(pool)
	retries := sweep.NewRetrySweep(pool, cfg.InstallTimeout)
	rollouts := sweep.NewRolloutController(pool, windows, logger)
	liveness := sweep.NewLivenessMonitor(pool, nodes, notifier, cfg.OfflineAfter, logger)

	metricsServer := metrics.NewServer(cfg.MetricsAddr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweep.Run(ctx, logger, sweep.Loop{
			Name:     "job_dispatch",
			Interval: cfg.DispatchInterval,
			Tick:     dispatcher.Tick,
		})
	})
	g.Go(func() error {
		return sweep.Run(ctx, logger, sweep.Loop{
			Name:     "retry",
			Interval: cfg.RetryInterval,
			Tick:     retries.Tick,
		})
	})
	g.Go(func() error {
		return sweep.Run(ctx, logger, sweep.Loop{
			Name:     "rollout",
			Interval: cfg.RolloutInterval,
			Tick:     rollouts.Tick,
		})
	})
	g.Go(func() error {
		return sweep.Run(ctx, logger, sweep.Loop{
			Name:     "liveness",
			Interval: cfg.LivenessInterval,
			Tick:     liveness.Tick,
		})
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("sweeper stopped")
	}
	logger.Info().Msg("sweeper shut down")
}
