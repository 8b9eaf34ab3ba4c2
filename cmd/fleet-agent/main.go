package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/fleet/internal/agent"
	"github.com/edvin/fleet/internal/config"
	"github.com/edvin/fleet/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("fleet-agent"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg).With().Str("node_id", cfg.NodeID).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := agent.NewClient(cfg.ServerURL, cfg.NodeID, logger)
	executor := agent.NewExecutor(logger)
	installer := agent.NewInstaller(cfg.InstallHelper, cfg.InstallTimeout, logger)

	daemon := agent.NewDaemon(client, executor, installer, agent.Config{
		NodeID:          cfg.NodeID,
		Tags:            cfg.Tags,
		PollInterval:    cfg.PollInterval,
		CheckInInterval: cfg.CheckInInterval,
	}, logger)

	logger.Info().
		Str("server", cfg.ServerURL).
		Dur("poll_interval", cfg.PollInterval).
		Msg("starting fleet agent")

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("agent stopped")
	}
	logger.Info().Msg("agent shut down")
}
