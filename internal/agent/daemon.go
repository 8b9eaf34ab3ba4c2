package agent

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/model"
)

// Config holds the agent's runtime settings.
type Config struct {
	NodeID          string
	Tags            []string
	PollInterval    time.Duration
	CheckInInterval time.Duration
}

// Daemon is the node-side loop: check in on a cadence, and between
// check-ins poll for claimable work, execute it, and report back. Work is
// drained one item at a time so a node never runs two jobs concurrently.
type Daemon struct {
	client    *Client
	executor  *Executor
	installer *Installer
	logger    zerolog.Logger
	cfg       Config
}

func NewDaemon(client *Client, executor *Executor, installer *Installer, cfg Config, logger zerolog.Logger) *Daemon {
	return &Daemon{
		client:    client,
		executor:  executor,
		installer: installer,
		logger:    logger.With().Str("component", "agent-daemon").Logger(),
		cfg:       cfg,
	}
}

func (d *Daemon) Run(ctx context.Context) error {
	d.checkIn(ctx)

	checkInTicker := time.NewTicker(d.cfg.CheckInInterval)
	defer checkInTicker.Stop()
	pollTicker := time.NewTicker(d.cfg.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-checkInTicker.C:
			d.checkIn(ctx)
		case <-pollTicker.C:
			d.pollJobs(ctx)
			d.pollDeployments(ctx)
		}
	}
}

func (d *Daemon) checkIn(ctx context.Context) {
	hostname, _ := os.Hostname()
	attrs, _ := json.Marshal(map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	})

	err := d.client.CheckIn(ctx, CheckInPayload{
		Hostname:   hostname,
		Tags:       d.cfg.Tags,
		Attributes: attrs,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("check-in failed")
	}
}

// pollJobs claims and runs jobs until the queue for this node is empty.
func (d *Daemon) pollJobs(ctx context.Context) {
	for {
		pj, err := d.client.NextJob(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("poll jobs failed")
			return
		}
		if pj == nil {
			return
		}

		res, err := d.executor.Run(ctx, pj)
		if err != nil {
			// The command never started. Report a failure so the control
			// plane can retry or surface it.
			res = &Result{ExitCode: -1, Stderr: err.Error()}
		}

		report := JobResultPayload{
			InstanceID: pj.InstanceID,
			ExitCode:   res.ExitCode,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			DurationMS: res.Duration.Milliseconds(),
		}
		if err := d.client.ReportJobResult(ctx, report); err != nil {
			d.logger.Error().Err(err).
				Str("instance_id", pj.InstanceID).
				Msg("report job result failed")
			return
		}

		d.logger.Info().
			Str("instance_id", pj.InstanceID).
			Int("exit_code", res.ExitCode).
			Dur("duration", res.Duration).
			Msg("job finished")
	}
}

func (d *Daemon) pollDeployments(ctx context.Context) {
	for {
		pd, err := d.client.NextDeployment(ctx)
		if err != nil {
			d.logger.Error().Err(err).Msg("poll deployments failed")
			return
		}
		if pd == nil {
			return
		}

		// Claiming moved the row to downloading; confirm the transition to
		// installing before the long-running helper starts.
		if err := d.client.ReportDeploymentStatus(ctx, DeploymentStatusPayload{
			DeploymentStatusID: pd.DeploymentStatusID,
			Status:             model.DeployInstalling,
		}); err != nil {
			d.logger.Error().Err(err).
				Str("deployment_status_id", pd.DeploymentStatusID).
				Msg("report installing failed")
			return
		}

		res, err := d.installer.Apply(ctx, pd)
		if err != nil {
			res = &Result{ExitCode: -1, Stderr: err.Error()}
		}

		report := DeploymentStatusPayload{
			DeploymentStatusID: pd.DeploymentStatusID,
			Status:             model.DeploySuccess,
			Output:             res.Stdout,
		}
		if res.ExitCode != 0 {
			report.Status = model.DeployFailed
			report.ErrorMessage = res.Stderr
		}
		if err := d.client.ReportDeploymentStatus(ctx, report); err != nil {
			d.logger.Error().Err(err).
				Str("deployment_status_id", pd.DeploymentStatusID).
				Msg("report deployment status failed")
			return
		}

		d.logger.Info().
			Str("deployment_status_id", pd.DeploymentStatusID).
			Str("package", pd.PackageName).
			Str("status", report.Status).
			Msg("deployment finished")
	}
}
