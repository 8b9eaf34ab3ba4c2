package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

// RolloutController advances active deployments batch by batch. It decides
// which pending status rows become claimable (eligible_at), halts a
// deployment whose batch failure rate breaches the configured threshold,
// and maintains the deployment aggregate status. Every mutation is a
// conditional update, so concurrent controller processes cannot release
// the same batch twice or complete the same deployment twice.
type RolloutController struct {
	db      core.DB
	windows *core.MaintenanceWindowService
	logger  zerolog.Logger
}

func NewRolloutController(db core.DB, windows *core.MaintenanceWindowService, logger zerolog.Logger) *RolloutController {
	return &RolloutController{
		db:      db,
		windows: windows,
		logger:  logger.With().Str("component", "rollout-controller").Logger(),
	}
}

func (c *RolloutController) Tick(ctx context.Context) (int, error) {
	if err := c.activateScheduled(ctx); err != nil {
		return 0, err
	}

	deployments, err := c.loadActive(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := range deployments {
		n, err := c.advance(ctx, &deployments[i])
		if err != nil {
			// One broken deployment must not starve the rest of the sweep.
			c.logger.Error().Err(err).Str("deployment_id", deployments[i].ID).Msg("advance failed")
			continue
		}
		total += n
	}
	return total, nil
}

// activateScheduled moves pending deployments whose schedule has arrived to
// active.
func (c *RolloutController) activateScheduled(ctx context.Context) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE deployments SET status = $1, updated_at = NOW()
		WHERE status = $2 AND (scheduled_at IS NULL OR scheduled_at <= NOW())`,
		model.RolloutActive, model.RolloutPending)
	if err != nil {
		return fmt.Errorf("activate scheduled deployments: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		sweepActions.WithLabelValues("rollout", "activated").Add(float64(n))
	}
	return nil
}

func (c *RolloutController) loadActive(ctx context.Context) ([]model.Deployment, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, target, strategy, strategy_config, maintenance_window_only
		FROM deployments WHERE status = $1 ORDER BY created_at`, model.RolloutActive)
	if err != nil {
		return nil, fmt.Errorf("load active deployments: %w", err)
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var (
			d       model.Deployment
			cfgJSON []byte
		)
		if err := rows.Scan(&d.ID, &d.Target, &d.Strategy, &cfgJSON, &d.MaintenanceWindowOnly); err != nil {
			return nil, fmt.Errorf("scan active deployment: %w", err)
		}
		if err := json.Unmarshal(cfgJSON, &d.StrategyConfig); err != nil {
			return nil, fmt.Errorf("decode strategy config for %s: %w", d.ID, err)
		}
		d.Status = model.RolloutActive
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active deployments: %w", err)
	}
	return deployments, nil
}

// batchState is one batch's roll-up within a deployment.
type batchState struct {
	Batch       int
	Total       int
	Succeeded   int // success only
	Settled     int // success + skipped + failed with attempts exhausted
	FailedFinal int // failed with no retry scheduled
	Released    int
	ReleasedAt  *time.Time
}

func (b *batchState) terminal() bool { return b.Settled == b.Total }

func (c *RolloutController) advance(ctx context.Context, d *model.Deployment) (int, error) {
	batches, err := c.loadBatches(ctx, d.ID)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}

	// Halt before anything else: a breached batch must not let the next
	// one out the door. Immediate deployments have no advancement to halt.
	if d.Strategy != model.StrategyImmediate {
		if halted, err := c.haltIfBreached(ctx, d, batches); err != nil || halted {
			return 0, err
		}
	}

	if allTerminal(batches) {
		return 0, c.complete(ctx, d.ID)
	}

	// Maintenance gating blocks new releases only. The deployment stays
	// active, and rows already released remain claimable. Only windows
	// whose scope covers the deployment's targets count.
	if d.MaintenanceWindowOnly {
		var target model.TargetSelector
		if err := json.Unmarshal(d.Target, &target); err != nil {
			return 0, fmt.Errorf("decode target for %s: %w", d.ID, err)
		}
		inside, err := c.windows.AnyActiveFor(ctx, target, time.Now())
		if err != nil {
			return 0, err
		}
		if !inside {
			return 0, nil
		}
	}

	next, ok := nextReleasable(d, batches, time.Now())
	if !ok {
		return 0, nil
	}
	return c.release(ctx, d.ID, next)
}

func (c *RolloutController) loadBatches(ctx context.Context, deploymentID string) ([]batchState, error) {
	rows, err := c.db.Query(ctx, `
		SELECT batch,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status IN ('success', 'skipped')
		                           OR (status = 'failed' AND next_retry_at IS NULL)),
		       COUNT(*) FILTER (WHERE status = 'failed' AND next_retry_at IS NULL),
		       COUNT(*) FILTER (WHERE eligible_at IS NOT NULL),
		       MAX(eligible_at)
		FROM deployment_statuses
		WHERE deployment_id = $1
		GROUP BY batch ORDER BY batch`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("load batches for %s: %w", deploymentID, err)
	}
	defer rows.Close()

	var batches []batchState
	for rows.Next() {
		var b batchState
		if err := rows.Scan(&b.Batch, &b.Total, &b.Succeeded, &b.Settled, &b.FailedFinal, &b.Released, &b.ReleasedAt); err != nil {
			return nil, fmt.Errorf("scan batch state: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch states: %w", err)
	}
	return batches, nil
}

// haltIfBreached pauses the deployment when any released batch's final
// failure rate exceeds the configured threshold. The default threshold of
// zero pauses on the first exhausted failure. Resuming is an explicit
// admin operation.
func (c *RolloutController) haltIfBreached(ctx context.Context, d *model.Deployment, batches []batchState) (bool, error) {
	threshold := d.StrategyConfig.FailureThresholdPercent
	for _, b := range batches {
		if b.Released == 0 {
			continue
		}
		if b.FailedFinal*100 > threshold*b.Total {
			tag, err := c.db.Exec(ctx, `
				UPDATE deployments SET status = $1, updated_at = NOW()
				WHERE id = $2 AND status = $3`,
				model.RolloutPaused, d.ID, model.RolloutActive)
			if err != nil {
				return false, fmt.Errorf("pause deployment %s: %w", d.ID, err)
			}
			if tag.RowsAffected() > 0 {
				sweepActions.WithLabelValues("rollout", "halted").Inc()
				c.logger.Warn().
					Str("deployment_id", d.ID).
					Int("batch", b.Batch).
					Int("failed", b.FailedFinal).
					Int("batch_size", b.Total).
					Int("threshold_percent", threshold).
					Msg("rollout halted: batch failure rate over threshold")
			}
			return true, nil
		}
	}
	return false, nil
}

func allTerminal(batches []batchState) bool {
	for _, b := range batches {
		if !b.terminal() {
			return false
		}
	}
	return true
}

// nextReleasable picks the first batch with unreleased rows and checks its
// gate: previous batch terminal, the staged delay elapsed since the
// previous release, and for canary strategies full canary success.
func nextReleasable(d *model.Deployment, batches []batchState, now time.Time) (int, bool) {
	idx := -1
	for i, b := range batches {
		if b.Released < b.Total {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	if d.Strategy == model.StrategyImmediate {
		return batches[idx].Batch, true
	}
	if idx == 0 {
		return batches[idx].Batch, true
	}

	prev := batches[idx-1]
	if !prev.terminal() {
		return 0, false
	}
	if delay := time.Duration(d.StrategyConfig.DelayMinutes) * time.Minute; delay > 0 {
		if prev.ReleasedAt == nil || now.Sub(*prev.ReleasedAt) < delay {
			return 0, false
		}
	}
	if d.Strategy == model.StrategyCanary {
		canary := batches[0]
		if canary.Succeeded != canary.Total {
			return 0, false
		}
	}
	return batches[idx].Batch, true
}

// release marks a batch's pending rows eligible for claiming. The
// eligible_at IS NULL guard makes a concurrent double-release affect zero
// rows.
func (c *RolloutController) release(ctx context.Context, deploymentID string, batch int) (int, error) {
	tag, err := c.db.Exec(ctx, `
		UPDATE deployment_statuses
		SET eligible_at = NOW(), updated_at = NOW()
		WHERE deployment_id = $1 AND batch = $2 AND status = $3 AND eligible_at IS NULL`,
		deploymentID, batch, model.DeployPending)
	if err != nil {
		return 0, fmt.Errorf("release batch %d of %s: %w", batch, deploymentID, err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		sweepActions.WithLabelValues("rollout", "released").Add(float64(n))
		c.logger.Info().
			Str("deployment_id", deploymentID).
			Int("batch", batch).
			Int("instances", n).
			Msg("released batch")
	}
	return n, nil
}

func (c *RolloutController) complete(ctx context.Context, deploymentID string) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE deployments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		model.RolloutCompleted, deploymentID, model.RolloutActive)
	if err != nil {
		return fmt.Errorf("complete deployment %s: %w", deploymentID, err)
	}
	if tag.RowsAffected() > 0 {
		sweepActions.WithLabelValues("rollout", "completed").Inc()
		c.logger.Info().Str("deployment_id", deploymentID).Msg("deployment completed")
	}
	return nil
}
