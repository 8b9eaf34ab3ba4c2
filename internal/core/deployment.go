package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/fleet/internal/model"
	"github.com/edvin/fleet/internal/platform"
)

// DeploymentService creates phased rollouts and their per-node status rows.
// The rollout controller owns all later status transitions; the service
// only exposes the explicit admin operations (cancel, pause, resume).
type DeploymentService struct {
	db       DB
	resolver *TargetResolver
}

func NewDeploymentService(db DB, resolver *TargetResolver) *DeploymentService {
	return &DeploymentService{db: db, resolver: resolver}
}

// CreateDeploymentParams collects the intent for a new deployment.
type CreateDeploymentParams struct {
	PackageName           string
	PackageVersion        string
	Target                model.TargetSelector
	Mode                  string
	Strategy              string
	StrategyConfig        model.StrategyConfig
	MaintenanceWindowOnly bool
	ScheduledAt           *time.Time
}

// Create resolves the target, fixes batch order, and fans out exactly one
// pending status row per node. The deployment row and its status rows
// commit in one transaction, so a failure mid fan-out leaves nothing
// behind. Batch membership never changes after creation; later node drift
// in a dynamic group does not add or remove rows.
func (s *DeploymentService) Create(ctx context.Context, p CreateDeploymentParams) (*model.Deployment, error) {
	switch p.Mode {
	case model.ModeRequired, model.ModeAvailable, model.ModeUninstall:
	default:
		return nil, fmt.Errorf("unknown deployment mode %q", p.Mode)
	}
	switch p.Strategy {
	case model.StrategyImmediate, model.StrategyStaged, model.StrategyCanary:
	default:
		return nil, fmt.Errorf("unknown rollout strategy %q", p.Strategy)
	}

	nodeIDs, err := s.resolver.Resolve(ctx, p.Target)
	if err != nil {
		return nil, err
	}

	cfg := p.StrategyConfig.Normalize(p.Strategy)
	targetJSON, err := json.Marshal(p.Target)
	if err != nil {
		return nil, fmt.Errorf("encode target selector: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode strategy config: %w", err)
	}

	now := time.Now().UTC()
	d := &model.Deployment{
		ID:                    platform.NewID(),
		PackageName:           p.PackageName,
		PackageVersion:        p.PackageVersion,
		Target:                targetJSON,
		Mode:                  p.Mode,
		Strategy:              p.Strategy,
		StrategyConfig:        cfg,
		MaintenanceWindowOnly: p.MaintenanceWindowOnly,
		ScheduledAt:           p.ScheduledAt,
		Status:                model.RolloutPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin deployment create: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO deployments (id, package_name, package_version, target, mode, strategy, strategy_config, maintenance_window_only, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		d.ID, d.PackageName, d.PackageVersion, d.Target, d.Mode, d.Strategy,
		cfgJSON, d.MaintenanceWindowOnly, d.ScheduledAt, d.Status, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	for i, nodeID := range nodeIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO deployment_statuses (id, deployment_id, node_id, batch, status, attempts, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
			ON CONFLICT (deployment_id, node_id) DO NOTHING`,
			platform.NewID(), d.ID, nodeID, batchFor(i, d.Strategy, cfg),
			model.DeployPending, cfg.MaxAttempts, now)
		if err != nil {
			return nil, fmt.Errorf("create deployment status for node %s: %w", nodeID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit deployment create: %w", err)
	}
	return d, nil
}

// batchFor assigns the i-th target (in fixed resolution order) to a batch.
func batchFor(i int, strategy string, cfg model.StrategyConfig) int {
	switch strategy {
	case model.StrategyStaged:
		return i / cfg.BatchSize
	case model.StrategyCanary:
		if i < cfg.CanarySize {
			return 0
		}
		return 1 + (i-cfg.CanarySize)/cfg.BatchSize
	default:
		return 0
	}
}

func (s *DeploymentService) GetByID(ctx context.Context, id string) (*model.Deployment, error) {
	var (
		d       model.Deployment
		cfgJSON []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, package_name, package_version, target, mode, strategy, strategy_config, maintenance_window_only, scheduled_at, status, created_at, updated_at
		FROM deployments WHERE id = $1`, id,
	).Scan(&d.ID, &d.PackageName, &d.PackageVersion, &d.Target, &d.Mode, &d.Strategy,
		&cfgJSON, &d.MaintenanceWindowOnly, &d.ScheduledAt, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}
	if err := json.Unmarshal(cfgJSON, &d.StrategyConfig); err != nil {
		return nil, fmt.Errorf("decode strategy config for %s: %w", id, err)
	}
	return &d, nil
}

func (s *DeploymentService) List(ctx context.Context, limit int, cursor string) ([]model.Deployment, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, package_name, package_version, target, mode, strategy, strategy_config, maintenance_window_only, scheduled_at, status, created_at, updated_at
		FROM deployments WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []model.Deployment
	for rows.Next() {
		var (
			d       model.Deployment
			cfgJSON []byte
		)
		if err := rows.Scan(&d.ID, &d.PackageName, &d.PackageVersion, &d.Target, &d.Mode, &d.Strategy,
			&cfgJSON, &d.MaintenanceWindowOnly, &d.ScheduledAt, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan deployment: %w", err)
		}
		if err := json.Unmarshal(cfgJSON, &d.StrategyConfig); err != nil {
			return nil, false, fmt.Errorf("decode strategy config: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate deployments: %w", err)
	}

	hasMore := len(deployments) > limit
	if hasMore {
		deployments = deployments[:limit]
	}
	return deployments, hasMore, nil
}

// Cancel moves the deployment to cancelled and skips every still-pending
// status row so it can never be claimed. In-flight rows (downloading or
// installing) are left alone; their eventual reports are recorded, but the
// deployment aggregate stays cancelled.
func (s *DeploymentService) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployments SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)`,
		id, model.RolloutCancelled, model.RolloutPending, model.RolloutActive, model.RolloutPaused)
	if err != nil {
		return fmt.Errorf("cancel deployment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		d, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == model.RolloutCancelled {
			return nil
		}
		return fmt.Errorf("deployment %s is %s: %w", id, d.Status, ErrImmutable)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE deployment_statuses
		SET status = $2, error_message = 'deployment cancelled', next_retry_at = NULL, updated_at = NOW()
		WHERE deployment_id = $1 AND status = $3`,
		id, model.DeploySkipped, model.DeployPending)
	if err != nil {
		return fmt.Errorf("skip pending statuses for %s: %w", id, err)
	}
	return nil
}

// Pause suspends an active deployment; the rollout controller releases no
// further batches until Resume.
func (s *DeploymentService) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.RolloutActive, model.RolloutPaused)
}

// Resume reactivates a paused deployment, including one paused by the
// rollout halt policy.
func (s *DeploymentService) Resume(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.RolloutPaused, model.RolloutActive)
}

func (s *DeploymentService) transition(ctx context.Context, id, from, to string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployments SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("move deployment %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		d, err := s.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("deployment %s is %s, expected %s: %w", id, d.Status, from, ErrImmutable)
	}
	return nil
}

// ListStatuses returns all per-node status rows of a deployment in batch
// order.
func (s *DeploymentService) ListStatuses(ctx context.Context, deploymentID string) ([]model.DeploymentStatus, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, deployment_id, node_id, batch, status, attempts, max_attempts, eligible_at, next_retry_at, last_attempt_at,
		       output, error_message, created_at, updated_at
		FROM deployment_statuses WHERE deployment_id = $1 ORDER BY batch, node_id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment statuses: %w", err)
	}
	defer rows.Close()

	var statuses []model.DeploymentStatus
	for rows.Next() {
		var ds model.DeploymentStatus
		if err := rows.Scan(&ds.ID, &ds.DeploymentID, &ds.NodeID, &ds.Batch, &ds.Status, &ds.Attempts, &ds.MaxAttempts,
			&ds.EligibleAt, &ds.NextRetryAt, &ds.LastAttemptAt,
			&ds.Output, &ds.ErrorMessage, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment status: %w", err)
		}
		statuses = append(statuses, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment statuses: %w", err)
	}
	return statuses, nil
}
