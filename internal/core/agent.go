package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/fleet/internal/model"
)

// Retry backoff bounds.
const (
	retryBackoffBase = 30 * time.Second
	retryBackoffMax  = time.Hour
)

// AgentService is the poll gateway: the stateless request/response surface
// agents use to claim work and report outcomes. Every operation is safe
// under retries and duplicate calls; claim races are settled by conditional
// updates, and the losing caller simply sees "nothing pending".
type AgentService struct {
	db DB
}

func NewAgentService(db DB) *AgentService {
	return &AgentService{db: db}
}

// NextJob returns at most one claimable job instance for the node, moving
// it queued -> running atomically. If the node already holds a running
// instance (a prior poll whose response was lost), that same instance is
// returned again instead of claiming another, which keeps repeated polls
// idempotent.
func (s *AgentService) NextJob(ctx context.Context, nodeID string) (*model.PendingJob, error) {
	if err := s.touchNode(ctx, nodeID); err != nil {
		return nil, err
	}

	// Redeliver an in-flight instance first.
	pj, err := s.scanPendingJob(s.db.QueryRow(ctx, `
		SELECT ji.id, j.id, j.command_type, j.command_payload, j.timeout_seconds
		FROM job_instances ji
		JOIN jobs j ON j.id = ji.job_id
		WHERE ji.node_id = $1 AND ji.status = $2
		ORDER BY ji.started_at LIMIT 1`, nodeID, model.InstanceRunning))
	if err != nil {
		return nil, err
	}
	if pj != nil {
		return pj, nil
	}

	// Claim the best queued instance. The inner SELECT picks a candidate,
	// the outer UPDATE only wins if the row is still queued, and SKIP
	// LOCKED keeps overlapping polls off the same row.
	pj, err = s.scanPendingJob(s.db.QueryRow(ctx, `
		UPDATE job_instances ji
		SET status = $2, attempt = ji.attempt + 1, started_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		FROM jobs j
		WHERE ji.id = (
			SELECT i.id FROM job_instances i
			JOIN jobs jj ON jj.id = i.job_id
			WHERE i.node_id = $1 AND i.status = $3
			  AND jj.cancelled_at IS NULL
			  AND (jj.expires_at IS NULL OR jj.expires_at > NOW())
			ORDER BY jj.priority DESC, i.queued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND ji.status = $3 AND j.id = ji.job_id
		RETURNING ji.id, j.id, j.command_type, j.command_payload, j.timeout_seconds`,
		nodeID, model.InstanceRunning, model.InstanceQueued))
	if err != nil {
		return nil, err
	}
	return pj, nil
}

func (s *AgentService) scanPendingJob(row pgx.Row) (*model.PendingJob, error) {
	var pj model.PendingJob
	err := row.Scan(&pj.InstanceID, &pj.JobID, &pj.CommandType, &pj.CommandPayload, &pj.TimeoutSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next job: %w", err)
	}
	return &pj, nil
}

// JobResultParams is an agent's terminal report for a job instance.
type JobResultParams struct {
	InstanceID string
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
}

// ReportJobResult applies a terminal transition to a running instance.
// Exit code zero means success. A non-zero exit with attempts remaining
// schedules a retry via next_retry_at; the retry sweep later resets the
// same row to pending. Reports for an already-terminal instance return
// ErrAlreadyTerminal so callers can log and drop the duplicate.
func (s *AgentService) ReportJobResult(ctx context.Context, p JobResultParams) error {
	status := model.InstanceSuccess
	if p.ExitCode != 0 {
		status = model.InstanceFailed
	}

	var nodeID string
	err := s.db.QueryRow(ctx, `
		UPDATE job_instances
		SET status = $2,
		    exit_code = $3,
		    duration_ms = $4,
		    stdout = $5,
		    stderr = $6,
		    completed_at = NOW(),
		    next_retry_at = CASE
		        WHEN $2 = 'failed' AND attempt < max_attempts
		        THEN NOW() + ($7 * interval '1 second') * power(2, GREATEST(attempt - 1, 0))
		        ELSE NULL
		    END,
		    updated_at = NOW()
		WHERE id = $1 AND status = $8
		RETURNING node_id`,
		p.InstanceID, status, p.ExitCode, p.DurationMS, p.Stdout, p.Stderr,
		int(retryBackoffBase.Seconds()), model.InstanceRunning,
	).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyMissedJobReport(ctx, p.InstanceID)
	}
	if err != nil {
		return fmt.Errorf("report job result for %s: %w", p.InstanceID, err)
	}

	return s.touchNode(ctx, nodeID)
}

func (s *AgentService) classifyMissedJobReport(ctx context.Context, instanceID string) error {
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT status FROM job_instances WHERE id = $1`, instanceID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("look up job instance %s: %w", instanceID, err)
	}
	if model.InstanceTerminal(status) {
		return fmt.Errorf("job instance %s is %s: %w", instanceID, status, ErrAlreadyTerminal)
	}
	return fmt.Errorf("job instance %s is %s, expected running: %w", instanceID, status, ErrClaimConflict)
}

// NextDeployment returns at most one eligible deployment status for the
// node, moving it pending -> downloading atomically. Eligibility is granted
// by the rollout controller (eligible_at); in-flight rows are redelivered
// the same way NextJob redelivers running instances.
func (s *AgentService) NextDeployment(ctx context.Context, nodeID string) (*model.PendingDeployment, error) {
	if err := s.touchNode(ctx, nodeID); err != nil {
		return nil, err
	}

	pd, err := s.scanPendingDeployment(s.db.QueryRow(ctx, `
		SELECT ds.id, d.id, d.package_name, d.package_version, d.mode
		FROM deployment_statuses ds
		JOIN deployments d ON d.id = ds.deployment_id
		WHERE ds.node_id = $1 AND ds.status IN ($2, $3)
		ORDER BY ds.last_attempt_at LIMIT 1`,
		nodeID, model.DeployDownloading, model.DeployInstalling))
	if err != nil {
		return nil, err
	}
	if pd != nil {
		return pd, nil
	}

	pd, err = s.scanPendingDeployment(s.db.QueryRow(ctx, `
		UPDATE deployment_statuses ds
		SET status = $2, attempts = ds.attempts + 1, last_attempt_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		FROM deployments d
		WHERE ds.id = (
			SELECT i.id FROM deployment_statuses i
			JOIN deployments dd ON dd.id = i.deployment_id
			WHERE i.node_id = $1 AND i.status = $3
			  AND i.eligible_at IS NOT NULL AND i.eligible_at <= NOW()
			  AND dd.status = $4
			ORDER BY i.eligible_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND ds.status = $3 AND d.id = ds.deployment_id
		RETURNING ds.id, d.id, d.package_name, d.package_version, d.mode`,
		nodeID, model.DeployDownloading, model.DeployPending, model.RolloutActive))
	if err != nil {
		return nil, err
	}
	return pd, nil
}

func (s *AgentService) scanPendingDeployment(row pgx.Row) (*model.PendingDeployment, error) {
	var pd model.PendingDeployment
	err := row.Scan(&pd.DeploymentStatusID, &pd.DeploymentID, &pd.PackageName, &pd.PackageVersion, &pd.Mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next deployment: %w", err)
	}
	return &pd, nil
}

// DeploymentReportParams is an agent's progress or terminal report for a
// deployment status row.
type DeploymentReportParams struct {
	DeploymentStatusID string
	Status             string
	Output             string
	ErrorMessage       string
}

// ReportDeploymentStatus applies an agent-reported transition. Progress
// moves downloading -> installing; terminal reports are success or failed.
// A failure with attempts remaining schedules a retry by resetting the row
// toward pending via next_retry_at. Duplicate reports for terminal rows
// return ErrAlreadyTerminal.
func (s *AgentService) ReportDeploymentStatus(ctx context.Context, p DeploymentReportParams) error {
	var from []string
	switch p.Status {
	case model.DeployInstalling:
		from = []string{model.DeployDownloading}
	case model.DeploySuccess, model.DeployFailed:
		from = []string{model.DeployDownloading, model.DeployInstalling}
	default:
		return fmt.Errorf("agent cannot report deployment status %q", p.Status)
	}

	var nodeID string
	err := s.db.QueryRow(ctx, `
		UPDATE deployment_statuses
		SET status = $2,
		    output = $3,
		    error_message = $4,
		    next_retry_at = CASE
		        WHEN $2 = 'failed' AND attempts < max_attempts
		        THEN NOW() + ($5 * interval '1 second') * power(2, GREATEST(attempts - 1, 0))
		        ELSE NULL
		    END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
		RETURNING node_id`,
		p.DeploymentStatusID, p.Status, p.Output, p.ErrorMessage,
		int(retryBackoffBase.Seconds()), from,
	).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyMissedDeploymentReport(ctx, p.DeploymentStatusID)
	}
	if err != nil {
		return fmt.Errorf("report deployment status for %s: %w", p.DeploymentStatusID, err)
	}

	return s.touchNode(ctx, nodeID)
}

func (s *AgentService) classifyMissedDeploymentReport(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT status FROM deployment_statuses WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deployment status %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("look up deployment status %s: %w", id, err)
	}
	if model.DeployTerminal(status) {
		return fmt.Errorf("deployment status %s is %s: %w", id, status, ErrAlreadyTerminal)
	}
	return fmt.Errorf("deployment status %s is %s: %w", id, status, ErrClaimConflict)
}

// touchNode counts any successful agent call as a check-in.
func (s *AgentService) touchNode(ctx context.Context, nodeID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nodes SET last_seen_at = NOW(), status = $2, consecutive_failures = 0, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, nodeID, model.NodeOnline)
	if err != nil {
		return fmt.Errorf("update liveness for node %s: %w", nodeID, err)
	}
	return nil
}

// RetryBackoff computes the delay before attempt n is retried. Exposed for
// the sweep package and tests; the report paths embed the same curve in
// SQL.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBackoffBase << (attempt - 1)
	if d > retryBackoffMax || d <= 0 {
		return retryBackoffMax
	}
	return d
}
