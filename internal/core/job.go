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

// Job defaults.
const (
	DefaultJobTimeoutSeconds = 3600
	DefaultJobMaxAttempts    = 3
)

// JobService creates one-shot command jobs and their per-node instances.
type JobService struct {
	db       DB
	resolver *TargetResolver
}

func NewJobService(db DB, resolver *TargetResolver) *JobService {
	return &JobService{db: db, resolver: resolver}
}

// CreateJobParams collects the intent for a new job.
type CreateJobParams struct {
	Target         model.TargetSelector
	CommandType    string
	CommandPayload json.RawMessage
	Priority       int
	TimeoutSeconds int
	MaxAttempts    int
	ScheduledAt    *time.Time
	ExpiresAt      *time.Time
}

// Create resolves the target and fans out exactly one pending instance per
// node. The job row and its instances commit in one transaction, so a
// failure mid fan-out leaves nothing behind and the instance count always
// matches the resolved target set. The unique constraint on (job_id,
// node_id) makes a retried create for the same job id a no-op per row
// rather than a duplicate.
func (s *JobService) Create(ctx context.Context, p CreateJobParams) (*model.Job, error) {
	nodeIDs, err := s.resolver.Resolve(ctx, p.Target)
	if err != nil {
		return nil, err
	}

	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = DefaultJobTimeoutSeconds
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultJobMaxAttempts
	}
	if len(p.CommandPayload) == 0 {
		p.CommandPayload = json.RawMessage(`{}`)
	}

	targetJSON, err := json.Marshal(p.Target)
	if err != nil {
		return nil, fmt.Errorf("encode target selector: %w", err)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:             platform.NewID(),
		Target:         targetJSON,
		CommandType:    p.CommandType,
		CommandPayload: p.CommandPayload,
		Priority:       p.Priority,
		TimeoutSeconds: p.TimeoutSeconds,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    p.ScheduledAt,
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      now,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin job create: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, target, command_type, command_payload, priority, timeout_seconds, max_attempts, scheduled_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Target, job.CommandType, job.CommandPayload, job.Priority,
		job.TimeoutSeconds, job.MaxAttempts, job.ScheduledAt, job.ExpiresAt, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	for _, nodeID := range nodeIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_instances (id, job_id, node_id, status, attempt, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
			ON CONFLICT (job_id, node_id) DO NOTHING`,
			platform.NewID(), job.ID, nodeID, model.InstancePending, job.MaxAttempts, now)
		if err != nil {
			return nil, fmt.Errorf("create job instance for node %s: %w", nodeID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job create: %w", err)
	}
	return job, nil
}

func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	err := s.db.QueryRow(ctx, `
		SELECT id, target, command_type, command_payload, priority, timeout_seconds, max_attempts, scheduled_at, expires_at, cancelled_at, created_at
		FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Target, &j.CommandType, &j.CommandPayload, &j.Priority,
		&j.TimeoutSeconds, &j.MaxAttempts, &j.ScheduledAt, &j.ExpiresAt, &j.CancelledAt, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *JobService) List(ctx context.Context, limit int, cursor string) ([]model.Job, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, target, command_type, command_payload, priority, timeout_seconds, max_attempts, scheduled_at, expires_at, cancelled_at, created_at
		FROM jobs WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Target, &j.CommandType, &j.CommandPayload, &j.Priority,
			&j.TimeoutSeconds, &j.MaxAttempts, &j.ScheduledAt, &j.ExpiresAt, &j.CancelledAt, &j.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate jobs: %w", err)
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	return jobs, hasMore, nil
}

// Cancel marks the job cancelled and moves its unclaimed instances to
// cancelled. Work already claimed by an endpoint cannot be recalled (there
// is no push channel); running instances keep running and their eventual
// reports are still recorded. Retry of failed instances stops: sweeps skip
// cancelled jobs.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET cancelled_at = NOW() WHERE id = $1 AND cancelled_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		// Already cancelled; cancellation is idempotent.
		return nil
	}

	_, err = s.db.Exec(ctx, `
		UPDATE job_instances
		SET status = $2, completed_at = NOW(), next_retry_at = NULL, updated_at = NOW()
		WHERE job_id = $1 AND status IN ($3, $4)`,
		id, model.InstanceCancelled, model.InstancePending, model.InstanceQueued)
	if err != nil {
		return fmt.Errorf("cancel job instances for %s: %w", id, err)
	}
	return nil
}

// ListInstances returns all per-node instances of a job.
func (s *JobService) ListInstances(ctx context.Context, jobID string) ([]model.JobInstance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, node_id, status, attempt, max_attempts, next_retry_at, queued_at, started_at, completed_at,
		       exit_code, duration_ms, stdout, stderr, error_message, created_at, updated_at
		FROM job_instances WHERE job_id = $1 ORDER BY node_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job instances: %w", err)
	}
	defer rows.Close()

	var instances []model.JobInstance
	for rows.Next() {
		var in model.JobInstance
		if err := rows.Scan(&in.ID, &in.JobID, &in.NodeID, &in.Status, &in.Attempt, &in.MaxAttempts,
			&in.NextRetryAt, &in.QueuedAt, &in.StartedAt, &in.CompletedAt,
			&in.ExitCode, &in.DurationMS, &in.Stdout, &in.Stderr, &in.ErrorMessage, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job instance: %w", err)
		}
		instances = append(instances, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job instances: %w", err)
	}
	return instances, nil
}
