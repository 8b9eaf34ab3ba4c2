package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

// DefaultInstallTimeout bounds how long a deployment status may sit in
// downloading or installing without a report before the sweep fails it.
const DefaultInstallTimeout = time.Hour

// RetrySweep resets retryable failures back to pending and times out
// instances that will never report: queued or pending past the job's
// expires_at, running past the job's timeout, and deployment rows stuck
// in-flight. Expiry is its own terminal state: "no answer" is not the
// same outcome as "known bad".
type RetrySweep struct {
	db             core.DB
	installTimeout time.Duration
}

func NewRetrySweep(db core.DB, installTimeout time.Duration) *RetrySweep {
	if installTimeout <= 0 {
		installTimeout = DefaultInstallTimeout
	}
	return &RetrySweep{db: db, installTimeout: installTimeout}
}

func (s *RetrySweep) Tick(ctx context.Context) (int, error) {
	total := 0
	for _, step := range []struct {
		action string
		fn     func(context.Context) (int, error)
	}{
		{"job_retry", s.retryJobInstances},
		{"job_expire", s.expireUnclaimed},
		{"job_timeout", s.expireRunning},
		{"deploy_retry", s.retryDeploymentStatuses},
		{"deploy_timeout", s.failStuckDeployments},
	} {
		n, err := step.fn(ctx)
		if err != nil {
			return total, err
		}
		if n > 0 {
			sweepActions.WithLabelValues("retry", step.action).Add(float64(n))
		}
		total += n
	}
	return total, nil
}

// retryJobInstances resets failed instances whose backoff elapsed. The row
// is reused: a retry is a new attempt on the same logical instance, not a
// new row.
func (s *RetrySweep) retryJobInstances(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_instances ji
		SET status = $1, next_retry_at = NULL, queued_at = NULL, started_at = NULL, completed_at = NULL, updated_at = NOW()
		FROM jobs j
		WHERE j.id = ji.job_id
		  AND ji.status = $2
		  AND ji.next_retry_at IS NOT NULL AND ji.next_retry_at <= NOW()
		  AND ji.attempt < ji.max_attempts
		  AND j.cancelled_at IS NULL
		  AND (j.expires_at IS NULL OR j.expires_at > NOW())`,
		model.InstancePending, model.InstanceFailed)
	if err != nil {
		return 0, fmt.Errorf("retry failed job instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// expireUnclaimed marks instances expired once they sit unclaimed past the
// job's expires_at. They never silently disappear.
func (s *RetrySweep) expireUnclaimed(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_instances ji
		SET status = $1, completed_at = NOW(), next_retry_at = NULL,
		    error_message = 'expired before being claimed', updated_at = NOW()
		FROM jobs j
		WHERE j.id = ji.job_id
		  AND ji.status IN ($2, $3)
		  AND j.expires_at IS NOT NULL AND j.expires_at <= NOW()`,
		model.InstanceExpired, model.InstancePending, model.InstanceQueued)
	if err != nil {
		return 0, fmt.Errorf("expire unclaimed job instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// expireRunning times out claimed instances with no report. There is no
// live connection to detect a dead run; only the sweep can.
func (s *RetrySweep) expireRunning(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_instances ji
		SET status = $1, completed_at = NOW(), next_retry_at = NULL,
		    error_message = 'no result reported within timeout', updated_at = NOW()
		FROM jobs j
		WHERE j.id = ji.job_id
		  AND ji.status = $2
		  AND ji.started_at IS NOT NULL
		  AND ji.started_at + j.timeout_seconds * interval '1 second' <= NOW()`,
		model.InstanceExpired, model.InstanceRunning)
	if err != nil {
		return 0, fmt.Errorf("expire running job instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// retryDeploymentStatuses resets retryable deployment failures while the
// deployment is still active. Eligibility survives the reset, so the agent
// can claim the row again without a new controller release.
func (s *RetrySweep) retryDeploymentStatuses(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployment_statuses ds
		SET status = $1, next_retry_at = NULL, updated_at = NOW()
		FROM deployments d
		WHERE d.id = ds.deployment_id
		  AND ds.status = $2
		  AND ds.next_retry_at IS NOT NULL AND ds.next_retry_at <= NOW()
		  AND ds.attempts < ds.max_attempts
		  AND d.status = $3`,
		model.DeployPending, model.DeployFailed, model.RolloutActive)
	if err != nil {
		return 0, fmt.Errorf("retry failed deployment statuses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// failStuckDeployments fails in-flight deployment rows with no report for
// too long. Attempts permitting, the failure schedules its own retry.
func (s *RetrySweep) failStuckDeployments(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE deployment_statuses
		SET status = $1,
		    error_message = 'no status reported within install timeout',
		    next_retry_at = CASE
		        WHEN attempts < max_attempts
		        THEN NOW() + (30 * interval '1 second') * power(2, GREATEST(attempts - 1, 0))
		        ELSE NULL
		    END,
		    updated_at = NOW()
		WHERE status IN ($2, $3)
		  AND last_attempt_at IS NOT NULL
		  AND last_attempt_at + $4 * interval '1 second' <= NOW()`,
		model.DeployFailed, model.DeployDownloading, model.DeployInstalling,
		int(s.installTimeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("fail stuck deployment statuses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
