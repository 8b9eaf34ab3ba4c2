package sweep

import (
	"context"
	"fmt"

	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

// JobDispatcher moves pending job instances to queued. For jobs this gate
// is immediate: an instance queues as soon as its job's schedule allows.
// The conditional update is the single serialization point; a concurrent
// sweeper queuing the same rows simply affects zero of them.
type JobDispatcher struct {
	db core.DB
}

func NewJobDispatcher(db core.DB) *JobDispatcher {
	return &JobDispatcher{db: db}
}

func (d *JobDispatcher) Tick(ctx context.Context) (int, error) {
	tag, err := d.db.Exec(ctx, `
		UPDATE job_instances ji
		SET status = $1, queued_at = NOW(), updated_at = NOW()
		FROM jobs j
		WHERE j.id = ji.job_id
		  AND ji.status = $2
		  AND j.cancelled_at IS NULL
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		  AND (j.expires_at IS NULL OR j.expires_at > NOW())`,
		model.InstanceQueued, model.InstancePending)
	if err != nil {
		return 0, fmt.Errorf("queue pending job instances: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		sweepActions.WithLabelValues("job_dispatch", "queued").Add(float64(n))
	}
	return n, nil
}
