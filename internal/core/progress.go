package core

import (
	"context"
	"fmt"

	"github.com/edvin/fleet/internal/model"
)

// Progress is a fresh roll-up of one job's or deployment's instances. It is
// always computed from the instance rows at read time; no independently
// mutable summary is ever stored, so the counts cannot drift from reality.
type Progress struct {
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"`
	Overall string         `json:"overall"`
}

// Overall status labels derived by the aggregator.
const (
	OverallPending   = "pending"
	OverallActive    = "active"
	OverallCompleted = "completed"
	OverallCancelled = "cancelled"
)

// ProgressService computes roll-ups for dashboards and alerting. Pure read.
type ProgressService struct {
	db DB
}

func NewProgressService(db DB) *ProgressService {
	return &ProgressService{db: db}
}

// ForJob counts a job's instances per status and derives an overall label.
func (s *ProgressService) ForJob(ctx context.Context, job *model.Job) (*Progress, error) {
	counts, err := s.countByStatus(ctx,
		`SELECT status, COUNT(*) FROM job_instances WHERE job_id = $1 GROUP BY status`, job.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate job %s: %w", job.ID, err)
	}

	p := &Progress{Counts: counts}
	terminal := 0
	for status, n := range counts {
		p.Total += n
		if model.InstanceTerminal(status) {
			terminal += n
		}
	}

	switch {
	case job.CancelledAt != nil:
		p.Overall = OverallCancelled
	case p.Total > 0 && terminal == p.Total:
		p.Overall = OverallCompleted
	case counts[model.InstanceQueued]+counts[model.InstanceRunning] > 0 || terminal > 0:
		p.Overall = OverallActive
	default:
		p.Overall = OverallPending
	}
	return p, nil
}

// ForDeployment counts a deployment's status rows per status. The overall
// label is the controller-owned deployment status: the controller is the
// only writer of that field, and it derives it from these same rows.
func (s *ProgressService) ForDeployment(ctx context.Context, d *model.Deployment) (*Progress, error) {
	counts, err := s.countByStatus(ctx,
		`SELECT status, COUNT(*) FROM deployment_statuses WHERE deployment_id = $1 GROUP BY status`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate deployment %s: %w", d.ID, err)
	}

	p := &Progress{Counts: counts, Overall: d.Status}
	for _, n := range counts {
		p.Total += n
	}
	return p, nil
}

func (s *ProgressService) countByStatus(ctx context.Context, sql, id string) (map[string]int, error) {
	rows, err := s.db.Query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}
