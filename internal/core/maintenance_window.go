package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/fleet/internal/model"
)

// MaintenanceWindowService manages recurring maintenance windows. Only the
// rollout controller consults them, and only for deployments flagged
// maintenance_window_only. A window may carry a target scope; the resolver
// decides which nodes the scope covers.
type MaintenanceWindowService struct {
	db       DB
	resolver *TargetResolver
}

func NewMaintenanceWindowService(db DB, resolver *TargetResolver) *MaintenanceWindowService {
	return &MaintenanceWindowService{db: db, resolver: resolver}
}

func (s *MaintenanceWindowService) Create(ctx context.Context, w *model.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid maintenance window: %w", err)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO maintenance_windows (id, name, start_time, end_time, days_of_week, timezone, target, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		w.ID, w.Name, w.StartTime, w.EndTime, w.DaysOfWeek, w.Timezone, nullableJSON(w.Target), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("create maintenance window: %w", err)
	}
	return nil
}

func (s *MaintenanceWindowService) GetByID(ctx context.Context, id string) (*model.MaintenanceWindow, error) {
	var w model.MaintenanceWindow
	err := s.db.QueryRow(ctx, `
		SELECT id, name, start_time, end_time, days_of_week, timezone, target, created_at, updated_at
		FROM maintenance_windows WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.StartTime, &w.EndTime, &w.DaysOfWeek, &w.Timezone, &w.Target, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("maintenance window %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get maintenance window %s: %w", id, err)
	}
	return &w, nil
}

func (s *MaintenanceWindowService) List(ctx context.Context) ([]model.MaintenanceWindow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, start_time, end_time, days_of_week, timezone, target, created_at, updated_at
		FROM maintenance_windows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}
	defer rows.Close()

	var windows []model.MaintenanceWindow
	for rows.Next() {
		var w model.MaintenanceWindow
		if err := rows.Scan(&w.ID, &w.Name, &w.StartTime, &w.EndTime, &w.DaysOfWeek, &w.Timezone,
			&w.Target, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan maintenance window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maintenance windows: %w", err)
	}
	return windows, nil
}

func (s *MaintenanceWindowService) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM maintenance_windows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete maintenance window %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("maintenance window %s: %w", id, ErrNotFound)
	}
	return nil
}

// AnyActiveFor reports whether at least one window containing the instant
// covers the target. A window without a scope covers the whole fleet; a
// scoped window covers the target when their resolved node sets overlap,
// evaluated live against current membership. When no window qualifies the
// answer is false: a deployment flagged maintenance_window_only then waits
// until one does.
func (s *MaintenanceWindowService) AnyActiveFor(ctx context.Context, target model.TargetSelector, now time.Time) (bool, error) {
	windows, err := s.List(ctx)
	if err != nil {
		return false, err
	}

	var (
		targetIDs      []string
		targetResolved bool
	)
	for i := range windows {
		w := &windows[i]
		inside, err := w.Contains(now)
		if err != nil {
			return false, err
		}
		if !inside {
			continue
		}
		if len(w.Target) == 0 {
			return true, nil
		}

		var scope model.TargetSelector
		if err := json.Unmarshal(w.Target, &scope); err != nil {
			return false, fmt.Errorf("decode scope for window %s: %w", w.ID, err)
		}
		if !targetResolved {
			targetIDs, err = s.coveredNodes(ctx, target)
			if err != nil {
				return false, err
			}
			targetResolved = true
		}
		scopeIDs, err := s.coveredNodes(ctx, scope)
		if err != nil {
			return false, err
		}
		if overlaps(scopeIDs, targetIDs) {
			return true, nil
		}
	}
	return false, nil
}

// coveredNodes resolves a selector for window gating, where "no matching
// nodes" means an empty coverage set rather than a failure.
func (s *MaintenanceWindowService) coveredNodes(ctx context.Context, sel model.TargetSelector) ([]string, error) {
	ids, err := s.resolver.Resolve(ctx, sel)
	var trErr *TargetResolutionError
	if errors.As(err, &trErr) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
