package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/fleet/internal/model"
)

// GroupService manages static and dynamic node groups. Static groups carry
// explicit membership rows; dynamic groups carry a condition tree evaluated
// against node attributes at resolution time.
type GroupService struct {
	db DB
}

func NewGroupService(db DB) *GroupService {
	return &GroupService{db: db}
}

func (s *GroupService) Create(ctx context.Context, g *model.Group) error {
	if g.IsDynamic {
		if len(g.Condition) == 0 {
			return fmt.Errorf("dynamic group requires a condition")
		}
		if _, err := model.ParseCondition(g.Condition); err != nil {
			return fmt.Errorf("invalid group condition: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO groups (id, name, is_dynamic, condition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		g.ID, g.Name, g.IsDynamic, nullableJSON(g.Condition), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *GroupService) GetByID(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	err := s.db.QueryRow(ctx, `
		SELECT id, name, is_dynamic, condition, created_at, updated_at
		FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.IsDynamic, &g.Condition, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	return &g, nil
}

func (s *GroupService) List(ctx context.Context, limit int, cursor string) ([]model.Group, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, is_dynamic, condition, created_at, updated_at
		FROM groups WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.IsDynamic, &g.Condition, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate groups: %w", err)
	}

	hasMore := len(groups) > limit
	if hasMore {
		groups = groups[:limit]
	}
	return groups, hasMore, nil
}

func (s *GroupService) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMembers replaces a static group's membership.
func (s *GroupService) SetMembers(ctx context.Context, groupID string, nodeIDs []string) error {
	g, err := s.GetByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g.IsDynamic {
		return fmt.Errorf("group %s is dynamic: %w", groupID, ErrImmutable)
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("clear group members: %w", err)
	}
	for _, nodeID := range nodeIDs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO group_members (group_id, node_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, groupID, nodeID)
		if err != nil {
			return fmt.Errorf("add group member %s: %w", nodeID, err)
		}
	}
	return nil
}

// Members returns the node ids in a static group, skipping soft-deleted
// nodes.
func (s *GroupService) Members(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT gm.node_id FROM group_members gm
		JOIN nodes n ON n.id = gm.node_id AND n.deleted_at IS NULL
		WHERE gm.group_id = $1 ORDER BY gm.node_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return ids, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
