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

// NodeService is the node registry: endpoints are created on first
// check-in and soft-deleted only, since historical instances reference
// them.
type NodeService struct {
	db DB
}

func NewNodeService(db DB) *NodeService {
	return &NodeService{db: db}
}

// CheckInParams is what an agent reports on every check-in.
type CheckInParams struct {
	NodeID     string
	Hostname   string
	IPAddress  *string
	Tags       []string
	Attributes json.RawMessage
}

// CheckIn upserts the node, refreshes last_seen_at, marks it online, and
// clears the consecutive failure counter. It reports whether the node was
// offline before this check-in so the caller can emit a recovery event.
func (s *NodeService) CheckIn(ctx context.Context, p CheckInParams) (wasOffline bool, err error) {
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if len(p.Attributes) == 0 {
		p.Attributes = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	var prior *string
	err = s.db.QueryRow(ctx, `
		INSERT INTO nodes (id, hostname, ip_address, tags, attributes, status, last_seen_at, consecutive_failures, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			tags = EXCLUDED.tags,
			attributes = EXCLUDED.attributes,
			status = $6,
			last_seen_at = $7,
			consecutive_failures = 0,
			updated_at = $7,
			deleted_at = NULL
		RETURNING (SELECT status FROM nodes WHERE id = $1)`,
		p.NodeID, p.Hostname, p.IPAddress, p.Tags, p.Attributes, model.NodeOnline, now,
	).Scan(&prior)
	if err != nil {
		return false, fmt.Errorf("check in node %s: %w", p.NodeID, err)
	}

	return prior != nil && *prior == model.NodeOffline, nil
}

func (s *NodeService) GetByID(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	err := s.db.QueryRow(ctx, `
		SELECT id, hostname, ip_address::text, tags, attributes, status, last_seen_at, consecutive_failures, created_at, updated_at, deleted_at
		FROM nodes WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&n.ID, &n.Hostname, &n.IPAddress, &n.Tags, &n.Attributes, &n.Status,
		&n.LastSeenAt, &n.ConsecutiveFailures, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &n, nil
}

// List returns nodes ordered by id using cursor pagination.
func (s *NodeService) List(ctx context.Context, limit int, cursor string) ([]model.Node, bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, hostname, ip_address::text, tags, attributes, status, last_seen_at, consecutive_failures, created_at, updated_at, deleted_at
		FROM nodes WHERE deleted_at IS NULL AND id > $1
		ORDER BY id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Hostname, &n.IPAddress, &n.Tags, &n.Attributes, &n.Status,
			&n.LastSeenAt, &n.ConsecutiveFailures, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt); err != nil {
			return nil, false, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate nodes: %w", err)
	}

	hasMore := len(nodes) > limit
	if hasMore {
		nodes = nodes[:limit]
	}
	return nodes, hasMore, nil
}

// Delete soft-deletes a node. The row survives so historical job instances
// and deployment statuses keep a valid reference.
func (s *NodeService) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE nodes SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordEvent appends a liveness transition event for the alerting
// collaborator.
func (s *NodeService) RecordEvent(ctx context.Context, nodeID, kind, detail string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO node_events (id, node_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		platform.NewID(), nodeID, kind, detail)
	if err != nil {
		return fmt.Errorf("record node event: %w", err)
	}
	return nil
}

// ListEvents returns recent liveness events for a node, newest first.
func (s *NodeService) ListEvents(ctx context.Context, nodeID string, limit int) ([]model.NodeEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, node_id, kind, detail, created_at
		FROM node_events WHERE node_id = $1
		ORDER BY created_at DESC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list node events: %w", err)
	}
	defer rows.Close()

	var events []model.NodeEvent
	for rows.Next() {
		var e model.NodeEvent
		if err := rows.Scan(&e.ID, &e.NodeID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node events: %w", err)
	}
	return events, nil
}
