package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/edvin/fleet/internal/model"
)

// TargetResolver expands a target selector into a concrete, deduplicated
// set of currently-known node ids. Dynamic group membership is evaluated
// live at every call, never snapshotted: a deployment created against a
// dynamic group targets whoever matches at creation time, and later
// membership drift does not add or remove instances.
type TargetResolver struct {
	db     DB
	groups *GroupService
}

func NewTargetResolver(db DB, groups *GroupService) *TargetResolver {
	return &TargetResolver{db: db, groups: groups}
}

// Resolve returns the sorted node-id set for the selector. An empty result
// is a *TargetResolutionError: the parent fails fast and no instances are
// created.
func (r *TargetResolver) Resolve(ctx context.Context, sel model.TargetSelector) ([]string, error) {
	if err := sel.Validate(); err != nil {
		return nil, &TargetResolutionError{Selector: sel.String(), Reason: err.Error()}
	}

	var (
		ids []string
		err error
	)
	switch sel.Type {
	case model.TargetNode:
		ids, err = r.resolveNode(ctx, sel.ID)
	case model.TargetGroup:
		ids, err = r.resolveGroup(ctx, sel.ID)
	case model.TargetTag:
		ids, err = r.queryIDs(ctx,
			`SELECT id FROM nodes WHERE deleted_at IS NULL AND $1 = ANY(tags)`, sel.Name)
	case model.TargetAll:
		ids, err = r.queryIDs(ctx, `SELECT id FROM nodes WHERE deleted_at IS NULL`)
	}
	if err != nil {
		return nil, err
	}

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, &TargetResolutionError{Selector: sel.String(), Reason: "no matching nodes"}
	}
	return ids, nil
}

func (r *TargetResolver) resolveNode(ctx context.Context, nodeID string) ([]string, error) {
	return r.queryIDs(ctx, `SELECT id FROM nodes WHERE id = $1 AND deleted_at IS NULL`, nodeID)
}

func (r *TargetResolver) resolveGroup(ctx context.Context, groupID string) ([]string, error) {
	g, err := r.groups.GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if !g.IsDynamic {
		return r.groups.Members(ctx, groupID)
	}

	cond, err := model.ParseCondition(g.Condition)
	if err != nil {
		return nil, fmt.Errorf("parse condition for group %s: %w", groupID, err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, hostname, ip_address::text, tags, attributes, status, last_seen_at, consecutive_failures, created_at, updated_at, deleted_at
		FROM nodes WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("load nodes for dynamic group: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var n model.Node
		if err := rows.Scan(&n.ID, &n.Hostname, &n.IPAddress, &n.Tags, &n.Attributes, &n.Status,
			&n.LastSeenAt, &n.ConsecutiveFailures, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if cond.Eval(n.AttributeMap()) {
			ids = append(ids, n.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return ids, nil
}

func (r *TargetResolver) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node ids: %w", err)
	}
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
