package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/alert"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

// DefaultOfflineAfter is how long a node may stay silent before the
// liveness sweep marks it offline.
const DefaultOfflineAfter = 5 * time.Minute

// LivenessMonitor marks silent nodes offline and emits an event for the
// alerting collaborator. The conditional update claims each transition, so
// two concurrent sweepers cannot mark the same node offline twice, and the
// failure counter increments exactly once per transition. Offline nodes
// stay valid dispatch targets; their pending work simply waits.
type LivenessMonitor struct {
	db           core.DB
	nodes        *core.NodeService
	notifier     alert.Notifier
	offlineAfter time.Duration
	logger       zerolog.Logger
}

func NewLivenessMonitor(db core.DB, nodes *core.NodeService, notifier alert.Notifier, offlineAfter time.Duration, logger zerolog.Logger) *LivenessMonitor {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &LivenessMonitor{
		db:           db,
		nodes:        nodes,
		notifier:     notifier,
		offlineAfter: offlineAfter,
		logger:       logger.With().Str("component", "liveness-monitor").Logger(),
	}
}

func (m *LivenessMonitor) Tick(ctx context.Context) (int, error) {
	rows, err := m.db.Query(ctx, `
		UPDATE nodes
		SET status = $1, consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE status = $2 AND deleted_at IS NULL
		  AND (last_seen_at IS NULL OR last_seen_at < NOW() - $3 * interval '1 second')
		RETURNING id, hostname`,
		model.NodeOffline, model.NodeOnline, int(m.offlineAfter.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("mark nodes offline: %w", err)
	}
	defer rows.Close()

	type offlineNode struct{ id, hostname string }
	var offline []offlineNode
	for rows.Next() {
		var n offlineNode
		if err := rows.Scan(&n.id, &n.hostname); err != nil {
			return 0, fmt.Errorf("scan offline node: %w", err)
		}
		offline = append(offline, n)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate offline nodes: %w", err)
	}

	for _, n := range offline {
		detail := fmt.Sprintf("no check-in for %s", m.offlineAfter)
		if err := m.nodes.RecordEvent(ctx, n.id, model.EventNodeOffline, detail); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.id).Msg("record offline event failed")
		}
		if err := m.notifier.Notify(ctx, alert.Event{
			Kind:     model.EventNodeOffline,
			NodeID:   n.id,
			Hostname: n.hostname,
			Detail:   detail,
			At:       time.Now().UTC(),
		}); err != nil {
			m.logger.Error().Err(err).Str("node_id", n.id).Msg("notify offline failed")
		}
	}

	if len(offline) > 0 {
		sweepActions.WithLabelValues("liveness", "offline").Add(float64(len(offline)))
	}
	return len(offline), nil
}
