// Package alert defines the event contract between the control plane and
// the external alerting collaborator. Delivery itself lives outside this
// repository; the control plane only emits.
package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event is a fleet event worth alerting on.
type Event struct {
	Kind     string    `json:"kind"`
	NodeID   string    `json:"node_id,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier delivers events to the alerting collaborator.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to the structured log. It is the default sink;
// a real delivery integration replaces it behind the same interface.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	n.logger.Warn().
		Str("kind", e.Kind).
		Str("node_id", e.NodeID).
		Str("hostname", e.Hostname).
		Str("detail", e.Detail).
		Time("at", e.At).
		Msg("fleet event")
	return nil
}
