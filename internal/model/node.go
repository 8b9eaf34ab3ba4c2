package model

import (
	"encoding/json"
	"time"
)

type Node struct {
	ID                  string          `json:"id" db:"id"`
	Hostname            string          `json:"hostname" db:"hostname"`
	IPAddress           *string         `json:"ip_address,omitempty" db:"ip_address"`
	Tags                []string        `json:"tags" db:"tags"`
	Attributes          json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	Status              string          `json:"status" db:"status"`
	LastSeenAt          *time.Time      `json:"last_seen_at,omitempty" db:"last_seen_at"`
	ConsecutiveFailures int             `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Online reports whether the node's last check-in is within the given
// threshold. The stored Status column is maintained by the liveness sweep;
// this is the same derivation applied to an in-memory node.
func (n *Node) Online(now time.Time, threshold time.Duration) bool {
	return n.LastSeenAt != nil && now.Sub(*n.LastSeenAt) <= threshold
}

// AttributeMap decodes the node's attribute document for condition
// evaluation. Tags and identity fields are merged in so dynamic groups can
// match on them.
func (n *Node) AttributeMap() map[string]any {
	attrs := map[string]any{}
	if len(n.Attributes) > 0 {
		// A malformed attribute document matches nothing rather than failing
		// resolution for the whole fleet.
		_ = json.Unmarshal(n.Attributes, &attrs)
	}
	attrs["id"] = n.ID
	attrs["hostname"] = n.Hostname
	attrs["status"] = n.Status
	tags := make([]any, len(n.Tags))
	for i, tag := range n.Tags {
		tags[i] = tag
	}
	attrs["tags"] = tags
	return attrs
}

// NodeEvent records a liveness transition for the external alerting
// collaborator to consume.
type NodeEvent struct {
	ID        string    `json:"id" db:"id"`
	NodeID    string    `json:"node_id" db:"node_id"`
	Kind      string    `json:"kind" db:"kind"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Node event kinds.
const (
	EventNodeOffline = "node_offline"
	EventNodeOnline  = "node_online"
)
