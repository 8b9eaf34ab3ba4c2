package request

import "encoding/json"

// CreateGroup holds the request body for creating a node group.
type CreateGroup struct {
	Name      string          `json:"name" validate:"required,slug"`
	IsDynamic bool            `json:"is_dynamic"`
	Condition json.RawMessage `json:"condition"`
}

// SetGroupMembers replaces a static group's membership.
type SetGroupMembers struct {
	NodeIDs []string `json:"node_ids" validate:"required"`
}
