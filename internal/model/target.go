package model

import (
	"encoding/json"
	"fmt"
)

// Target selector types.
const (
	TargetNode  = "node"
	TargetGroup = "group"
	TargetTag   = "tag"
	TargetAll   = "all"
)

// TargetSelector identifies which nodes a job or deployment applies to:
// a single node, a group (static or dynamic), a tag, or the whole fleet.
type TargetSelector struct {
	Type string `json:"type"`
	// ID is the node or group ID for node/group selectors.
	ID string `json:"id,omitempty"`
	// Name is the tag name for tag selectors.
	Name string `json:"name,omitempty"`
}

func (t TargetSelector) Validate() error {
	switch t.Type {
	case TargetNode, TargetGroup:
		if t.ID == "" {
			return fmt.Errorf("%s selector requires an id", t.Type)
		}
	case TargetTag:
		if t.Name == "" {
			return fmt.Errorf("tag selector requires a name")
		}
	case TargetAll:
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

func (t TargetSelector) String() string {
	switch t.Type {
	case TargetNode, TargetGroup:
		return fmt.Sprintf("%s:%s", t.Type, t.ID)
	case TargetTag:
		return fmt.Sprintf("tag:%s", t.Name)
	default:
		return t.Type
	}
}

// ParseTargetSelector decodes and validates a selector stored as JSON.
func ParseTargetSelector(raw json.RawMessage) (TargetSelector, error) {
	var t TargetSelector
	if err := json.Unmarshal(raw, &t); err != nil {
		return TargetSelector{}, fmt.Errorf("decode target selector: %w", err)
	}
	if err := t.Validate(); err != nil {
		return TargetSelector{}, err
	}
	return t, nil
}
