package model

import (
	"encoding/json"
	"strings"
	"time"
)

type Group struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	IsDynamic bool            `json:"is_dynamic" db:"is_dynamic"`
	Condition json.RawMessage `json:"condition,omitempty" db:"condition"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Condition is a boolean expression tree over node attributes. Exactly one
// of All, Any, or a Field comparison is set per node of the tree.
type Condition struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`

	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Condition comparison operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpContains = "contains"
	OpIn       = "in"
	OpExists   = "exists"
)

// Eval evaluates the condition against a node attribute map. Membership in a
// dynamic group is never cached; callers re-evaluate at every resolution.
func (c Condition) Eval(attrs map[string]any) bool {
	switch {
	case len(c.All) > 0:
		for _, child := range c.All {
			if !child.Eval(attrs) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if child.Eval(attrs) {
				return true
			}
		}
		return false
	}

	val, ok := attrs[c.Field]
	switch c.Op {
	case OpExists:
		return ok
	case OpEq:
		return ok && looseEqual(val, c.Value)
	case OpNe:
		return !ok || !looseEqual(val, c.Value)
	case OpContains:
		switch v := val.(type) {
		case string:
			want, isStr := c.Value.(string)
			return isStr && strings.Contains(v, want)
		case []any:
			for _, item := range v {
				if looseEqual(item, c.Value) {
					return true
				}
			}
		}
		return false
	case OpIn:
		list, isList := c.Value.([]any)
		if !ok || !isList {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
		return false
	}
	return false
}

// looseEqual compares scalars the way JSON-decoded values demand: all JSON
// numbers arrive as float64, so numeric comparisons go through float64.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ParseCondition decodes a stored condition document.
func ParseCondition(raw json.RawMessage) (Condition, error) {
	var c Condition
	err := json.Unmarshal(raw, &c)
	return c, err
}
