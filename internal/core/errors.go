package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimConflict is returned when a conditional transition lost its race:
// the row was no longer in the expected pre-state. Callers treat it as
// "nothing to do", not a failure.
var ErrClaimConflict = errors.New("claim conflict")

// ErrAlreadyTerminal is returned when a result report arrives for an
// instance that already reached a terminal status. Duplicate reports are
// logged and ignored.
var ErrAlreadyTerminal = errors.New("instance already terminal")

// ErrImmutable is returned on attempts to modify a job or deployment past
// the point its lifecycle allows.
var ErrImmutable = errors.New("resource can no longer be modified")

// TargetResolutionError fails a job or deployment fast when its selector
// resolves to no nodes. No instances are created.
type TargetResolutionError struct {
	Selector string
	Reason   string
}

func (e *TargetResolutionError) Error() string {
	return fmt.Sprintf("target %s resolved to no nodes: %s", e.Selector, e.Reason)
}
