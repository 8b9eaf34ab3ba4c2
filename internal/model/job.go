package model

import (
	"encoding/json"
	"time"
)

// Job is a one-shot command intent fanned out to a target set. Immutable
// once created except for cancellation.
type Job struct {
	ID             string          `json:"id" db:"id"`
	Target         json.RawMessage `json:"target" db:"target"`
	CommandType    string          `json:"command_type" db:"command_type"`
	CommandPayload json.RawMessage `json:"command_payload" db:"command_payload"`
	Priority       int             `json:"priority" db:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds" db:"timeout_seconds"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// JobInstance is the per-node execution record for a job. At most one row
// exists per (job_id, node_id); retries reuse the row as a new attempt.
type JobInstance struct {
	ID           string     `json:"id" db:"id"`
	JobID        string     `json:"job_id" db:"job_id"`
	NodeID       string     `json:"node_id" db:"node_id"`
	Status       string     `json:"status" db:"status"`
	Attempt      int        `json:"attempt" db:"attempt"`
	MaxAttempts  int        `json:"max_attempts" db:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	QueuedAt     *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ExitCode     *int       `json:"exit_code,omitempty" db:"exit_code"`
	DurationMS   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	Stdout       string     `json:"stdout,omitempty" db:"stdout"`
	Stderr       string     `json:"stderr,omitempty" db:"stderr"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// PendingJob is the poll-gateway payload an agent receives when it claims a
// job instance.
type PendingJob struct {
	InstanceID     string          `json:"instance_id"`
	JobID          string          `json:"job_id"`
	CommandType    string          `json:"command_type"`
	CommandPayload json.RawMessage `json:"command_payload"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}
