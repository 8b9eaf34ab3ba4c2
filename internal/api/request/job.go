package request

import (
	"encoding/json"
	"time"

	"github.com/edvin/fleet/internal/model"
)

// CreateJob holds the request body for creating a job.
type CreateJob struct {
	Target         model.TargetSelector `json:"target" validate:"required"`
	CommandType    string               `json:"command_type" validate:"required,max=255"`
	CommandPayload json.RawMessage      `json:"command_payload"`
	Priority       int                  `json:"priority" validate:"omitempty,min=-100,max=100"`
	TimeoutSeconds int                  `json:"timeout_seconds" validate:"omitempty,min=1,max=86400"`
	MaxAttempts    int                  `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	ScheduledAt    *time.Time           `json:"scheduled_at"`
	ExpiresAt      *time.Time           `json:"expires_at"`
}
