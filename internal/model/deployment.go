package model

import (
	"encoding/json"
	"time"
)

// Deployment is a phased software rollout intent. The Status field is
// written only by the rollout controller and the explicit cancel operation,
// never by a direct external write.
type Deployment struct {
	ID                    string          `json:"id" db:"id"`
	PackageName           string          `json:"package_name" db:"package_name"`
	PackageVersion        string          `json:"package_version" db:"package_version"`
	Target                json.RawMessage `json:"target" db:"target"`
	Mode                  string          `json:"mode" db:"mode"`
	Strategy              string          `json:"strategy" db:"strategy"`
	StrategyConfig        StrategyConfig  `json:"strategy_config" db:"strategy_config"`
	MaintenanceWindowOnly bool            `json:"maintenance_window_only" db:"maintenance_window_only"`
	ScheduledAt           *time.Time      `json:"scheduled_at,omitempty" db:"scheduled_at"`
	Status                string          `json:"status" db:"status"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// StrategyConfig tunes the rollout strategy. Zero values fall back to the
// defaults applied by Normalize.
type StrategyConfig struct {
	BatchSize    int `json:"batch_size,omitempty"`
	DelayMinutes int `json:"delay_minutes,omitempty"`
	CanarySize   int `json:"canary_size,omitempty"`
	// FailureThresholdPercent halts the deployment when the share of failed
	// instances in a released batch exceeds it. The default of zero means
	// any failure in a batch pauses the rollout.
	FailureThresholdPercent int `json:"failure_threshold_percent,omitempty"`
	MaxAttempts             int `json:"max_attempts,omitempty"`
}

// Normalize fills in strategy defaults for the given strategy name.
func (c StrategyConfig) Normalize(strategy string) StrategyConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.CanarySize <= 0 {
		c.CanarySize = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FailureThresholdPercent < 0 {
		c.FailureThresholdPercent = 0
	}
	if strategy == StrategyImmediate {
		c.DelayMinutes = 0
	}
	return c
}

// DeploymentStatus is the per-node execution record for a deployment. At
// most one row exists per (deployment_id, node_id). Batch ordering is fixed
// at creation time for staged and canary strategies.
type DeploymentStatus struct {
	ID            string     `json:"id" db:"id"`
	DeploymentID  string     `json:"deployment_id" db:"deployment_id"`
	NodeID        string     `json:"node_id" db:"node_id"`
	Batch         int        `json:"batch" db:"batch"`
	Status        string     `json:"status" db:"status"`
	Attempts      int        `json:"attempts" db:"attempts"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	EligibleAt    *time.Time `json:"eligible_at,omitempty" db:"eligible_at"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	Output        string     `json:"output,omitempty" db:"output"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// PendingDeployment is the poll-gateway payload an agent receives when it
// claims a deployment status row.
type PendingDeployment struct {
	DeploymentStatusID string `json:"deployment_status_id"`
	DeploymentID       string `json:"deployment_id"`
	PackageName        string `json:"package_name"`
	PackageVersion     string `json:"package_version"`
	Mode               string `json:"mode"`
}
