package model

// Node status constants.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// JobInstance status constants. These values are persisted and consumed by
// agents; do not rename.
const (
	InstancePending   = "pending"
	InstanceQueued    = "queued"
	InstanceRunning   = "running"
	InstanceSuccess   = "success"
	InstanceFailed    = "failed"
	InstanceCancelled = "cancelled"
	InstanceExpired   = "expired"
)

// DeploymentStatus status constants. Persisted, agent-facing; do not rename.
const (
	DeployPending     = "pending"
	DeployDownloading = "downloading"
	DeployInstalling  = "installing"
	DeploySuccess     = "success"
	DeployFailed      = "failed"
	DeploySkipped     = "skipped"
)

// Deployment aggregate status, written only by the rollout controller
// (and by explicit cancel).
const (
	RolloutPending   = "pending"
	RolloutActive    = "active"
	RolloutPaused    = "paused"
	RolloutCompleted = "completed"
	RolloutCancelled = "cancelled"
)

// Deployment modes.
const (
	ModeRequired  = "required"
	ModeAvailable = "available"
	ModeUninstall = "uninstall"
)

// Rollout strategies.
const (
	StrategyImmediate = "immediate"
	StrategyStaged    = "staged"
	StrategyCanary    = "canary"
)

// InstanceTerminal reports whether a job instance status is terminal.
func InstanceTerminal(status string) bool {
	switch status {
	case InstanceSuccess, InstanceFailed, InstanceCancelled, InstanceExpired:
		return true
	}
	return false
}

// DeployTerminal reports whether a deployment status value is terminal.
func DeployTerminal(status string) bool {
	switch status {
	case DeploySuccess, DeployFailed, DeploySkipped:
		return true
	}
	return false
}
