package request

import "encoding/json"

// CheckIn is the agent's periodic identity and liveness report.
type CheckIn struct {
	Hostname   string          `json:"hostname" validate:"required,max=255"`
	IPAddress  *string         `json:"ip_address"`
	Tags       []string        `json:"tags"`
	Attributes json.RawMessage `json:"attributes"`
}

// JobResult is the agent's terminal report for a job instance.
type JobResult struct {
	InstanceID string `json:"instance_id" validate:"required"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms" validate:"omitempty,min=0"`
}

// DeploymentReport is the agent's progress or terminal report for a
// deployment status row.
type DeploymentReport struct {
	DeploymentStatusID string `json:"deployment_status_id" validate:"required"`
	Status             string `json:"status" validate:"required,oneof=installing success failed"`
	Output             string `json:"output"`
	ErrorMessage       string `json:"error_message"`
}
