package request

import (
	"time"

	"github.com/edvin/fleet/internal/model"
)

// CreateDeployment holds the request body for creating a deployment.
type CreateDeployment struct {
	PackageName           string               `json:"package_name" validate:"required,max=255"`
	PackageVersion        string               `json:"package_version" validate:"required,max=255"`
	Target                model.TargetSelector `json:"target" validate:"required"`
	Mode                  string               `json:"mode" validate:"required,oneof=required available uninstall"`
	Strategy              string               `json:"strategy" validate:"required,oneof=immediate staged canary"`
	StrategyConfig        model.StrategyConfig `json:"strategy_config"`
	MaintenanceWindowOnly bool                 `json:"maintenance_window_only"`
	ScheduledAt           *time.Time           `json:"scheduled_at"`
}
