package request

import "encoding/json"

// CreateMaintenanceWindow holds the request body for creating a recurring
// maintenance window.
type CreateMaintenanceWindow struct {
	Name       string          `json:"name" validate:"required,max=255"`
	StartTime  string          `json:"start_time" validate:"required"`
	EndTime    string          `json:"end_time" validate:"required"`
	DaysOfWeek []int           `json:"days_of_week" validate:"required,min=1,dive,min=0,max=6"`
	Timezone   string          `json:"timezone" validate:"required"`
	Target     json.RawMessage `json:"target"`
}
