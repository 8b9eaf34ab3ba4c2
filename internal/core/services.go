package core

// Services bundles every control-plane service over one shared DB.
type Services struct {
	Node              *NodeService
	Group             *GroupService
	Resolver          *TargetResolver
	Job               *JobService
	Deployment        *DeploymentService
	Agent             *AgentService
	Progress          *ProgressService
	MaintenanceWindow *MaintenanceWindowService
}

func NewServices(db DB) *Services {
	groups := NewGroupService(db)
	resolver := NewTargetResolver(db, groups)

	return &Services{
		Node:              NewNodeService(db),
		Group:             groups,
		Resolver:          resolver,
		Job:               NewJobService(db, resolver),
		Deployment:        NewDeploymentService(db, resolver),
		Agent:             NewAgentService(db),
		Progress:          NewProgressService(db),
		MaintenanceWindow: NewMaintenanceWindowService(db, resolver),
	}
}
