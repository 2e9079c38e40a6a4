package v1alpha1

// Verb is an operator-requested provisioning action.
type Verb string

const (
	VerbManage   Verb = "manage"
	VerbProvide  Verb = "provide"
	VerbInspect  Verb = "inspect"
	VerbClean    Verb = "clean"
	VerbDeploy   Verb = "deploy"
	VerbRebuild  Verb = "rebuild"
	VerbDeleted  Verb = "deleted"
	VerbUndeploy Verb = "undeploy"
	VerbAbort    Verb = "abort"
	VerbRescue   Verb = "rescue"
	VerbUnrescue Verb = "unrescue"
	VerbAdopt    Verb = "adopt"
)

// ProvisionRequest asks for a provisioning action on a node.
type ProvisionRequest struct {
	Target      Verb   `json:"target"`
	CleanSteps  []Step `json:"clean_steps,omitempty"`
	DeploySteps []Step `json:"deploy_steps,omitempty"`

	// RescuePassword is handed to the rescue ramdisk
	RescuePassword string `json:"rescue_password,omitempty"`

	// DisableRamdisk runs manual clean steps without booting the agent
	// ramdisk. Only steps that need no agent may be requested.
	DisableRamdisk bool `json:"disable_ramdisk,omitempty"`
}

// PowerRequest asks for a power action on a node.
type PowerRequest struct {
	Target PowerTarget `json:"target"`
}

// MaintenanceRequest toggles maintenance mode.
type MaintenanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

// NodePatch is the externally writable subset of a node.
type NodePatch struct {
	Name         *string           `json:"name,omitempty"`
	ChassisUUID  *string           `json:"chassis_uuid,omitempty"`
	Interfaces   *Interfaces       `json:"interfaces,omitempty"`
	DriverInfo   map[string]string `json:"driver_info,omitempty"`
	InstanceInfo map[string]string `json:"instance_info,omitempty"`
}

// HeartbeatStatus is the agent's view of the running step.
type HeartbeatStatus string

const (
	HeartbeatInProgress HeartbeatStatus = "in-progress"
	HeartbeatSucceeded  HeartbeatStatus = "succeeded"
	HeartbeatFailed     HeartbeatStatus = "failed"
)

// HeartbeatRequest is posted by in-band agents.
type HeartbeatRequest struct {
	AgentToken   string          `json:"agent_token"`
	CallbackURL  string          `json:"callback_url,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	Status       HeartbeatStatus `json:"status,omitempty"`
	Error        string          `json:"error,omitempty"`

	// Result carries step output such as inventory data
	Result map[string]string `json:"result,omitempty"`
}

// NodeList wraps a list of nodes.
type NodeList struct {
	Nodes []Node `json:"nodes"`
}

// PortList wraps a list of ports.
type PortList struct {
	Ports []Port `json:"ports"`
}

// PortGroupList wraps a list of port groups.
type PortGroupList struct {
	PortGroups []PortGroup `json:"portgroups"`
}

// ChassisList wraps a list of chassis.
type ChassisList struct {
	Chassis []Chassis `json:"chassis"`
}

// StepList wraps the steps available for a node.
type StepList struct {
	Steps []StepInfo `json:"steps"`
}

// InterfaceList maps each capability to its registered implementations.
type InterfaceList struct {
	Interfaces map[InterfaceType][]string `json:"interfaces"`
	Defaults   Interfaces                 `json:"defaults"`
}

// VendorMethodInfo describes a vendor passthru method.
type VendorMethodInfo struct {
	Name        string   `json:"name"`
	HTTPMethods []string `json:"http_methods"`
	Async       bool     `json:"async"`
	Description string   `json:"description,omitempty"`
}

// Conductor is a member of the conductor ring.
type Conductor struct {
	Name     string `json:"name"`
	Alive    bool   `json:"alive"`
	LastSeen string `json:"last_seen,omitempty"`
}

// ConductorList wraps the ring membership.
type ConductorList struct {
	Conductors []Conductor `json:"conductors"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
