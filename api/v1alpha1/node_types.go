// Package v1alpha1 contains the public data model of the metal conductor API.
package v1alpha1

import "time"

// ProvisionState is a node's position in the provisioning lifecycle.
type ProvisionState string

const (
	// StateNone is used as the target when no operation is pending.
	StateNone ProvisionState = ""

	StateEnroll     ProvisionState = "enroll"
	StateVerifying  ProvisionState = "verifying"
	StateManageable ProvisionState = "manageable"

	StateInspecting    ProvisionState = "inspecting"
	StateInspectWait   ProvisionState = "inspect wait"
	StateInspectFailed ProvisionState = "inspect failed"

	StateCleaning    ProvisionState = "cleaning"
	StateCleanWait   ProvisionState = "clean wait"
	StateCleanFailed ProvisionState = "clean failed"

	StateAvailable ProvisionState = "available"

	StateDeploying    ProvisionState = "deploying"
	StateDeployWait   ProvisionState = "deploy wait"
	StateDeployFailed ProvisionState = "deploy failed"

	StateActive   ProvisionState = "active"
	StateDeleting ProvisionState = "deleting"
	StateError    ProvisionState = "error"

	StateRescuing     ProvisionState = "rescuing"
	StateRescueWait   ProvisionState = "rescue wait"
	StateRescueFailed ProvisionState = "rescue failed"
	StateRescue       ProvisionState = "rescue"

	StateUnrescuing     ProvisionState = "unrescuing"
	StateUnrescueFailed ProvisionState = "unrescue failed"

	StateAdopting    ProvisionState = "adopting"
	StateAdoptFailed ProvisionState = "adopt failed"
)

// PowerState is the last observed power state of a node.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// PowerTarget is a requested power action.
type PowerTarget string

const (
	PowerTargetOn     PowerTarget = "on"
	PowerTargetOff    PowerTarget = "off"
	PowerTargetReboot PowerTarget = "reboot"
)

// InterfaceType names a hardware capability.
type InterfaceType string

const (
	InterfacePower      InterfaceType = "power"
	InterfaceBoot       InterfaceType = "boot"
	InterfaceDeploy     InterfaceType = "deploy"
	InterfaceManagement InterfaceType = "management"
	InterfaceInspect    InterfaceType = "inspect"
	InterfaceRAID       InterfaceType = "raid"
	InterfaceConsole    InterfaceType = "console"
	InterfaceVendor     InterfaceType = "vendor"
)

// InterfaceOrder is the declaration order of capabilities. Steps with equal
// priority run in this order.
var InterfaceOrder = []InterfaceType{
	InterfacePower,
	InterfaceBoot,
	InterfaceDeploy,
	InterfaceManagement,
	InterfaceInspect,
	InterfaceRAID,
	InterfaceConsole,
	InterfaceVendor,
}

// Interfaces selects one implementation name per capability.
type Interfaces struct {
	Power      string `json:"power,omitempty"`
	Boot       string `json:"boot,omitempty"`
	Deploy     string `json:"deploy,omitempty"`
	Management string `json:"management,omitempty"`
	Inspect    string `json:"inspect,omitempty"`
	RAID       string `json:"raid,omitempty"`
	Console    string `json:"console,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
}

// Get returns the implementation name bound for the given capability.
func (i Interfaces) Get(t InterfaceType) string {
	switch t {
	case InterfacePower:
		return i.Power
	case InterfaceBoot:
		return i.Boot
	case InterfaceDeploy:
		return i.Deploy
	case InterfaceManagement:
		return i.Management
	case InterfaceInspect:
		return i.Inspect
	case InterfaceRAID:
		return i.RAID
	case InterfaceConsole:
		return i.Console
	case InterfaceVendor:
		return i.Vendor
	}
	return ""
}

// Set binds the implementation name for the given capability.
func (i *Interfaces) Set(t InterfaceType, name string) {
	switch t {
	case InterfacePower:
		i.Power = name
	case InterfaceBoot:
		i.Boot = name
	case InterfaceDeploy:
		i.Deploy = name
	case InterfaceManagement:
		i.Management = name
	case InterfaceInspect:
		i.Inspect = name
	case InterfaceRAID:
		i.RAID = name
	case InterfaceConsole:
		i.Console = name
	case InterfaceVendor:
		i.Vendor = name
	}
}

// Node is a managed physical server.
type Node struct {
	// UUID is the immutable identifier assigned at enrollment
	UUID string `json:"uuid"`

	// Name is an optional hostname-like alias, immutable once set
	Name string `json:"name,omitempty"`

	// ChassisUUID links the node to an organizational chassis
	ChassisUUID string `json:"chassis_uuid,omitempty"`

	// Interfaces binds the node to capability implementations
	Interfaces Interfaces `json:"interfaces"`

	ProvisionState       ProvisionState `json:"provision_state"`
	TargetProvisionState ProvisionState `json:"target_provision_state,omitempty"`
	ProvisionUpdatedAt   *time.Time     `json:"provision_updated_at,omitempty"`

	PowerState PowerState `json:"power_state"`

	Maintenance       bool   `json:"maintenance"`
	MaintenanceReason string `json:"maintenance_reason,omitempty"`

	// DriverInfo holds management credentials and addresses used by drivers
	DriverInfo map[string]string `json:"driver_info,omitempty"`

	// DriverInternalInfo is scratch state owned by the conductor
	DriverInternalInfo DriverInternalInfo `json:"driver_internal_info"`

	// InstanceInfo holds the desired deployment parameters
	InstanceInfo map[string]string `json:"instance_info,omitempty"`

	// LastError is a human readable cause of the last failure
	LastError string `json:"last_error,omitempty"`

	// Reservation names the conductor holding the node lock
	Reservation string `json:"reservation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision increases on every write
	Revision int64 `json:"revision"`
}

// Ident returns the name if set, otherwise the UUID.
func (n *Node) Ident() string {
	if n.Name != "" {
		return n.Name
	}
	return n.UUID
}

// DeepCopy returns a copy sharing no mutable state with n.
func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.DriverInfo = copyStrings(n.DriverInfo)
	out.InstanceInfo = copyStrings(n.InstanceInfo)
	out.DriverInternalInfo = n.DriverInternalInfo.DeepCopy()
	if n.ProvisionUpdatedAt != nil {
		t := *n.ProvisionUpdatedAt
		out.ProvisionUpdatedAt = &t
	}
	return &out
}

// DriverInternalInfo carries the persisted execution cursor of the
// in-flight task and driver scratch values.
type DriverInternalInfo struct {
	// StepKind is the kind of the executing step sequence
	StepKind StepKind `json:"step_kind,omitempty"`

	// Steps is the ordered sequence chosen when the task started
	Steps []Step `json:"steps,omitempty"`

	// StepIndex points at the step currently running, -1 before the first step
	StepIndex int `json:"step_index"`

	// AgentTokenHash is the hash of the token issued for the running step
	AgentTokenHash string `json:"agent_token_hash,omitempty"`

	// RetiredTokenHashes holds the hashes issued to earlier steps of the sequence
	RetiredTokenHashes []string `json:"retired_token_hashes,omitempty"`

	StepStartedAt *time.Time `json:"step_started_at,omitempty"`
	AsyncDeadline *time.Time `json:"async_deadline,omitempty"`

	// AbortRequested is honored before the next step starts
	AbortRequested bool `json:"abort_requested,omitempty"`

	AgentURL      string     `json:"agent_url,omitempty"`
	AgentVersion  string     `json:"agent_version,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Extra is scratch space for capability implementations
	Extra map[string]string `json:"extra,omitempty"`
}

// CurrentStep returns the step under the cursor.
func (d *DriverInternalInfo) CurrentStep() (Step, bool) {
	if d.StepIndex < 0 || d.StepIndex >= len(d.Steps) {
		return Step{}, false
	}
	return d.Steps[d.StepIndex], true
}

// ClearSteps drops the execution cursor and everything tied to it.
func (d *DriverInternalInfo) ClearSteps() {
	d.StepKind = ""
	d.Steps = nil
	d.StepIndex = -1
	d.AgentTokenHash = ""
	d.RetiredTokenHashes = nil
	d.StepStartedAt = nil
	d.AsyncDeadline = nil
	d.AbortRequested = false
}

// DeepCopy returns a copy sharing no mutable state with d.
func (d DriverInternalInfo) DeepCopy() DriverInternalInfo {
	out := d
	if d.Steps != nil {
		out.Steps = make([]Step, len(d.Steps))
		for i := range d.Steps {
			out.Steps[i] = d.Steps[i].DeepCopy()
		}
	}
	if d.RetiredTokenHashes != nil {
		out.RetiredTokenHashes = append([]string(nil), d.RetiredTokenHashes...)
	}
	out.Extra = copyStrings(d.Extra)
	out.StepStartedAt = copyTime(d.StepStartedAt)
	out.AsyncDeadline = copyTime(d.AsyncDeadline)
	out.LastHeartbeat = copyTime(d.LastHeartbeat)
	return out
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
