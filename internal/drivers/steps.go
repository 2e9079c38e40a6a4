package drivers

import (
	"context"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Well-known node keys shared by the conductor and implementations.
const (
	// InstanceInfoImageSource is the image reference to deploy.
	InstanceInfoImageSource   = "image_source"
	InstanceInfoImageChecksum = "image_checksum"
	// InstanceInfoRescuePassword holds the password the rescue ramdisk sets.
	InstanceInfoRescuePassword = "rescue_password"
	// ExtraDisableRamdisk marks a manual clean that runs without the agent.
	ExtraDisableRamdisk = "disable_ramdisk"
)

// StepResult is the outcome of invoking a step.
type StepResult int

const (
	// Done means the step finished; continue with the next one.
	Done StepResult = iota
	// Async means an in-band agent continues the work and reports back
	// through a heartbeat.
	Async
	// Failed aborts the remaining steps.
	Failed
	// Skipped means the step had nothing to do.
	Skipped
)

func (r StepResult) String() string {
	switch r {
	case Done:
		return "done"
	case Async:
		return "async"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// StepContext is handed to a running step.
type StepContext struct {
	// Node is the task's working copy. Changes are persisted after the step
	// returns.
	Node *v1alpha1.Node
	// Binding gives access to the node's other capabilities.
	Binding *Binding
	// Step is the resolved step including its arguments.
	Step v1alpha1.Step
	// AgentToken is the freshness token issued for this step. An agent
	// must present it on every heartbeat.
	AgentToken string
	// Heartbeat is the agent report that resumed an async step. It is nil
	// on the initial invocation.
	Heartbeat *v1alpha1.HeartbeatRequest
}

// StepFunc runs or polls a step.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// StepDefinition declares a step offered by a capability implementation.
type StepDefinition struct {
	Kind      v1alpha1.StepKind
	Name      string
	Priority  int
	Abortable bool

	// Timeout bounds how long an async step may wait for its callback.
	// Zero uses the configured default for the kind.
	Timeout time.Duration

	Args map[string]v1alpha1.StepArg

	Run StepFunc
	// Poll resolves an async step when a heartbeat arrives. When nil the
	// heartbeat status decides the outcome.
	Poll StepFunc
}
