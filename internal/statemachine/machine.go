package statemachine

import (
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// toTarget resolves to the node's target_provision_state when fired.
const toTarget v1alpha1.ProvisionState = "<target>"

type transition struct {
	to     v1alpha1.ProvisionState
	target v1alpha1.ProvisionState
}

type edges = map[Event]transition

var table = map[v1alpha1.ProvisionState]edges{
	v1alpha1.StateEnroll: {
		EventManage: {to: v1alpha1.StateVerifying, target: v1alpha1.StateManageable},
	},
	v1alpha1.StateVerifying: {
		EventDone: {to: v1alpha1.StateManageable},
		EventFail: {to: v1alpha1.StateEnroll},
	},
	v1alpha1.StateManageable: {
		EventProvide: {to: v1alpha1.StateCleaning, target: v1alpha1.StateAvailable},
		EventInspect: {to: v1alpha1.StateInspecting, target: v1alpha1.StateManageable},
		EventClean:   {to: v1alpha1.StateCleaning, target: v1alpha1.StateManageable},
		EventAdopt:   {to: v1alpha1.StateAdopting, target: v1alpha1.StateActive},
	},

	v1alpha1.StateInspecting: {
		EventDone: {to: v1alpha1.StateManageable},
		EventFail: {to: v1alpha1.StateInspectFailed},
		EventWait: {to: v1alpha1.StateInspectWait},
	},
	v1alpha1.StateInspectWait: {
		EventResume: {to: v1alpha1.StateInspecting},
		EventDone:   {to: v1alpha1.StateManageable},
		EventFail:   {to: v1alpha1.StateInspectFailed},
		EventAbort:  {to: v1alpha1.StateInspectFailed},
	},
	v1alpha1.StateInspectFailed: {
		EventManage:  {to: v1alpha1.StateManageable},
		EventInspect: {to: v1alpha1.StateInspecting, target: v1alpha1.StateManageable},
	},

	v1alpha1.StateCleaning: {
		EventDone: {to: toTarget},
		EventFail: {to: v1alpha1.StateCleanFailed},
		EventWait: {to: v1alpha1.StateCleanWait},
	},
	v1alpha1.StateCleanWait: {
		EventResume: {to: v1alpha1.StateCleaning},
		EventDone:   {to: toTarget},
		EventFail:   {to: v1alpha1.StateCleanFailed},
		EventAbort:  {to: v1alpha1.StateCleanFailed},
	},
	v1alpha1.StateCleanFailed: {
		EventManage: {to: v1alpha1.StateManageable},
	},

	v1alpha1.StateAvailable: {
		EventDeploy: {to: v1alpha1.StateDeploying, target: v1alpha1.StateActive},
		EventManage: {to: v1alpha1.StateManageable},
	},

	v1alpha1.StateDeploying: {
		EventDone: {to: v1alpha1.StateActive},
		EventFail: {to: v1alpha1.StateDeployFailed},
		EventWait: {to: v1alpha1.StateDeployWait},
	},
	v1alpha1.StateDeployWait: {
		EventResume:  {to: v1alpha1.StateDeploying},
		EventDone:    {to: v1alpha1.StateActive},
		EventFail:    {to: v1alpha1.StateDeployFailed},
		EventAbort:   {to: v1alpha1.StateDeployFailed},
		EventDeleted: {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
	},
	v1alpha1.StateDeployFailed: {
		EventDeploy:  {to: v1alpha1.StateDeploying, target: v1alpha1.StateActive},
		EventRebuild: {to: v1alpha1.StateDeploying, target: v1alpha1.StateActive},
		EventDeleted: {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
	},

	v1alpha1.StateActive: {
		EventRebuild: {to: v1alpha1.StateDeploying, target: v1alpha1.StateActive},
		EventDeleted: {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
		EventRescue:  {to: v1alpha1.StateRescuing, target: v1alpha1.StateRescue},
	},
	v1alpha1.StateDeleting: {
		EventDone: {to: v1alpha1.StateCleaning, target: v1alpha1.StateAvailable},
		EventFail: {to: v1alpha1.StateError},
	},
	v1alpha1.StateError: {
		EventDeleted: {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
		EventRebuild: {to: v1alpha1.StateDeploying, target: v1alpha1.StateActive},
	},

	v1alpha1.StateRescuing: {
		EventDone: {to: v1alpha1.StateRescue},
		EventFail: {to: v1alpha1.StateRescueFailed},
		EventWait: {to: v1alpha1.StateRescueWait},
	},
	v1alpha1.StateRescueWait: {
		EventResume: {to: v1alpha1.StateRescuing},
		EventDone:   {to: v1alpha1.StateRescue},
		EventFail:   {to: v1alpha1.StateRescueFailed},
		EventAbort:  {to: v1alpha1.StateRescueFailed},
	},
	v1alpha1.StateRescue: {
		EventRescue:   {to: v1alpha1.StateRescuing, target: v1alpha1.StateRescue},
		EventUnrescue: {to: v1alpha1.StateUnrescuing, target: v1alpha1.StateActive},
		EventDeleted:  {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
	},
	v1alpha1.StateRescueFailed: {
		EventRescue:   {to: v1alpha1.StateRescuing, target: v1alpha1.StateRescue},
		EventUnrescue: {to: v1alpha1.StateUnrescuing, target: v1alpha1.StateActive},
		EventDeleted:  {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
	},
	v1alpha1.StateUnrescuing: {
		EventDone: {to: v1alpha1.StateActive},
		EventFail: {to: v1alpha1.StateUnrescueFailed},
	},
	v1alpha1.StateUnrescueFailed: {
		EventRescue:   {to: v1alpha1.StateRescuing, target: v1alpha1.StateRescue},
		EventUnrescue: {to: v1alpha1.StateUnrescuing, target: v1alpha1.StateActive},
		EventDeleted:  {to: v1alpha1.StateDeleting, target: v1alpha1.StateAvailable},
	},

	v1alpha1.StateAdopting: {
		EventDone: {to: v1alpha1.StateActive},
		EventFail: {to: v1alpha1.StateAdoptFailed},
	},
	v1alpha1.StateAdoptFailed: {
		EventAdopt:  {to: v1alpha1.StateAdopting, target: v1alpha1.StateActive},
		EventManage: {to: v1alpha1.StateManageable},
	},
}

// Next returns the state and target reached by firing ev in from. target is
// the node's current target_provision_state.
func Next(from, target v1alpha1.ProvisionState, ev Event) (v1alpha1.ProvisionState, v1alpha1.ProvisionState, error) {
	tr, ok := table[from][ev]
	if !ok {
		return "", "", &errdefs.TransitionError{From: string(from), Event: string(ev)}
	}

	to := tr.to
	if to == toTarget {
		to = target
		if to == v1alpha1.StateNone {
			to = v1alpha1.StateAvailable
		}
	}

	newTarget := target
	if tr.target != v1alpha1.StateNone {
		newTarget = tr.target
	}
	if IsStable(to) {
		newTarget = v1alpha1.StateNone
	}
	return to, newTarget, nil
}

// Can reports whether ev is accepted in state.
func Can(state v1alpha1.ProvisionState, ev Event) bool {
	_, ok := table[state][ev]
	return ok
}

// Fire applies ev to node in place and stamps the transition time.
func Fire(node *v1alpha1.Node, ev Event, now time.Time) error {
	to, target, err := Next(node.ProvisionState, node.TargetProvisionState, ev)
	if err != nil {
		return err
	}
	node.ProvisionState = to
	node.TargetProvisionState = target
	node.ProvisionUpdatedAt = &now
	return nil
}

// Events returns the events accepted in state.
func Events(state v1alpha1.ProvisionState) []Event {
	out := make([]Event, 0, len(table[state]))
	for ev := range table[state] {
		out = append(out, ev)
	}
	return out
}
