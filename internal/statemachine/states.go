// Package statemachine implements the node provisioning lifecycle.
//
// The machine is a static transition table keyed by (state, event). Operator
// verbs map to events of the same name; the conductor drives the internal
// events done, fail, wait and resume while a flow executes.
package statemachine

import (
	"fmt"
	"slices"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Event triggers a transition.
type Event string

const (
	EventManage   Event = "manage"
	EventProvide  Event = "provide"
	EventInspect  Event = "inspect"
	EventClean    Event = "clean"
	EventDeploy   Event = "deploy"
	EventRebuild  Event = "rebuild"
	EventDeleted  Event = "deleted"
	EventAbort    Event = "abort"
	EventRescue   Event = "rescue"
	EventUnrescue Event = "unrescue"
	EventAdopt    Event = "adopt"

	EventDone   Event = "done"
	EventFail   Event = "fail"
	EventWait   Event = "wait"
	EventResume Event = "resume"
)

// EventFor maps an operator verb to its event.
func EventFor(v v1alpha1.Verb) (Event, error) {
	switch v {
	case v1alpha1.VerbManage:
		return EventManage, nil
	case v1alpha1.VerbProvide:
		return EventProvide, nil
	case v1alpha1.VerbInspect:
		return EventInspect, nil
	case v1alpha1.VerbClean:
		return EventClean, nil
	case v1alpha1.VerbDeploy:
		return EventDeploy, nil
	case v1alpha1.VerbRebuild:
		return EventRebuild, nil
	case v1alpha1.VerbDeleted, v1alpha1.VerbUndeploy:
		return EventDeleted, nil
	case v1alpha1.VerbAbort:
		return EventAbort, nil
	case v1alpha1.VerbRescue:
		return EventRescue, nil
	case v1alpha1.VerbUnrescue:
		return EventUnrescue, nil
	case v1alpha1.VerbAdopt:
		return EventAdopt, nil
	}
	return "", fmt.Errorf("unknown provision verb %q", v)
}

var stableStates = []v1alpha1.ProvisionState{
	v1alpha1.StateEnroll,
	v1alpha1.StateManageable,
	v1alpha1.StateAvailable,
	v1alpha1.StateActive,
	v1alpha1.StateRescue,
	v1alpha1.StateInspectFailed,
	v1alpha1.StateCleanFailed,
	v1alpha1.StateDeployFailed,
	v1alpha1.StateError,
	v1alpha1.StateRescueFailed,
	v1alpha1.StateUnrescueFailed,
	v1alpha1.StateAdoptFailed,
}

var failureStates = []v1alpha1.ProvisionState{
	v1alpha1.StateInspectFailed,
	v1alpha1.StateCleanFailed,
	v1alpha1.StateDeployFailed,
	v1alpha1.StateError,
	v1alpha1.StateRescueFailed,
	v1alpha1.StateUnrescueFailed,
	v1alpha1.StateAdoptFailed,
}

// waitOf maps a running state to the state it parks in while an agent works.
var waitOf = map[v1alpha1.ProvisionState]v1alpha1.ProvisionState{
	v1alpha1.StateInspecting: v1alpha1.StateInspectWait,
	v1alpha1.StateCleaning:   v1alpha1.StateCleanWait,
	v1alpha1.StateDeploying:  v1alpha1.StateDeployWait,
	v1alpha1.StateRescuing:   v1alpha1.StateRescueWait,
}

// kindOf maps each running or wait state to the step kind it executes.
var kindOf = map[v1alpha1.ProvisionState]v1alpha1.StepKind{
	v1alpha1.StateVerifying:   v1alpha1.StepKindVerify,
	v1alpha1.StateInspecting:  v1alpha1.StepKindInspect,
	v1alpha1.StateInspectWait: v1alpha1.StepKindInspect,
	v1alpha1.StateCleaning:    v1alpha1.StepKindClean,
	v1alpha1.StateCleanWait:   v1alpha1.StepKindClean,
	v1alpha1.StateDeploying:   v1alpha1.StepKindDeploy,
	v1alpha1.StateDeployWait:  v1alpha1.StepKindDeploy,
	v1alpha1.StateDeleting:    v1alpha1.StepKindDelete,
	v1alpha1.StateRescuing:    v1alpha1.StepKindRescue,
	v1alpha1.StateRescueWait:  v1alpha1.StepKindRescue,
	v1alpha1.StateUnrescuing:  v1alpha1.StepKindUnrescue,
	v1alpha1.StateAdopting:    v1alpha1.StepKindAdopt,
}

// IsStable reports whether no operation is pending in state.
func IsStable(state v1alpha1.ProvisionState) bool {
	return slices.Contains(stableStates, state)
}

// IsTransient reports whether state requires an active task.
func IsTransient(state v1alpha1.ProvisionState) bool {
	_, ok := kindOf[state]
	return ok
}

// IsWait reports whether state is parked on an agent callback.
func IsWait(state v1alpha1.ProvisionState) bool {
	for _, w := range waitOf {
		if w == state {
			return true
		}
	}
	return false
}

// IsFailure reports whether state is a stable error state.
func IsFailure(state v1alpha1.ProvisionState) bool {
	return slices.Contains(failureStates, state)
}

// WaitState returns the wait state of a running state.
func WaitState(state v1alpha1.ProvisionState) (v1alpha1.ProvisionState, bool) {
	w, ok := waitOf[state]
	return w, ok
}

// KindOf returns the step kind executed in a transient state.
func KindOf(state v1alpha1.ProvisionState) (v1alpha1.StepKind, bool) {
	k, ok := kindOf[state]
	return k, ok
}

// FailureState returns where a flow running in state lands when it fails.
// Stable states map to themselves.
func FailureState(state v1alpha1.ProvisionState) v1alpha1.ProvisionState {
	if tr, ok := table[state][EventFail]; ok {
		return tr.to
	}
	return state
}

// States returns every known provision state.
func States() []v1alpha1.ProvisionState {
	seen := map[v1alpha1.ProvisionState]bool{}
	var out []v1alpha1.ProvisionState
	add := func(s v1alpha1.ProvisionState) {
		if s != toTarget && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range stableStates {
		add(s)
	}
	for from, evs := range table {
		add(from)
		for _, tr := range evs {
			add(tr.to)
		}
	}
	slices.Sort(out)
	return out
}
