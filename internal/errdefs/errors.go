// Package errdefs defines the conductor's error taxonomy.
//
// Callers classify errors with errors.Is against the sentinels below. Typed
// errors such as LockedError and StepError carry detail and still match
// their sentinel.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a node, port or chassis does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing data.
	ErrConflict = errors.New("conflict")
	// ErrInvalidParameter is returned for malformed requests.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidStateTransition is returned before any side effect when a
	// requested transition is not in the transition table.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrBusy is returned when another conductor holds the node reservation.
	ErrBusy = errors.New("node is locked by another conductor")
	// ErrNotOwner is returned when this conductor is not mapped to the node.
	ErrNotOwner = errors.New("conductor does not own node")
	// ErrNoFreeWorker is returned when the worker pool is saturated.
	ErrNoFreeWorker = errors.New("no free conductor worker")
	// ErrNodeInMaintenance is returned for actions refused in maintenance mode.
	ErrNodeInMaintenance = errors.New("node is in maintenance mode")

	// ErrStepFailed marks a failure reported by an executing step.
	ErrStepFailed = errors.New("step failed")
	// ErrTimeout marks an async step whose callback window elapsed.
	ErrTimeout = errors.New("timeout waiting for agent callback")
	// ErrOwnerLost marks a reservation abandoned by a dead conductor.
	ErrOwnerLost = errors.New("reservation owner lost")
	// ErrAborted marks a flow stopped by an operator abort.
	ErrAborted = errors.New("aborted by operator")

	// ErrInvalidToken is returned when a heartbeat presents a stale token.
	ErrInvalidToken = errors.New("invalid agent token")
	// ErrUnsupported is returned when a bound implementation lacks an action.
	ErrUnsupported = errors.New("unsupported by bound interface")
)

// LockedError reports the holder of a contended reservation.
type LockedError struct {
	Node   string
	Holder string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("node %s is locked by conductor %s", e.Node, e.Holder)
}

// Is matches ErrBusy.
func (e *LockedError) Is(target error) bool {
	return target == ErrBusy
}

// TransitionError reports a rejected transition.
type TransitionError struct {
	From  string
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Event, e.From)
}

// Is matches ErrInvalidStateTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// StepError reports which step failed and why.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Is matches ErrStepFailed in addition to the wrapped cause.
func (e *StepError) Is(target error) bool {
	return target == ErrStepFailed
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrNotOwner) || errors.Is(err, ErrNoFreeWorker)
}

// Code returns a stable machine readable name for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidStateTransition):
		return "InvalidStateTransition"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrNotOwner):
		return "NotOwner"
	case errors.Is(err, ErrNoFreeWorker):
		return "NoFreeWorker"
	case errors.Is(err, ErrNodeInMaintenance):
		return "NodeInMaintenance"
	case errors.Is(err, ErrInvalidToken):
		return "InvalidToken"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrInvalidParameter):
		return "InvalidParameter"
	case errors.Is(err, ErrUnsupported):
		return "Unsupported"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrOwnerLost):
		return "OwnerLost"
	case errors.Is(err, ErrStepFailed):
		return "StepFailed"
	}
	return "Internal"
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "NotFound":
		return http.StatusNotFound
	case "InvalidStateTransition", "InvalidParameter", "NodeInMaintenance", "Unsupported":
		return http.StatusBadRequest
	case "Busy", "Conflict":
		return http.StatusConflict
	case "NotOwner", "NoFreeWorker":
		return http.StatusServiceUnavailable
	case "InvalidToken":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

var codes = map[string]error{
	"NotFound":               ErrNotFound,
	"InvalidStateTransition": ErrInvalidStateTransition,
	"Busy":                   ErrBusy,
	"NotOwner":               ErrNotOwner,
	"NoFreeWorker":           ErrNoFreeWorker,
	"NodeInMaintenance":      ErrNodeInMaintenance,
	"InvalidToken":           ErrInvalidToken,
	"Conflict":               ErrConflict,
	"InvalidParameter":       ErrInvalidParameter,
	"Unsupported":            ErrUnsupported,
	"Timeout":                ErrTimeout,
	"OwnerLost":              ErrOwnerLost,
	"StepFailed":             ErrStepFailed,
}

// FromCode returns the sentinel named by code, the inverse of Code. Unknown
// codes return nil.
func FromCode(code string) error {
	return codes[code]
}
