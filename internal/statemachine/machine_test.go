package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

func TestNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		from       v1alpha1.ProvisionState
		target     v1alpha1.ProvisionState
		event      Event
		wantState  v1alpha1.ProvisionState
		wantTarget v1alpha1.ProvisionState
	}{
		{"manage from enroll", v1alpha1.StateEnroll, "", EventManage, v1alpha1.StateVerifying, v1alpha1.StateManageable},
		{"verify done", v1alpha1.StateVerifying, v1alpha1.StateManageable, EventDone, v1alpha1.StateManageable, ""},
		{"verify fail returns to enroll", v1alpha1.StateVerifying, v1alpha1.StateManageable, EventFail, v1alpha1.StateEnroll, ""},
		{"provide starts cleaning", v1alpha1.StateManageable, "", EventProvide, v1alpha1.StateCleaning, v1alpha1.StateAvailable},
		{"automated clean done", v1alpha1.StateCleaning, v1alpha1.StateAvailable, EventDone, v1alpha1.StateAvailable, ""},
		{"manual clean done", v1alpha1.StateCleanWait, v1alpha1.StateManageable, EventDone, v1alpha1.StateManageable, ""},
		{"clean wait keeps target", v1alpha1.StateCleaning, v1alpha1.StateAvailable, EventWait, v1alpha1.StateCleanWait, v1alpha1.StateAvailable},
		{"clean resume", v1alpha1.StateCleanWait, v1alpha1.StateAvailable, EventResume, v1alpha1.StateCleaning, v1alpha1.StateAvailable},
		{"deploy", v1alpha1.StateAvailable, "", EventDeploy, v1alpha1.StateDeploying, v1alpha1.StateActive},
		{"deploy done", v1alpha1.StateDeployWait, v1alpha1.StateActive, EventDone, v1alpha1.StateActive, ""},
		{"deploy abort", v1alpha1.StateDeployWait, v1alpha1.StateActive, EventAbort, v1alpha1.StateDeployFailed, ""},
		{"delete goes to cleaning", v1alpha1.StateDeleting, v1alpha1.StateAvailable, EventDone, v1alpha1.StateCleaning, v1alpha1.StateAvailable},
		{"delete fail", v1alpha1.StateDeleting, v1alpha1.StateAvailable, EventFail, v1alpha1.StateError, ""},
		{"rescue", v1alpha1.StateActive, "", EventRescue, v1alpha1.StateRescuing, v1alpha1.StateRescue},
		{"unrescue", v1alpha1.StateRescue, "", EventUnrescue, v1alpha1.StateUnrescuing, v1alpha1.StateActive},
		{"adopt", v1alpha1.StateManageable, "", EventAdopt, v1alpha1.StateAdopting, v1alpha1.StateActive},
		{"manage after clean failure", v1alpha1.StateCleanFailed, "", EventManage, v1alpha1.StateManageable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state, target, err := Next(tt.from, tt.target, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantTarget, target)
		})
	}
}

func TestNextRejectsUnknownTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from  v1alpha1.ProvisionState
		event Event
	}{
		{v1alpha1.StateEnroll, EventDeploy},
		{v1alpha1.StateActive, EventProvide},
		{v1alpha1.StateCleanFailed, EventProvide},
		{v1alpha1.StateDeploying, EventAbort},
		{v1alpha1.StateAvailable, EventDone},
	}

	for _, tt := range tests {
		_, _, err := Next(tt.from, "", tt.event)
		assert.ErrorIs(t, err, errdefs.ErrInvalidStateTransition, "%s -> %s", tt.from, tt.event)
	}
}

func TestEveryTransientStateCanFail(t *testing.T) {
	t.Parallel()

	for _, s := range States() {
		if !IsTransient(s) {
			continue
		}
		assert.True(t, Can(s, EventFail), "transient state %q has no fail edge", s)
		assert.True(t, IsFailure(FailureState(s)) || FailureState(s) == v1alpha1.StateEnroll,
			"transient state %q fails into %q", s, FailureState(s))
	}
}

func TestWaitStatesAcceptResumeAndAbort(t *testing.T) {
	t.Parallel()

	for _, s := range States() {
		if !IsWait(s) {
			continue
		}
		assert.True(t, IsTransient(s))
		assert.True(t, Can(s, EventResume), s)
		assert.True(t, Can(s, EventAbort), s)
	}
}

func TestStableAndTransientArePartition(t *testing.T) {
	t.Parallel()

	for _, s := range States() {
		assert.NotEqual(t, IsStable(s), IsTransient(s), "state %q", s)
	}
}

func TestFailedStatesExitOnlyByOperatorVerbs(t *testing.T) {
	t.Parallel()

	internal := []Event{EventDone, EventFail, EventWait, EventResume}
	for _, s := range States() {
		if !IsFailure(s) {
			continue
		}
		for _, ev := range internal {
			assert.False(t, Can(s, ev), "failure state %q accepts internal event %q", s, ev)
		}
	}
}

func TestFire(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	node := &v1alpha1.Node{ProvisionState: v1alpha1.StateAvailable}

	require.NoError(t, Fire(node, EventDeploy, now))
	assert.Equal(t, v1alpha1.StateDeploying, node.ProvisionState)
	assert.Equal(t, v1alpha1.StateActive, node.TargetProvisionState)
	require.NotNil(t, node.ProvisionUpdatedAt)
	assert.Equal(t, now, *node.ProvisionUpdatedAt)

	err := Fire(node, EventProvide, now)
	require.ErrorIs(t, err, errdefs.ErrInvalidStateTransition)
	assert.Equal(t, v1alpha1.StateDeploying, node.ProvisionState, "rejected transition must not mutate")
}

func TestEventFor(t *testing.T) {
	t.Parallel()

	ev, err := EventFor(v1alpha1.VerbUndeploy)
	require.NoError(t, err)
	assert.Equal(t, EventDeleted, ev)

	_, err = EventFor("explode")
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	k, ok := KindOf(v1alpha1.StateCleanWait)
	require.True(t, ok)
	assert.Equal(t, v1alpha1.StepKindClean, k)

	_, ok = KindOf(v1alpha1.StateActive)
	assert.False(t, ok)

	w, ok := WaitState(v1alpha1.StateDeploying)
	require.True(t, ok)
	assert.Equal(t, v1alpha1.StateDeployWait, w)
}
