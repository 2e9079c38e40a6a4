package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	locked := fmt.Errorf("acquire: %w", &LockedError{Node: "n1", Holder: "c2"})
	assert.ErrorIs(t, locked, ErrBusy)
	assert.Contains(t, locked.Error(), "c2")

	transition := &TransitionError{From: "active", Event: "provide"}
	assert.ErrorIs(t, transition, ErrInvalidStateTransition)

	stepErr := &StepError{Step: "deploy.write_image", Err: ErrTimeout}
	assert.ErrorIs(t, stepErr, ErrStepFailed)
	assert.ErrorIs(t, stepErr, ErrTimeout)
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", fmt.Errorf("node x: %w", ErrNotFound), http.StatusNotFound},
		{"transition", &TransitionError{From: "enroll", Event: "deploy"}, http.StatusBadRequest},
		{"busy", &LockedError{Node: "n", Holder: "c"}, http.StatusConflict},
		{"not owner", ErrNotOwner, http.StatusServiceUnavailable},
		{"no worker", ErrNoFreeWorker, http.StatusServiceUnavailable},
		{"token", ErrInvalidToken, http.StatusForbidden},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, Retryable(&LockedError{}))
	assert.True(t, Retryable(ErrNotOwner))
	assert.True(t, Retryable(ErrNoFreeWorker))
	assert.False(t, Retryable(ErrInvalidStateTransition))
	assert.False(t, Retryable(nil))
}

func TestFromCodeInvertsCode(t *testing.T) {
	t.Parallel()

	for code, sentinel := range codes {
		assert.Equal(t, code, Code(sentinel))
		assert.Equal(t, sentinel, FromCode(code))
	}
	assert.Nil(t, FromCode("Internal"))
	assert.Nil(t, FromCode(""))
}
