package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/executor"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/steps"
	"github.com/imamik/metalconductor/internal/store"
	"github.com/imamik/metalconductor/internal/task"
)

// inline runs submitted work on the calling goroutine.
type inline struct {
	SubmitFunc func(name string, fn func(context.Context)) error
}

func (d inline) Submit(name string, fn func(context.Context)) error {
	if d.SubmitFunc != nil {
		return d.SubmitFunc(name, fn)
	}
	fn(context.Background())
	return nil
}

type harness struct {
	store  *store.KVStore
	tasks  *task.Manager
	exec   *executor.Executor
	deploy *fake.Deploy
	clock  *testingclock.FakeClock
}

// newHarness parks n1 on its first async deploy step. script replaces the
// default write_image + boot_instance sequence.
func newHarness(t *testing.T, script ...func(d *fake.Deploy)) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	set := fake.NewSet()
	set.Deploy.SetSteps(
		set.Deploy.AsyncStep(v1alpha1.StepKindDeploy, "write_image", 80, false),
		set.Deploy.SyncStep(v1alpha1.StepKindDeploy, "boot_instance", 20),
	)
	for _, fn := range script {
		fn(set.Deploy)
	}
	reg := drivers.NewRegistry()
	require.NoError(t, set.Register(reg))
	members := hashring.NewMembership(clk, 0)
	members.Join("c1")

	s := store.NewMemoryStore(clk)
	require.NoError(t, s.CreateNode(context.Background(), &v1alpha1.Node{
		UUID:               "n1",
		Name:               "rack1-u10",
		Interfaces:         fake.Interfaces(),
		ProvisionState:     v1alpha1.StateAvailable,
		DriverInternalInfo: v1alpha1.DriverInternalInfo{StepIndex: -1},
	}))

	h := &harness{
		store:  s,
		tasks:  task.NewManager("c1", s, members, reg, task.WithClock(clk)),
		exec:   executor.New(steps.NewRegistry(nil), executor.WithClock(clk)),
		deploy: set.Deploy,
		clock:  clk,
	}

	ctx := context.Background()
	tk, err := h.tasks.Acquire(ctx, "n1", "deploy")
	require.NoError(t, err)
	require.NoError(t, tk.Process(statemachine.EventDeploy))
	require.NoError(t, tk.Save(ctx))
	require.NoError(t, h.exec.Start(ctx, tk, h.exec.Steps().Automated(tk.Binding, v1alpha1.StepKindDeploy)))
	return h
}

func (h *harness) router(d Dispatcher) *Router {
	return NewRouter(h.store, h.tasks, h.exec, d, h.clock, nil)
}

func (h *harness) node(t *testing.T) *v1alpha1.Node {
	t.Helper()
	n, err := h.store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	return n
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	return h.node(t).DriverInternalInfo.Extra["fake_token"]
}

func TestHeartbeatResumesFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &notify.Recorder{}
	r := NewRouter(h.store, h.tasks, h.exec, inline{}, h.clock, rec)

	err := r.OnHeartbeat(context.Background(), "rack1-u10", v1alpha1.HeartbeatRequest{
		AgentToken:   h.token(t),
		CallbackURL:  "http://10.0.0.5:9999",
		AgentVersion: "1.4.0",
		Status:       v1alpha1.HeartbeatSucceeded,
	})
	require.NoError(t, err)

	n := h.node(t)
	assert.Equal(t, v1alpha1.StateActive, n.ProvisionState)
	assert.Empty(t, n.Reservation)
	assert.Equal(t, []string{"step:write_image", "step:boot_instance"}, h.deploy.Calls())
	assert.Equal(t, []notify.EventType{notify.EventHeartbeat}, rec.Types())
}

func TestInProgressHeartbeatRecordsAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.router(inline{}).OnHeartbeat(context.Background(), "n1", v1alpha1.HeartbeatRequest{
		AgentToken:  h.token(t),
		CallbackURL: "http://10.0.0.5:9999",
		Status:      v1alpha1.HeartbeatInProgress,
	}))

	n := h.node(t)
	assert.Equal(t, v1alpha1.StateDeployWait, n.ProvisionState)
	assert.Equal(t, "http://10.0.0.5:9999", n.DriverInternalInfo.AgentURL)
	require.NotNil(t, n.DriverInternalInfo.LastHeartbeat)
}

func TestInvalidTokenChangesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	before := h.node(t)

	err := h.router(inline{}).OnHeartbeat(context.Background(), "n1", v1alpha1.HeartbeatRequest{
		AgentToken: "stale",
		Status:     v1alpha1.HeartbeatSucceeded,
	})
	assert.ErrorIs(t, err, errdefs.ErrInvalidToken)
	assert.Equal(t, before, h.node(t))
}

func TestDuplicateHeartbeatIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	r := h.router(inline{})
	token := h.token(t)
	hb := v1alpha1.HeartbeatRequest{AgentToken: token, Status: v1alpha1.HeartbeatSucceeded}

	require.NoError(t, r.OnHeartbeat(context.Background(), "n1", hb))
	after := h.node(t)

	require.NoError(t, r.OnHeartbeat(context.Background(), "n1", hb))
	assert.Equal(t, after, h.node(t))
}

func TestRedeliveryAfterStepAdvanced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *fake.Deploy) {
		d.SetSteps(
			d.AsyncStep(v1alpha1.StepKindDeploy, "write_image", 80, false),
			d.AsyncStep(v1alpha1.StepKindDeploy, "configure_bootloader", 60, false),
		)
	})
	r := h.router(inline{})
	ctx := context.Background()
	first := v1alpha1.HeartbeatRequest{AgentToken: h.token(t), Status: v1alpha1.HeartbeatSucceeded}

	require.NoError(t, r.OnHeartbeat(ctx, "n1", first))
	waiting := h.node(t)
	require.Equal(t, v1alpha1.StateDeployWait, waiting.ProvisionState)
	require.Equal(t, 1, waiting.DriverInternalInfo.StepIndex)
	require.NotEqual(t, first.AgentToken, h.token(t))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"token of the previous step", first.AgentToken, nil},
		{"token never issued", "forged", errdefs.ErrInvalidToken},
	}
	for _, tt := range tests {
		err := r.OnHeartbeat(ctx, "n1", v1alpha1.HeartbeatRequest{AgentToken: tt.token, Status: v1alpha1.HeartbeatSucceeded})
		if tt.wantErr == nil {
			assert.NoError(t, err, tt.name)
		} else {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
		}
		assert.Equal(t, waiting, h.node(t), tt.name)
		assert.Equal(t, []string{"step:write_image", "step:configure_bootloader"}, h.deploy.Calls(), tt.name)
	}

	tk, ok, err := h.tasks.Lookup(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tk.Suspended(), "task handed back after ignored heartbeats")
}

func TestUnknownNode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.router(inline{}).OnHeartbeat(context.Background(), "missing", v1alpha1.HeartbeatRequest{})
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestBusyTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	tk, ok, err := h.tasks.Lookup(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, tk.Claim())

	err = h.router(inline{}).OnHeartbeat(context.Background(), "n1", v1alpha1.HeartbeatRequest{AgentToken: h.token(t)})
	assert.ErrorIs(t, err, errdefs.ErrBusy)
	assert.True(t, errdefs.Retryable(err))
}

func TestSaturatedPoolHandsTaskBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	full := inline{SubmitFunc: func(string, func(context.Context)) error {
		return errdefs.ErrNoFreeWorker
	}}

	err := h.router(full).OnHeartbeat(context.Background(), "n1", v1alpha1.HeartbeatRequest{
		AgentToken: h.token(t),
		Status:     v1alpha1.HeartbeatSucceeded,
	})
	assert.ErrorIs(t, err, errdefs.ErrNoFreeWorker)

	tk, ok, err := h.tasks.Lookup(context.Background(), "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tk.Suspended())
	assert.True(t, tk.Claim(), "task is claimable again")
}
