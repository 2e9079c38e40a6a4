package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/store"
)

type env struct {
	store    *store.KVStore
	ring     *hashring.Membership
	registry *drivers.Registry
	clock    *testingclock.FakeClock
}

func newEnv(t *testing.T, members ...string) *env {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := drivers.NewRegistry()
	require.NoError(t, fake.NewSet().Register(reg))
	m := hashring.NewMembership(clk, 0)
	for _, name := range members {
		m.Join(name)
	}
	return &env{store: store.NewMemoryStore(clk), ring: m, registry: reg, clock: clk}
}

func (e *env) manager(worker string, opts ...Option) *Manager {
	return NewManager(worker, e.store, e.ring, e.registry, append([]Option{WithClock(e.clock)}, opts...)...)
}

func (e *env) node(t *testing.T, uuid string, state v1alpha1.ProvisionState, reservation string) {
	t.Helper()
	require.NoError(t, e.store.CreateNode(context.Background(), &v1alpha1.Node{
		UUID:               uuid,
		Interfaces:         fake.Interfaces(),
		ProvisionState:     state,
		Reservation:        reservation,
		DriverInternalInfo: v1alpha1.DriverInternalInfo{StepIndex: -1},
	}))
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")
	m := e.manager("c1")
	ctx := context.Background()

	tk, err := m.Acquire(ctx, "n1", "clean")
	require.NoError(t, err)
	assert.Equal(t, "c1", tk.Node.Reservation)
	assert.NotNil(t, tk.Binding.Power)
	assert.Len(t, m.Tasks(), 1)

	_, err = m.Acquire(ctx, "n1", "inspect")
	var locked *errdefs.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "c1", locked.Holder)

	require.NoError(t, tk.Release(ctx))
	require.NoError(t, tk.Release(ctx), "second release is a no-op")
	assert.Empty(t, m.Tasks())

	n, err := e.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, n.Reservation)
}

func TestAcquireRejectsNonOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")

	_, err := e.manager("c2").Acquire(context.Background(), "n1", "clean")
	assert.ErrorIs(t, err, errdefs.ErrNotOwner)

	n, err := e.store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Empty(t, n.Reservation)
}

func TestAcquireUnknownDriverClearsReservation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	ctx := context.Background()
	ifaces := fake.Interfaces()
	ifaces.Set(v1alpha1.InterfacePower, "ipmi")
	require.NoError(t, e.store.CreateNode(ctx, &v1alpha1.Node{UUID: "n1", Interfaces: ifaces, ProvisionState: v1alpha1.StateManageable}))

	_, err := e.manager("c1").Acquire(ctx, "n1", "clean")
	assert.ErrorIs(t, err, errdefs.ErrInvalidParameter)

	n, err := e.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, n.Reservation)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")
	m := e.manager("c1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryAcquire(context.Background(), "n1", "clean"); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, errdefs.ErrBusy)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestAcquireRetriesBusyNode(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")
	m := e.manager("c1", WithLockRetry(20, time.Millisecond))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "n1", "power")
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		assert.NoError(t, first.Release(ctx))
	}()

	second, err := m.Acquire(ctx, "n1", "power")
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestSaveDetectsLostReservation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")
	m := e.manager("c1")
	ctx := context.Background()

	tk, err := m.Acquire(ctx, "n1", "clean")
	require.NoError(t, err)
	require.NoError(t, tk.Process(statemachine.EventClean))
	require.NoError(t, tk.Save(ctx))
	assert.Equal(t, v1alpha1.StateCleaning, tk.Node.ProvisionState)
	assert.Equal(t, v1alpha1.StateManageable, tk.Node.TargetProvisionState)

	require.NoError(t, m.ForceRelease(ctx, "n1", "c1", errors.New("conductor c1 lost liveness")))
	assert.True(t, tk.Released())

	assert.ErrorIs(t, tk.Save(ctx), errdefs.ErrOwnerLost)

	n, err := e.store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, v1alpha1.StateCleanFailed, n.ProvisionState)
	assert.Equal(t, "conductor c1 lost liveness", n.LastError)
	assert.Empty(t, n.Reservation)
}

func TestReleaseFailsInterruptedFlow(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateAvailable, "")
	m := e.manager("c1")
	ctx := context.Background()

	tk, err := m.Acquire(ctx, "n1", "deploy")
	require.NoError(t, err)
	require.NoError(t, tk.Process(statemachine.EventDeploy))
	require.NoError(t, tk.Release(ctx))

	assert.Equal(t, v1alpha1.StateDeployFailed, tk.Node.ProvisionState)
	assert.Equal(t, v1alpha1.StateNone, tk.Node.TargetProvisionState)
	assert.Contains(t, tk.Node.LastError, "deploy interrupted")
}

func TestForceReleaseConditional(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateCleaning, "c2")
	m := e.manager("c1")

	err := m.ForceRelease(context.Background(), "n1", "c3", errors.New("stale"))
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	n, err := e.store.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "c2", n.Reservation)
}

func TestSuspendAndClaim(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "")
	m := e.manager("c1")
	ctx := context.Background()

	tk, err := m.Acquire(ctx, "n1", "clean")
	require.NoError(t, err)
	assert.False(t, tk.Claim(), "already claimed by the acquirer")

	tk.Suspend()
	assert.True(t, tk.Suspended())

	got, ok, err := m.Lookup(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, tk, got)

	require.True(t, got.Claim())
	assert.False(t, got.Suspended())
	assert.False(t, tk.Claim(), "one claimer at a time")
	require.NoError(t, got.Release(ctx))
	assert.False(t, got.Claim(), "released tasks cannot be claimed")
}

func TestLookupRehydratesWaitState(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "waiting", v1alpha1.StateCleanWait, "c1")
	e.node(t, "foreign", v1alpha1.StateCleanWait, "c2")
	e.node(t, "running", v1alpha1.StateCleaning, "c1")
	m := e.manager("c1")
	ctx := context.Background()

	tk, ok, err := m.Lookup(ctx, "waiting")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tk.Suspended())

	for _, id := range []string{"foreign", "running"} {
		_, ok, err := m.Lookup(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}

	_, _, err = m.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "waiting", v1alpha1.StateDeployWait, "c1")
	e.node(t, "running", v1alpha1.StateInspecting, "c1")
	e.node(t, "stable", v1alpha1.StateActive, "c1")
	e.node(t, "other", v1alpha1.StateCleaning, "c2")
	m := e.manager("c1")
	ctx := context.Background()

	resumed, failed, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 1, failed)

	tests := []struct {
		uuid        string
		state       v1alpha1.ProvisionState
		reservation string
	}{
		{"waiting", v1alpha1.StateDeployWait, "c1"},
		{"running", v1alpha1.StateInspectFailed, ""},
		{"stable", v1alpha1.StateActive, ""},
		{"other", v1alpha1.StateCleaning, "c2"},
	}
	for _, tt := range tests {
		n, err := e.store.GetNode(ctx, tt.uuid)
		require.NoError(t, err)
		assert.Equal(t, tt.state, n.ProvisionState, tt.uuid)
		assert.Equal(t, tt.reservation, n.Reservation, tt.uuid)
	}
	assert.Len(t, m.Tasks(), 1)
}

// failingStore fails the next UpdateNode once failNext is set.
type failingStore struct {
	store.Store
	failNext atomic.Bool
}

func (s *failingStore) UpdateNode(ctx context.Context, uuid string, mutate store.MutateFunc) (*v1alpha1.Node, error) {
	if s.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("disk full")
	}
	return s.Store.UpdateNode(ctx, uuid, mutate)
}

func TestReleaseStranded(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "stranded", v1alpha1.StateAvailable, "")
	e.node(t, "live", v1alpha1.StateManageable, "")
	e.node(t, "waiting", v1alpha1.StateDeployWait, "c1")
	e.node(t, "other", v1alpha1.StateCleaning, "c2")
	fs := &failingStore{Store: e.store}
	m := NewManager("c1", fs, e.ring, e.registry, WithClock(e.clock))
	ctx := context.Background()

	tk, err := m.Acquire(ctx, "stranded", "deploy")
	require.NoError(t, err)
	require.NoError(t, tk.Process(statemachine.EventDeploy))
	require.NoError(t, tk.Save(ctx))
	fs.failNext.Store(true)
	require.Error(t, tk.Release(ctx))

	live, err := m.Acquire(ctx, "live", "clean")
	require.NoError(t, err)
	live.Suspend()
	require.Len(t, m.Tasks(), 1, "the failed release still forgot its task")

	tests := []struct {
		uuid        string
		released    bool
		state       v1alpha1.ProvisionState
		reservation string
	}{
		{"stranded", true, v1alpha1.StateDeployFailed, ""},
		{"live", false, v1alpha1.StateManageable, "c1"},
		{"waiting", false, v1alpha1.StateDeployWait, "c1"},
		{"other", false, v1alpha1.StateCleaning, "c2"},
		{"missing", false, "", ""},
	}
	for _, tt := range tests {
		ok, err := m.ReleaseStranded(ctx, tt.uuid, errors.New("reservation outlived its task"))
		require.NoError(t, err, tt.uuid)
		assert.Equal(t, tt.released, ok, tt.uuid)
		if tt.state == "" {
			continue
		}
		n, err := e.store.GetNode(ctx, tt.uuid)
		require.NoError(t, err)
		assert.Equal(t, tt.state, n.ProvisionState, tt.uuid)
		assert.Equal(t, tt.reservation, n.Reservation, tt.uuid)
	}

	n, err := e.store.GetNode(ctx, "stranded")
	require.NoError(t, err)
	assert.Contains(t, n.LastError, "outlived its task")

	ok, err := m.ReleaseStranded(ctx, "stranded", errors.New("again"))
	require.NoError(t, err)
	assert.False(t, ok, "releasing twice is a no-op")
}

func TestSharedTaskIsReadOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "c1")
	e.node(t, "n1", v1alpha1.StateManageable, "c9")
	m := e.manager("c1")
	ctx := context.Background()

	tk, err := m.AcquireShared(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, tk.Shared())
	assert.Error(t, tk.Process(statemachine.EventClean))
	assert.Error(t, tk.Save(ctx))
	assert.NoError(t, tk.Release(ctx))
}
