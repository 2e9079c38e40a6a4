// Package task implements node reservations.
//
// A conductor may act on a node only while it holds the node's reservation.
// Acquire takes it with a single conditional write that succeeds only when
// the reservation is empty, so concurrent acquirers across conductors see at
// most one winner. The reservation is kept while a flow waits for an agent,
// which keeps every transient node reserved.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/store"
	"github.com/imamik/metalconductor/internal/util/retry"
)

// RingSource provides the current hash ring.
type RingSource interface {
	Ring() *hashring.Ring
}

// Manager hands out tasks for one conductor.
type Manager struct {
	worker   string
	store    store.Store
	ring     RingSource
	registry *drivers.Registry
	clock    clock.PassiveClock

	lockRetries    int
	lockRetryDelay time.Duration

	mu    sync.Mutex
	tasks map[string]*Task
	// acquiring counts TryAcquire calls between the reservation write and
	// the task being recorded.
	acquiring map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for transition timestamps.
func WithClock(clk clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithLockRetry makes Acquire retry a busy node up to attempts times,
// starting with delay and backing off exponentially.
func WithLockRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.lockRetries = attempts
		m.lockRetryDelay = delay
	}
}

// NewManager creates a task manager acting as worker.
func NewManager(worker string, s store.Store, ring RingSource, registry *drivers.Registry, opts ...Option) *Manager {
	m := &Manager{
		worker:   worker,
		store:    s,
		ring:     ring,
		registry: registry,
		clock:    clock.RealClock{},
		tasks:     make(map[string]*Task),
		acquiring: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Worker returns the conductor name reservations are taken under.
func (m *Manager) Worker() string { return m.worker }

// Acquire reserves the node for an exclusive task. It fails with ErrNotOwner
// when the ring maps the node elsewhere and with ErrBusy while another
// task holds it. Busy nodes are retried when lock retries are configured.
func (m *Manager) Acquire(ctx context.Context, ident, purpose string) (*Task, error) {
	if m.lockRetries <= 0 {
		return m.TryAcquire(ctx, ident, purpose)
	}

	var t *Task
	err := retry.WithExponentialBackoff(ctx, func() error {
		var err error
		t, err = m.TryAcquire(ctx, ident, purpose)
		return err
	},
		retry.WithMaxRetries(m.lockRetries),
		retry.WithInitialDelay(m.lockRetryDelay),
		retry.WithMaxDelay(10*m.lockRetryDelay),
		retry.WithRetryIf(func(err error) bool { return errors.Is(err, errdefs.ErrBusy) }),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TryAcquire is Acquire without retries.
func (m *Manager) TryAcquire(ctx context.Context, ident, purpose string) (*Task, error) {
	node, err := m.store.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}
	if !m.ring.Ring().IsOwner(node.UUID, m.worker) {
		return nil, fmt.Errorf("conductor %s is not mapped to node %s: %w", m.worker, node.UUID, errdefs.ErrNotOwner)
	}

	m.mu.Lock()
	m.acquiring[node.UUID]++
	m.mu.Unlock()
	defer m.doneAcquiring(node.UUID)

	reserved, err := m.store.UpdateNode(ctx, node.UUID, func(n *v1alpha1.Node) error {
		if n.Reservation != "" {
			return &errdefs.LockedError{Node: n.UUID, Holder: n.Reservation}
		}
		n.Reservation = m.worker
		return nil
	})
	if err != nil {
		return nil, err
	}

	binding, err := m.registry.Bind(reserved.Interfaces)
	if err != nil {
		m.clearReservation(ctx, reserved.UUID)
		return nil, err
	}

	t := &Task{mgr: m, Node: reserved, Binding: binding, Purpose: purpose}
	t.claim.Lock()

	m.mu.Lock()
	m.tasks[reserved.UUID] = t
	m.mu.Unlock()

	log.FromContext(ctx).V(1).Info("acquired node", "node", reserved.UUID, "worker", m.worker, "purpose", purpose)
	return t, nil
}

// AcquireShared returns a read-only snapshot of the node with its binding.
func (m *Manager) AcquireShared(ctx context.Context, ident string) (*Task, error) {
	node, err := m.store.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}
	binding, err := m.registry.Bind(node.Interfaces)
	if err != nil {
		return nil, err
	}
	return &Task{mgr: m, Node: node, Binding: binding, Purpose: "shared", shared: true}, nil
}

// Lookup returns the task this conductor holds for the node. A node reserved
// by this conductor and parked in a wait state is rehydrated from the store,
// which lets heartbeats resume flows started before a restart.
func (m *Manager) Lookup(ctx context.Context, nodeUUID string) (*Task, bool, error) {
	m.mu.Lock()
	t, ok := m.tasks[nodeUUID]
	m.mu.Unlock()
	if ok {
		return t, true, nil
	}

	node, err := m.store.GetNode(ctx, nodeUUID)
	if err != nil {
		return nil, false, err
	}
	if node.Reservation != m.worker || !statemachine.IsWait(node.ProvisionState) {
		return nil, false, nil
	}
	t, err = m.adopt(node)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Tasks returns the tasks currently held by this conductor.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Recover reconciles reservations held under this conductor's name after a
// restart. Flows parked in a wait state are rehydrated as suspended tasks;
// flows that were running a step are failed, since the step's progress is
// unknown; stale reservations on stable nodes are cleared.
func (m *Manager) Recover(ctx context.Context) (resumed, failed int, err error) {
	logger := log.FromContext(ctx)

	nodes, err := m.store.ListNodes(ctx, store.NodeFilter{Reservation: m.worker})
	if err != nil {
		return 0, 0, err
	}
	for _, n := range nodes {
		m.mu.Lock()
		_, live := m.tasks[n.UUID]
		m.mu.Unlock()
		if live {
			continue
		}

		switch {
		case statemachine.IsWait(n.ProvisionState):
			if _, err := m.adopt(n); err != nil {
				logger.Error(err, "failed to rehydrate task", "node", n.UUID)
				continue
			}
			resumed++
		default:
			reason := fmt.Sprintf("conductor %s restarted while node was %s", m.worker, n.ProvisionState)
			if err := m.ForceRelease(ctx, n.UUID, m.worker, errors.New(reason)); err != nil {
				logger.Error(err, "failed to release stale reservation", "node", n.UUID)
				continue
			}
			if statemachine.IsTransient(n.ProvisionState) {
				failed++
			}
		}
	}
	return resumed, failed, nil
}

// ForceRelease clears a reservation still held by staleHolder. A node left in
// a transient state is moved to its failure state with cause as last error.
// It fails with ErrConflict when the reservation changed hands meanwhile.
func (m *Manager) ForceRelease(ctx context.Context, nodeUUID, staleHolder string, cause error) error {
	_, err := m.store.UpdateNode(ctx, nodeUUID, func(n *v1alpha1.Node) error {
		if n.Reservation != staleHolder {
			return fmt.Errorf("reservation of node %s changed to %q: %w", n.UUID, n.Reservation, errdefs.ErrConflict)
		}
		if statemachine.IsTransient(n.ProvisionState) {
			failTransient(n, cause.Error(), m.clock.Now().UTC())
		}
		n.Reservation = ""
		return nil
	})
	if err != nil {
		return err
	}
	if staleHolder == m.worker {
		m.mu.Lock()
		if t, ok := m.tasks[nodeUUID]; ok {
			t.mu.Lock()
			t.released = true
			t.mu.Unlock()
			delete(m.tasks, nodeUUID)
		}
		m.mu.Unlock()
	}
	log.FromContext(ctx).Info("force released reservation", "node", nodeUUID, "holder", staleHolder, "cause", cause.Error())
	return nil
}

// ReleaseStranded clears a reservation held under this conductor's name on a
// node it has no task for, as left behind when a release failed to write.
// Nodes in a wait state are left alone; Lookup rehydrates those. It reports
// whether the reservation was cleared.
func (m *Manager) ReleaseStranded(ctx context.Context, nodeUUID string, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[nodeUUID]; ok || m.acquiring[nodeUUID] > 0 {
		return false, nil
	}

	_, err := m.store.UpdateNode(ctx, nodeUUID, func(n *v1alpha1.Node) error {
		if n.Reservation != m.worker || statemachine.IsWait(n.ProvisionState) {
			return fmt.Errorf("node %s is no longer stranded: %w", n.UUID, errdefs.ErrConflict)
		}
		if statemachine.IsTransient(n.ProvisionState) {
			failTransient(n, cause.Error(), m.clock.Now().UTC())
		}
		n.Reservation = ""
		return nil
	})
	switch {
	case errors.Is(err, errdefs.ErrConflict), errors.Is(err, errdefs.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	log.FromContext(ctx).Info("released stranded reservation", "node", nodeUUID, "cause", cause.Error())
	return true, nil
}

func (m *Manager) doneAcquiring(nodeUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquiring[nodeUUID]--; m.acquiring[nodeUUID] <= 0 {
		delete(m.acquiring, nodeUUID)
	}
}

func (m *Manager) adopt(node *v1alpha1.Node) (*Task, error) {
	binding, err := m.registry.Bind(node.Interfaces)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[node.UUID]; ok {
		return t, nil
	}
	t := &Task{mgr: m, Node: node, Binding: binding, Purpose: string(node.DriverInternalInfo.StepKind), suspended: true}
	m.tasks[node.UUID] = t
	return t, nil
}

func (m *Manager) forget(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[t.Node.UUID] == t {
		delete(m.tasks, t.Node.UUID)
	}
}

func (m *Manager) clearReservation(ctx context.Context, nodeUUID string) {
	_, err := m.store.UpdateNode(ctx, nodeUUID, func(n *v1alpha1.Node) error {
		if n.Reservation == m.worker {
			n.Reservation = ""
		}
		return nil
	})
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to clear reservation", "node", nodeUUID)
	}
}

// failTransient moves n to the failure state of its current state.
func failTransient(n *v1alpha1.Node, reason string, now time.Time) {
	n.ProvisionState = statemachine.FailureState(n.ProvisionState)
	n.TargetProvisionState = v1alpha1.StateNone
	n.ProvisionUpdatedAt = &now
	n.LastError = reason
	n.DriverInternalInfo.ClearSteps()
}
