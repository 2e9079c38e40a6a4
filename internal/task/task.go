package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/statemachine"
)

// Task is an operation in flight on one node. An exclusive task owns the
// node's reservation from Acquire until Release; a shared task is a read-only
// snapshot holding no reservation.
//
// A task is worked on by one goroutine at a time. Acquire returns it claimed;
// Suspend hands it back while an agent works, and Claim takes it again when a
// heartbeat or a sweep needs it.
type Task struct {
	mgr *Manager

	// Node is the working copy. Only Save and Release write it back.
	Node    *v1alpha1.Node
	Binding *drivers.Binding
	Purpose string

	shared bool

	// claim is held by the goroutine currently working on the task.
	claim sync.Mutex

	mu        sync.Mutex
	suspended bool
	released  bool
}

// Shared reports whether t is a read-only snapshot.
func (t *Task) Shared() bool { return t.shared }

// Worker returns the conductor owning t.
func (t *Task) Worker() string { return t.mgr.worker }

// Claim takes the task for the calling goroutine. It returns false when
// another goroutine is working on it or it was already released.
func (t *Task) Claim() bool {
	if !t.claim.TryLock() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		t.claim.Unlock()
		return false
	}
	t.suspended = false
	return true
}

// Suspended reports whether the task is parked waiting for an agent.
func (t *Task) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

// Released reports whether the reservation was given up.
func (t *Task) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Process fires ev against the working copy. Nothing is persisted.
func (t *Task) Process(ev statemachine.Event) error {
	if t.shared {
		return fmt.Errorf("cannot change state of node %s under a shared task", t.Node.UUID)
	}
	return statemachine.Fire(t.Node, ev, t.mgr.clock.Now().UTC())
}

// Save writes the fields a task owns back to the store. It fails with
// ErrOwnerLost when the reservation no longer names this conductor.
func (t *Task) Save(ctx context.Context) error {
	if t.shared {
		return fmt.Errorf("cannot save node %s under a shared task", t.Node.UUID)
	}
	saved, err := t.mgr.store.UpdateNode(ctx, t.Node.UUID, func(n *v1alpha1.Node) error {
		if n.Reservation != t.mgr.worker {
			return fmt.Errorf("node %s is now held by %q: %w", n.UUID, n.Reservation, errdefs.ErrOwnerLost)
		}
		copyOwned(n, t.Node)
		return nil
	})
	if err != nil {
		return err
	}
	t.Node = saved
	return nil
}

// Suspend parks the task until a heartbeat claims it. The reservation is kept
// and no goroutine stays blocked.
func (t *Task) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
	t.claim.Unlock()
}

// Release writes the working copy back, clears the reservation and forgets
// the task. A node left in a transient state is moved to its failure state.
// Releasing twice is a no-op.
func (t *Task) Release(ctx context.Context) error {
	if t.shared {
		return nil
	}

	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	t.mu.Unlock()

	defer t.claim.Unlock()
	defer t.mgr.forget(t)

	saved, err := t.mgr.store.UpdateNode(ctx, t.Node.UUID, func(n *v1alpha1.Node) error {
		if n.Reservation != t.mgr.worker {
			return fmt.Errorf("node %s is now held by %q: %w", n.UUID, n.Reservation, errdefs.ErrOwnerLost)
		}
		copyOwned(n, t.Node)
		if statemachine.IsTransient(n.ProvisionState) {
			failTransient(n, fmt.Sprintf("%s interrupted before completion", t.Purpose), t.mgr.clock.Now().UTC())
		}
		n.Reservation = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release node %s: %w", t.Node.UUID, err)
	}
	t.Node = saved
	return nil
}

// copyOwned copies the fields a reservation holder owns from src to dst.
func copyOwned(dst, src *v1alpha1.Node) {
	dst.ProvisionState = src.ProvisionState
	dst.TargetProvisionState = src.TargetProvisionState
	dst.ProvisionUpdatedAt = src.ProvisionUpdatedAt
	dst.PowerState = src.PowerState
	dst.DriverInternalInfo = src.DriverInternalInfo.DeepCopy()
	dst.InstanceInfo = src.DeepCopy().InstanceInfo
	dst.LastError = src.LastError
}

// Discard forgets a task whose node was deleted under it. Nothing is written.
func (t *Task) Discard() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	t.mu.Unlock()

	t.mgr.forget(t)
	t.claim.Unlock()
}
