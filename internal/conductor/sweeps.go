package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/store"
	"github.com/imamik/metalconductor/internal/util/async"
)

// powerSyncParallelism bounds concurrent power reads during a sync pass.
const powerSyncParallelism = 8

// runSweeps blocks until ctx is done.
func (s *Service) runSweeps(ctx context.Context) {
	var wg sync.WaitGroup
	every := func(period time.Duration, fn func(ctx context.Context)) {
		if period <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, fn, period)
		}()
	}

	every(s.timeouts.SweepInterval, func(ctx context.Context) {
		logger := log.FromContext(ctx)
		if _, err := s.SweepLiveness(ctx); err != nil {
			logger.Error(err, "liveness sweep failed")
		}
		if _, err := s.SweepTimeouts(ctx); err != nil {
			logger.Error(err, "timeout sweep failed")
		}
		if _, err := s.SweepOrphans(ctx); err != nil {
			logger.Error(err, "orphan sweep failed")
		}
	})
	every(s.timeouts.PowerSync, func(ctx context.Context) {
		if _, err := s.SyncPowerStates(ctx); err != nil {
			log.FromContext(ctx).Error(err, "power sync failed")
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.rebalance:
				if _, err := s.TakeOver(ctx); err != nil {
					log.FromContext(ctx).Error(err, "take over pass failed")
				}
			}
		}
	}()

	wg.Wait()
}

// SweepTimeouts fails suspended flows of this conductor whose agent
// callback window has passed. It returns the number of failed flows.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	start := time.Now()
	var errs []error
	failed := 0
	for _, t := range s.tasks.Tasks() {
		if !t.Suspended() || !t.Claim() {
			continue
		}
		timedOut, err := s.exec.CheckTimeout(ctx, t)
		if err != nil {
			errs = append(errs, err)
		}
		if timedOut {
			failed++
		}
	}
	recordSweep("timeouts", time.Since(start).Seconds(), failed)
	return failed, errors.Join(errs...)
}

// SweepLiveness drops conductors that stopped refreshing their membership
// and force releases reservations held by conductors outside the ring. Only
// the current ring owner of a node recovers it. Reservations this conductor
// holds without a live task, outside wait states, are cleared as well.
func (s *Service) SweepLiveness(ctx context.Context) (int, error) {
	start := time.Now()
	logger := log.FromContext(ctx)

	s.members.Touch(s.name)
	for _, gone := range s.members.Expire() {
		logger.Info("conductor expired", "member", gone)
		s.emit(ctx, notify.Event{Type: notify.EventMemberLeft, Conductor: gone, Message: "conductor missed its liveness window"})
	}

	reserved, err := s.store.ListNodes(ctx, store.NodeFilter{Reserved: true})
	if err != nil {
		return 0, err
	}
	ring := s.members.Ring()
	released := 0
	var errs []error
	for _, n := range reserved {
		holder := n.Reservation
		if holder == s.name {
			if statemachine.IsWait(n.ProvisionState) {
				continue
			}
			cause := fmt.Errorf("reservation outlived its task: %w", errdefs.ErrOwnerLost)
			ok, err := s.tasks.ReleaseStranded(ctx, n.UUID, cause)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				released++
				s.emit(ctx, notify.Event{
					Type:    notify.EventForcedRelease,
					Node:    n.UUID,
					From:    string(n.ProvisionState),
					To:      string(statemachine.FailureState(n.ProvisionState)),
					Message: cause.Error(),
					Fields:  map[string]string{"holder": holder},
				})
			}
			continue
		}
		if s.members.IsMember(holder) || !ring.IsOwner(n.UUID, s.name) {
			continue
		}
		cause := fmt.Errorf("conductor %s holding the reservation is gone: %w", holder, errdefs.ErrOwnerLost)
		if err := s.tasks.ForceRelease(ctx, n.UUID, holder, cause); err != nil {
			if !errors.Is(err, errdefs.ErrConflict) && !errors.Is(err, errdefs.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		released++
		s.emit(ctx, notify.Event{
			Type:    notify.EventForcedRelease,
			Node:    n.UUID,
			From:    string(n.ProvisionState),
			To:      string(statemachine.FailureState(n.ProvisionState)),
			Message: cause.Error(),
			Fields:  map[string]string{"holder": holder},
		})
	}
	recordSweep("liveness", time.Since(start).Seconds(), released)
	return released, errors.Join(errs...)
}

// SweepOrphans fails nodes left in a transient state without a
// reservation. It also refreshes the per state node gauge.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	start := time.Now()
	nodes, err := s.store.ListNodes(ctx, store.NodeFilter{})
	if err != nil {
		return 0, err
	}
	ring := s.members.Ring()

	counts := map[v1alpha1.ProvisionState]int{}
	orphaned := 0
	var errs []error
	for _, n := range nodes {
		if !ring.IsOwner(n.UUID, s.name) {
			continue
		}
		counts[n.ProvisionState]++
		if n.Reservation != "" || !statemachine.IsTransient(n.ProvisionState) {
			continue
		}
		cause := fmt.Errorf("node was left %s without a reservation: %w", n.ProvisionState, errdefs.ErrOwnerLost)
		if err := s.tasks.ForceRelease(ctx, n.UUID, "", cause); err != nil {
			if !errors.Is(err, errdefs.ErrConflict) {
				errs = append(errs, err)
			}
			continue
		}
		orphaned++
	}

	nodesByState.Reset()
	for state, c := range counts {
		nodesByState.WithLabelValues(string(state)).Set(float64(c))
	}
	recordSweep("orphans", time.Since(start).Seconds(), orphaned)
	return orphaned, errors.Join(errs...)
}

// SyncPowerStates reads the power state of idle owned nodes and records
// changes made outside the conductor. Nodes in maintenance are skipped.
func (s *Service) SyncPowerStates(ctx context.Context) (int, error) {
	start := time.Now()
	off := false
	nodes, err := s.store.ListNodes(ctx, store.NodeFilter{Maintenance: &off})
	if err != nil {
		return 0, err
	}
	ring := s.members.Ring()

	var mu sync.Mutex
	changed := 0
	var tasks []async.Task
	for _, n := range nodes {
		if n.Reservation != "" || !ring.IsOwner(n.UUID, s.name) {
			continue
		}
		uuid := n.UUID
		tasks = append(tasks, async.Task{
			Name: uuid,
			Func: func(ctx context.Context) error {
				ok, err := s.syncPower(ctx, uuid)
				if ok {
					mu.Lock()
					changed++
					mu.Unlock()
				}
				return err
			},
		})
	}

	err = async.RunParallel(ctx, tasks, powerSyncParallelism)
	recordSweep("power", time.Since(start).Seconds(), changed)
	return changed, err
}

func (s *Service) syncPower(ctx context.Context, uuid string) (bool, error) {
	t, err := s.tasks.AcquireShared(ctx, uuid)
	if err != nil {
		return false, err
	}
	if t.Binding.Power == nil {
		return false, nil
	}
	actual, err := t.Binding.Power.GetPowerState(ctx, t.Node)
	if err != nil {
		return false, err
	}
	if actual == t.Node.PowerState {
		return false, nil
	}

	before := t.Node.PowerState
	_, err = s.store.UpdateNode(ctx, uuid, func(n *v1alpha1.Node) error {
		if n.Reservation != "" {
			return &errdefs.LockedError{Node: n.UUID, Holder: n.Reservation}
		}
		n.PowerState = actual
		return nil
	})
	if errors.Is(err, errdefs.ErrBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.emit(ctx, notify.Event{
		Type:    notify.EventPowerChanged,
		Node:    uuid,
		From:    string(before),
		To:      string(actual),
		Message: "power state changed outside the conductor",
	})
	return true, nil
}
