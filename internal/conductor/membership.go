package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/store"
)

// Join adds a conductor to the ring, or refreshes it when already a member.
func (s *Service) Join(ctx context.Context, name string) {
	known := s.members.IsMember(name)
	s.members.Join(name)
	if known {
		return
	}
	log.FromContext(ctx).Info("conductor joined", "member", name)
	s.emit(ctx, notify.Event{Type: notify.EventMemberJoined, Conductor: name, Message: "conductor joined the ring"})
}

// Leave removes a conductor from the ring. Its reservations are recovered
// by the liveness sweep.
func (s *Service) Leave(ctx context.Context, name string) {
	if !s.members.IsMember(name) {
		return
	}
	s.members.Leave(name)
	log.FromContext(ctx).Info("conductor left", "member", name)
	s.emit(ctx, notify.Event{Type: notify.EventMemberLeft, Conductor: name, Message: "conductor left the ring"})
}

// Members describes the ring membership.
func (s *Service) Members() []v1alpha1.Conductor {
	names := s.members.Members()
	out := make([]v1alpha1.Conductor, 0, len(names))
	for _, name := range names {
		c := v1alpha1.Conductor{Name: name, Alive: true}
		if seen, ok := s.members.LastSeen(name); ok {
			c.LastSeen = seen.UTC().Format(time.RFC3339)
		}
		out = append(out, c)
	}
	return out
}

// onRingChange runs inside membership updates and must not block.
func (s *Service) onRingChange(_, next *hashring.Ring) {
	ringMembers.Set(float64(next.Len()))
	select {
	case s.rebalance <- struct{}{}:
	default:
	}
}

// TakeOver adopts active nodes whose primary owner moved to this conductor
// since the previous pass, letting the deploy interface rebuild whatever
// local state it keeps for a running instance.
func (s *Service) TakeOver(ctx context.Context) (int, error) {
	start := time.Now()
	logger := log.FromContext(ctx)

	s.ringMu.Lock()
	old, next := s.seenRing, s.members.Ring()
	s.seenRing = next
	s.ringMu.Unlock()

	active, err := s.store.ListNodes(ctx, store.NodeFilter{ProvisionState: v1alpha1.StateActive})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(active))
	for _, n := range active {
		ids = append(ids, n.UUID)
	}

	taken := 0
	for _, id := range hashring.Diff(old, next, ids) {
		if next.Primary(id) != s.name {
			continue
		}
		t, err := s.tasks.TryAcquire(ctx, id, "take over")
		if err != nil {
			if !errors.Is(err, errdefs.ErrBusy) && !errors.Is(err, errdefs.ErrNotOwner) {
				logger.Error(err, "failed to acquire node for take over", "node", id)
			}
			continue
		}
		if t.Node.ProvisionState != v1alpha1.StateActive || t.Binding.Deploy == nil {
			_ = t.Release(ctx)
			continue
		}

		if err := t.Binding.Deploy.TakeOver(ctx, t.Node); err != nil {
			logger.Error(err, "take over failed", "node", id)
			t.Node.LastError = fmt.Sprintf("take over by %s failed: %v", s.name, err)
		} else {
			taken++
			s.emit(ctx, notify.Event{Type: notify.EventNodeTakenOver, Node: id, Message: "node taken over"})
		}
		if err := t.Release(ctx); err != nil {
			logger.Error(err, "failed to release node after take over", "node", id)
		}
	}

	recordSweep("takeover", time.Since(start).Seconds(), taken)
	return taken, nil
}
