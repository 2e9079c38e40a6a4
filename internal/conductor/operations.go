package conductor

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/notify"
)

// SetPowerState changes the node's power in the worker pool. The outcome
// lands in power_state, or in last_error when the action fails.
func (s *Service) SetPowerState(ctx context.Context, ident string, target v1alpha1.PowerTarget) (err error) {
	defer func() { recordOperation("power."+string(target), err) }()

	switch target {
	case v1alpha1.PowerTargetOn, v1alpha1.PowerTargetOff, v1alpha1.PowerTargetReboot:
	default:
		return fmt.Errorf("unknown power target %q: %w", target, errdefs.ErrInvalidParameter)
	}
	node, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return err
	}

	slot, err := s.pool.Reserve("power " + node.UUID)
	if err != nil {
		return err
	}
	t, err := s.tasks.Acquire(ctx, node.UUID, "power "+string(target))
	if err != nil {
		slot.Cancel()
		return err
	}
	if t.Binding.Power == nil {
		slot.Cancel()
		_ = t.Release(ctx)
		return fmt.Errorf("node %s has no power interface: %w", node.UUID, errdefs.ErrUnsupported)
	}

	slot.Go("power "+node.UUID, func(ctx context.Context) {
		logger := log.FromContext(ctx).WithValues("node", t.Node.UUID, "target", target)
		before := t.Node.PowerState

		if err := t.Binding.Power.SetPowerState(ctx, t.Node, target, s.timeouts.PowerAction); err != nil {
			logger.Error(err, "power action failed")
			t.Node.LastError = fmt.Sprintf("power %s failed: %v", target, err)
		} else {
			t.Node.PowerState = powerStateFor(target)
			t.Node.LastError = ""
			s.emit(ctx, notify.Event{
				Type:    notify.EventPowerChanged,
				Node:    t.Node.UUID,
				From:    string(before),
				To:      string(t.Node.PowerState),
				Message: "power state changed",
			})
		}
		if err := t.Release(ctx); err != nil {
			logger.Error(err, "failed to release node after power action")
		}
	})
	return nil
}

func powerStateFor(target v1alpha1.PowerTarget) v1alpha1.PowerState {
	if target == v1alpha1.PowerTargetOff {
		return v1alpha1.PowerOff
	}
	return v1alpha1.PowerOn
}

// SetMaintenance toggles maintenance mode. It needs no reservation so that
// a node stuck under a flow can still be fenced.
func (s *Service) SetMaintenance(ctx context.Context, ident string, on bool, reason string) (*v1alpha1.Node, error) {
	node, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateNode(ctx, node.UUID, func(n *v1alpha1.Node) error {
		n.Maintenance = on
		n.MaintenanceReason = ""
		if on {
			n.MaintenanceReason = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("set maintenance", "node", node.UUID, "maintenance", on, "reason", reason)
	return updated, nil
}

// Heartbeat routes an agent callback to the waiting flow.
func (s *Service) Heartbeat(ctx context.Context, ident string, hb v1alpha1.HeartbeatRequest) error {
	return s.router.OnHeartbeat(ctx, ident, hb)
}

// ListVendorMethods describes the vendor passthru methods of the node.
func (s *Service) ListVendorMethods(ctx context.Context, ident string) ([]v1alpha1.VendorMethodInfo, error) {
	t, err := s.tasks.AcquireShared(ctx, ident)
	if err != nil {
		return nil, err
	}
	if t.Binding.Vendor == nil {
		return nil, nil
	}
	methods := t.Binding.Vendor.Methods()
	out := make([]v1alpha1.VendorMethodInfo, 0, len(methods))
	for name, m := range methods {
		out = append(out, v1alpha1.VendorMethodInfo{
			Name:        name,
			HTTPMethods: httpMethods(m.HTTPMethods),
			Async:       m.Async,
			Description: m.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// VendorPassthru calls a vendor method. Synchronous methods run on a
// snapshot of the node and return their result; asynchronous methods run
// in the worker pool under the node's reservation and return nothing.
func (s *Service) VendorPassthru(ctx context.Context, ident, method, httpMethod string, payload map[string]any) (result any, async bool, err error) {
	defer func() { recordOperation("vendor."+method, err) }()

	shared, err := s.tasks.AcquireShared(ctx, ident)
	if err != nil {
		return nil, false, err
	}
	if shared.Binding.Vendor == nil {
		return nil, false, fmt.Errorf("node %s has no vendor interface: %w", shared.Node.UUID, errdefs.ErrUnsupported)
	}
	m, ok := shared.Binding.Vendor.Methods()[method]
	if !ok {
		return nil, false, fmt.Errorf("unknown vendor method %q: %w", method, errdefs.ErrInvalidParameter)
	}
	if httpMethod == "" {
		httpMethod = "POST"
	}
	if !slices.Contains(httpMethods(m.HTTPMethods), strings.ToUpper(httpMethod)) {
		return nil, false, fmt.Errorf("vendor method %q does not accept %s: %w", method, httpMethod, errdefs.ErrInvalidParameter)
	}

	if !m.Async {
		result, err = m.Func(ctx, shared.Node, payload)
		return result, false, err
	}

	uuid := shared.Node.UUID
	slot, err := s.pool.Reserve("vendor " + uuid)
	if err != nil {
		return nil, true, err
	}
	t, err := s.tasks.Acquire(ctx, uuid, "vendor "+method)
	if err != nil {
		slot.Cancel()
		return nil, true, err
	}
	slot.Go("vendor "+uuid, func(ctx context.Context) {
		logger := log.FromContext(ctx).WithValues("node", uuid, "method", method)
		if _, err := m.Func(ctx, t.Node, payload); err != nil {
			logger.Error(err, "vendor method failed")
			t.Node.LastError = fmt.Sprintf("vendor method %s failed: %v", method, err)
		}
		if err := t.Release(ctx); err != nil {
			logger.Error(err, "failed to release node after vendor method")
		}
	})
	return nil, true, nil
}

func httpMethods(in []string) []string {
	if len(in) == 0 {
		return []string{"POST"}
	}
	return in
}

// ListInterfaces reports the registered implementations per capability.
func (s *Service) ListInterfaces() v1alpha1.InterfaceList {
	return v1alpha1.InterfaceList{
		Interfaces: s.drivers.List(),
		Defaults:   s.drivers.Defaults(),
	}
}

// ListNodeSteps reports the steps of kind the node's binding offers with
// their effective priorities.
func (s *Service) ListNodeSteps(ctx context.Context, ident string, kind v1alpha1.StepKind) ([]v1alpha1.StepInfo, error) {
	switch kind {
	case v1alpha1.StepKindClean, v1alpha1.StepKindDeploy, v1alpha1.StepKindInspect, v1alpha1.StepKindRescue:
	default:
		return nil, fmt.Errorf("unknown step kind %q: %w", kind, errdefs.ErrInvalidParameter)
	}
	t, err := s.tasks.AcquireShared(ctx, ident)
	if err != nil {
		return nil, err
	}
	return s.steps.Available(t.Binding, kind), nil
}
