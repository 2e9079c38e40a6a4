package conductor

import (
	"context"
	"errors"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/task"
)

// SetProvisionState requests a provisioning action. The request is checked
// against the state machine, the node's reservation is taken and the step
// sequence is resolved before anything changes; the steps then run in the
// worker pool and the call returns.
func (s *Service) SetProvisionState(ctx context.Context, ident string, req v1alpha1.ProvisionRequest) (err error) {
	defer func() { recordOperation("provision."+string(req.Target), err) }()

	ev, err := statemachine.EventFor(req.Target)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidParameter, err)
	}
	node, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if err := checkMaintenance(node, ev); err != nil {
		return err
	}
	if ev == statemachine.EventAbort {
		return s.abort(ctx, node)
	}
	if !statemachine.Can(node.ProvisionState, ev) {
		return &errdefs.TransitionError{From: string(node.ProvisionState), Event: string(ev)}
	}
	if req.DisableRamdisk && ev != statemachine.EventClean {
		return fmt.Errorf("disable_ramdisk applies to manual cleaning only: %w", errdefs.ErrInvalidParameter)
	}
	if ev == statemachine.EventDeleted && statemachine.IsWait(node.ProvisionState) {
		return s.interrupt(ctx, node, ev, req)
	}

	slot, err := s.pool.Reserve("provision " + node.UUID)
	if err != nil {
		return err
	}
	t, err := s.tasks.Acquire(ctx, node.UUID, string(ev))
	if err != nil {
		slot.Cancel()
		return err
	}

	seq, err := s.prepare(ctx, t, ev, req)
	if err != nil {
		slot.Cancel()
		return errors.Join(err, t.Release(ctx))
	}
	if !statemachine.IsTransient(t.Node.ProvisionState) {
		slot.Cancel()
		return t.Release(ctx)
	}

	log.FromContext(ctx).Info("accepted provision request",
		"node", node.UUID, "event", ev, "state", t.Node.ProvisionState, "steps", len(seq))
	slot.Go("provision "+node.UUID, func(ctx context.Context) {
		if err := s.exec.Start(ctx, t, seq); err != nil {
			log.FromContext(ctx).Error(err, "flow ended with error", "node", t.Node.UUID)
		}
	})
	return nil
}

// prepare validates the request under the reservation, fires ev and saves
// the node. It returns the steps the new state runs.
func (s *Service) prepare(ctx context.Context, t *task.Task, ev statemachine.Event, req v1alpha1.ProvisionRequest) ([]v1alpha1.Step, error) {
	n := t.Node
	// The node may have moved between the unlocked read and Acquire.
	to, _, err := statemachine.Next(n.ProvisionState, n.TargetProvisionState, ev)
	if err != nil {
		return nil, err
	}
	if err := validateBinding(ctx, t.Binding, n, ev); err != nil {
		return nil, err
	}
	if ev == statemachine.EventRescue && req.RescuePassword == "" {
		return nil, fmt.Errorf("rescue requires a rescue_password: %w", errdefs.ErrInvalidParameter)
	}

	seq, err := s.plan(t.Binding, ev, to, req)
	if err != nil {
		return nil, err
	}

	if err := t.Process(ev); err != nil {
		return nil, err
	}
	n = t.Node
	n.LastError = ""
	switch ev {
	case statemachine.EventRescue:
		if n.InstanceInfo == nil {
			n.InstanceInfo = map[string]string{}
		}
		n.InstanceInfo[drivers.InstanceInfoRescuePassword] = req.RescuePassword
	case statemachine.EventUnrescue:
		delete(n.InstanceInfo, drivers.InstanceInfoRescuePassword)
	}
	if req.DisableRamdisk {
		if n.DriverInternalInfo.Extra == nil {
			n.DriverInternalInfo.Extra = map[string]string{}
		}
		n.DriverInternalInfo.Extra[drivers.ExtraDisableRamdisk] = "true"
	} else {
		delete(n.DriverInternalInfo.Extra, drivers.ExtraDisableRamdisk)
	}

	if err := t.Save(ctx); err != nil {
		return nil, err
	}
	return seq, nil
}

// plan resolves the sequence run in state to. Manual cleaning runs exactly
// the requested steps; deploy steps given with deploy or rebuild are merged
// into the automated ones.
func (s *Service) plan(b *drivers.Binding, ev statemachine.Event, to v1alpha1.ProvisionState, req v1alpha1.ProvisionRequest) ([]v1alpha1.Step, error) {
	kind, ok := statemachine.KindOf(to)
	if !ok {
		return nil, nil
	}
	if len(req.CleanSteps) > 0 && ev != statemachine.EventClean {
		return nil, fmt.Errorf("clean_steps are only accepted with %q: %w", v1alpha1.VerbClean, errdefs.ErrInvalidParameter)
	}
	deploying := ev == statemachine.EventDeploy || ev == statemachine.EventRebuild
	if len(req.DeploySteps) > 0 && !deploying {
		return nil, fmt.Errorf("deploy_steps are only accepted with %q or %q: %w",
			v1alpha1.VerbDeploy, v1alpha1.VerbRebuild, errdefs.ErrInvalidParameter)
	}

	switch {
	case ev == statemachine.EventClean:
		return s.steps.Manual(b, kind, req.CleanSteps)
	case deploying && len(req.DeploySteps) > 0:
		return s.steps.Merge(b, kind, req.DeploySteps)
	}
	return s.steps.Automated(b, kind), nil
}

// abort stops a flow parked on an agent. Only the conductor holding the
// flow can abort it.
func (s *Service) abort(ctx context.Context, node *v1alpha1.Node) error {
	if !statemachine.Can(node.ProvisionState, statemachine.EventAbort) {
		return &errdefs.TransitionError{From: string(node.ProvisionState), Event: string(statemachine.EventAbort)}
	}
	if node.Reservation != s.name {
		return fmt.Errorf("flow on node %s is held by %q: %w", node.UUID, node.Reservation, errdefs.ErrNotOwner)
	}

	t, ok, err := s.tasks.Lookup(ctx, node.UUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no flow is waiting on node %s: %w", node.UUID, errdefs.ErrConflict)
	}
	if !t.Claim() {
		return fmt.Errorf("node %s is processing a callback: %w", node.UUID, errdefs.ErrBusy)
	}
	return s.exec.Abort(ctx, t)
}

// interrupt replaces a flow parked on an agent with the flow ev starts. The
// suspended task is claimed the way a heartbeat claims it, so its reservation
// carries over to the new flow.
func (s *Service) interrupt(ctx context.Context, node *v1alpha1.Node, ev statemachine.Event, req v1alpha1.ProvisionRequest) error {
	if node.Reservation != s.name {
		return fmt.Errorf("flow on node %s is held by %q: %w", node.UUID, node.Reservation, errdefs.ErrNotOwner)
	}

	slot, err := s.pool.Reserve("provision " + node.UUID)
	if err != nil {
		return err
	}
	t, ok, err := s.tasks.Lookup(ctx, node.UUID)
	if err != nil {
		slot.Cancel()
		return err
	}
	if !ok {
		slot.Cancel()
		return fmt.Errorf("no flow is waiting on node %s: %w", node.UUID, errdefs.ErrConflict)
	}
	if !t.Claim() {
		slot.Cancel()
		return fmt.Errorf("node %s is processing a callback: %w", node.UUID, errdefs.ErrBusy)
	}

	from := t.Node.ProvisionState
	seq, err := s.prepare(ctx, t, ev, req)
	if err != nil {
		slot.Cancel()
		if t.Node.ProvisionState != from {
			return errors.Join(err, t.Release(ctx))
		}
		t.Suspend()
		return err
	}

	log.FromContext(ctx).Info("interrupted waiting flow",
		"node", node.UUID, "event", ev, "from", from, "state", t.Node.ProvisionState, "steps", len(seq))
	slot.Go("provision "+node.UUID, func(ctx context.Context) {
		if err := s.exec.Start(ctx, t, seq); err != nil {
			log.FromContext(ctx).Error(err, "flow ended with error", "node", t.Node.UUID)
		}
	})
	return nil
}

// checkMaintenance refuses operator verbs in maintenance mode, except the
// ones that take a node out of service.
func checkMaintenance(n *v1alpha1.Node, ev statemachine.Event) error {
	if !n.Maintenance || ev == statemachine.EventAbort || ev == statemachine.EventDeleted {
		return nil
	}
	return fmt.Errorf("cannot %s node %s: %w", ev, n.UUID, errdefs.ErrNodeInMaintenance)
}

// validateBinding asks every capability the flow relies on to check the
// node's configuration.
func validateBinding(ctx context.Context, b *drivers.Binding, n *v1alpha1.Node, ev statemachine.Event) error {
	needs := []v1alpha1.InterfaceType{v1alpha1.InterfacePower}
	switch ev {
	case statemachine.EventInspect:
		needs = append(needs, v1alpha1.InterfaceInspect)
	case statemachine.EventManage, statemachine.EventDeleted:
	default:
		needs = append(needs, v1alpha1.InterfaceBoot, v1alpha1.InterfaceDeploy)
	}

	var errs []error
	for _, it := range needs {
		impl := b.Get(it)
		if impl == nil {
			continue
		}
		if err := impl.Validate(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s interface %s: %v", it, impl.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("node %s is not ready to %s: %w: %w", n.UUID, ev, errors.Join(errs...), errdefs.ErrInvalidParameter)
	}
	return nil
}
