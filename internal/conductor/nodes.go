package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/store"
)

// ListOptions narrows ListNodes.
type ListOptions struct {
	store.NodeFilter
	// Conductor keeps only nodes the ring maps to this conductor.
	Conductor string
}

// CreateNode enrolls a node. Unset interfaces are bound to the registry
// defaults and the node starts in enroll.
func (s *Service) CreateNode(ctx context.Context, in *v1alpha1.Node) (*v1alpha1.Node, error) {
	n := in.DeepCopy()

	if n.UUID == "" {
		n.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(n.UUID); err != nil {
		return nil, fmt.Errorf("malformed node uuid %q: %w", n.UUID, errdefs.ErrInvalidParameter)
	}
	if n.Name != "" {
		if err := validateName(n.Name); err != nil {
			return nil, err
		}
	}

	s.drivers.ApplyDefaults(&n.Interfaces)
	if _, err := s.drivers.Bind(n.Interfaces); err != nil {
		return nil, err
	}

	n.ProvisionState = v1alpha1.StateEnroll
	n.TargetProvisionState = v1alpha1.StateNone
	n.ProvisionUpdatedAt = nil
	n.PowerState = v1alpha1.PowerUnknown
	n.DriverInternalInfo = v1alpha1.DriverInternalInfo{StepIndex: -1}
	n.LastError = ""
	n.Reservation = ""
	if !n.Maintenance {
		n.MaintenanceReason = ""
	}

	if err := s.store.CreateNode(ctx, n); err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("enrolled node", "node", n.UUID, "name", n.Name)
	return s.store.GetNode(ctx, n.UUID)
}

// GetNode resolves ident as a UUID or a name.
func (s *Service) GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error) {
	return s.store.GetNode(ctx, ident)
}

// ListNodes returns the nodes matching opts.
func (s *Service) ListNodes(ctx context.Context, opts ListOptions) ([]*v1alpha1.Node, error) {
	nodes, err := s.store.ListNodes(ctx, opts.NodeFilter)
	if err != nil {
		return nil, err
	}
	if opts.Conductor == "" {
		return nodes, nil
	}
	ring := s.members.Ring()
	out := nodes[:0]
	for _, n := range nodes {
		if ring.IsOwner(n.UUID, opts.Conductor) {
			out = append(out, n)
		}
	}
	return out, nil
}

// UpdateNode applies patch. A name can be set once. Interfaces, driver_info
// and instance_info change only while the node is stable and unreserved.
// Map entries patched to an empty string are removed.
func (s *Service) UpdateNode(ctx context.Context, ident string, patch v1alpha1.NodePatch) (*v1alpha1.Node, error) {
	node, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil && *patch.Name != "" {
		if err := validateName(*patch.Name); err != nil {
			return nil, err
		}
	}

	var ifaces v1alpha1.Interfaces
	if patch.Interfaces != nil {
		ifaces = *patch.Interfaces
		s.drivers.ApplyDefaults(&ifaces)
		if _, err := s.drivers.Bind(ifaces); err != nil {
			return nil, err
		}
	}

	guarded := patch.Interfaces != nil || patch.DriverInfo != nil || patch.InstanceInfo != nil
	return s.store.UpdateNode(ctx, node.UUID, func(n *v1alpha1.Node) error {
		if guarded {
			if n.Reservation != "" {
				return &errdefs.LockedError{Node: n.UUID, Holder: n.Reservation}
			}
			if !statemachine.IsStable(n.ProvisionState) {
				return fmt.Errorf("node %s cannot be reconfigured in state %q: %w",
					n.UUID, n.ProvisionState, errdefs.ErrInvalidParameter)
			}
		}
		if patch.Name != nil {
			n.Name = *patch.Name
		}
		if patch.ChassisUUID != nil {
			n.ChassisUUID = *patch.ChassisUUID
		}
		if patch.Interfaces != nil {
			n.Interfaces = ifaces
		}
		n.DriverInfo = mergeStrings(n.DriverInfo, patch.DriverInfo)
		n.InstanceInfo = mergeStrings(n.InstanceInfo, patch.InstanceInfo)
		return nil
	})
}

// DeleteNode removes a node together with its ports and port groups. The
// node must be idle in a state holding no deployment, or in maintenance.
func (s *Service) DeleteNode(ctx context.Context, ident string) (err error) {
	defer func() { recordOperation("delete", err) }()

	node, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if err := checkDeletable(node); err != nil {
		return err
	}

	t, err := s.tasks.Acquire(ctx, node.UUID, "delete node")
	if err != nil {
		return err
	}
	if err := checkDeletable(t.Node); err != nil {
		return errors.Join(err, t.Release(ctx))
	}
	if err := s.store.DeleteNode(ctx, node.UUID, s.name); err != nil {
		return errors.Join(err, t.Release(ctx))
	}
	t.Discard()

	log.FromContext(ctx).Info("deleted node", "node", node.UUID)
	return nil
}

var deletableStates = []v1alpha1.ProvisionState{
	v1alpha1.StateEnroll,
	v1alpha1.StateManageable,
	v1alpha1.StateAvailable,
	v1alpha1.StateInspectFailed,
	v1alpha1.StateCleanFailed,
	v1alpha1.StateAdoptFailed,
}

func checkDeletable(n *v1alpha1.Node) error {
	if n.Maintenance && statemachine.IsStable(n.ProvisionState) {
		return nil
	}
	for _, st := range deletableStates {
		if n.ProvisionState == st {
			return nil
		}
	}
	return &errdefs.TransitionError{From: string(n.ProvisionState), Event: "delete"}
}

// validateName accepts DNS-1123 subdomains that cannot be mistaken for a
// UUID, since lookups try the UUID first.
func validateName(name string) error {
	if msgs := validation.IsDNS1123Subdomain(name); len(msgs) > 0 {
		return fmt.Errorf("invalid node name %q: %s: %w", name, strings.Join(msgs, "; "), errdefs.ErrInvalidParameter)
	}
	if _, err := uuid.Parse(name); err == nil {
		return fmt.Errorf("node name %q looks like a uuid: %w", name, errdefs.ErrInvalidParameter)
	}
	return nil
}

func mergeStrings(dst, patch map[string]string) map[string]string {
	if patch == nil {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		if v == "" {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}
