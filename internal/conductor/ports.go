package conductor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// CreatePort attaches a port to an idle node. MAC addresses are unique
// across all ports.
func (s *Service) CreatePort(ctx context.Context, in *v1alpha1.Port) (*v1alpha1.Port, error) {
	p := *in
	if err := assignUUID(&p.UUID); err != nil {
		return nil, err
	}
	nodeUUID, err := s.checkNodeIdle(ctx, p.NodeUUID)
	if err != nil {
		return nil, err
	}
	p.NodeUUID = nodeUUID
	if err := s.store.CreatePort(ctx, &p); err != nil {
		return nil, err
	}
	return s.store.GetPort(ctx, p.UUID)
}

// GetPort resolves ident as a UUID or a MAC address.
func (s *Service) GetPort(ctx context.Context, ident string) (*v1alpha1.Port, error) {
	return s.store.GetPort(ctx, ident)
}

// ListPorts returns the ports of a node, or every port when nodeIdent is
// empty.
func (s *Service) ListPorts(ctx context.Context, nodeIdent string) ([]*v1alpha1.Port, error) {
	nodeUUID, err := s.resolveNode(ctx, nodeIdent)
	if err != nil {
		return nil, err
	}
	return s.store.ListPorts(ctx, nodeUUID)
}

// DeletePort detaches a port from an idle node.
func (s *Service) DeletePort(ctx context.Context, ident string) error {
	p, err := s.store.GetPort(ctx, ident)
	if err != nil {
		return err
	}
	if _, err := s.checkNodeIdle(ctx, p.NodeUUID); err != nil {
		return err
	}
	return s.store.DeletePort(ctx, p.UUID)
}

// CreatePortGroup adds a bond to an idle node.
func (s *Service) CreatePortGroup(ctx context.Context, in *v1alpha1.PortGroup) (*v1alpha1.PortGroup, error) {
	pg := *in
	if err := assignUUID(&pg.UUID); err != nil {
		return nil, err
	}
	nodeUUID, err := s.checkNodeIdle(ctx, pg.NodeUUID)
	if err != nil {
		return nil, err
	}
	pg.NodeUUID = nodeUUID
	if err := s.store.CreatePortGroup(ctx, &pg); err != nil {
		return nil, err
	}
	return s.store.GetPortGroup(ctx, pg.UUID)
}

func (s *Service) GetPortGroup(ctx context.Context, id string) (*v1alpha1.PortGroup, error) {
	return s.store.GetPortGroup(ctx, id)
}

func (s *Service) ListPortGroups(ctx context.Context, nodeIdent string) ([]*v1alpha1.PortGroup, error) {
	nodeUUID, err := s.resolveNode(ctx, nodeIdent)
	if err != nil {
		return nil, err
	}
	return s.store.ListPortGroups(ctx, nodeUUID)
}

// DeletePortGroup removes the bond. Member ports stay on the node.
func (s *Service) DeletePortGroup(ctx context.Context, id string) error {
	pg, err := s.store.GetPortGroup(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.checkNodeIdle(ctx, pg.NodeUUID); err != nil {
		return err
	}
	return s.store.DeletePortGroup(ctx, pg.UUID)
}

func (s *Service) CreateChassis(ctx context.Context, in *v1alpha1.Chassis) (*v1alpha1.Chassis, error) {
	c := *in
	if err := assignUUID(&c.UUID); err != nil {
		return nil, err
	}
	if err := s.store.CreateChassis(ctx, &c); err != nil {
		return nil, err
	}
	return s.store.GetChassis(ctx, c.UUID)
}

func (s *Service) GetChassis(ctx context.Context, id string) (*v1alpha1.Chassis, error) {
	return s.store.GetChassis(ctx, id)
}

func (s *Service) ListChassis(ctx context.Context) ([]*v1alpha1.Chassis, error) {
	return s.store.ListChassis(ctx)
}

// DeleteChassis removes the chassis and detaches its nodes.
func (s *Service) DeleteChassis(ctx context.Context, id string) error {
	return s.store.DeleteChassis(ctx, id)
}

// checkNodeIdle refuses network changes while a task holds the node. It
// returns the node's UUID.
func (s *Service) checkNodeIdle(ctx context.Context, nodeIdent string) (string, error) {
	if nodeIdent == "" {
		return "", fmt.Errorf("node_uuid is required: %w", errdefs.ErrInvalidParameter)
	}
	n, err := s.store.GetNode(ctx, nodeIdent)
	if err != nil {
		return "", fmt.Errorf("node %s: %w", nodeIdent, err)
	}
	if n.Reservation != "" {
		return "", &errdefs.LockedError{Node: n.UUID, Holder: n.Reservation}
	}
	return n.UUID, nil
}

func (s *Service) resolveNode(ctx context.Context, ident string) (string, error) {
	if ident == "" {
		return "", nil
	}
	n, err := s.store.GetNode(ctx, ident)
	if err != nil {
		return "", err
	}
	return n.UUID, nil
}

func assignUUID(id *string) error {
	if *id == "" {
		*id = uuid.NewString()
		return nil
	}
	if _, err := uuid.Parse(*id); err != nil {
		return fmt.Errorf("malformed uuid %q: %w", *id, errdefs.ErrInvalidParameter)
	}
	return nil
}
