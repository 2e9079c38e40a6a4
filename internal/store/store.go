// Package store persists nodes, ports, port groups and chassis.
//
// All writes to a node go through UpdateNode, which applies a mutation inside
// a single transaction. The mutation sees the committed record and may refuse
// the write by returning an error, which makes it the compare-and-swap
// primitive the reservation protocol is built on.
package store

import (
	"context"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// NodeFilter narrows ListNodes. Zero values match everything.
type NodeFilter struct {
	ProvisionState v1alpha1.ProvisionState
	Maintenance    *bool
	// Reservation matches nodes held by this conductor.
	Reservation string
	// Reserved matches nodes holding any reservation when true.
	Reserved    bool
	ChassisUUID string
}

func (f NodeFilter) matches(n *v1alpha1.Node) bool {
	if f.ProvisionState != "" && n.ProvisionState != f.ProvisionState {
		return false
	}
	if f.Maintenance != nil && n.Maintenance != *f.Maintenance {
		return false
	}
	if f.Reservation != "" && n.Reservation != f.Reservation {
		return false
	}
	if f.Reserved && n.Reservation == "" {
		return false
	}
	if f.ChassisUUID != "" && n.ChassisUUID != f.ChassisUUID {
		return false
	}
	return true
}

// MutateFunc changes a node inside a transaction. Returning an error aborts
// the write and is passed through to the caller.
type MutateFunc func(n *v1alpha1.Node) error

// Store is the persistence contract of the conductor.
type Store interface {
	CreateNode(ctx context.Context, n *v1alpha1.Node) error
	// GetNode resolves ident as a UUID first and then as a name.
	GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*v1alpha1.Node, error)
	// UpdateNode atomically applies mutate to the stored node and returns
	// the committed result.
	UpdateNode(ctx context.Context, uuid string, mutate MutateFunc) (*v1alpha1.Node, error)
	// DeleteNode removes the node and its ports and port groups. It fails
	// unless the node's reservation equals holder.
	DeleteNode(ctx context.Context, uuid, holder string) error

	CreatePort(ctx context.Context, p *v1alpha1.Port) error
	// GetPort resolves ident as a UUID first and then as a MAC address.
	GetPort(ctx context.Context, ident string) (*v1alpha1.Port, error)
	ListPorts(ctx context.Context, nodeUUID string) ([]*v1alpha1.Port, error)
	DeletePort(ctx context.Context, uuid string) error

	CreatePortGroup(ctx context.Context, pg *v1alpha1.PortGroup) error
	GetPortGroup(ctx context.Context, uuid string) (*v1alpha1.PortGroup, error)
	ListPortGroups(ctx context.Context, nodeUUID string) ([]*v1alpha1.PortGroup, error)
	// DeletePortGroup removes the group and detaches its member ports.
	DeletePortGroup(ctx context.Context, uuid string) error

	CreateChassis(ctx context.Context, c *v1alpha1.Chassis) error
	GetChassis(ctx context.Context, uuid string) (*v1alpha1.Chassis, error)
	ListChassis(ctx context.Context) ([]*v1alpha1.Chassis, error)
	// DeleteChassis removes the chassis and detaches its nodes.
	DeleteChassis(ctx context.Context, uuid string) error

	Close() error
}
