package handlers

import (
	"context"
	"fmt"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// PortCreate attaches a port to a node.
func PortCreate(ctx context.Context, opts Options, p v1alpha1.Port) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	created, err := api.CreatePort(ctx, &p)
	if err != nil {
		return fmt.Errorf("failed to create port %s: %w", p.Address, err)
	}
	return renderPorts(opts.Output, created, []v1alpha1.Port{*created})
}

// PortList prints ports, optionally for one node.
func PortList(ctx context.Context, opts Options, node string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	ports, err := api.ListPorts(ctx, node)
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	return renderPorts(opts.Output, v1alpha1.PortList{Ports: ports}, ports)
}

// PortDelete removes a port.
func PortDelete(ctx context.Context, opts Options, ident string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.DeletePort(ctx, ident); err != nil {
		return fmt.Errorf("failed to delete port %s: %w", ident, err)
	}
	fmt.Fprintf(stdout, "Port %s deleted\n", ident)
	return nil
}

func renderPorts(format string, v any, ports []v1alpha1.Port) error {
	return render(format, v, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(ports))
		for _, p := range ports {
			rows = append(rows, []string{p.UUID, p.Address, p.NodeUUID, orDash(p.PortGroupUUID), yesNo(p.PXEEnabled)})
		}
		return []string{"UUID", "ADDRESS", "NODE", "PORTGROUP", "PXE"}, rows
	})
}

// PortGroupCreate bonds ports of a node.
func PortGroupCreate(ctx context.Context, opts Options, pg v1alpha1.PortGroup) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	created, err := api.CreatePortGroup(ctx, &pg)
	if err != nil {
		return fmt.Errorf("failed to create portgroup: %w", err)
	}
	return renderPortGroups(opts.Output, created, []v1alpha1.PortGroup{*created})
}

// PortGroupList prints port groups, optionally for one node.
func PortGroupList(ctx context.Context, opts Options, node string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	groups, err := api.ListPortGroups(ctx, node)
	if err != nil {
		return fmt.Errorf("failed to list portgroups: %w", err)
	}
	return renderPortGroups(opts.Output, v1alpha1.PortGroupList{PortGroups: groups}, groups)
}

// PortGroupDelete removes a port group.
func PortGroupDelete(ctx context.Context, opts Options, id string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.DeletePortGroup(ctx, id); err != nil {
		return fmt.Errorf("failed to delete portgroup %s: %w", id, err)
	}
	fmt.Fprintf(stdout, "Portgroup %s deleted\n", id)
	return nil
}

func renderPortGroups(format string, v any, groups []v1alpha1.PortGroup) error {
	return render(format, v, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(groups))
		for _, g := range groups {
			rows = append(rows, []string{g.UUID, orDash(g.Name), g.NodeUUID, orDash(g.Address), orDash(g.Mode)})
		}
		return []string{"UUID", "NAME", "NODE", "ADDRESS", "MODE"}, rows
	})
}

// ChassisCreate registers a chassis.
func ChassisCreate(ctx context.Context, opts Options, ch v1alpha1.Chassis) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	created, err := api.CreateChassis(ctx, &ch)
	if err != nil {
		return fmt.Errorf("failed to create chassis: %w", err)
	}
	return renderChassis(opts.Output, created, []v1alpha1.Chassis{*created})
}

// ChassisList prints all chassis.
func ChassisList(ctx context.Context, opts Options) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	chassis, err := api.ListChassis(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chassis: %w", err)
	}
	return renderChassis(opts.Output, v1alpha1.ChassisList{Chassis: chassis}, chassis)
}

// ChassisDelete removes a chassis and detaches its nodes.
func ChassisDelete(ctx context.Context, opts Options, id string) error {
	if err := confirmDestructive(opts, "Delete chassis "+id+"?", "Member nodes are detached, not deleted."); err != nil {
		return err
	}
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.DeleteChassis(ctx, id); err != nil {
		return fmt.Errorf("failed to delete chassis %s: %w", id, err)
	}
	fmt.Fprintf(stdout, "Chassis %s deleted\n", id)
	return nil
}

func renderChassis(format string, v any, chassis []v1alpha1.Chassis) error {
	return render(format, v, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(chassis))
		for _, c := range chassis {
			rows = append(rows, []string{c.UUID, orDash(c.Description)})
		}
		return []string{"UUID", "DESCRIPTION"}, rows
	})
}
