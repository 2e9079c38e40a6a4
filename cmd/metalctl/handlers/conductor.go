package handlers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// ConductorList prints the ring membership.
func ConductorList(ctx context.Context, opts Options) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	members, err := api.ListConductors(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conductors: %w", err)
	}
	return render(opts.Output, v1alpha1.ConductorList{Conductors: members}, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(members))
		for _, c := range members {
			rows = append(rows, []string{c.Name, yesNo(c.Alive), orDash(c.LastSeen)})
		}
		return []string{"NAME", "ALIVE", "LAST SEEN"}, rows
	})
}

// ConductorJoin registers or refreshes a ring member.
func ConductorJoin(ctx context.Context, opts Options, name string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.JoinConductor(ctx, name); err != nil {
		return fmt.Errorf("failed to join conductor %s: %w", name, err)
	}
	fmt.Fprintf(stdout, "Conductor %s joined\n", name)
	return nil
}

// ConductorLeave removes a ring member. Its nodes are taken over by the others.
func ConductorLeave(ctx context.Context, opts Options, name string) error {
	if err := confirmDestructive(opts, "Remove conductor "+name+" from the ring?", "Its nodes are rebalanced to the remaining conductors."); err != nil {
		return err
	}
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.LeaveConductor(ctx, name); err != nil {
		return fmt.Errorf("failed to remove conductor %s: %w", name, err)
	}
	fmt.Fprintf(stdout, "Conductor %s left\n", name)
	return nil
}

// DriverInterfaces prints the registered implementations per capability.
func DriverInterfaces(ctx context.Context, opts Options) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	list, err := api.ListInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	return render(opts.Output, list, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(v1alpha1.InterfaceOrder))
		for _, t := range v1alpha1.InterfaceOrder {
			impls := append([]string(nil), list.Interfaces[t]...)
			sort.Strings(impls)
			rows = append(rows, []string{string(t), orDash(list.Defaults.Get(t)), orDash(strings.Join(impls, ", "))})
		}
		return []string{"INTERFACE", "DEFAULT", "IMPLEMENTATIONS"}, rows
	})
}
