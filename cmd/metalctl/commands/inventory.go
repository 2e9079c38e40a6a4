package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/cmd/metalctl/handlers"
)

// Port returns the port command group.
func Port() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "port",
		Aliases: []string{"ports"},
		Short:   "Manage node network ports",
	}

	var p v1alpha1.Port
	create := &cobra.Command{
		Use:   "create <mac-address>",
		Short: "Attach a port to a node",
		Long: `Attach a port to a node.

The node must not be reserved by a running operation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Address = args[0]
			return handlers.PortCreate(cmd.Context(), globals, p)
		},
	}
	create.Flags().StringVar(&p.NodeUUID, "node", "", "Owning node UUID (required)")
	create.Flags().StringVar(&p.PortGroupUUID, "portgroup", "", "Portgroup UUID")
	create.Flags().BoolVar(&p.PXEEnabled, "pxe", true, "Boot from this port")
	create.Flags().StringVar(&p.LocalLinkConnection.SwitchID, "switch-id", "", "Switch ID of the link")
	create.Flags().StringVar(&p.LocalLinkConnection.PortID, "switch-port", "", "Switch port of the link")
	_ = create.MarkFlagRequired("node")

	cmd.AddCommand(create)
	cmd.AddCommand(listByNode("ports", handlers.PortList))
	cmd.AddCommand(deleteByID("port", handlers.PortDelete))

	return cmd
}

// PortGroup returns the portgroup command group.
func PortGroup() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "portgroup",
		Aliases: []string{"portgroups"},
		Short:   "Manage bonded port groups",
	}

	var pg v1alpha1.PortGroup
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a port group on a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.PortGroupCreate(cmd.Context(), globals, pg)
		},
	}
	create.Flags().StringVar(&pg.NodeUUID, "node", "", "Owning node UUID (required)")
	create.Flags().StringVar(&pg.Name, "name", "", "Port group name")
	create.Flags().StringVar(&pg.Address, "address", "", "MAC address of the bond")
	create.Flags().StringVar(&pg.Mode, "mode", "", "Bonding mode, e.g. 802.3ad")
	_ = create.MarkFlagRequired("node")

	cmd.AddCommand(create)
	cmd.AddCommand(listByNode("portgroups", handlers.PortGroupList))
	cmd.AddCommand(deleteByID("portgroup", handlers.PortGroupDelete))

	return cmd
}

// Chassis returns the chassis command group.
func Chassis() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chassis",
		Short: "Manage chassis that group nodes",
	}

	var ch v1alpha1.Chassis
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a chassis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.ChassisCreate(cmd.Context(), globals, ch)
		},
	}
	create.Flags().StringVar(&ch.Description, "description", "", "Free-form description")
	create.Flags().StringToStringVar(&ch.Extra, "extra", nil, "Extra metadata as key=value")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List chassis",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.ChassisList(cmd.Context(), globals)
		},
	}

	cmd.AddCommand(create)
	cmd.AddCommand(list)
	cmd.AddCommand(deleteByID("chassis", handlers.ChassisDelete))

	return cmd
}
