package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/cmd/metalctl/handlers"
)

// Node returns the node command group.
func Node() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "node",
		Aliases: []string{"nodes"},
		Short:   "Enroll, inspect and provision nodes",
	}

	cmd.AddCommand(nodeCreate())
	cmd.AddCommand(nodeList())
	cmd.AddCommand(nodeShow())
	cmd.AddCommand(nodeUpdate())
	cmd.AddCommand(nodeDelete())

	for _, v := range provisionVerbs {
		cmd.AddCommand(nodeProvision(v))
	}

	cmd.AddCommand(nodePower())
	cmd.AddCommand(nodeMaintenance())
	cmd.AddCommand(nodeSteps())
	cmd.AddCommand(nodePassthru())

	return cmd
}

func nodeCreate() *cobra.Command {
	var in handlers.NodeCreateInput

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enroll a node",
		Long: `Enroll a node in the enroll state.

Interfaces not given fall back to the conductor defaults.

Example:
  metalctl node create --name web-1 \
    --interface power=hcloud --interface deploy=agent \
    --driver-info hcloud_server_id=4711`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.NodeCreate(cmd.Context(), globals, in)
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Hostname-like node name")
	cmd.Flags().StringVar(&in.ChassisUUID, "chassis", "", "Chassis UUID")
	cmd.Flags().StringToStringVar(&in.Interfaces, "interface", nil, "Interface binding as capability=implementation")
	cmd.Flags().StringToStringVar(&in.DriverInfo, "driver-info", nil, "Driver info as key=value")

	return cmd
}

func nodeList() *cobra.Command {
	var in handlers.NodeListInput

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List nodes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.NodeList(cmd.Context(), globals, in)
		},
	}

	cmd.Flags().StringVar(&in.ProvisionState, "state", "", "Only nodes in this provision state")
	cmd.Flags().StringVar(&in.Maintenance, "maintenance", "", "Only nodes with this maintenance flag (true or false)")
	cmd.Flags().StringVar(&in.Conductor, "conductor", "", "Only nodes mapped to this conductor")
	cmd.Flags().BoolVar(&in.Reserved, "reserved", false, "Only nodes with a held reservation")

	return cmd
}

func nodeShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show <node>",
		Short: "Show a node by UUID or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeShow(cmd.Context(), globals, args[0])
		},
	}
}

func nodeUpdate() *cobra.Command {
	var (
		in                handlers.NodeUpdateInput
		name, chassisUUID string
	)

	cmd := &cobra.Command{
		Use:   "update <node>",
		Short: "Update the writable fields of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("name") {
				in.Name = &name
			}
			if cmd.Flags().Changed("chassis") {
				in.ChassisUUID = &chassisUUID
			}
			return handlers.NodeUpdate(cmd.Context(), globals, args[0], in)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Set the node name (only when unset)")
	cmd.Flags().StringVar(&chassisUUID, "chassis", "", "Move the node to a chassis; empty detaches it")
	cmd.Flags().StringToStringVar(&in.Interfaces, "interface", nil, "Interface binding as capability=implementation")
	cmd.Flags().StringToStringVar(&in.DriverInfo, "driver-info", nil, "Driver info as key=value")
	cmd.Flags().StringToStringVar(&in.InstanceInfo, "instance-info", nil, "Instance info as key=value")

	return cmd
}

func nodeDelete() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node>",
		Short: "Delete a node",
		Long: `Delete a node record and its ports.

Only nodes in enroll, manageable, available or a failed state can be
deleted, unless the node is in maintenance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeDelete(cmd.Context(), globals, args[0])
		},
	}
}

type provisionVerb struct {
	verb  v1alpha1.Verb
	short string
}

var provisionVerbs = []provisionVerb{
	{v1alpha1.VerbManage, "Verify management access and move the node to manageable"},
	{v1alpha1.VerbProvide, "Clean a manageable node and make it available"},
	{v1alpha1.VerbInspect, "Discover hardware properties of a manageable node"},
	{v1alpha1.VerbClean, "Run manual clean steps on a manageable node"},
	{v1alpha1.VerbDeploy, "Deploy an image onto an available node"},
	{v1alpha1.VerbRebuild, "Redeploy an active node"},
	{v1alpha1.VerbUndeploy, "Tear down an active node and clean it"},
	{v1alpha1.VerbDeleted, "Alias of undeploy"},
	{v1alpha1.VerbAbort, "Abort the running operation"},
	{v1alpha1.VerbRescue, "Boot an active node into the rescue ramdisk"},
	{v1alpha1.VerbUnrescue, "Return a rescued node to active"},
	{v1alpha1.VerbAdopt, "Take over a node that is already deployed"},
}

func nodeProvision(v provisionVerb) *cobra.Command {
	var in handlers.ProvisionInput

	cmd := &cobra.Command{
		Use:   string(v.verb) + " <node>",
		Short: v.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeProvision(cmd.Context(), globals, args[0], v.verb, in)
		},
	}

	switch v.verb {
	case v1alpha1.VerbClean:
		cmd.Flags().StringVar(&in.CleanSteps, "clean-steps", "", "JSON array of clean steps to run (required)")
		cmd.Flags().BoolVar(&in.DisableRamdisk, "disable-ramdisk", false, "Run steps without booting the agent ramdisk")
		_ = cmd.MarkFlagRequired("clean-steps")
	case v1alpha1.VerbDeploy, v1alpha1.VerbRebuild:
		cmd.Flags().StringVar(&in.DeploySteps, "deploy-steps", "", "JSON array of extra deploy steps")
	case v1alpha1.VerbRescue:
		cmd.Flags().StringVar(&in.RescuePassword, "rescue-password", "", "Password for the rescue ramdisk (required)")
		_ = cmd.MarkFlagRequired("rescue-password")
	}

	return cmd
}

func nodePower() *cobra.Command {
	return &cobra.Command{
		Use:       "power <node> <on|off|reboot>",
		Short:     "Change the power state of a node",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off", "reboot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodePower(cmd.Context(), globals, args[0], v1alpha1.PowerTarget(args[1]))
		},
	}
}

func nodeMaintenance() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "maintenance <node> <on|off>",
		Short: "Put a node into or take it out of maintenance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[1]) {
			case "on", "true":
				on = true
			case "off", "false":
			default:
				return fmt.Errorf("invalid maintenance mode %q (want on or off)", args[1])
			}
			return handlers.NodeMaintenance(cmd.Context(), globals, args[0], on, reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the node is in maintenance")

	return cmd
}

func nodeSteps() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "steps <node>",
		Short: "List the steps the node's interfaces offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodeSteps(cmd.Context(), globals, args[0], v1alpha1.StepKind(kind))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(v1alpha1.StepKindClean), "Step kind: clean, deploy, inspect, ...")

	return cmd
}

func nodePassthru() *cobra.Command {
	var method, data string

	cmd := &cobra.Command{
		Use:   "passthru <node>",
		Short: "List or call vendor passthru methods",
		Long: `Without --method, list the vendor methods of the node's vendor interface.
With --method, call it with an optional JSON payload.

Example:
  metalctl node passthru web-1 --method bmc_reset --data '{"warm":true}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.NodePassthru(cmd.Context(), globals, args[0], method, data)
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "Vendor method to call")
	cmd.Flags().StringVar(&data, "data", "", "JSON object passed to the method")

	return cmd
}
