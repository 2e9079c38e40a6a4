package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/imamik/metalconductor/cmd/metalctl/handlers"
)

// Apply returns the apply command.
func Apply() *cobra.Command {
	var (
		file   string
		noWait bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Enroll and provision nodes from a manifest",
		Long: `Apply converges the conductor towards a YAML manifest.

Missing chassis and nodes are created, existing nodes are patched and
missing ports are attached. The provision verbs of each node run in
order; apply waits for each to finish before sending the next.

Example manifest:
  nodes:
    - name: web-1
      interfaces: {power: hcloud, deploy: agent}
      driver_info: {hcloud_server_id: "4711"}
      ports:
        - address: "52:54:00:12:34:56"
      provision: [manage, provide]

Example:
  metalctl apply -f fleet.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Apply(cmd.Context(), globals, file, !noWait)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the manifest (required)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Send only the first provision verb of each node and return")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// Watch returns the watch command.
func Watch() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show a live dashboard of all nodes",
		Long: `Watch polls the conductor and renders node states, running steps and
ring membership. Press f to show failed nodes only, q to quit.

Without a terminal, a single snapshot is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Watch(cmd.Context(), globals, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")

	return cmd
}

// Conductor returns the conductor command group.
func Conductor() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conductor",
		Aliases: []string{"conductors"},
		Short:   "Inspect and change the conductor ring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List ring members",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.ConductorList(cmd.Context(), globals)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "join <name>",
		Short: "Add or refresh a ring member",
		Long: `Add or refresh a ring member.

Members drop out of the ring when they are not refreshed within the
liveness window, so run this periodically for remote conductors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.ConductorJoin(cmd.Context(), globals, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "leave <name>",
		Short: "Remove a ring member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.ConductorLeave(cmd.Context(), globals, args[0])
		},
	})

	return cmd
}

// Driver returns the driver command group.
func Driver() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "driver",
		Aliases: []string{"drivers"},
		Short:   "Inspect registered capability implementations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "interfaces",
		Short: "List implementations per capability interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.DriverInterfaces(cmd.Context(), globals)
		},
	})

	return cmd
}
