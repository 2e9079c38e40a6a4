// Package commands defines the metalctl command tree and flag bindings.
//
// Command execution is delegated to handler functions in the handlers
// package.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/imamik/metalconductor/cmd/metalctl/handlers"
)

const defaultEndpoint = "http://localhost:6385"

// globals holds the persistent flags of the current command tree.
var globals handlers.Options

// Root returns the root command for the metalctl CLI.
func Root() *cobra.Command {
	globals = handlers.Options{}

	cmd := &cobra.Command{
		Use:           "metalctl",
		Short:         "Manage bare-metal nodes through a metal conductor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return handlers.ValidateOutput(globals.Output)
		},
	}

	endpoint := os.Getenv("METALCTL_ENDPOINT")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	cmd.PersistentFlags().StringVarP(&globals.Endpoint, "endpoint", "e", endpoint, "Conductor API endpoint (env METALCTL_ENDPOINT)")
	cmd.PersistentFlags().StringVarP(&globals.Output, "output", "o", handlers.OutputTable, "Output format: table, json or yaml")
	cmd.PersistentFlags().BoolVarP(&globals.Yes, "yes", "y", false, "Skip confirmation prompts for destructive actions")

	// Inventory
	cmd.AddCommand(Node())
	cmd.AddCommand(Port())
	cmd.AddCommand(PortGroup())
	cmd.AddCommand(Chassis())

	// Fleet
	cmd.AddCommand(Apply())
	cmd.AddCommand(Watch())
	cmd.AddCommand(Conductor())
	cmd.AddCommand(Driver())

	cmd.AddCommand(Version())
	cmd.AddCommand(Completion())

	return cmd
}
