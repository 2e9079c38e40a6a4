package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/imamik/metalconductor/cmd/metalctl/handlers"
)

type listFunc func(ctx context.Context, opts handlers.Options, node string) error

type deleteFunc func(ctx context.Context, opts handlers.Options, id string) error

func listByNode(what string, fn listFunc) *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List " + what,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fn(cmd.Context(), globals, node)
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "Only "+what+" of this node")

	return cmd
}

func deleteByID(what string, fn deleteFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uuid>",
		Short: "Delete a " + what,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fn(cmd.Context(), globals, args[0])
		},
	}
}
