package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/client"
	"github.com/imamik/metalconductor/internal/ui/tui"
)

var runWatchTUI = tui.RunWatchTUI

// Watch shows a live dashboard of the fleet. Without a terminal it prints a
// single snapshot instead.
func Watch(ctx context.Context, opts Options, interval time.Duration) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}

	fetch := func(ctx context.Context) tui.NodesMsg {
		nodes, err := api.ListNodes(ctx, client.NodeQuery{})
		if err != nil {
			return tui.NodesMsg{FetchErr: err.Error()}
		}
		members, err := api.ListConductors(ctx)
		if err != nil {
			return tui.NodesMsg{FetchErr: err.Error()}
		}
		return tui.NodesMsg{Nodes: nodes, Conductors: members}
	}

	if opts.Output == OutputTable && isInteractiveTTY() {
		return runWatchTUI(ctx, opts.Endpoint, interval, fetch)
	}

	snap := fetch(ctx)
	if snap.FetchErr != "" {
		return fmt.Errorf("failed to fetch fleet state: %s", snap.FetchErr)
	}
	if opts.Output != OutputTable {
		return render(opts.Output, struct {
			Nodes      []v1alpha1.Node      `json:"nodes"`
			Conductors []v1alpha1.Conductor `json:"conductors"`
		}{snap.Nodes, snap.Conductors}, nil)
	}
	_, err = fmt.Fprint(stdout, tui.RenderOnce(opts.Endpoint, snap))
	return err
}
