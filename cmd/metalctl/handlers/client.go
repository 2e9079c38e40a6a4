package handlers

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/client"
)

// API is the subset of the conductor client used by metalctl.
type API interface {
	CreateNode(ctx context.Context, n *v1alpha1.Node) (*v1alpha1.Node, error)
	ListNodes(ctx context.Context, q client.NodeQuery) ([]v1alpha1.Node, error)
	GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error)
	UpdateNode(ctx context.Context, ident string, patch v1alpha1.NodePatch) (*v1alpha1.Node, error)
	DeleteNode(ctx context.Context, ident string) error
	SetProvisionState(ctx context.Context, ident string, req v1alpha1.ProvisionRequest) error
	SetPowerState(ctx context.Context, ident string, target v1alpha1.PowerTarget) error
	SetMaintenance(ctx context.Context, ident string, on bool, reason string) (*v1alpha1.Node, error)
	ListSteps(ctx context.Context, ident string, kind v1alpha1.StepKind) ([]v1alpha1.StepInfo, error)
	ListVendorMethods(ctx context.Context, ident string) ([]v1alpha1.VendorMethodInfo, error)
	VendorPassthru(ctx context.Context, ident, method string, payload map[string]any) (any, error)

	CreatePort(ctx context.Context, p *v1alpha1.Port) (*v1alpha1.Port, error)
	ListPorts(ctx context.Context, node string) ([]v1alpha1.Port, error)
	DeletePort(ctx context.Context, ident string) error
	CreatePortGroup(ctx context.Context, pg *v1alpha1.PortGroup) (*v1alpha1.PortGroup, error)
	ListPortGroups(ctx context.Context, node string) ([]v1alpha1.PortGroup, error)
	DeletePortGroup(ctx context.Context, id string) error
	CreateChassis(ctx context.Context, ch *v1alpha1.Chassis) (*v1alpha1.Chassis, error)
	ListChassis(ctx context.Context) ([]v1alpha1.Chassis, error)
	DeleteChassis(ctx context.Context, id string) error

	ListInterfaces(ctx context.Context) (*v1alpha1.InterfaceList, error)
	ListConductors(ctx context.Context) ([]v1alpha1.Conductor, error)
	JoinConductor(ctx context.Context, name string) error
	LeaveConductor(ctx context.Context, name string) error
}

// Options are the global flags shared by every command.
type Options struct {
	Endpoint string
	Output   string
	Yes      bool
}

// Factory function variables - can be replaced in tests.
var (
	newClient = func(endpoint string) (API, error) {
		return client.New(endpoint)
	}

	// stdout receives all command output.
	stdout io.Writer = os.Stdout

	isInteractiveTTY = func() bool {
		return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	}
)

func connect(opts Options) (API, error) {
	c, err := newClient(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", opts.Endpoint, err)
	}
	return c, nil
}
