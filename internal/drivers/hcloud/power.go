package hcloud

import (
	"context"
	"fmt"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// Power switches servers with the power actions of the API. Reboot is a hard
// reset.
type Power struct {
	c *Client
}

func NewPower(c *Client) *Power { return &Power{c: c} }

func (p *Power) Name() string { return Name }

func (p *Power) Validate(_ context.Context, node *v1alpha1.Node) error {
	return validate(node)
}

func (p *Power) GetPowerState(ctx context.Context, node *v1alpha1.Node) (v1alpha1.PowerState, error) {
	srv, err := p.c.server(ctx, node)
	if err != nil {
		return v1alpha1.PowerUnknown, err
	}
	return powerState(srv.Status), nil
}

func (p *Power) SetPowerState(ctx context.Context, node *v1alpha1.Node, target v1alpha1.PowerTarget, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	id, err := serverID(node)
	if err != nil {
		return err
	}
	srv := &hcloud.Server{ID: id}
	log.FromContext(ctx).V(1).Info("setting server power", "node", node.UUID, "server", id, "target", target)

	var start func() (*hcloud.Action, error)
	switch target {
	case v1alpha1.PowerTargetOn:
		start = func() (*hcloud.Action, error) {
			a, _, err := p.c.client.Server.Poweron(ctx, srv)
			return a, err
		}
	case v1alpha1.PowerTargetOff:
		start = func() (*hcloud.Action, error) {
			a, _, err := p.c.client.Server.Poweroff(ctx, srv)
			return a, err
		}
	case v1alpha1.PowerTargetReboot:
		start = func() (*hcloud.Action, error) {
			a, _, err := p.c.client.Server.Reset(ctx, srv)
			return a, err
		}
	default:
		return fmt.Errorf("power target %q: %w", target, errdefs.ErrInvalidParameter)
	}
	return p.c.runAction(ctx, "power "+string(target)+" server", start)
}

func powerState(s hcloud.ServerStatus) v1alpha1.PowerState {
	switch s {
	case hcloud.ServerStatusRunning:
		return v1alpha1.PowerOn
	case hcloud.ServerStatusOff:
		return v1alpha1.PowerOff
	default:
		return v1alpha1.PowerUnknown
	}
}
