package hcloud

import (
	"context"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
)

// ExtraRescueEnabled marks a node whose server was put into rescue mode by
// the conductor.
const ExtraRescueEnabled = "hcloud_rescue_enabled"

// Boot uses the rescue system as the ramdisk. The next power on or reset
// boots it; disabling rescue boots the installed disk again.
type Boot struct {
	c *Client
}

func NewBoot(c *Client) *Boot { return &Boot{c: c} }

func (b *Boot) Name() string { return Name }

func (b *Boot) Validate(_ context.Context, node *v1alpha1.Node) error {
	return validate(node)
}

func (b *Boot) PrepareRamdisk(ctx context.Context, node *v1alpha1.Node, _ map[string]string) error {
	id, err := serverID(node)
	if err != nil {
		return err
	}
	keys, err := sshKeys(node)
	if err != nil {
		return err
	}
	rescueType := hcloud.ServerRescueTypeLinux64
	if t := node.DriverInfo[InfoRescueType]; t != "" {
		rescueType = hcloud.ServerRescueType(t)
	}

	if err := b.c.runAction(ctx, "enable rescue", func() (*hcloud.Action, error) {
		res, _, err := b.c.client.Server.EnableRescue(ctx, &hcloud.Server{ID: id}, hcloud.ServerEnableRescueOpts{
			Type:    rescueType,
			SSHKeys: keys,
		})
		return res.Action, err
	}); err != nil {
		return err
	}
	setExtra(node, ExtraRescueEnabled, "true")
	log.FromContext(ctx).Info("rescue system enabled", "node", node.UUID, "server", id)
	return nil
}

func (b *Boot) CleanUpRamdisk(ctx context.Context, node *v1alpha1.Node) error {
	return b.disableRescue(ctx, node)
}

func (b *Boot) PrepareInstance(ctx context.Context, node *v1alpha1.Node) error {
	return b.disableRescue(ctx, node)
}

// CleanUpInstance has nothing to undo; the disk is wiped by cleaning.
func (b *Boot) CleanUpInstance(context.Context, *v1alpha1.Node) error { return nil }

// FinishFlow leaves rescue mode after every flow except a successful rescue,
// which is meant to keep the server in the rescue system.
func (b *Boot) FinishFlow(ctx context.Context, node *v1alpha1.Node, kind v1alpha1.StepKind, failed bool) error {
	if kind == v1alpha1.StepKindRescue && !failed {
		return nil
	}
	return b.disableRescue(ctx, node)
}

func (b *Boot) disableRescue(ctx context.Context, node *v1alpha1.Node) error {
	if node.DriverInternalInfo.Extra[ExtraRescueEnabled] == "" {
		return nil
	}
	id, err := serverID(node)
	if err != nil {
		return err
	}
	if err := b.c.runAction(ctx, "disable rescue", func() (*hcloud.Action, error) {
		a, _, err := b.c.client.Server.DisableRescue(ctx, &hcloud.Server{ID: id})
		return a, err
	}); err != nil {
		return err
	}
	delete(node.DriverInternalInfo.Extra, ExtraRescueEnabled)
	return nil
}

func setExtra(node *v1alpha1.Node, key, value string) {
	if node.DriverInternalInfo.Extra == nil {
		node.DriverInternalInfo.Extra = map[string]string{}
	}
	node.DriverInternalInfo.Extra[key] = value
}

// Register adds the power and boot interfaces backed by c to r.
func Register(r *drivers.Registry, c *Client) error {
	if err := r.Register(v1alpha1.InterfacePower, NewPower(c)); err != nil {
		return err
	}
	return r.Register(v1alpha1.InterfaceBoot, NewBoot(c))
}
