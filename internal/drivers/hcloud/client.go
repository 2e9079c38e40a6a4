// Package hcloud drives Hetzner Cloud servers as bare metal nodes.
//
// Power maps to the server power actions and Boot uses the rescue system
// as the agent ramdisk. A node names its server through the driver_info key
// hcloud_server_id.
package hcloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/util/retry"
)

// Name is the implementation name of the power and boot interfaces.
const Name = "hcloud"

// Driver info keys.
const (
	InfoServerID   = "hcloud_server_id"
	InfoSSHKeys    = "hcloud_ssh_keys"
	InfoRescueType = "hcloud_rescue_type"
)

// Client wraps the Hetzner Cloud API with retries on locked resources and
// rate limits.
type Client struct {
	client   *hcloud.Client
	retryOps []retry.Option
}

// Option configures a Client.
type Option func(*Client)

// WithHCloudClient sets a custom hcloud client (useful for testing).
func WithHCloudClient(hc *hcloud.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRetryOptions appends to the retry behaviour of API calls.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryOps = append(c.retryOps, opts...)
	}
}

// NewClient creates a client authenticating with token. A non-empty
// endpoint replaces the public API URL.
func NewClient(token, endpoint string, opts ...Option) *Client {
	hopts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("metalconductor", ""),
	}
	if endpoint != "" {
		hopts = append(hopts, hcloud.WithEndpoint(endpoint))
	}
	c := &Client{
		client: hcloud.NewClient(hopts...),
		retryOps: []retry.Option{
			retry.WithMaxRetries(5),
			retry.WithInitialDelay(2 * time.Second),
			retry.WithMaxDelay(30 * time.Second),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do runs fn with retries. Invalid parameters are not retried.
func (c *Client) do(ctx context.Context, what string, fn func() error) error {
	opts := append([]retry.Option{retry.WithRetryIf(retryable)}, c.retryOps...)
	err := retry.WithExponentialBackoff(ctx, func() error {
		err := fn()
		if isInvalidParameter(err) {
			return retry.Fatal(err)
		}
		return err
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}

// runAction starts an action with retries and waits for it to finish.
func (c *Client) runAction(ctx context.Context, what string, start func() (*hcloud.Action, error)) error {
	var action *hcloud.Action
	if err := c.do(ctx, what, func() error {
		var err error
		action, err = start()
		return err
	}); err != nil {
		return err
	}
	if action == nil {
		return nil
	}
	if err := c.client.Action.WaitFor(ctx, action); err != nil {
		return fmt.Errorf("failed to wait for %s: %w", what, err)
	}
	return nil
}

func (c *Client) server(ctx context.Context, node *v1alpha1.Node) (*hcloud.Server, error) {
	id, err := serverID(node)
	if err != nil {
		return nil, err
	}
	var srv *hcloud.Server
	if err := c.do(ctx, "get server", func() error {
		srv, _, err = c.client.Server.GetByID(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}
	if srv == nil {
		return nil, fmt.Errorf("server %d: %w", id, errdefs.ErrNotFound)
	}
	return srv, nil
}

func serverID(node *v1alpha1.Node) (int64, error) {
	raw := node.DriverInfo[InfoServerID]
	if raw == "" {
		return 0, fmt.Errorf("driver_info.%s is required: %w", InfoServerID, errdefs.ErrInvalidParameter)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid server id %q: %w", raw, errdefs.ErrInvalidParameter)
	}
	return id, nil
}

func sshKeys(node *v1alpha1.Node) ([]*hcloud.SSHKey, error) {
	var keys []*hcloud.SSHKey
	for _, kid := range strings.Split(node.DriverInfo[InfoSSHKeys], ",") {
		kid = strings.TrimSpace(kid)
		if kid == "" {
			continue
		}
		id, err := strconv.ParseInt(kid, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh key id %q: %w", kid, errdefs.ErrInvalidParameter)
		}
		keys = append(keys, &hcloud.SSHKey{ID: id})
	}
	return keys, nil
}

func validate(node *v1alpha1.Node) error {
	if _, err := serverID(node); err != nil {
		return err
	}
	_, err := sshKeys(node)
	return err
}
