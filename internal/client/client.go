// Package client is a typed HTTP client for the conductor API.
//
// Error responses are decoded and wrapped around the matching errdefs
// sentinel, so callers classify failures with errors.Is exactly as they
// would against the conductor service itself.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/util/retry"
)

// Client talks to one conductor.
type Client struct {
	base     *url.URL
	http     *http.Client
	retryOps []retry.Option
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetryOptions sets how idempotent requests are retried. Requests are
// only retried for transport errors and retryable conductor errors.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Client) {
		c.retryOps = append(c.retryOps, opts...)
	}
}

// New creates a client for the conductor at endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid conductor endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("conductor endpoint %q must use http or https", endpoint)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 30 * time.Second},
		retryOps: []retry.Option{
			retry.WithMaxRetries(3),
			retry.WithInitialDelay(500 * time.Millisecond),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a failed request.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("conductor returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("conductor returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Is matches the errdefs sentinel named by the response code.
func (e *APIError) Is(target error) bool {
	sentinel := errdefs.FromCode(e.Code)
	return sentinel != nil && sentinel == target
}

// do sends a request and decodes a JSON response into out when out is not
// nil. GET requests are retried.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	send := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return retry.Fatal(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return decodeError(resp)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Fatal(fmt.Errorf("failed to decode %s %s response: %w", method, path, err))
		}
		return nil
	}

	if method != http.MethodGet {
		return send()
	}
	opts := append([]retry.Option{retry.WithRetryIf(retryable)}, c.retryOps...)
	return retry.WithExponentialBackoff(ctx, send, opts...)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var er v1alpha1.ErrorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		apiErr.Code = er.Code
		apiErr.Message = er.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errdefs.Retryable(apiErr)
	}
	return true
}

// CreateNode enrolls a node.
func (c *Client) CreateNode(ctx context.Context, n *v1alpha1.Node) (*v1alpha1.Node, error) {
	var out v1alpha1.Node
	if err := c.do(ctx, http.MethodPost, "/v1/nodes", nil, n, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeQuery filters ListNodes.
type NodeQuery struct {
	ProvisionState v1alpha1.ProvisionState
	Maintenance    *bool
	Conductor      string
	Reserved       bool
}

func (q NodeQuery) values() url.Values {
	v := url.Values{}
	if q.ProvisionState != "" {
		v.Set("provision_state", string(q.ProvisionState))
	}
	if q.Maintenance != nil {
		v.Set("maintenance", fmt.Sprint(*q.Maintenance))
	}
	if q.Conductor != "" {
		v.Set("conductor", q.Conductor)
	}
	if q.Reserved {
		v.Set("reserved", "true")
	}
	return v
}

// ListNodes lists nodes matching q.
func (c *Client) ListNodes(ctx context.Context, q NodeQuery) ([]v1alpha1.Node, error) {
	var out v1alpha1.NodeList
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", q.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// GetNode fetches a node by UUID or name.
func (c *Client) GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error) {
	var out v1alpha1.Node
	if err := c.do(ctx, http.MethodGet, nodePath(ident), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateNode patches a node.
func (c *Client) UpdateNode(ctx context.Context, ident string, patch v1alpha1.NodePatch) (*v1alpha1.Node, error) {
	var out v1alpha1.Node
	if err := c.do(ctx, http.MethodPatch, nodePath(ident), nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteNode removes a node.
func (c *Client) DeleteNode(ctx context.Context, ident string) error {
	return c.do(ctx, http.MethodDelete, nodePath(ident), nil, nil, nil)
}

// SetProvisionState requests a lifecycle verb. It returns once the
// conductor accepted the request.
func (c *Client) SetProvisionState(ctx context.Context, ident string, req v1alpha1.ProvisionRequest) error {
	return c.do(ctx, http.MethodPut, nodePath(ident)+"/states/provision", nil, req, nil)
}

// SetPowerState requests a power change.
func (c *Client) SetPowerState(ctx context.Context, ident string, target v1alpha1.PowerTarget) error {
	return c.do(ctx, http.MethodPut, nodePath(ident)+"/states/power", nil, v1alpha1.PowerRequest{Target: target}, nil)
}

// SetMaintenance turns maintenance mode on or off.
func (c *Client) SetMaintenance(ctx context.Context, ident string, on bool, reason string) (*v1alpha1.Node, error) {
	var out v1alpha1.Node
	var err error
	if on {
		err = c.do(ctx, http.MethodPut, nodePath(ident)+"/maintenance", nil, v1alpha1.MaintenanceRequest{Reason: reason}, &out)
	} else {
		err = c.do(ctx, http.MethodDelete, nodePath(ident)+"/maintenance", nil, nil, &out)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSteps lists the steps of kind available to a node.
func (c *Client) ListSteps(ctx context.Context, ident string, kind v1alpha1.StepKind) ([]v1alpha1.StepInfo, error) {
	var out v1alpha1.StepList
	q := url.Values{"kind": {string(kind)}}
	if err := c.do(ctx, http.MethodGet, nodePath(ident)+"/steps", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// ListVendorMethods lists the vendor passthru methods of a node.
func (c *Client) ListVendorMethods(ctx context.Context, ident string) ([]v1alpha1.VendorMethodInfo, error) {
	var out []v1alpha1.VendorMethodInfo
	if err := c.do(ctx, http.MethodGet, nodePath(ident)+"/vendor_passthru/methods", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VendorPassthru calls a vendor method with a POST. The result is nil for
// asynchronous methods.
func (c *Client) VendorPassthru(ctx context.Context, ident, method string, payload map[string]any) (any, error) {
	var out any
	q := url.Values{"method": {method}}
	if err := c.do(ctx, http.MethodPost, nodePath(ident)+"/vendor_passthru", q, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat reports agent status for a node.
func (c *Client) Heartbeat(ctx context.Context, ident string, hb v1alpha1.HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/heartbeat/"+url.PathEscape(ident), nil, hb, nil)
}

// CreatePort attaches a port to a node.
func (c *Client) CreatePort(ctx context.Context, p *v1alpha1.Port) (*v1alpha1.Port, error) {
	var out v1alpha1.Port
	if err := c.do(ctx, http.MethodPost, "/v1/ports", nil, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPorts lists the ports of a node, or all ports when node is empty.
func (c *Client) ListPorts(ctx context.Context, node string) ([]v1alpha1.Port, error) {
	var out v1alpha1.PortList
	if err := c.do(ctx, http.MethodGet, "/v1/ports", nodeQuery(node), nil, &out); err != nil {
		return nil, err
	}
	return out.Ports, nil
}

// DeletePort removes a port by UUID or MAC address.
func (c *Client) DeletePort(ctx context.Context, ident string) error {
	return c.do(ctx, http.MethodDelete, "/v1/ports/"+url.PathEscape(ident), nil, nil, nil)
}

// CreatePortGroup adds a port group to a node.
func (c *Client) CreatePortGroup(ctx context.Context, pg *v1alpha1.PortGroup) (*v1alpha1.PortGroup, error) {
	var out v1alpha1.PortGroup
	if err := c.do(ctx, http.MethodPost, "/v1/portgroups", nil, pg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPortGroups lists the port groups of a node, or all when node is empty.
func (c *Client) ListPortGroups(ctx context.Context, node string) ([]v1alpha1.PortGroup, error) {
	var out v1alpha1.PortGroupList
	if err := c.do(ctx, http.MethodGet, "/v1/portgroups", nodeQuery(node), nil, &out); err != nil {
		return nil, err
	}
	return out.PortGroups, nil
}

// DeletePortGroup removes a port group.
func (c *Client) DeletePortGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/portgroups/"+url.PathEscape(id), nil, nil, nil)
}

// CreateChassis registers a chassis.
func (c *Client) CreateChassis(ctx context.Context, ch *v1alpha1.Chassis) (*v1alpha1.Chassis, error) {
	var out v1alpha1.Chassis
	if err := c.do(ctx, http.MethodPost, "/v1/chassis", nil, ch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChassis lists every chassis.
func (c *Client) ListChassis(ctx context.Context) ([]v1alpha1.Chassis, error) {
	var out v1alpha1.ChassisList
	if err := c.do(ctx, http.MethodGet, "/v1/chassis", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chassis, nil
}

// DeleteChassis removes a chassis.
func (c *Client) DeleteChassis(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/chassis/"+url.PathEscape(id), nil, nil, nil)
}

// ListInterfaces lists the registered implementations per capability.
func (c *Client) ListInterfaces(ctx context.Context) (*v1alpha1.InterfaceList, error) {
	var out v1alpha1.InterfaceList
	if err := c.do(ctx, http.MethodGet, "/v1/drivers/interfaces", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConductors lists the ring membership.
func (c *Client) ListConductors(ctx context.Context) ([]v1alpha1.Conductor, error) {
	var out v1alpha1.ConductorList
	if err := c.do(ctx, http.MethodGet, "/v1/conductors", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conductors, nil
}

// JoinConductor adds name to the ring, or refreshes it.
func (c *Client) JoinConductor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/conductors", nil, v1alpha1.Conductor{Name: name}, nil)
}

// LeaveConductor removes name from the ring.
func (c *Client) LeaveConductor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/conductors/"+url.PathEscape(name), nil, nil, nil)
}

func nodePath(ident string) string {
	return "/v1/nodes/" + url.PathEscape(ident)
}

func nodeQuery(node string) url.Values {
	if node == "" {
		return nil
	}
	return url.Values{"node": {node}}
}
