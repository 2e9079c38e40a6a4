package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/internal/util/retry"
)

// Agent commands.
const (
	CommandWriteImage    = "deploy.write_image"
	CommandEraseMetadata = "clean.erase_devices_metadata"
	CommandEraseDevices  = "clean.erase_devices"
	CommandRescue        = "rescue.finalize_rescue"
	CommandPowerOff      = "standby.power_off"
)

// Command is posted to the agent API.
type Command struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Client sends commands to agents running on nodes.
type Client struct {
	http     *http.Client
	retryOps []retry.Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for agent requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetryOptions appends to the retry behaviour of agent requests.
func WithRetryOptions(opts ...retry.Option) ClientOption {
	return func(c *Client) {
		c.retryOps = append(c.retryOps, opts...)
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		retryOps: []retry.Option{
			retry.WithMaxRetries(3),
			retry.WithInitialDelay(time.Second),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts cmd to the agent at baseURL without waiting for it to finish.
// The agent reports the outcome through its heartbeat. Client errors from
// the agent are not retried.
func (c *Client) Send(ctx context.Context, baseURL string, cmd Command) error {
	if baseURL == "" {
		return fmt.Errorf("agent has not reported a callback url")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode agent command: %w", err)
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/v1/commands?wait=false"

	err = retry.WithExponentialBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return retry.Fatal(fmt.Errorf("agent rejected %s: %s: %s", cmd.Name, resp.Status, strings.TrimSpace(string(msg))))
		default:
			return fmt.Errorf("agent failed %s: %s: %s", cmd.Name, resp.Status, strings.TrimSpace(string(msg)))
		}
	}, c.retryOps...)
	if err != nil {
		return err
	}
	log.FromContext(ctx).V(1).Info("sent agent command", "command", cmd.Name, "agent", baseURL)
	return nil
}
