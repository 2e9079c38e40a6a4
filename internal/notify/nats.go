package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to every published subject.
const DefaultSubjectPrefix = "metalconductor"

// NATSObserver publishes events as JSON to NATS. Subjects have the form
// <prefix>.<event type>.<node>, so subscribers can filter per node with
// wildcards.
type NATSObserver struct {
	nc     *nats.Conn
	prefix string
	log    logr.Logger
}

// NATSOptions configures NewNATSObserver.
type NATSOptions struct {
	URL           string
	Name          string
	SubjectPrefix string
	Logger        logr.Logger
}

// NewNATSObserver connects to NATS. Reconnects are retried forever so a
// broker restart does not take the conductor down.
func NewNATSObserver(opts NATSOptions) (*NATSObserver, error) {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if opts.Name == "" {
		opts.Name = "metalconductor"
	}
	logger := opts.Logger.WithName("nats")

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, "nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", opts.URL, err)
	}
	return &NATSObserver{nc: nc, prefix: opts.SubjectPrefix, log: logger}, nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ev Event) string {
	parts := []string{prefix, string(ev.Type)}
	if ev.Node != "" {
		parts = append(parts, ev.Node)
	}
	return strings.Join(parts, ".")
}

// Event implements Observer. Publish failures are logged and dropped.
func (o *NATSObserver) Event(ctx context.Context, ev Event) {
	if o.nc == nil || o.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger(ctx).Error(err, "failed to encode event", "type", ev.Type)
		return
	}
	if err := o.nc.Publish(Subject(o.prefix, ev), payload); err != nil {
		logger(ctx).Error(err, "failed to publish event", "type", ev.Type, "node", ev.Node)
	}
}

// Close drains pending messages and closes the connection.
func (o *NATSObserver) Close() {
	if o.nc == nil {
		return
	}
	if err := o.nc.Drain(); err != nil {
		o.log.Error(err, "failed to drain nats connection")
	}
	o.nc.Close()
}
