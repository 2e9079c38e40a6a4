package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Conductor.Name == "" {
		errs = append(errs, errors.New("conductor.name is required"))
	} else if msgs := validation.IsDNS1123Subdomain(c.Conductor.Name); len(msgs) > 0 {
		errs = append(errs, fmt.Errorf("conductor.name %q: %s", c.Conductor.Name, strings.Join(msgs, "; ")))
	}
	if c.Conductor.Workers < 1 {
		errs = append(errs, fmt.Errorf("conductor.workers must be at least 1, got %d", c.Conductor.Workers))
	}
	for _, p := range c.Conductor.Peers {
		if msgs := validation.IsDNS1123Subdomain(p); len(msgs) > 0 {
			errs = append(errs, fmt.Errorf("conductor.peers %q: %s", p, strings.Join(msgs, "; ")))
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", StoreBadger, StoreMemory, c.Store.Driver))
	}

	if c.Ring.VirtualNodes < 1 {
		errs = append(errs, fmt.Errorf("ring.virtualNodes must be positive, got %d", c.Ring.VirtualNodes))
	}
	if c.Ring.Replicas < 1 {
		errs = append(errs, fmt.Errorf("ring.replicas must be positive, got %d", c.Ring.Replicas))
	}

	errs = append(errs, c.validateSteps()...)
	errs = append(errs, c.validateDrivers()...)

	if c.Events.NATSURL != "" {
		if _, err := url.Parse(c.Events.NATSURL); err != nil {
			errs = append(errs, fmt.Errorf("events.natsURL: %w", err))
		}
	}
	if c.Timeouts != nil && c.Timeouts.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateSteps() []error {
	var errs []error
	for key, prio := range c.Steps.Priorities {
		iface, step, ok := strings.Cut(key, ".")
		if !ok || step == "" || !slices.Contains(v1alpha1.InterfaceOrder, v1alpha1.InterfaceType(iface)) {
			errs = append(errs, fmt.Errorf("steps.priorities key %q must be <interface>.<step>", key))
		}
		if prio < 0 {
			errs = append(errs, fmt.Errorf("steps.priorities[%s] must not be negative", key))
		}
	}
	return errs
}

func (c *Config) validateDrivers() []error {
	var errs []error
	for t := range c.Drivers.Enabled {
		if !slices.Contains(v1alpha1.InterfaceOrder, t) {
			errs = append(errs, fmt.Errorf("drivers.enabled: unknown interface %q", t))
		}
	}
	for t, name := range c.Drivers.Defaults {
		if !slices.Contains(v1alpha1.InterfaceOrder, t) {
			errs = append(errs, fmt.Errorf("drivers.defaults: unknown interface %q", t))
			continue
		}
		if enabled, ok := c.Drivers.Enabled[t]; ok && !slices.Contains(enabled, name) {
			errs = append(errs, fmt.Errorf("drivers.defaults.%s: %q is not enabled", t, name))
		}
	}
	if c.Drivers.Agent.APIURL != "" {
		if u, err := url.Parse(c.Drivers.Agent.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("drivers.agent.apiURL %q must be an absolute URL", c.Drivers.Agent.APIURL))
		}
	}
	return errs
}

// IsEnabled reports whether implementation name is enabled for capability t.
func (d DriversConfig) IsEnabled(t v1alpha1.InterfaceType, name string) bool {
	names, ok := d.Enabled[t]
	return !ok || len(names) == 0 || slices.Contains(names, name)
}
