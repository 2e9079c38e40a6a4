// Package config defines the conductor's configuration.
//
// Structure comes from a YAML file; timeouts and sweep intervals come from
// METAL_* environment variables so they can be tuned per deployment without
// editing the file.
package config

import (
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Config is the conductor daemon configuration.
type Config struct {
	Conductor  ConductorConfig  `yaml:"conductor"`
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	Ring       RingConfig       `yaml:"ring"`
	Steps      StepsConfig      `yaml:"steps"`
	Drivers    DriversConfig    `yaml:"drivers"`
	Events     EventsConfig     `yaml:"events"`
	ImageStore ImageStoreConfig `yaml:"imageStore"`

	// Timeouts is populated from the environment, see LoadTimeouts.
	Timeouts *Timeouts `yaml:"-"`
}

// ConductorConfig identifies this conductor and sizes its worker pool.
type ConductorConfig struct {
	// Name is the reservation holder name. It must be unique in the fleet.
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
	// Peers are conductors added to the ring at startup besides this one.
	Peers []string `yaml:"peers"`
}

// APIConfig configures the listeners.
type APIConfig struct {
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metricsListen"`
}

// Store backends.
const (
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	Dir        string `yaml:"dir"`
	SyncWrites bool   `yaml:"syncWrites"`
}

// RingConfig tunes the hash ring.
type RingConfig struct {
	VirtualNodes int `yaml:"virtualNodes"`
	Replicas     int `yaml:"replicas"`
}

// StepsConfig overrides default step priorities.
type StepsConfig struct {
	// Priorities maps "interface.step" to a priority. Zero disables a step.
	Priorities map[string]int `yaml:"priorities"`
}

// DriversConfig selects implementations and configures the real drivers.
type DriversConfig struct {
	// Enabled lists implementations per capability. Empty enables all.
	Enabled map[v1alpha1.InterfaceType][]string `yaml:"enabled"`
	// Defaults picks the implementation bound to nodes that leave a
	// capability unset.
	Defaults map[v1alpha1.InterfaceType]string `yaml:"defaults"`
	Agent    AgentConfig                       `yaml:"agent"`
	HCloud   HCloudConfig                      `yaml:"hcloud"`
}

// AgentConfig configures the agent deploy interface.
type AgentConfig struct {
	// APIURL is the conductor URL agents heartbeat to.
	APIURL string `yaml:"apiURL"`
	// DeployRamdisk and RescueRamdisk are image references booted for
	// agent-driven flows.
	DeployRamdisk string `yaml:"deployRamdisk"`
	RescueRamdisk string `yaml:"rescueRamdisk"`
}

// HCloudConfig configures the Hetzner Cloud power and boot interfaces.
type HCloudConfig struct {
	// Token is usually supplied through HCLOUD_TOKEN.
	Token    string `yaml:"token"`
	Endpoint string `yaml:"endpoint"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// ImageStoreConfig configures s3:// image resolution.
type ImageStoreConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Region     string        `yaml:"region"`
	AccessKey  string        `yaml:"accessKey"`
	SecretKey  string        `yaml:"secretKey"`
	PresignTTL time.Duration `yaml:"presignTTL"`
	// PathStyle addresses buckets as endpoint/bucket instead of
	// bucket.endpoint.
	PathStyle bool `yaml:"pathStyle"`
}

// Default returns a configuration suitable for a single local conductor.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Conductor.Workers == 0 {
		c.Conductor.Workers = 100
	}
	if c.API.Listen == "" {
		c.API.Listen = ":6385"
	}
	if c.API.MetricsListen == "" {
		c.API.MetricsListen = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreBadger
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "/var/lib/metalconductor"
	}
	if c.Ring.VirtualNodes == 0 {
		c.Ring.VirtualNodes = 64
	}
	if c.Ring.Replicas == 0 {
		c.Ring.Replicas = 1
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "metalconductor"
	}
	if c.ImageStore.Region == "" {
		c.ImageStore.Region = "us-east-1"
	}
	if c.ImageStore.PresignTTL == 0 {
		c.ImageStore.PresignTTL = time.Hour
	}
	if c.Timeouts == nil {
		c.Timeouts = LoadTimeouts()
	}
}
