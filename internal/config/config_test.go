package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("conductor:\n  name: c1\n"))
	require.NoError(t, err)

	assert.Equal(t, "c1", cfg.Conductor.Name)
	assert.Equal(t, 100, cfg.Conductor.Workers)
	assert.Equal(t, ":6385", cfg.API.Listen)
	assert.Equal(t, StoreBadger, cfg.Store.Driver)
	assert.Equal(t, 64, cfg.Ring.VirtualNodes)
	assert.Equal(t, time.Hour, cfg.ImageStore.PresignTTL)
	require.NotNil(t, cfg.Timeouts)
}

func TestParseFull(t *testing.T) {
	doc := `
conductor:
  name: conductor-a
  workers: 8
  peers: [conductor-b]
store:
  driver: memory
ring:
  virtualNodes: 128
steps:
  priorities:
    deploy.erase_devices: 0
    raid.create_configuration: 70
drivers:
  enabled:
    power: [fake, hcloud]
  defaults:
    power: hcloud
  agent:
    apiURL: http://10.0.0.1:6385
imageStore:
  presignTTL: 15m
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"conductor-b"}, cfg.Conductor.Peers)
	assert.Equal(t, 0, cfg.Steps.Priorities["deploy.erase_devices"])
	assert.Equal(t, "hcloud", cfg.Drivers.Defaults[v1alpha1.InterfacePower])
	assert.True(t, cfg.Drivers.IsEnabled(v1alpha1.InterfacePower, "hcloud"))
	assert.False(t, cfg.Drivers.IsEnabled(v1alpha1.InterfacePower, "ipmi"))
	assert.True(t, cfg.Drivers.IsEnabled(v1alpha1.InterfaceBoot, "anything"))
	assert.Equal(t, 15*time.Minute, cfg.ImageStore.PresignTTL)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"unknown key", "conductor:\n  name: c1\n  colour: red\n", "colour"},
		{"bad name", "conductor:\n  name: Not_Valid\n", "conductor.name"},
		{"bad store", "conductor:\n  name: c1\nstore:\n  driver: etcd\n", "store.driver"},
		{"bad step key", "conductor:\n  name: c1\nsteps:\n  priorities:\n    erase: 1\n", "<interface>.<step>"},
		{"negative priority", "conductor:\n  name: c1\nsteps:\n  priorities:\n    deploy.erase_devices: -1\n", "must not be negative"},
		{"default not enabled", "conductor:\n  name: c1\ndrivers:\n  enabled:\n    power: [fake]\n  defaults:\n    power: hcloud\n", "not enabled"},
		{"unknown interface", "conductor:\n  name: c1\ndrivers:\n  defaults:\n    bmc: x\n", "unknown interface"},
		{"relative agent url", "conductor:\n  name: c1\ndrivers:\n  agent:\n    apiURL: /v1\n", "absolute URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conductor:\n  name: c1\nstore:\n  driver: memory\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadTimeouts(t *testing.T) {
	t.Setenv("METAL_TIMEOUT_CALLBACK", "45m")
	t.Setenv("METAL_TIMEOUT_DEPLOY_CALLBACK", "2h")
	t.Setenv("METAL_SWEEP_INTERVAL", "garbage")
	t.Setenv("METAL_LOCK_RETRIES", "-4")

	to := LoadTimeouts()
	assert.Equal(t, 45*time.Minute, to.Callback)
	assert.Equal(t, 30*time.Second, to.SweepInterval, "malformed values fall back")
	assert.Equal(t, 3, to.LockRetries, "negative values fall back")
	assert.Equal(t, map[v1alpha1.StepKind]time.Duration{v1alpha1.StepKindDeploy: 2 * time.Hour}, to.CallbackTimeouts())
}
