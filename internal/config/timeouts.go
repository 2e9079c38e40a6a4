package config

import (
	"os"
	"strconv"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Timeouts holds timing knobs that are set from the environment.
type Timeouts struct {
	Callback        time.Duration // Default async step callback window
	CleanCallback   time.Duration // Callback window for clean steps, zero uses Callback
	DeployCallback  time.Duration // Callback window for deploy steps, zero uses Callback
	InspectCallback time.Duration // Callback window for inspect steps, zero uses Callback
	RescueCallback  time.Duration // Callback window for rescue steps, zero uses Callback
	PowerAction     time.Duration // Timeout for a single power state change
	LivenessWindow  time.Duration // Conductor considered dead after this long without a touch
	SweepInterval   time.Duration // Interval of the timeout, liveness and orphan sweeps
	PowerSync       time.Duration // Interval of the power state sync
	LockRetries     int           // Retries when acquiring a busy node
	LockRetryDelay  time.Duration // Initial delay between lock retries
}

// LoadTimeouts reads timeouts from the environment, using defaults for
// unset or malformed values.
//
// Environment Variables:
//   - METAL_TIMEOUT_CALLBACK (default: 30m)
//   - METAL_TIMEOUT_CLEAN_CALLBACK (default: unset)
//   - METAL_TIMEOUT_DEPLOY_CALLBACK (default: unset)
//   - METAL_TIMEOUT_INSPECT_CALLBACK (default: unset)
//   - METAL_TIMEOUT_RESCUE_CALLBACK (default: unset)
//   - METAL_TIMEOUT_POWER_ACTION (default: 60s)
//   - METAL_LIVENESS_WINDOW (default: 90s)
//   - METAL_SWEEP_INTERVAL (default: 30s)
//   - METAL_POWER_SYNC_INTERVAL (default: 60s)
//   - METAL_LOCK_RETRIES (default: 3)
//   - METAL_LOCK_RETRY_DELAY (default: 500ms)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		Callback:        parseDuration("METAL_TIMEOUT_CALLBACK", 30*time.Minute),
		CleanCallback:   parseDuration("METAL_TIMEOUT_CLEAN_CALLBACK", 0),
		DeployCallback:  parseDuration("METAL_TIMEOUT_DEPLOY_CALLBACK", 0),
		InspectCallback: parseDuration("METAL_TIMEOUT_INSPECT_CALLBACK", 0),
		RescueCallback:  parseDuration("METAL_TIMEOUT_RESCUE_CALLBACK", 0),
		PowerAction:     parseDuration("METAL_TIMEOUT_POWER_ACTION", 60*time.Second),
		LivenessWindow:  parseDuration("METAL_LIVENESS_WINDOW", 90*time.Second),
		SweepInterval:   parseDuration("METAL_SWEEP_INTERVAL", 30*time.Second),
		PowerSync:       parseDuration("METAL_POWER_SYNC_INTERVAL", 60*time.Second),
		LockRetries:     parseInt("METAL_LOCK_RETRIES", 3),
		LockRetryDelay:  parseDuration("METAL_LOCK_RETRY_DELAY", 500*time.Millisecond),
	}
}

func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}

// CallbackTimeouts returns the per-kind callback windows that are set.
func (t *Timeouts) CallbackTimeouts() map[v1alpha1.StepKind]time.Duration {
	out := map[v1alpha1.StepKind]time.Duration{}
	for kind, d := range map[v1alpha1.StepKind]time.Duration{
		v1alpha1.StepKindClean:   t.CleanCallback,
		v1alpha1.StepKindDeploy:  t.DeployCallback,
		v1alpha1.StepKindInspect: t.InspectCallback,
		v1alpha1.StepKindRescue:  t.RescueCallback,
	} {
		if d > 0 {
			out[kind] = d
		}
	}
	return out
}
