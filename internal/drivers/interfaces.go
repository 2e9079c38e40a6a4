// Package drivers defines the hardware capability contracts and the registry
// that binds nodes to concrete implementations.
//
// Each node selects one implementation name per capability. The Registry maps
// (capability, name) to an object satisfying that capability's interface and
// resolves a node's selections into a Binding.
package drivers

import (
	"context"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
)

// Interface is implemented by every capability implementation.
type Interface interface {
	// Name is the implementation name nodes select it by.
	Name() string
	// Validate checks that the node carries what the implementation needs.
	Validate(ctx context.Context, node *v1alpha1.Node) error
}

// Power controls the node's power.
type Power interface {
	Interface
	GetPowerState(ctx context.Context, node *v1alpha1.Node) (v1alpha1.PowerState, error)
	SetPowerState(ctx context.Context, node *v1alpha1.Node, target v1alpha1.PowerTarget, timeout time.Duration) error
}

// Boot prepares what the node boots into.
type Boot interface {
	Interface
	// PrepareRamdisk arranges for the next boot to load the agent ramdisk.
	PrepareRamdisk(ctx context.Context, node *v1alpha1.Node, params map[string]string) error
	CleanUpRamdisk(ctx context.Context, node *v1alpha1.Node) error
	// PrepareInstance arranges for the next boot to load the deployed instance.
	PrepareInstance(ctx context.Context, node *v1alpha1.Node) error
	CleanUpInstance(ctx context.Context, node *v1alpha1.Node) error
}

// Deploy writes and tears down instances.
type Deploy interface {
	Interface
	// TakeOver is invoked when a conductor becomes responsible for an
	// active node previously managed by another conductor.
	TakeOver(ctx context.Context, node *v1alpha1.Node) error
}

// BootDevice is a boot source selected through the management interface.
type BootDevice string

const (
	BootDevicePXE   BootDevice = "pxe"
	BootDeviceDisk  BootDevice = "disk"
	BootDeviceCDROM BootDevice = "cdrom"
)

// Management configures the node through its BMC.
type Management interface {
	Interface
	SetBootDevice(ctx context.Context, node *v1alpha1.Node, device BootDevice, persistent bool) error
	GetBootDevice(ctx context.Context, node *v1alpha1.Node) (BootDevice, error)
}

// Inspect discovers hardware properties. Work happens in its steps.
type Inspect interface {
	Interface
}

// RAID builds storage configuration. Work happens in its steps.
type RAID interface {
	Interface
}

// Console exposes a serial console.
type Console interface {
	Interface
	StartConsole(ctx context.Context, node *v1alpha1.Node) error
	StopConsole(ctx context.Context, node *v1alpha1.Node) error
	ConsoleURL(ctx context.Context, node *v1alpha1.Node) (string, error)
}

// VendorFunc handles a vendor passthru call.
type VendorFunc func(ctx context.Context, node *v1alpha1.Node, payload map[string]any) (any, error)

// VendorMethod is a hardware specific operation outside the state machine.
type VendorMethod struct {
	HTTPMethods []string
	// Async methods run in the worker pool under a reservation and the
	// caller receives no result.
	Async       bool
	Description string
	Func        VendorFunc
}

// Vendor exposes vendor passthru methods.
type Vendor interface {
	Interface
	Methods() map[string]VendorMethod
}

// StepProvider is implemented by capabilities that declare steps.
type StepProvider interface {
	Steps() []StepDefinition
}
