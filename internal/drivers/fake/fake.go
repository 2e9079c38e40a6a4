// Package fake provides in-memory implementations of every capability.
//
// They touch no hardware, record every call and let tests script the steps
// a node runs. The conductor registers them under the name "fake".
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// Name is the implementation name of every fake capability.
const Name = "fake"

// Recorder records method invocations.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

func (c *Recorder) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// Calls returns a copy of the recorded invocations.
func (c *Recorder) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

type base struct {
	Recorder
	ValidateErr error
}

func (b *base) Name() string { return Name }

func (b *base) Validate(_ context.Context, _ *v1alpha1.Node) error {
	b.record("Validate")
	return b.ValidateErr
}

// Power keeps the power state in memory per node.
type Power struct {
	base
	mu     sync.Mutex
	states map[string]v1alpha1.PowerState

	// SetErr is returned by SetPowerState when set.
	SetErr error
}

// NewPower creates a fake power interface. Unknown nodes report off.
func NewPower() *Power {
	return &Power{states: make(map[string]v1alpha1.PowerState)}
}

func (p *Power) GetPowerState(_ context.Context, node *v1alpha1.Node) (v1alpha1.PowerState, error) {
	p.record("GetPowerState")
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[node.UUID]; ok {
		return s, nil
	}
	return v1alpha1.PowerOff, nil
}

func (p *Power) SetPowerState(_ context.Context, node *v1alpha1.Node, target v1alpha1.PowerTarget, _ time.Duration) error {
	p.record("SetPowerState:" + string(target))
	if p.SetErr != nil {
		return p.SetErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch target {
	case v1alpha1.PowerTargetOff:
		p.states[node.UUID] = v1alpha1.PowerOff
	default:
		p.states[node.UUID] = v1alpha1.PowerOn
	}
	return nil
}

// Force sets the state reported for a node, simulating an out-of-band change.
func (p *Power) Force(nodeUUID string, state v1alpha1.PowerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[nodeUUID] = state
}

// Boot records boot preparation calls.
type Boot struct {
	base

	// Finished records "<kind>:ok" or "<kind>:failed" per FinishFlow call.
	Finished Recorder
}

func NewBoot() *Boot { return &Boot{} }

func (b *Boot) PrepareRamdisk(context.Context, *v1alpha1.Node, map[string]string) error {
	b.record("PrepareRamdisk")
	return nil
}

func (b *Boot) CleanUpRamdisk(context.Context, *v1alpha1.Node) error {
	b.record("CleanUpRamdisk")
	return nil
}

func (b *Boot) PrepareInstance(context.Context, *v1alpha1.Node) error {
	b.record("PrepareInstance")
	return nil
}

func (b *Boot) CleanUpInstance(context.Context, *v1alpha1.Node) error {
	b.record("CleanUpInstance")
	return nil
}

func (b *Boot) FinishFlow(_ context.Context, _ *v1alpha1.Node, kind v1alpha1.StepKind, failed bool) error {
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	b.Finished.record(string(kind) + ":" + outcome)
	return nil
}

// Deploy offers scripted steps for every flow.
type Deploy struct {
	base
	steps []drivers.StepDefinition

	// TakeOverErr is returned by TakeOver when set.
	TakeOverErr error
}

// NewDeploy creates a fake deploy interface declaring steps. With no steps it
// declares a single synchronous step for deploy, delete, rescue, unrescue and
// adopt.
func NewDeploy(steps ...drivers.StepDefinition) *Deploy {
	d := &Deploy{}
	if len(steps) == 0 {
		steps = []drivers.StepDefinition{
			d.SyncStep(v1alpha1.StepKindDeploy, "deploy", 100),
			d.SyncStep(v1alpha1.StepKindDelete, "tear_down", 100),
			d.SyncStep(v1alpha1.StepKindRescue, "rescue", 100),
			d.SyncStep(v1alpha1.StepKindUnrescue, "unrescue", 100),
			d.SyncStep(v1alpha1.StepKindAdopt, "take_over", 100),
		}
	}
	d.steps = steps
	return d
}

func (d *Deploy) Steps() []drivers.StepDefinition { return d.steps }

// SetSteps replaces the declared steps. Call it before the deploy interface
// is used.
func (d *Deploy) SetSteps(steps ...drivers.StepDefinition) { d.steps = steps }

func (d *Deploy) TakeOver(context.Context, *v1alpha1.Node) error {
	d.record("TakeOver")
	return d.TakeOverErr
}

// SyncStep declares a step that records its name and returns Done.
func (d *Deploy) SyncStep(kind v1alpha1.StepKind, name string, priority int) drivers.StepDefinition {
	return Step(&d.Recorder, kind, name, priority, drivers.Done, nil)
}

// AsyncStep declares a step that records its name and waits for a heartbeat.
func (d *Deploy) AsyncStep(kind v1alpha1.StepKind, name string, priority int, abortable bool) drivers.StepDefinition {
	def := Step(&d.Recorder, kind, name, priority, drivers.Async, nil)
	def.Abortable = abortable
	return def
}

// FailingStep declares a step that fails with err.
func (d *Deploy) FailingStep(kind v1alpha1.StepKind, name string, priority int, err error) drivers.StepDefinition {
	return Step(&d.Recorder, kind, name, priority, drivers.Failed, err)
}

// Step builds a step that records "step:<name>" into calls and returns result.
func Step(calls *Recorder, kind v1alpha1.StepKind, name string, priority int, result drivers.StepResult, err error) drivers.StepDefinition {
	return drivers.StepDefinition{
		Kind:     kind,
		Name:     name,
		Priority: priority,
		Run: func(_ context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
			calls.record("step:" + name)
			if result == drivers.Async {
				if sc.Node.DriverInternalInfo.Extra == nil {
					sc.Node.DriverInternalInfo.Extra = map[string]string{}
				}
				sc.Node.DriverInternalInfo.Extra["fake_token"] = sc.AgentToken
			}
			return result, err
		},
	}
}

// Management keeps the boot device in memory.
type Management struct {
	base
	mu     sync.Mutex
	device map[string]drivers.BootDevice
	steps  []drivers.StepDefinition
}

func NewManagement(steps ...drivers.StepDefinition) *Management {
	return &Management{device: make(map[string]drivers.BootDevice), steps: steps}
}

func (m *Management) Steps() []drivers.StepDefinition { return m.steps }

func (m *Management) SetBootDevice(_ context.Context, node *v1alpha1.Node, device drivers.BootDevice, _ bool) error {
	m.record("SetBootDevice:" + string(device))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device[node.UUID] = device
	return nil
}

func (m *Management) GetBootDevice(_ context.Context, node *v1alpha1.Node) (drivers.BootDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.device[node.UUID]; ok {
		return d, nil
	}
	return drivers.BootDeviceDisk, nil
}

// Inspect declares a single synchronous inspection step.
type Inspect struct {
	base
	steps []drivers.StepDefinition
}

func NewInspect(steps ...drivers.StepDefinition) *Inspect {
	i := &Inspect{steps: steps}
	if len(steps) == 0 {
		i.steps = []drivers.StepDefinition{
			Step(&i.Recorder, v1alpha1.StepKindInspect, "inspect_hardware", 100, drivers.Done, nil),
		}
	}
	return i
}

func (i *Inspect) Steps() []drivers.StepDefinition { return i.steps }

// RAID declares no steps unless given some.
type RAID struct {
	base
	steps []drivers.StepDefinition
}

func NewRAID(steps ...drivers.StepDefinition) *RAID { return &RAID{steps: steps} }

func (r *RAID) Steps() []drivers.StepDefinition { return r.steps }

// Console reports a fixed URL.
type Console struct {
	base
}

func NewConsole() *Console { return &Console{} }

func (c *Console) StartConsole(context.Context, *v1alpha1.Node) error {
	c.record("StartConsole")
	return nil
}

func (c *Console) StopConsole(context.Context, *v1alpha1.Node) error {
	c.record("StopConsole")
	return nil
}

func (c *Console) ConsoleURL(_ context.Context, node *v1alpha1.Node) (string, error) {
	return "fake://console/" + node.UUID, nil
}

// Vendor exposes an echo method and a failing method.
type Vendor struct {
	base
}

func NewVendor() *Vendor { return &Vendor{} }

func (v *Vendor) Methods() map[string]drivers.VendorMethod {
	return map[string]drivers.VendorMethod{
		"echo": {
			HTTPMethods: []string{"GET", "POST"},
			Description: "Return the payload unchanged",
			Func: func(_ context.Context, _ *v1alpha1.Node, payload map[string]any) (any, error) {
				v.record("echo")
				return payload, nil
			},
		},
		"unsupported": {
			HTTPMethods: []string{"POST"},
			Description: "Always fails",
			Func: func(context.Context, *v1alpha1.Node, map[string]any) (any, error) {
				return nil, errdefs.ErrUnsupported
			},
		},
	}
}

// Set is a full set of fake capabilities.
type Set struct {
	Power      *Power
	Boot       *Boot
	Deploy     *Deploy
	Management *Management
	Inspect    *Inspect
	RAID       *RAID
	Console    *Console
	Vendor     *Vendor
}

// NewSet creates fakes for every capability with default steps.
func NewSet() *Set {
	return &Set{
		Power:      NewPower(),
		Boot:       NewBoot(),
		Deploy:     NewDeploy(),
		Management: NewManagement(),
		Inspect:    NewInspect(),
		RAID:       NewRAID(),
		Console:    NewConsole(),
		Vendor:     NewVendor(),
	}
}

// Register adds every fake to r and makes them the defaults.
func (s *Set) Register(r *drivers.Registry) error {
	regs := []struct {
		t    v1alpha1.InterfaceType
		impl drivers.Interface
	}{
		{v1alpha1.InterfacePower, s.Power},
		{v1alpha1.InterfaceBoot, s.Boot},
		{v1alpha1.InterfaceDeploy, s.Deploy},
		{v1alpha1.InterfaceManagement, s.Management},
		{v1alpha1.InterfaceInspect, s.Inspect},
		{v1alpha1.InterfaceRAID, s.RAID},
		{v1alpha1.InterfaceConsole, s.Console},
		{v1alpha1.InterfaceVendor, s.Vendor},
	}
	for _, reg := range regs {
		if err := r.Register(reg.t, reg.impl); err != nil {
			return err
		}
		if err := r.SetDefault(reg.t, Name); err != nil {
			return err
		}
	}
	return nil
}

// Interfaces selects the fake implementation for every capability.
func Interfaces() v1alpha1.Interfaces {
	var ifaces v1alpha1.Interfaces
	for _, t := range v1alpha1.InterfaceOrder {
		ifaces.Set(t, Name)
	}
	return ifaces
}
