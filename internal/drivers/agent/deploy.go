// Package agent implements the Deploy interface with an in-band agent.
//
// The node boots a ramdisk that runs the agent. The agent heartbeats to the
// conductor with the token of the current step and receives commands over
// HTTP at the callback URL it reports. Long running commands finish
// asynchronously: the step suspends and resumes on the agent's next
// heartbeat.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/imagestore"
)

// Name is the implementation name of the agent deploy interface.
const Name = "agent"

// ExtraPendingCommand holds a command to send once the agent comes up.
const ExtraPendingCommand = "agent_pending_command"

// Ramdisk parameters handed to the boot interface.
const (
	ParamAPIURL       = "metal_api_url"
	ParamNodeUUID     = "metal_node_uuid"
	ParamAgentToken   = "metal_agent_token"
	ParamRamdiskImage = "metal_ramdisk_image"
)

// Options configures the agent deploy interface.
type Options struct {
	// APIURL is where agents send heartbeats.
	APIURL string
	// DeployRamdisk and RescueRamdisk are image references for the boot
	// interface. They are resolved before being handed out.
	DeployRamdisk string
	RescueRamdisk string
	Resolver      imagestore.Resolver
	Client        *Client
}

// Deploy drives deployment, cleaning and rescue through the agent.
type Deploy struct {
	opts Options
}

// New creates the agent deploy interface.
func New(opts Options) *Deploy {
	if opts.Resolver == nil {
		opts.Resolver = imagestore.Passthrough{}
	}
	if opts.Client == nil {
		opts.Client = NewClient()
	}
	return &Deploy{opts: opts}
}

func (d *Deploy) Name() string { return Name }

func (d *Deploy) Validate(_ context.Context, node *v1alpha1.Node) error {
	if d.opts.APIURL == "" {
		return fmt.Errorf("agent deploy requires the conductor api url: %w", errdefs.ErrInvalidParameter)
	}
	return nil
}

// TakeOver has nothing to re-establish; the instance boots from disk and
// no agent runs on an active node.
func (d *Deploy) TakeOver(ctx context.Context, node *v1alpha1.Node) error {
	log.FromContext(ctx).Info("took over active node", "node", node.UUID, "image", node.InstanceInfo[drivers.InstanceInfoImageSource])
	return nil
}

func (d *Deploy) Steps() []drivers.StepDefinition {
	return []drivers.StepDefinition{
		{Kind: v1alpha1.StepKindDeploy, Name: "deploy", Priority: 100, Run: d.bootRamdisk, Poll: pollAgentUp},
		{Kind: v1alpha1.StepKindDeploy, Name: "write_image", Priority: 80, Run: d.writeImage, Poll: d.pollCommand},
		{Kind: v1alpha1.StepKindDeploy, Name: "prepare_instance_boot", Priority: 60, Run: prepareInstanceBoot},
		{Kind: v1alpha1.StepKindDeploy, Name: "boot_instance", Priority: 20, Run: rebootNode},

		{Kind: v1alpha1.StepKindClean, Name: "erase_devices_metadata", Priority: 99,
			Run: d.command(CommandEraseMetadata, nil), Poll: d.pollCommand},
		{Kind: v1alpha1.StepKindClean, Name: "erase_devices", Priority: 10, Abortable: true,
			Args: map[string]v1alpha1.StepArg{
				"passes": {Description: "Number of overwrite passes, default 1"},
			},
			Run: d.command(CommandEraseDevices, erasePasses), Poll: d.pollCommand},

		{Kind: v1alpha1.StepKindRescue, Name: "rescue", Priority: 100, Run: d.command(CommandRescue, rescueParams), Poll: d.pollCommand},
		{Kind: v1alpha1.StepKindUnrescue, Name: "unrescue", Priority: 100, Run: unrescue},
		{Kind: v1alpha1.StepKindDelete, Name: "tear_down", Priority: 100, Run: tearDown},
		{Kind: v1alpha1.StepKindAdopt, Name: "take_over", Priority: 100, Run: adopt},
	}
}

// FinishFlow forgets the agent once a flow ends. A successful rescue keeps
// it since the node stays in the rescue ramdisk. After cleaning the agent is
// asked to power the node off.
func (d *Deploy) FinishFlow(ctx context.Context, node *v1alpha1.Node, kind v1alpha1.StepKind, failed bool) error {
	dii := &node.DriverInternalInfo
	delete(dii.Extra, ExtraPendingCommand)
	if kind == v1alpha1.StepKindRescue && !failed {
		return nil
	}

	var err error
	if kind == v1alpha1.StepKindClean && !failed && dii.AgentURL != "" {
		err = d.opts.Client.Send(ctx, dii.AgentURL, Command{Name: CommandPowerOff})
		if err != nil {
			err = fmt.Errorf("failed to power off node %s after cleaning: %w", node.UUID, err)
		}
	}
	dii.AgentURL = ""
	dii.AgentVersion = ""
	return err
}

// bootRamdisk boots the agent ramdisk and waits for the first heartbeat.
func (d *Deploy) bootRamdisk(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if err := d.startRamdisk(ctx, sc); err != nil {
		return drivers.Failed, err
	}
	return drivers.Async, nil
}

func (d *Deploy) startRamdisk(ctx context.Context, sc *drivers.StepContext) error {
	if sc.Node.DriverInternalInfo.Extra[drivers.ExtraDisableRamdisk] != "" {
		return fmt.Errorf("step %s requires the agent ramdisk, which was disabled for this request", sc.Step.Key())
	}
	b := sc.Binding
	if b == nil || b.Boot == nil || b.Power == nil {
		return fmt.Errorf("agent ramdisk needs boot and power interfaces: %w", errdefs.ErrUnsupported)
	}

	image := d.opts.DeployRamdisk
	if sc.Node.DriverInternalInfo.StepKind == v1alpha1.StepKindRescue && d.opts.RescueRamdisk != "" {
		image = d.opts.RescueRamdisk
	}
	params := map[string]string{
		ParamAPIURL:     d.opts.APIURL,
		ParamNodeUUID:   sc.Node.UUID,
		ParamAgentToken: sc.AgentToken,
	}
	if image != "" {
		url, err := d.opts.Resolver.Resolve(ctx, image)
		if err != nil {
			return fmt.Errorf("failed to resolve ramdisk: %w", err)
		}
		params[ParamRamdiskImage] = url
	}

	// A stale callback URL would let the next command reach a previous boot.
	sc.Node.DriverInternalInfo.AgentURL = ""
	if err := b.Boot.PrepareRamdisk(ctx, sc.Node, params); err != nil {
		return fmt.Errorf("failed to prepare ramdisk: %w", err)
	}
	if err := b.Power.SetPowerState(ctx, sc.Node, v1alpha1.PowerTargetReboot, 0); err != nil {
		return fmt.Errorf("failed to boot ramdisk: %w", err)
	}
	log.FromContext(ctx).Info("booting agent ramdisk", "node", sc.Node.UUID, "step", sc.Step.Key())
	return nil
}

// paramsFunc derives command parameters from the step context.
type paramsFunc func(sc *drivers.StepContext) (map[string]any, error)

// command returns a step that sends name to the agent, booting the ramdisk
// first when no agent is running.
func (d *Deploy) command(name string, params paramsFunc) drivers.StepFunc {
	return func(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
		p := map[string]any{}
		if params != nil {
			var err error
			if p, err = params(sc); err != nil {
				return drivers.Failed, err
			}
		}
		cmd := Command{Name: name, Params: p}
		if sc.Node.DriverInternalInfo.AgentURL == "" {
			if err := d.startRamdisk(ctx, sc); err != nil {
				return drivers.Failed, err
			}
			if err := setPending(sc.Node, cmd); err != nil {
				return drivers.Failed, err
			}
			return drivers.Async, nil
		}
		cmd.Params[ParamAgentToken] = sc.AgentToken
		if err := d.opts.Client.Send(ctx, sc.Node.DriverInternalInfo.AgentURL, cmd); err != nil {
			return drivers.Failed, err
		}
		return drivers.Async, nil
	}
}

func (d *Deploy) writeImage(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	ref := sc.Node.InstanceInfo[drivers.InstanceInfoImageSource]
	url, err := d.opts.Resolver.Resolve(ctx, ref)
	if err != nil {
		return drivers.Failed, fmt.Errorf("instance_info.%s: %w", drivers.InstanceInfoImageSource, err)
	}
	return d.command(CommandWriteImage, func(sc *drivers.StepContext) (map[string]any, error) {
		p := map[string]any{"image_url": url}
		if sum := sc.Node.InstanceInfo[drivers.InstanceInfoImageChecksum]; sum != "" {
			p["image_checksum"] = sum
		}
		return p, nil
	})(ctx, sc)
}

// pollCommand sends a command deferred until the agent came up, otherwise
// resolves the step from the reported status.
func (d *Deploy) pollCommand(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if err := agentFailure(sc); err != nil {
		return drivers.Failed, err
	}
	dii := &sc.Node.DriverInternalInfo
	cmd, err := pending(sc.Node)
	if err != nil {
		return drivers.Failed, err
	}
	if cmd != nil {
		if dii.AgentURL == "" {
			return drivers.Async, nil
		}
		if err := d.opts.Client.Send(ctx, dii.AgentURL, *cmd); err != nil {
			return drivers.Failed, err
		}
		delete(dii.Extra, ExtraPendingCommand)
		return drivers.Async, nil
	}
	if sc.Heartbeat != nil && sc.Heartbeat.Status == v1alpha1.HeartbeatSucceeded {
		return drivers.Done, nil
	}
	return drivers.Async, nil
}

// pollAgentUp finishes once the agent reported where it listens.
func pollAgentUp(_ context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if err := agentFailure(sc); err != nil {
		return drivers.Failed, err
	}
	if sc.Node.DriverInternalInfo.AgentURL == "" {
		return drivers.Async, nil
	}
	return drivers.Done, nil
}

// agentFailure returns the failure the heartbeat reports, if any.
func agentFailure(sc *drivers.StepContext) error {
	if sc.Heartbeat == nil || sc.Heartbeat.Status != v1alpha1.HeartbeatFailed {
		return nil
	}
	if sc.Heartbeat.Error == "" {
		return errors.New("agent reported failure")
	}
	return errors.New(sc.Heartbeat.Error)
}

func setPending(node *v1alpha1.Node, cmd Command) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode pending command: %w", err)
	}
	if node.DriverInternalInfo.Extra == nil {
		node.DriverInternalInfo.Extra = map[string]string{}
	}
	node.DriverInternalInfo.Extra[ExtraPendingCommand] = string(raw)
	return nil
}

func pending(node *v1alpha1.Node) (*Command, error) {
	raw := node.DriverInternalInfo.Extra[ExtraPendingCommand]
	if raw == "" {
		return nil, nil
	}
	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return nil, fmt.Errorf("failed to decode pending command: %w", err)
	}
	return &cmd, nil
}

func prepareInstanceBoot(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if sc.Binding == nil || sc.Binding.Boot == nil {
		return drivers.Failed, fmt.Errorf("no boot interface: %w", errdefs.ErrUnsupported)
	}
	if err := sc.Binding.Boot.PrepareInstance(ctx, sc.Node); err != nil {
		return drivers.Failed, err
	}
	return drivers.Done, nil
}

func rebootNode(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if sc.Binding == nil || sc.Binding.Power == nil {
		return drivers.Failed, fmt.Errorf("no power interface: %w", errdefs.ErrUnsupported)
	}
	if err := sc.Binding.Power.SetPowerState(ctx, sc.Node, v1alpha1.PowerTargetReboot, 0); err != nil {
		return drivers.Failed, err
	}
	sc.Node.PowerState = v1alpha1.PowerOn
	return drivers.Done, nil
}

func unrescue(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if res, err := prepareInstanceBoot(ctx, sc); res == drivers.Failed {
		return res, err
	}
	return rebootNode(ctx, sc)
}

func tearDown(ctx context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	b := sc.Binding
	if b == nil || b.Power == nil {
		return drivers.Failed, fmt.Errorf("no power interface: %w", errdefs.ErrUnsupported)
	}
	if err := b.Power.SetPowerState(ctx, sc.Node, v1alpha1.PowerTargetOff, 0); err != nil {
		return drivers.Failed, err
	}
	sc.Node.PowerState = v1alpha1.PowerOff
	if b.Boot != nil {
		if err := b.Boot.CleanUpInstance(ctx, sc.Node); err != nil {
			return drivers.Failed, err
		}
	}
	return drivers.Done, nil
}

// adopt accepts a node whose instance was deployed outside the conductor.
func adopt(_ context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if sc.Node.InstanceInfo[drivers.InstanceInfoImageSource] == "" {
		return drivers.Failed, fmt.Errorf("adoption requires instance_info.%s", drivers.InstanceInfoImageSource)
	}
	return drivers.Done, nil
}

func rescueParams(sc *drivers.StepContext) (map[string]any, error) {
	pw := sc.Node.InstanceInfo[drivers.InstanceInfoRescuePassword]
	if pw == "" {
		return nil, fmt.Errorf("rescue requires instance_info.%s", drivers.InstanceInfoRescuePassword)
	}
	return map[string]any{"rescue_password": pw}, nil
}

func erasePasses(sc *drivers.StepContext) (map[string]any, error) {
	passes := 1
	switch v := sc.Step.Args["passes"].(type) {
	case nil:
	case float64:
		passes = int(v)
	case int:
		passes = v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("passes: %w", errdefs.ErrInvalidParameter)
		}
		passes = n
	default:
		return nil, fmt.Errorf("passes must be a number: %w", errdefs.ErrInvalidParameter)
	}
	if passes < 1 {
		return nil, fmt.Errorf("passes must be at least 1: %w", errdefs.ErrInvalidParameter)
	}
	return map[string]any{"passes": passes}, nil
}
