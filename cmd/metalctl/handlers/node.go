package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/client"
)

// NodeCreateInput carries the flags of node create.
type NodeCreateInput struct {
	Name        string
	ChassisUUID string
	Interfaces  map[string]string
	DriverInfo  map[string]string
}

// NodeCreate enrolls a node.
func NodeCreate(ctx context.Context, opts Options, in NodeCreateInput) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}

	n := &v1alpha1.Node{
		Name:        in.Name,
		ChassisUUID: in.ChassisUUID,
		DriverInfo:  in.DriverInfo,
	}
	if err := setInterfaces(&n.Interfaces, in.Interfaces); err != nil {
		return err
	}

	created, err := api.CreateNode(ctx, n)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	return renderNode(opts.Output, created)
}

// NodeListInput carries the filters of node list.
type NodeListInput struct {
	ProvisionState string
	Maintenance    string
	Conductor      string
	Reserved       bool
}

// NodeList prints the nodes matching the filters.
func NodeList(ctx context.Context, opts Options, in NodeListInput) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}

	q := client.NodeQuery{
		ProvisionState: v1alpha1.ProvisionState(in.ProvisionState),
		Conductor:      in.Conductor,
		Reserved:       in.Reserved,
	}
	if in.Maintenance != "" {
		m, err := strconv.ParseBool(in.Maintenance)
		if err != nil {
			return fmt.Errorf("invalid --maintenance value %q: %w", in.Maintenance, err)
		}
		q.Maintenance = &m
	}

	nodes, err := api.ListNodes(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	return render(opts.Output, v1alpha1.NodeList{Nodes: nodes}, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(nodes))
		for _, n := range nodes {
			rows = append(rows, []string{
				n.UUID,
				orDash(n.Name),
				string(n.ProvisionState),
				string(n.PowerState),
				yesNo(n.Maintenance),
				orDash(n.Reservation),
			})
		}
		return []string{"UUID", "NAME", "PROVISION STATE", "POWER", "MAINTENANCE", "RESERVATION"}, rows
	})
}

// NodeShow prints one node.
func NodeShow(ctx context.Context, opts Options, ident string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	n, err := api.GetNode(ctx, ident)
	if err != nil {
		return fmt.Errorf("failed to get node %s: %w", ident, err)
	}
	return renderNode(opts.Output, n)
}

// NodeUpdateInput carries the flags of node update. Nil fields are left alone.
type NodeUpdateInput struct {
	Name         *string
	ChassisUUID  *string
	Interfaces   map[string]string
	DriverInfo   map[string]string
	InstanceInfo map[string]string
}

// NodeUpdate patches the writable fields of a node.
func NodeUpdate(ctx context.Context, opts Options, ident string, in NodeUpdateInput) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}

	patch := v1alpha1.NodePatch{
		Name:         in.Name,
		ChassisUUID:  in.ChassisUUID,
		DriverInfo:   in.DriverInfo,
		InstanceInfo: in.InstanceInfo,
	}
	if len(in.Interfaces) > 0 {
		current, err := api.GetNode(ctx, ident)
		if err != nil {
			return fmt.Errorf("failed to get node %s: %w", ident, err)
		}
		ifaces := current.Interfaces
		if err := setInterfaces(&ifaces, in.Interfaces); err != nil {
			return err
		}
		patch.Interfaces = &ifaces
	}

	n, err := api.UpdateNode(ctx, ident, patch)
	if err != nil {
		return fmt.Errorf("failed to update node %s: %w", ident, err)
	}
	return renderNode(opts.Output, n)
}

// NodeDelete removes a node after confirmation.
func NodeDelete(ctx context.Context, opts Options, ident string) error {
	if err := confirmDestructive(opts, "Delete node "+ident+"?", "The node record and its ports are removed."); err != nil {
		return err
	}
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.DeleteNode(ctx, ident); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", ident, err)
	}
	fmt.Fprintf(stdout, "Node %s deleted\n", ident)
	return nil
}

// ProvisionInput carries the flags of a provisioning verb.
type ProvisionInput struct {
	CleanSteps     string
	DeploySteps    string
	RescuePassword string
	DisableRamdisk bool
}

// destructiveVerbs wipe or release the workload on a node.
var destructiveVerbs = map[v1alpha1.Verb]bool{
	v1alpha1.VerbDeleted:  true,
	v1alpha1.VerbUndeploy: true,
	v1alpha1.VerbRebuild:  true,
}

// NodeProvision requests a provisioning action.
func NodeProvision(ctx context.Context, opts Options, ident string, verb v1alpha1.Verb, in ProvisionInput) error {
	if destructiveVerbs[verb] {
		title := fmt.Sprintf("Run %s on node %s?", verb, ident)
		if err := confirmDestructive(opts, title, "The deployed instance will be torn down."); err != nil {
			return err
		}
	}

	req := v1alpha1.ProvisionRequest{
		Target:         verb,
		RescuePassword: in.RescuePassword,
		DisableRamdisk: in.DisableRamdisk,
	}
	var err error
	if req.CleanSteps, err = parseSteps(in.CleanSteps); err != nil {
		return fmt.Errorf("invalid --clean-steps: %w", err)
	}
	if req.DeploySteps, err = parseSteps(in.DeploySteps); err != nil {
		return fmt.Errorf("invalid --deploy-steps: %w", err)
	}

	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.SetProvisionState(ctx, ident, req); err != nil {
		return fmt.Errorf("failed to %s node %s: %w", verb, ident, err)
	}
	fmt.Fprintf(stdout, "Requested %s for node %s\n", verb, ident)
	return nil
}

// NodePower requests a power action.
func NodePower(ctx context.Context, opts Options, ident string, target v1alpha1.PowerTarget) error {
	switch target {
	case v1alpha1.PowerTargetOn, v1alpha1.PowerTargetOff, v1alpha1.PowerTargetReboot:
	default:
		return fmt.Errorf("invalid power target %q (want on, off or reboot)", target)
	}
	api, err := connect(opts)
	if err != nil {
		return err
	}
	if err := api.SetPowerState(ctx, ident, target); err != nil {
		return fmt.Errorf("failed to power %s node %s: %w", target, ident, err)
	}
	fmt.Fprintf(stdout, "Requested power %s for node %s\n", target, ident)
	return nil
}

// NodeMaintenance toggles maintenance mode.
func NodeMaintenance(ctx context.Context, opts Options, ident string, on bool, reason string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	n, err := api.SetMaintenance(ctx, ident, on, reason)
	if err != nil {
		return fmt.Errorf("failed to set maintenance on node %s: %w", ident, err)
	}
	return renderNode(opts.Output, n)
}

// NodeSteps lists the steps a node would run for kind.
func NodeSteps(ctx context.Context, opts Options, ident string, kind v1alpha1.StepKind) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}
	steps, err := api.ListSteps(ctx, ident, kind)
	if err != nil {
		return fmt.Errorf("failed to list %s steps for node %s: %w", kind, ident, err)
	}
	return render(opts.Output, v1alpha1.StepList{Steps: steps}, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(steps))
		for _, s := range steps {
			rows = append(rows, []string{s.Key(), strconv.Itoa(s.Priority), yesNo(s.Abortable)})
		}
		return []string{"STEP", "PRIORITY", "ABORTABLE"}, rows
	})
}

// NodePassthru lists vendor methods, or invokes one when method is set.
func NodePassthru(ctx context.Context, opts Options, ident, method, payload string) error {
	api, err := connect(opts)
	if err != nil {
		return err
	}

	if method == "" {
		methods, err := api.ListVendorMethods(ctx, ident)
		if err != nil {
			return fmt.Errorf("failed to list vendor methods for node %s: %w", ident, err)
		}
		return render(opts.Output, methods, func() ([]string, [][]string) {
			rows := make([][]string, 0, len(methods))
			for _, m := range methods {
				rows = append(rows, []string{m.Name, strings.Join(m.HTTPMethods, ","), yesNo(m.Async), orDash(m.Description)})
			}
			return []string{"METHOD", "HTTP", "ASYNC", "DESCRIPTION"}, rows
		})
	}

	var args map[string]any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &args); err != nil {
			return fmt.Errorf("invalid --data JSON: %w", err)
		}
	}
	res, err := api.VendorPassthru(ctx, ident, method, args)
	if err != nil {
		return fmt.Errorf("vendor method %s failed: %w", method, err)
	}
	if res == nil {
		fmt.Fprintf(stdout, "Vendor method %s accepted\n", method)
		return nil
	}
	format := opts.Output
	if format == OutputTable {
		format = OutputJSON
	}
	return render(format, res, nil)
}

func renderNode(format string, n *v1alpha1.Node) error {
	return render(format, n, func() ([]string, [][]string) {
		rows := [][]string{
			{"UUID", n.UUID},
			{"Name", orDash(n.Name)},
			{"Chassis", orDash(n.ChassisUUID)},
			{"Provision state", string(n.ProvisionState)},
			{"Target state", orDash(string(n.TargetProvisionState))},
			{"Power", string(n.PowerState)},
			{"Maintenance", yesNo(n.Maintenance)},
			{"Maintenance reason", orDash(n.MaintenanceReason)},
			{"Reservation", orDash(n.Reservation)},
			{"Last error", orDash(n.LastError)},
		}
		for _, t := range v1alpha1.InterfaceOrder {
			rows = append(rows, []string{string(t) + " interface", orDash(n.Interfaces.Get(t))})
		}
		if step, ok := n.DriverInternalInfo.CurrentStep(); ok {
			rows = append(rows, []string{"Current step", step.Key()})
		}
		return []string{"FIELD", "VALUE"}, rows
	})
}

func setInterfaces(ifaces *v1alpha1.Interfaces, in map[string]string) error {
	for k, v := range in {
		t := v1alpha1.InterfaceType(k)
		known := false
		for _, o := range v1alpha1.InterfaceOrder {
			if o == t {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown interface %q", k)
		}
		ifaces.Set(t, v)
	}
	return nil
}

// parseSteps accepts a JSON array of steps, for example
// [{"interface":"deploy","step":"erase_devices","args":{}}].
func parseSteps(raw string) ([]v1alpha1.Step, error) {
	if raw == "" {
		return nil, nil
	}
	var steps []v1alpha1.Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, err
	}
	return steps, nil
}
