package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/statemachine"
)

var (
	// settlePollInterval is the interval between node state checks during apply.
	settlePollInterval = 2 * time.Second

	// settleTimeout bounds the wait for one provisioning verb.
	settleTimeout = 30 * time.Minute

	readFile = os.ReadFile
)

// Manifest declares chassis and nodes to enroll.
type Manifest struct {
	Chassis []v1alpha1.Chassis `json:"chassis,omitempty"`
	Nodes   []ManifestNode     `json:"nodes"`
}

// ManifestNode is a node with its ports and the verbs to drive it through.
type ManifestNode struct {
	Name         string              `json:"name"`
	ChassisUUID  string              `json:"chassis_uuid,omitempty"`
	Interfaces   v1alpha1.Interfaces `json:"interfaces,omitempty"`
	DriverInfo   map[string]string   `json:"driver_info,omitempty"`
	InstanceInfo map[string]string   `json:"instance_info,omitempty"`
	Ports        []v1alpha1.Port     `json:"ports,omitempty"`

	// Provision lists verbs applied in order, e.g. [manage, provide].
	Provision []v1alpha1.Verb `json:"provision,omitempty"`
}

// LoadManifest reads a YAML or JSON manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	for i, n := range m.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("nodes[%d]: name is required", i)
		}
	}
	return &m, nil
}

// Apply converges the conductor towards a manifest.
//
// Missing chassis and nodes are created, existing nodes are patched, and
// missing ports are attached. Provision verbs run one after another; apply
// waits for each to leave its active state before sending the next.
func Apply(ctx context.Context, opts Options, path string, waitForSettle bool) error {
	m, err := LoadManifest(path)
	if err != nil {
		return err
	}
	api, err := connect(opts)
	if err != nil {
		return err
	}

	if err := applyChassis(ctx, api, m.Chassis); err != nil {
		return err
	}
	for _, mn := range m.Nodes {
		if err := applyNode(ctx, api, mn, waitForSettle); err != nil {
			return fmt.Errorf("node %s: %w", mn.Name, err)
		}
	}

	log.Printf("Applied %d chassis and %d nodes", len(m.Chassis), len(m.Nodes))
	return nil
}

func applyChassis(ctx context.Context, api API, want []v1alpha1.Chassis) error {
	if len(want) == 0 {
		return nil
	}
	existing, err := api.ListChassis(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chassis: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c.UUID] = true
	}
	for _, c := range want {
		if c.UUID != "" && have[c.UUID] {
			continue
		}
		if _, err := api.CreateChassis(ctx, &c); err != nil {
			return fmt.Errorf("failed to create chassis %s: %w", c.Description, err)
		}
		log.Printf("Created chassis %s", orDash(c.Description))
	}
	return nil
}

func applyNode(ctx context.Context, api API, mn ManifestNode, waitForSettle bool) error {
	node, err := api.GetNode(ctx, mn.Name)
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		node, err = api.CreateNode(ctx, &v1alpha1.Node{
			Name:         mn.Name,
			ChassisUUID:  mn.ChassisUUID,
			Interfaces:   mn.Interfaces,
			DriverInfo:   mn.DriverInfo,
			InstanceInfo: mn.InstanceInfo,
		})
		if err != nil {
			return fmt.Errorf("failed to create: %w", err)
		}
		log.Printf("Enrolled node %s (%s)", mn.Name, node.UUID)
	case err != nil:
		return fmt.Errorf("failed to get: %w", err)
	default:
		ifaces := mn.Interfaces
		patch := v1alpha1.NodePatch{
			Interfaces:   &ifaces,
			DriverInfo:   mn.DriverInfo,
			InstanceInfo: mn.InstanceInfo,
		}
		if mn.ChassisUUID != "" {
			patch.ChassisUUID = &mn.ChassisUUID
		}
		if node, err = api.UpdateNode(ctx, mn.Name, patch); err != nil {
			return fmt.Errorf("failed to update: %w", err)
		}
		log.Printf("Updated node %s", mn.Name)
	}

	if err := applyPorts(ctx, api, node.UUID, mn.Ports); err != nil {
		return err
	}

	for _, verb := range mn.Provision {
		if err := api.SetProvisionState(ctx, node.UUID, v1alpha1.ProvisionRequest{Target: verb}); err != nil {
			return fmt.Errorf("failed to %s: %w", verb, err)
		}
		log.Printf("Requested %s for node %s", verb, mn.Name)
		if !waitForSettle {
			// Later verbs would race the running task.
			break
		}
		settled, err := waitSettled(ctx, api, node.UUID)
		if err != nil {
			return fmt.Errorf("waiting after %s: %w", verb, err)
		}
		if statemachine.IsFailure(settled.ProvisionState) {
			return fmt.Errorf("%s ended in %s: %s", verb, settled.ProvisionState, settled.LastError)
		}
		if statemachine.IsWait(settled.ProvisionState) {
			log.Printf("Node %s is waiting for its agent in %s", mn.Name, settled.ProvisionState)
			return nil
		}
		log.Printf("Node %s is %s", mn.Name, settled.ProvisionState)
	}
	return nil
}

func applyPorts(ctx context.Context, api API, nodeUUID string, want []v1alpha1.Port) error {
	if len(want) == 0 {
		return nil
	}
	existing, err := api.ListPorts(ctx, nodeUUID)
	if err != nil {
		return fmt.Errorf("failed to list ports: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.Address] = true
	}
	for _, p := range want {
		if have[p.Address] {
			continue
		}
		p.NodeUUID = nodeUUID
		if _, err := api.CreatePort(ctx, &p); err != nil {
			return fmt.Errorf("failed to create port %s: %w", p.Address, err)
		}
	}
	return nil
}

// waitSettled polls until the node is stable or parked on an agent.
func waitSettled(ctx context.Context, api API, ident string) (*v1alpha1.Node, error) {
	var last *v1alpha1.Node
	err := wait.PollUntilContextTimeout(ctx, settlePollInterval, settleTimeout, true, func(ctx context.Context) (bool, error) {
		n, err := api.GetNode(ctx, ident)
		if err != nil {
			if errdefs.Retryable(err) {
				return false, nil
			}
			return false, err
		}
		last = n
		return !statemachine.IsTransient(n.ProvisionState) || statemachine.IsWait(n.ProvisionState), nil
	})
	if err != nil {
		return last, err
	}
	return last, nil
}
