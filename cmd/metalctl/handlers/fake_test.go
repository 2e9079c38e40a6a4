package handlers

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/client"
	"github.com/imamik/metalconductor/internal/errdefs"
)

// fakeAPI is an in-memory conductor. Methods not overridden panic through the
// embedded nil interface.
type fakeAPI struct {
	API

	nodes      map[string]*v1alpha1.Node
	ports      []v1alpha1.Port
	chassis    []v1alpha1.Chassis
	conductors []v1alpha1.Conductor

	provisionCalls []v1alpha1.ProvisionRequest
	powerCalls     []v1alpha1.PowerTarget
	deleted        []string
	patches        []v1alpha1.NodePatch
	passthru       map[string]any

	// settle maps a verb to the state the node lands in.
	settle map[v1alpha1.Verb]v1alpha1.ProvisionState
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nodes:  map[string]*v1alpha1.Node{},
		settle: map[v1alpha1.Verb]v1alpha1.ProvisionState{},
	}
}

func (f *fakeAPI) lookup(ident string) (*v1alpha1.Node, error) {
	if n, ok := f.nodes[ident]; ok {
		return n, nil
	}
	for _, n := range f.nodes {
		if n.Name == ident {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %s: %w", ident, errdefs.ErrNotFound)
}

func (f *fakeAPI) CreateNode(_ context.Context, n *v1alpha1.Node) (*v1alpha1.Node, error) {
	c := *n
	c.UUID = fmt.Sprintf("uuid-%d", len(f.nodes)+1)
	c.ProvisionState = v1alpha1.StateEnroll
	f.nodes[c.UUID] = &c
	return &c, nil
}

func (f *fakeAPI) ListNodes(_ context.Context, q client.NodeQuery) ([]v1alpha1.Node, error) {
	var out []v1alpha1.Node
	for _, n := range f.nodes {
		if q.ProvisionState != "" && n.ProvisionState != q.ProvisionState {
			continue
		}
		if q.Maintenance != nil && n.Maintenance != *q.Maintenance {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (f *fakeAPI) GetNode(_ context.Context, ident string) (*v1alpha1.Node, error) {
	n, err := f.lookup(ident)
	if err != nil {
		return nil, err
	}
	c := *n
	return &c, nil
}

func (f *fakeAPI) UpdateNode(_ context.Context, ident string, patch v1alpha1.NodePatch) (*v1alpha1.Node, error) {
	n, err := f.lookup(ident)
	if err != nil {
		return nil, err
	}
	f.patches = append(f.patches, patch)
	if patch.Name != nil {
		n.Name = *patch.Name
	}
	if patch.Interfaces != nil {
		n.Interfaces = *patch.Interfaces
	}
	c := *n
	return &c, nil
}

func (f *fakeAPI) DeleteNode(_ context.Context, ident string) error {
	n, err := f.lookup(ident)
	if err != nil {
		return err
	}
	delete(f.nodes, n.UUID)
	f.deleted = append(f.deleted, ident)
	return nil
}

func (f *fakeAPI) SetProvisionState(_ context.Context, ident string, req v1alpha1.ProvisionRequest) error {
	n, err := f.lookup(ident)
	if err != nil {
		return err
	}
	f.provisionCalls = append(f.provisionCalls, req)
	if s, ok := f.settle[req.Target]; ok {
		n.ProvisionState = s
	}
	return nil
}

func (f *fakeAPI) SetPowerState(_ context.Context, _ string, target v1alpha1.PowerTarget) error {
	f.powerCalls = append(f.powerCalls, target)
	return nil
}

func (f *fakeAPI) SetMaintenance(_ context.Context, ident string, on bool, reason string) (*v1alpha1.Node, error) {
	n, err := f.lookup(ident)
	if err != nil {
		return nil, err
	}
	n.Maintenance = on
	n.MaintenanceReason = reason
	c := *n
	return &c, nil
}

func (f *fakeAPI) ListSteps(_ context.Context, _ string, kind v1alpha1.StepKind) ([]v1alpha1.StepInfo, error) {
	return []v1alpha1.StepInfo{{
		Step: v1alpha1.Step{Interface: v1alpha1.InterfaceDeploy, Step: "erase_devices", Priority: 10, Abortable: true},
		Kind: kind,
	}}, nil
}

func (f *fakeAPI) VendorPassthru(_ context.Context, _, method string, payload map[string]any) (any, error) {
	f.passthru = payload
	if method == "async" {
		return nil, nil
	}
	return payload, nil
}

func (f *fakeAPI) CreatePort(_ context.Context, p *v1alpha1.Port) (*v1alpha1.Port, error) {
	c := *p
	c.UUID = fmt.Sprintf("port-%d", len(f.ports)+1)
	f.ports = append(f.ports, c)
	return &c, nil
}

func (f *fakeAPI) ListPorts(_ context.Context, node string) ([]v1alpha1.Port, error) {
	var out []v1alpha1.Port
	for _, p := range f.ports {
		if node == "" || p.NodeUUID == node {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateChassis(_ context.Context, ch *v1alpha1.Chassis) (*v1alpha1.Chassis, error) {
	c := *ch
	if c.UUID == "" {
		c.UUID = fmt.Sprintf("chassis-%d", len(f.chassis)+1)
	}
	f.chassis = append(f.chassis, c)
	return &c, nil
}

func (f *fakeAPI) ListChassis(_ context.Context) ([]v1alpha1.Chassis, error) {
	return f.chassis, nil
}

func (f *fakeAPI) ListConductors(_ context.Context) ([]v1alpha1.Conductor, error) {
	return f.conductors, nil
}

func (f *fakeAPI) LeaveConductor(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

// withFake installs api and captures output for the duration of the test.
func withFake(t *testing.T, api *fakeAPI, tty bool) *bytes.Buffer {
	t.Helper()
	origClient, origOut, origTTY, origConfirm := newClient, stdout, isInteractiveTTY, confirm
	t.Cleanup(func() {
		newClient, stdout, isInteractiveTTY, confirm = origClient, origOut, origTTY, origConfirm
	})

	var buf bytes.Buffer
	newClient = func(string) (API, error) { return api, nil }
	stdout = &buf
	isInteractiveTTY = func() bool { return tty }
	confirm = func(string, string) (bool, error) {
		t.Fatal("unexpected confirmation prompt")
		return false, nil
	}
	return &buf
}
