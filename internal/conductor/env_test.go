package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/config"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/drivers/fake"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// env is a set of conductors sharing one store, one ring and one set of
// fake drivers.
type env struct {
	clk     *clocktesting.FakeClock
	fakes   *fake.Set
	drivers *drivers.Registry
	store   store.Store
	members *hashring.Membership
	events  *notify.Recorder
}

func newEnv() (*env, error) {
	e := &env{
		clk:     clocktesting.NewFakeClock(epoch),
		fakes:   fake.NewSet(),
		drivers: drivers.NewRegistry(),
		events:  &notify.Recorder{},
	}
	if err := e.fakes.Register(e.drivers); err != nil {
		return nil, err
	}
	e.store = store.NewMemoryStore(e.clk)
	e.members = hashring.NewMembership(e.clk, 90*time.Second)
	return e, nil
}

func testTimeouts() *config.Timeouts {
	return &config.Timeouts{
		Callback:       10 * time.Minute,
		PowerAction:    time.Second,
		LivenessWindow: 90 * time.Second,
		SweepInterval:  30 * time.Second,
		PowerSync:      time.Minute,
	}
}

// conductor creates a conductor and joins it to the ring.
func (e *env) conductor(name string, workers int) (*Service, error) {
	svc, err := New(Options{
		Name:       name,
		Store:      e.store,
		Membership: e.members,
		Drivers:    e.drivers,
		Workers:    workers,
		Timeouts:   testTimeouts(),
		Clock:      e.clk,
		Observer:   e.events,
	})
	if err != nil {
		return nil, err
	}
	svc.Join(context.Background(), name)
	return svc, nil
}

// node stores a node in state, bypassing the state machine.
func (e *env) node(state v1alpha1.ProvisionState, reservation string) (*v1alpha1.Node, error) {
	return e.nodeOwnedBy("", state, reservation)
}

// nodeOwnedBy stores a node whose ring primary is owner. An empty owner
// accepts any node.
func (e *env) nodeOwnedBy(owner string, state v1alpha1.ProvisionState, reservation string) (*v1alpha1.Node, error) {
	id := uuid.NewString()
	for owner != "" && e.members.Ring().Primary(id) != owner {
		id = uuid.NewString()
	}
	n := &v1alpha1.Node{
		UUID:               id,
		Interfaces:         fake.Interfaces(),
		ProvisionState:     state,
		PowerState:         v1alpha1.PowerOff,
		Reservation:        reservation,
		DriverInternalInfo: v1alpha1.DriverInternalInfo{StepIndex: -1},
	}
	if err := e.store.CreateNode(context.Background(), n); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	return e.store.GetNode(context.Background(), id)
}

func (e *env) get(id string) (*v1alpha1.Node, error) {
	return e.store.GetNode(context.Background(), id)
}

// token returns the agent token the fake async step last received.
func token(n *v1alpha1.Node) string {
	return n.DriverInternalInfo.Extra["fake_token"]
}
