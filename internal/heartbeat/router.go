// Package heartbeat routes in-band agent callbacks to parked flows.
//
// A heartbeat is the only way a flow waiting on an agent moves forward. It
// must present the token issued when the current async step started, so a
// ramdisk left over from an earlier step or flow cannot advance a newer one.
package heartbeat

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/executor"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/task"
)

// NodeGetter resolves a node by UUID or name.
type NodeGetter interface {
	GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error)
}

// TaskLookup finds the live task for a node.
type TaskLookup interface {
	Lookup(ctx context.Context, nodeUUID string) (*task.Task, bool, error)
}

// Resumer continues a parked flow.
type Resumer interface {
	Resume(ctx context.Context, t *task.Task, hb *v1alpha1.HeartbeatRequest) error
}

// Dispatcher runs work on the conductor's worker pool. It fails with
// ErrNoFreeWorker when the pool is saturated.
type Dispatcher interface {
	Submit(name string, fn func(ctx context.Context)) error
}

// Router validates heartbeats and resumes the matching flow.
type Router struct {
	nodes    NodeGetter
	tasks    TaskLookup
	exec     Resumer
	pool     Dispatcher
	clock    clock.PassiveClock
	observer notify.Observer
}

// NewRouter creates a heartbeat router.
func NewRouter(nodes NodeGetter, tasks TaskLookup, exec Resumer, pool Dispatcher, clk clock.PassiveClock, observer notify.Observer) *Router {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = notify.Discard{}
	}
	return &Router{nodes: nodes, tasks: tasks, exec: exec, pool: pool, clock: clk, observer: observer}
}

// OnHeartbeat handles one agent callback. A heartbeat for a node that has no
// live task or is not waiting is a silent no-op, and so is one carrying the
// token of a step the flow already moved past, which makes redelivery safe.
// Any other token returns ErrInvalidToken and changes nothing. ErrBusy means
// the flow is being worked on and the agent should retry.
func (r *Router) OnHeartbeat(ctx context.Context, ident string, hb v1alpha1.HeartbeatRequest) error {
	logger := log.FromContext(ctx).WithValues("node", ident)

	node, err := r.nodes.GetNode(ctx, ident)
	if err != nil {
		return err
	}
	if !statemachine.IsWait(node.ProvisionState) {
		logger.V(1).Info("ignoring heartbeat, node is not waiting", "state", node.ProvisionState)
		return nil
	}

	t, ok, err := r.tasks.Lookup(ctx, node.UUID)
	if err != nil {
		return err
	}
	if !ok {
		logger.V(1).Info("ignoring heartbeat, no live task")
		return nil
	}
	if proceed, err := checkToken(logger, node, hb.AgentToken); !proceed {
		return err
	}

	if !t.Claim() {
		return fmt.Errorf("node %s is processing a previous callback: %w", node.UUID, errdefs.ErrBusy)
	}

	// The task copy may have advanced while unclaimed; recheck against it.
	if !statemachine.IsWait(t.Node.ProvisionState) {
		t.Suspend()
		logger.V(1).Info("ignoring heartbeat, flow moved on")
		return nil
	}
	if proceed, err := checkToken(logger, t.Node, hb.AgentToken); !proceed {
		t.Suspend()
		return err
	}
	dii := &t.Node.DriverInternalInfo

	now := r.clock.Now().UTC()
	dii.LastHeartbeat = &now
	if hb.CallbackURL != "" {
		dii.AgentURL = hb.CallbackURL
	}
	if hb.AgentVersion != "" {
		dii.AgentVersion = hb.AgentVersion
	}

	step, _ := dii.CurrentStep()
	r.observer.Event(ctx, notify.Event{
		Type:      notify.EventHeartbeat,
		Node:      node.UUID,
		Conductor: t.Worker(),
		Step:      step.Key(),
		Message:   "agent heartbeat",
		Timestamp: now,
		Fields:    map[string]string{"status": string(hb.Status)},
	})

	report := hb
	err = r.pool.Submit("heartbeat "+node.UUID, func(ctx context.Context) {
		if err := r.exec.Resume(ctx, t, &report); err != nil {
			log.FromContext(ctx).Error(err, "failed to resume steps", "node", node.UUID)
		}
	})
	if err != nil {
		t.Suspend()
		return err
	}
	return nil
}

// checkToken reports whether token may advance node. A token issued to a step
// the flow already moved past is a re-delivery and is ignored; any other
// mismatch fails with ErrInvalidToken.
func checkToken(logger logr.Logger, node *v1alpha1.Node, token string) (bool, error) {
	switch executor.CheckToken(token, &node.DriverInternalInfo) {
	case executor.TokenCurrent:
		return true, nil
	case executor.TokenRetired:
		logger.V(1).Info("ignoring heartbeat for a step that already advanced")
		return false, nil
	default:
		return false, fmt.Errorf("heartbeat for node %s: %w", node.UUID, errdefs.ErrInvalidToken)
	}
}
