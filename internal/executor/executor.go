// Package executor runs step sequences on reserved nodes.
//
// A sequence is persisted in the node's driver_internal_info together with a
// cursor that is written before each step starts. Synchronous steps run back
// to back. An async step parks the node in its wait state and hands the task
// back; the flow only continues when a heartbeat carrying the step's agent
// token arrives, or fails when the step's deadline passes first.
//
// Every exported entry point consumes the caller's claim on the task: it
// returns with the task either suspended or released.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/drivers"
	"github.com/imamik/metalconductor/internal/errdefs"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/statemachine"
	"github.com/imamik/metalconductor/internal/steps"
	"github.com/imamik/metalconductor/internal/task"
)

const tracerName = "github.com/imamik/metalconductor/internal/executor"

// DefaultCallbackTimeout bounds an async step without an explicit timeout.
const DefaultCallbackTimeout = 30 * time.Minute

// Timeouts resolves how long an async step may wait for its callback.
type Timeouts struct {
	Default time.Duration
	PerKind map[v1alpha1.StepKind]time.Duration
}

// For returns the callback window of def running as part of kind. The
// step's own timeout wins over the per-kind value.
func (t Timeouts) For(kind v1alpha1.StepKind, def drivers.StepDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	if d, ok := t.PerKind[kind]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultCallbackTimeout
}

// Executor runs step sequences.
type Executor struct {
	steps    *steps.Registry
	clock    clock.PassiveClock
	observer notify.Observer
	tracer   trace.Tracer
	timeouts Timeouts
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock sets the clock used for cursors and deadlines.
func WithClock(clk clock.PassiveClock) Option {
	return func(e *Executor) { e.clock = clk }
}

// WithObserver sets the lifecycle event sink.
func WithObserver(o notify.Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithTracerProvider sets the provider step spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp.Tracer(tracerName) }
}

// WithTimeouts sets the async callback windows.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) { e.timeouts = t }
}

// New creates an executor resolving steps through reg.
func New(reg *steps.Registry, opts ...Option) *Executor {
	e := &Executor{
		steps:    reg,
		clock:    clock.RealClock{},
		observer: notify.Discard{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Steps returns the registry used to resolve steps.
func (e *Executor) Steps() *steps.Registry { return e.steps }

// Start runs seq on a node that was just moved into a transient state. An
// empty sequence completes the flow immediately. Steps left over from a
// different flow are finalized as failed first.
func (e *Executor) Start(ctx context.Context, t *task.Task, seq []v1alpha1.Step) error {
	kind, ok := statemachine.KindOf(t.Node.ProvisionState)
	if !ok {
		err := fmt.Errorf("node %s is in %q, which runs no steps", t.Node.UUID, t.Node.ProvisionState)
		return errors.Join(err, e.release(ctx, t))
	}

	dii := &t.Node.DriverInternalInfo
	if prev := dii.StepKind; prev != "" && prev != kind {
		// A flow parked on an agent was replaced, as deleting does from deploy wait.
		if err := e.finalize(ctx, t, prev, true); err != nil {
			log.FromContext(ctx).Error(err, "cleanup after interrupted steps did not complete", "node", t.Node.UUID)
		}
		recordFlow(string(prev), "interrupted")
	}
	dii.ClearSteps()
	dii.StepKind = kind
	dii.Steps = seq

	log.FromContext(ctx).Info("starting steps", "node", t.Node.UUID, "kind", kind, "steps", len(seq))
	return e.run(ctx, t)
}

// Resume continues the flow parked on the current async step after a
// heartbeat. The step's Poll function, or the heartbeat status when it has
// none, decides whether the step finished.
func (e *Executor) Resume(ctx context.Context, t *task.Task, hb *v1alpha1.HeartbeatRequest) error {
	if !statemachine.IsWait(t.Node.ProvisionState) {
		t.Suspend()
		return nil
	}

	dii := &t.Node.DriverInternalInfo
	step, ok := dii.CurrentStep()
	if !ok {
		return e.fail(ctx, t, statemachine.EventFail, fmt.Errorf("node %s is waiting without a current step", t.Node.UUID))
	}
	def, err := e.steps.Lookup(t.Binding, dii.StepKind, step)
	if err != nil {
		return e.fail(ctx, t, statemachine.EventFail, &errdefs.StepError{Step: step.Key(), Err: err})
	}

	poll := def.Poll
	if poll == nil {
		poll = pollHeartbeat
	}
	res, err := e.invoke(ctx, t, dii.StepKind, step, "", hb, poll)
	switch {
	case res == drivers.Failed:
		return e.fail(ctx, t, statemachine.EventFail, &errdefs.StepError{Step: step.Key(), Err: err})
	case res == drivers.Async:
		deadline := e.clock.Now().UTC().Add(e.timeouts.For(dii.StepKind, def))
		t.Node.DriverInternalInfo.AsyncDeadline = &deadline
		if err := t.Save(ctx); err != nil {
			return e.abandon(ctx, t, err)
		}
		t.Suspend()
		return nil
	}

	if err := t.Process(statemachine.EventResume); err != nil {
		return e.fail(ctx, t, statemachine.EventFail, err)
	}
	return e.run(ctx, t)
}

// Abort stops the flow parked in a wait state. An abortable current step
// fails the node right away; otherwise the abort is recorded and honored
// before the next step starts.
func (e *Executor) Abort(ctx context.Context, t *task.Task) error {
	state := t.Node.ProvisionState
	if !statemachine.Can(state, statemachine.EventAbort) {
		t.Suspend()
		return &errdefs.TransitionError{From: string(state), Event: string(statemachine.EventAbort)}
	}

	step, _ := t.Node.DriverInternalInfo.CurrentStep()
	if step.Abortable {
		return e.fail(ctx, t, statemachine.EventAbort, fmt.Errorf("step %s: %w", step.Key(), errdefs.ErrAborted))
	}

	t.Node.DriverInternalInfo.AbortRequested = true
	if err := t.Save(ctx); err != nil {
		return e.abandon(ctx, t, err)
	}
	e.emit(ctx, t, notify.Event{
		Type:    notify.EventAbortRequested,
		Step:    step.Key(),
		Message: "abort deferred until the current step completes",
	})
	t.Suspend()
	return nil
}

// CheckTimeout fails the flow when its async deadline has passed. It reports
// whether the node was failed.
func (e *Executor) CheckTimeout(ctx context.Context, t *task.Task) (bool, error) {
	dii := t.Node.DriverInternalInfo
	now := e.clock.Now()
	if !statemachine.IsWait(t.Node.ProvisionState) || dii.AsyncDeadline == nil || !now.After(*dii.AsyncDeadline) {
		t.Suspend()
		return false, nil
	}

	step, _ := dii.CurrentStep()
	recordAsyncTimeout(string(dii.StepKind))
	cause := fmt.Errorf("step %s received no heartbeat by %s: %w",
		step.Key(), dii.AsyncDeadline.Format(time.RFC3339), errdefs.ErrTimeout)
	return true, e.fail(ctx, t, statemachine.EventFail, cause)
}

func (e *Executor) run(ctx context.Context, t *task.Task) error {
	for {
		dii := &t.Node.DriverInternalInfo
		if dii.AbortRequested {
			return e.fail(ctx, t, statemachine.EventFail, errdefs.ErrAborted)
		}

		next := dii.StepIndex + 1
		if next >= len(dii.Steps) {
			chained, err := e.complete(ctx, t)
			if err != nil || !chained {
				return err
			}
			continue
		}

		step := dii.Steps[next]
		def, err := e.steps.Lookup(t.Binding, dii.StepKind, step)
		if err != nil {
			return e.fail(ctx, t, statemachine.EventFail, &errdefs.StepError{Step: step.Key(), Err: err})
		}
		token, hash, err := NewAgentToken()
		if err != nil {
			return e.fail(ctx, t, statemachine.EventFail, fmt.Errorf("failed to issue agent token: %w", err))
		}

		now := e.clock.Now().UTC()
		dii.StepIndex = next
		if dii.AgentTokenHash != "" {
			dii.RetiredTokenHashes = append(dii.RetiredTokenHashes, dii.AgentTokenHash)
		}
		dii.AgentTokenHash = hash
		dii.StepStartedAt = &now
		dii.AsyncDeadline = nil
		if err := t.Save(ctx); err != nil {
			return e.abandon(ctx, t, err)
		}

		kind := t.Node.DriverInternalInfo.StepKind
		res, err := e.invoke(ctx, t, kind, step, token, nil, def.Run)
		switch res {
		case drivers.Failed:
			return e.fail(ctx, t, statemachine.EventFail, &errdefs.StepError{Step: step.Key(), Err: err})
		case drivers.Async:
			return e.wait(ctx, t, kind, def)
		}
	}
}

func (e *Executor) wait(ctx context.Context, t *task.Task, kind v1alpha1.StepKind, def drivers.StepDefinition) error {
	deadline := e.clock.Now().UTC().Add(e.timeouts.For(kind, def))
	t.Node.DriverInternalInfo.AsyncDeadline = &deadline

	from := t.Node.ProvisionState
	if err := t.Process(statemachine.EventWait); err != nil {
		return e.fail(ctx, t, statemachine.EventFail, err)
	}
	if err := t.Save(ctx); err != nil {
		return e.abandon(ctx, t, err)
	}

	step, _ := t.Node.DriverInternalInfo.CurrentStep()
	e.emit(ctx, t, notify.Event{
		Type:    notify.EventStepWaiting,
		From:    string(from),
		To:      string(t.Node.ProvisionState),
		Step:    step.Key(),
		Message: "waiting for agent callback",
		Fields:  map[string]string{"deadline": deadline.Format(time.RFC3339)},
	})
	t.Suspend()
	return nil
}

// complete ends the current sequence successfully. When the state reached
// runs steps of its own, as deleting does before cleaning, the next sequence
// is loaded and chained is true.
func (e *Executor) complete(ctx context.Context, t *task.Task) (chained bool, err error) {
	kind := t.Node.DriverInternalInfo.StepKind
	if err := e.finalize(ctx, t, kind, false); err != nil {
		return false, e.fail(ctx, t, statemachine.EventFail, err)
	}

	from := t.Node.ProvisionState
	if err := t.Process(statemachine.EventDone); err != nil {
		return false, e.fail(ctx, t, statemachine.EventFail, err)
	}
	recordFlow(string(kind), "succeeded")
	e.emit(ctx, t, notify.Event{
		Type:    notify.EventFlowCompleted,
		From:    string(from),
		To:      string(t.Node.ProvisionState),
		Message: fmt.Sprintf("%s steps completed", kind),
	})

	dii := &t.Node.DriverInternalInfo
	dii.ClearSteps()
	if nextKind, ok := statemachine.KindOf(t.Node.ProvisionState); ok {
		dii.StepKind = nextKind
		dii.Steps = e.steps.Automated(t.Binding, nextKind)
		log.FromContext(ctx).Info("chaining steps", "node", t.Node.UUID, "kind", nextKind, "steps", len(dii.Steps))
		return true, nil
	}
	return false, e.release(ctx, t)
}

// fail moves the node to its failure state through ev, records cause as the
// last error and releases the reservation. The flow's failure is recorded on
// the node, so nil is returned unless the release itself fails.
func (e *Executor) fail(ctx context.Context, t *task.Task, ev statemachine.Event, cause error) error {
	logger := log.FromContext(ctx)

	kind := t.Node.DriverInternalInfo.StepKind
	from := t.Node.ProvisionState
	t.Node.LastError = cause.Error()
	if err := t.Process(ev); err != nil {
		// Release moves a transient node to its failure state.
		logger.Error(err, "failed to record failure transition", "node", t.Node.UUID)
	}
	t.Node.DriverInternalInfo.ClearSteps()

	if err := e.finalize(ctx, t, kind, true); err != nil {
		logger.Error(err, "cleanup after failed steps did not complete", "node", t.Node.UUID)
	}

	recordFlow(string(kind), "failed")
	e.emit(ctx, t, notify.Event{
		Type:    notify.EventFlowFailed,
		From:    string(from),
		To:      string(t.Node.ProvisionState),
		Message: cause.Error(),
	})
	logger.Info("steps failed", "node", t.Node.UUID, "kind", kind, "state", t.Node.ProvisionState, "error", cause.Error())
	return e.release(ctx, t)
}

func (e *Executor) finalize(ctx context.Context, t *task.Task, kind v1alpha1.StepKind, failed bool) error {
	var errs []error
	for _, f := range t.Binding.Finalizers() {
		if err := f.FinishFlow(ctx, t.Node, kind, failed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) release(ctx context.Context, t *task.Task) error {
	if err := t.Release(ctx); err != nil {
		log.FromContext(ctx).Error(err, "failed to release node", "node", t.Node.UUID)
		return err
	}
	return nil
}

// abandon drops a task whose reservation was taken away underneath it.
func (e *Executor) abandon(ctx context.Context, t *task.Task, err error) error {
	log.FromContext(ctx).Error(err, "abandoning steps", "node", t.Node.UUID)
	_ = t.Release(ctx)
	return err
}

// invoke runs fn for step inside a span. A returned error always yields
// Failed.
func (e *Executor) invoke(ctx context.Context, t *task.Task, kind v1alpha1.StepKind, step v1alpha1.Step,
	token string, hb *v1alpha1.HeartbeatRequest, fn drivers.StepFunc) (drivers.StepResult, error) {
	phase := "run"
	if hb != nil {
		phase = "poll"
	}
	ctx, span := e.tracer.Start(ctx, "step "+step.Key(), trace.WithAttributes(
		attribute.String("node.uuid", t.Node.UUID),
		attribute.String("step.kind", string(kind)),
		attribute.String("step.name", step.Key()),
		attribute.String("step.phase", phase),
		attribute.Int("step.priority", step.Priority),
	))
	defer span.End()

	if hb == nil {
		e.emit(ctx, t, notify.Event{Type: notify.EventStepStarted, Step: step.Key(), Message: "step started"})
	}

	start := e.clock.Now()
	var (
		res drivers.StepResult
		err error
	)
	if fn == nil {
		err = fmt.Errorf("step %s has no implementation: %w", step.Key(), errdefs.ErrUnsupported)
	} else {
		res, err = fn(ctx, &drivers.StepContext{
			Node:       t.Node,
			Binding:    t.Binding,
			Step:       step,
			AgentToken: token,
			Heartbeat:  hb,
		})
	}
	if err != nil {
		res = drivers.Failed
	} else if res == drivers.Failed {
		err = errors.New("step reported failure")
	}

	span.SetAttributes(attribute.String("step.result", res.String()))
	recordStep(string(kind), step.Key(), res.String(), e.clock.Since(start))

	switch res {
	case drivers.Failed:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.emit(ctx, t, notify.Event{Type: notify.EventStepFailed, Step: step.Key(), Message: err.Error()})
	case drivers.Done, drivers.Skipped:
		e.emit(ctx, t, notify.Event{Type: notify.EventStepCompleted, Step: step.Key(), Message: "step " + res.String()})
	}
	return res, err
}

func (e *Executor) emit(ctx context.Context, t *task.Task, ev notify.Event) {
	ev.Node = t.Node.UUID
	ev.Conductor = t.Worker()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now().UTC()
	}
	e.observer.Event(ctx, ev)
}

// pollHeartbeat resolves an async step from the agent's reported status.
func pollHeartbeat(_ context.Context, sc *drivers.StepContext) (drivers.StepResult, error) {
	if sc.Heartbeat == nil {
		return drivers.Async, nil
	}
	switch sc.Heartbeat.Status {
	case v1alpha1.HeartbeatSucceeded:
		return drivers.Done, nil
	case v1alpha1.HeartbeatFailed:
		msg := sc.Heartbeat.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return drivers.Failed, errors.New(msg)
	default:
		return drivers.Async, nil
	}
}
