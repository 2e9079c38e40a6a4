// Package notify publishes node lifecycle events.
//
// Operators observe the outcome of asynchronous transitions either by polling
// the node or by subscribing to these events.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventTransition     EventType = "node.transition"
	EventStepStarted    EventType = "step.started"
	EventStepCompleted  EventType = "step.completed"
	EventStepFailed     EventType = "step.failed"
	EventStepWaiting    EventType = "step.waiting"
	EventFlowCompleted  EventType = "flow.completed"
	EventFlowFailed     EventType = "flow.failed"
	EventForcedRelease  EventType = "reservation.forced_release"
	EventPowerChanged   EventType = "power.changed"
	EventMemberJoined   EventType = "conductor.joined"
	EventMemberLeft     EventType = "conductor.left"
	EventNodeTakenOver  EventType = "node.taken_over"
	EventHeartbeat      EventType = "agent.heartbeat"
	EventAbortRequested EventType = "flow.abort_requested"
)

// Event is a structured lifecycle event.
type Event struct {
	Type      EventType         `json:"type"`
	Node      string            `json:"node,omitempty"`
	Conductor string            `json:"conductor,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Step      string            `json:"step,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	Event(ctx context.Context, ev Event)
}

// LogObserver writes events to the context logger.
type LogObserver struct{}

// Event implements Observer.
func (LogObserver) Event(ctx context.Context, ev Event) {
	logger := log.FromContext(ctx).WithName("events")
	kv := []any{"type", ev.Type}
	if ev.Node != "" {
		kv = append(kv, "node", ev.Node)
	}
	if ev.From != "" || ev.To != "" {
		kv = append(kv, "from", ev.From, "to", ev.To)
	}
	if ev.Step != "" {
		kv = append(kv, "step", ev.Step)
	}
	for k, v := range ev.Fields {
		kv = append(kv, k, v)
	}

	switch ev.Type {
	case EventStepFailed, EventFlowFailed, EventForcedRelease:
		logger.Info(ev.Message, append(kv, "level", "warning")...)
	case EventHeartbeat:
		logger.V(1).Info(ev.Message, kv...)
	default:
		logger.Info(ev.Message, kv...)
	}
}

// Multi fans events out to several observers.
type Multi []Observer

// Event implements Observer.
func (m Multi) Event(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Event(ctx, ev)
	}
}

// Discard drops every event.
type Discard struct{}

// Event implements Observer.
func (Discard) Event(context.Context, Event) {}

// Recorder keeps events in memory. Used by tests and the watch command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event implements Observer.
func (r *Recorder) Event(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func logger(ctx context.Context) logr.Logger {
	return log.FromContext(ctx).WithName("notify")
}
