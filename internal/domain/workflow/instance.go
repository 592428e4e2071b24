package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/tracing"
)

// Instance is the contract every registered workflow type implements. The
// engine drives exactly these operations and subscribes to every event the
// instance emits.
type Instance interface {
	ID() string
	Type() string
	Start(ctx context.Context) error
	Cancel(ctx context.Context) error
	Dispose()
	GetStatus() Status
	GetProgress() Progress
	HandleWorkflowEventResponse(eventType string, payload any)
	AddListener(Listener)
}

// Factory builds a fresh Instance for the given dispatch request.
type Factory func(id string, sessionID string, input any, config map[string]any) Instance

// Metadata describes a registered workflow type.
type Metadata struct {
	Name                         string
	RequiresCompleteDependencies bool
	Factory                      Factory
}

// Runtime is the mutex-guarded state machine every concrete workflow
// instance embeds, mirroring the node-transition pattern used across this
// codebase's other state machines: a single lock, a monotonic status
// transition table, and an immutable snapshot for observers.
type Runtime struct {
	mu sync.RWMutex

	id         string
	typ        string
	sessionID  string
	taskID     string
	status     Status
	progress   Progress
	startedAt  time.Time
	completedAt time.Time

	listeners []Listener
}

// NewRuntime constructs a Runtime in StatusPending.
func NewRuntime(id, typ, sessionID, taskID string) *Runtime {
	return &Runtime{
		id:        id,
		typ:       typ,
		sessionID: sessionID,
		taskID:    taskID,
		status:    StatusPending,
		progress:  Progress{Phase: "pending"},
	}
}

// ID returns the workflow instance id.
func (r *Runtime) ID() string { return r.id }

// Type returns the registered workflow type tag.
func (r *Runtime) Type() string { return r.typ }

// TaskID returns the task this workflow is bound to, if any.
func (r *Runtime) TaskID() string { return r.taskID }

// SessionID returns the session this workflow was dispatched under.
func (r *Runtime) SessionID() string { return r.sessionID }

// AddListener registers a listener for every future emission.
func (r *Runtime) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Runtime) emit(evt Event) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	evt.WorkflowID = r.id
	for _, l := range listeners {
		l.OnWorkflowEvent(evt)
	}
}

// GetStatus returns the current status.
func (r *Runtime) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// GetProgress returns a snapshot of the current progress.
func (r *Runtime) GetProgress() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

// SetPhase advances the reported phase, emits onProgress, and records a
// zero-duration trace span marking the transition — enough to reconstruct a
// workflow's phase timeline from traces alone, without threading a
// context.Context through every node implementation.
func (r *Runtime) SetPhase(phase string, index, percentage int) {
	_, span := tracing.StartWorkflowPhase(context.Background(), r.id, phase)
	tracing.End(span, nil)

	r.mu.Lock()
	r.progress.Phase = phase
	r.progress.PhaseIndex = index
	r.progress.Percentage = percentage
	r.progress.UpdatedAt = time.Now()
	snapshot := r.progress
	r.mu.Unlock()
	r.emit(Event{Type: EventProgress, Payload: snapshot})
}

// TransitionRunning moves pending -> running and records the start time.
func (r *Runtime) TransitionRunning() error {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		return fmt.Errorf("workflow %s: cannot start from %s", r.id, r.status)
	}
	r.status = StatusRunning
	r.startedAt = time.Now()
	r.progress.StartedAt = r.startedAt
	r.mu.Unlock()
	return nil
}

// TransitionTerminal moves the workflow to a terminal status exactly once.
// Returns false if the workflow was already terminal, guaranteeing exactly
// one onComplete emission per workflow.
func (r *Runtime) TransitionTerminal(target Status, result Result) bool {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.status = target
	r.completedAt = time.Now()
	r.progress.CompletedAt = r.completedAt
	if r.startedAt.IsZero() {
		r.startedAt = r.completedAt
	}
	r.mu.Unlock()
	r.emit(Event{Type: EventComplete, Payload: result})
	return true
}

// Dispose clears every registered listener. The engine calls this exactly
// once, immediately after the terminal onComplete emission has gone out, so
// that neither the engine's own internal listener nor the coordinator's
// handleWorkflowEvent listener stay reachable from the instance once it is
// archived — satisfying the zero-live-subscriptions guarantee terminal
// workflows are expected to hold.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

// HandleWorkflowEventResponse is the default handler: it re-emits the
// response as an onWorkflowEvent. Concrete instances that care about external
// responses (e.g. a user clarification answer) override by embedding Runtime
// and shadowing this method.
func (r *Runtime) HandleWorkflowEventResponse(eventType string, payload any) {
	r.emit(Event{Type: EventWorkflowEvent, Payload: map[string]any{"type": eventType, "payload": payload}})
}

// RequestAgent emits onAgentNeeded for the engine's agent-queue pump to pick
// up; callback is invoked once the request is fulfilled (or partially
// fulfilled — the pump never blocks waiting for the full count).
func (r *Runtime) RequestAgent(role string, count int, callback func(agents []string)) {
	r.emit(Event{Type: EventAgentNeeded, Payload: AgentRequest{WorkflowID: r.id, Role: role, Count: count, Callback: callback}})
}

// ReleaseAgent emits onAgentReleased.
func (r *Runtime) ReleaseAgent(name string) {
	r.emit(Event{Type: EventAgentReleased, Payload: name})
}

// AgentWorkStarted emits onAgentWorkStarted.
func (r *Runtime) AgentWorkStarted(data any) {
	r.emit(Event{Type: EventAgentWorkStarted, Payload: data})
}

// DeclareOccupancy emits onTaskOccupancyDeclared.
func (r *Runtime) DeclareOccupancy(decl OccupancyDecl) {
	r.emit(Event{Type: EventTaskOccupancyDeclared, Payload: decl})
}

// DeclareConflict emits onTaskConflictDeclared.
func (r *Runtime) DeclareConflict(decl ConflictDecl) {
	r.emit(Event{Type: EventTaskConflictDeclared, Payload: decl})
}
