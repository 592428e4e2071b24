// Package workflow implements the per-task state machines the coordinator
// instantiates to carry out dispatched work, plus the engine that owns their
// event subscriptions and archival.
package workflow

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status ends the workflow's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress is the phase-level progress report surfaced to RPC callers.
type Progress struct {
	Phase       string    `json:"phase"`
	PhaseIndex  int       `json:"phase_index"`
	Percentage  int       `json:"percentage"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	LogPath     string    `json:"log_path,omitempty"`
	// Message carries a human-readable status line, e.g. the archived-status
	// "completed and archived" placeholder after eviction.
	Message string `json:"message,omitempty"`
}

// Result is the terminal payload a workflow hands back through onComplete.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// AgentRequest describes a workflow's ask for one or more allocated agents.
// Callback is invoked by the agent-queue pump once the request is fulfilled
// (possibly with fewer agents than Count, never blocking the pump); it is
// not serialized and is nil on requests reconstructed from persisted state.
type AgentRequest struct {
	WorkflowID string `json:"workflow_id"`
	Role       string `json:"role"`
	Count      int    `json:"count"`
	Callback   func(agents []string) `json:"-"`
}

// OccupancyDecl is the occupancy a workflow declares over task ids; the
// engine forwards it to the task store and releases it on termination.
type OccupancyDecl struct {
	TaskIDs []string
	Kind    string // "exclusive" | "shared", mirrors task.OccupancyKind
	Reason  string
}

// ConflictDecl is the conflict-resolution strategy a workflow declares when
// it wants tasks another workflow already occupies.
type ConflictDecl struct {
	TaskIDs    []string
	Resolution string // cancel_others | wait_for_others | abort_if_occupied
	Reason     string
}

// EventType enumerates the fixed set of events every workflow instance may
// emit. The engine subscribes to all of them uniformly.
type EventType string

const (
	EventProgress             EventType = "onProgress"
	EventComplete             EventType = "onComplete"
	EventAgentNeeded          EventType = "onAgentNeeded"
	EventAgentReleased        EventType = "onAgentReleased"
	EventAgentDemotedToBench  EventType = "onAgentDemotedToBench"
	EventWorkflowEvent        EventType = "onWorkflowEvent"
	EventAgentWorkStarted     EventType = "onAgentWorkStarted"
	EventTaskOccupancyDeclared EventType = "onTaskOccupancyDeclared"
	EventTaskOccupancyReleased EventType = "onTaskOccupancyReleased"
	EventTaskConflictDeclared  EventType = "onTaskConflictDeclared"
)

// Event is the single envelope delivered to every subscriber; Payload's
// concrete type depends on Type.
type Event struct {
	WorkflowID string
	Type       EventType
	Payload    any
}

// Listener receives every event a workflow emits, in emission order.
type Listener interface {
	OnWorkflowEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// OnWorkflowEvent implements Listener.
func (f ListenerFunc) OnWorkflowEvent(evt Event) { f(evt) }

// CompletedSummary is the lightweight record appended to a session's sliding
// window when a workflow reaches a terminal state.
type CompletedSummary struct {
	WorkflowID  string    `json:"workflow_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	TaskID      string    `json:"task_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Output      string    `json:"output,omitempty"`
	LogPath     string    `json:"log_path,omitempty"`
}

// Archived is the lightweight record a completed workflow's runtime object is
// replaced with once evicted after the grace period.
type Archived struct {
	WorkflowID  string    `json:"workflow_id"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	TaskID      string    `json:"task_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	ArchivedAt  time.Time `json:"archived_at"`
}
