// Package task defines the task domain model: the dependency-gated work
// items the coordinator dispatches workflows against.
package task

import "time"

// Status represents the lifecycle state of a task. Unlike a conventional
// task store, there is no terminal failure state: a failed attempt leaves
// the task in awaiting_decision for the coordinator to re-inspect.
type Status string

const (
	StatusCreated          Status = "created"
	StatusReady            Status = "ready"
	StatusBlocked          Status = "blocked"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingDecision Status = "awaiting_decision"
	StatusSucceeded        Status = "succeeded"
)

// Type distinguishes the two kinds of task the coordinator dispatches.
type Type string

const (
	TypeImplementation Type = "implementation"
	TypeErrorFix       Type = "error_fix"
)

// Task is the authoritative record for one unit of work under a session's
// dependency graph.
type Task struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Description string `json:"description"`
	Type        Type   `json:"task_type"`
	Priority    int    `json:"priority"`

	// DependsOn holds other global task ids, cross-session allowed.
	DependsOn []string `json:"depends_on,omitempty"`
	// Dependents is computed, never set directly by callers.
	Dependents []string `json:"dependents,omitempty"`

	Status Status `json:"status"`

	PreviousAttempts    int    `json:"previous_attempts"`
	PreviousFixSummary  string `json:"previous_fix_summary,omitempty"`
	TargetFiles         []string `json:"target_files,omitempty"`
	ActiveWorkflow      string `json:"active_workflow,omitempty"`
	UnityPipeline       string `json:"unity_pipeline,omitempty"`
	PendingQuestion     string `json:"pending_question,omitempty"`

	Orphaned bool `json:"orphaned"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsReady reports whether status indicates the task is eligible to dispatch.
func (s Status) IsReady() bool { return s == StatusReady }

// IsTerminal reports whether status is a final state. Only StatusSucceeded
// is terminal here; awaiting_decision always loops back into in_progress or
// succeeded — tasks never terminally fail, only their workflows do.
func (s Status) IsTerminal() bool { return s == StatusSucceeded }

// OccupancyKind says whether an occupancy is exclusive or shared.
type OccupancyKind string

const (
	OccupancyExclusive OccupancyKind = "exclusive"
	OccupancyShared    OccupancyKind = "shared"
)

// Occupancy is a declared claim by a workflow over one or more task ids.
type Occupancy struct {
	WorkflowID string        `json:"workflow_id"`
	TaskIDs    []string      `json:"task_ids"`
	Kind       OccupancyKind `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
}

// ConflictResolution names how a workflow reacts when it wants a task that
// another workflow already exclusively occupies.
type ConflictResolution string

const (
	ResolutionCancelOthers    ConflictResolution = "cancel_others"
	ResolutionWaitForOthers   ConflictResolution = "wait_for_others"
	ResolutionAbortIfOccupied ConflictResolution = "abort_if_occupied"
)

// Conflict records a workflow's declared resolution strategy over wanted
// task ids.
type Conflict struct {
	WorkflowID string             `json:"workflow_id"`
	TaskIDs    []string           `json:"task_ids"`
	Resolution ConflictResolution `json:"resolution"`
	Reason     string             `json:"reason,omitempty"`
}

// ConflictingTask names a task id and the workflow currently occupying it.
type ConflictingTask struct {
	TaskID           string `json:"task_id"`
	OccupyingWorkflow string `json:"occupying_workflow"`
}
