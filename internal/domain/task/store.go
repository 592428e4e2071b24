package task

import "context"

// TransitionParams holds optional fields for a lifecycle transition.
// Populated by TransitionOption functions, mirroring the functional-options
// pattern used throughout this codebase for optional call parameters.
type TransitionParams struct {
	ErrorText   string
	FixSummary  string
	Question    string
	TargetFiles []string
}

// TransitionOption customises a lifecycle transition call.
type TransitionOption func(*TransitionParams)

// WithErrorText records the failure text accompanying a RecordFailure call;
// it becomes the task's PreviousFixSummary when no WithFixSummary is given.
func WithErrorText(text string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorText = text }
}

// WithFixSummary attaches a summary of what the next attempt should fix.
func WithFixSummary(summary string) TransitionOption {
	return func(p *TransitionParams) { p.FixSummary = summary }
}

// WithQuestion attaches a pending clarification question.
func WithQuestion(question string) TransitionOption {
	return func(p *TransitionParams) { p.Question = question }
}

// WithTargetFiles sets TransitionParams.TargetFiles. None of the memStore
// transitions read it, so a task's TargetFiles are left unchanged.
func WithTargetFiles(files []string) TransitionOption {
	return func(p *TransitionParams) { p.TargetFiles = files }
}

func applyOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Store is the authoritative task persistence and dependency-graph port.
// Implementations must serialize mutations per session (see the concurrency
// model: no task belongs to two sessions, so per-session serialization is
// sufficient).
type Store interface {
	// Create persists a new task after validating its id and dependency
	// list (no cycles).
	Create(ctx context.Context, t *Task) error
	// Get retrieves a task by its normalized global id.
	Get(ctx context.Context, taskID string) (*Task, error)
	// Delete removes a task, recording reason for audit purposes.
	Delete(ctx context.Context, taskID, reason string) error

	// Dependencies returns the dependency ids declared on taskID.
	Dependencies(ctx context.Context, taskID string) ([]string, error)
	// Dependents returns the ids of tasks that depend on taskID.
	Dependents(ctx context.Context, taskID string) ([]string, error)
	// AddDependency adds dependsOn as a dependency of taskID, rejecting the
	// call if it would introduce a cycle.
	AddDependency(ctx context.Context, taskID, dependsOn string) error
	// RemoveDependency removes a previously declared dependency edge.
	RemoveDependency(ctx context.Context, taskID, dependsOn string) error

	// UpdateReadyTasks recomputes the ready status flag for every task in
	// the store. Idempotent; must be called before any coordinator
	// evaluation reads task state.
	UpdateReadyTasks(ctx context.Context) error
	// GetReady returns every task in session whose dependencies have all
	// succeeded.
	GetReady(ctx context.Context, sessionID string) ([]*Task, error)
	// ListBySession returns every task belonging to sessionID.
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)
	// ListByStatus returns every task matching any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)

	// DeclareOccupancy records a workflow's claim over taskIDs.
	DeclareOccupancy(ctx context.Context, workflowID string, taskIDs []string, kind OccupancyKind, reason string) error
	// ReleaseOccupancy releases a workflow's claim. When taskIDs is nil,
	// every occupancy the workflow declared is released.
	ReleaseOccupancy(ctx context.Context, workflowID string, taskIDs []string) error
	// CheckConflicts reports tasks among taskIDs already occupied by a
	// different workflow than workflowID, where either that workflow's or
	// workflowID's own occupancy of the task is exclusive.
	CheckConflicts(ctx context.Context, workflowID string, taskIDs []string) ([]ConflictingTask, error)
	// RegisterWaitingForConflicts records that workflowID wants to
	// re-dispatch wantedTasks once blockingWorkflows finish.
	RegisterWaitingForConflicts(ctx context.Context, workflowID string, wantedTasks, blockingWorkflows []string) error
	// WaitersFor returns workflow ids waiting on blockingWorkflowID to
	// finish, clearing them from the wait table.
	WaitersFor(ctx context.Context, blockingWorkflowID string) ([]string, error)

	// MarkInProgress transitions taskID to in_progress, recording the owning
	// workflow.
	MarkInProgress(ctx context.Context, taskID, workflowID string) error
	// MarkAwaitingDecision transitions taskID to awaiting_decision.
	MarkAwaitingDecision(ctx context.Context, taskID string, opts ...TransitionOption) error
	// MarkSucceeded transitions taskID to succeeded.
	MarkSucceeded(ctx context.Context, taskID string) error
	// RecordFailure increments previousAttempts and stores the fix summary;
	// never a terminal transition.
	RecordFailure(ctx context.Context, taskID string, opts ...TransitionOption) error

	// MarkOrphaned flags taskID as orphaned (its plan entry was removed
	// during revision while a workflow was still active).
	MarkOrphaned(ctx context.Context, taskID string) error
	// IsOrphaned reports the orphaned flag for taskID.
	IsOrphaned(ctx context.Context, taskID string) (bool, error)

	// SetActiveWorkflow records or clears (empty string) the workflow id
	// currently holding taskID's activeWorkflow pointer.
	SetActiveWorkflow(ctx context.Context, taskID, workflowID string) error
	// ClearQuestion records answer as the task's fix summary and clears its
	// pending clarification question, without otherwise changing status; the
	// coordinator's next evaluation is what decides whether to re-dispatch.
	ClearQuestion(ctx context.Context, taskID, answer string) error

	// Persist flushes the session's task set to its tasks.json file.
	Persist(ctx context.Context, sessionID string) error
	// FilePath returns the on-disk path of a session's tasks.json, so
	// out-of-process readers (dependency-map UIs) can read it directly.
	FilePath(sessionID string) string
}
