package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/metrics"
	"github.com/gaos-systems/apc-coordinator/internal/tracing"
)

// evictionGrace is the window a terminal workflow's live object remains
// addressable before being replaced by its Archived record.
const evictionGrace = 5 * time.Minute

// TerminationHooks lets the engine's owner (the unified coordinator) react
// to a workflow reaching a terminal state without the engine importing the
// task store directly.
type TerminationHooks struct {
	// OnTerminal is called once per workflow with its terminal summary.
	OnTerminal func(summary CompletedSummary)
}

type liveEntry struct {
	instance  Instance
	sessionID string
	taskID    string
	startedAt time.Time

	// terminalStatus is set once route() observes this entry's terminal
	// transition. A non-empty value means the entry stays in e.live only for
	// evictionGrace, addressable via Get/Progress, before the delayed evict
	// call moves it into the archived LRU.
	terminalStatus Status
	completedAt    time.Time
}

// Engine owns every live workflow instance, subscribes to its events, and
// enforces the at-most-one-active-workflow-per-task rule.
type Engine struct {
	mu sync.Mutex

	registry *Registry
	log      logging.Logger
	hooks    TerminationHooks
	metrics  metrics.Recorder

	live map[string]*liveEntry // workflowID -> entry
	// taskWorkflow maps a normalized task id to the workflow id currently
	// holding its non-terminal activeWorkflow pointer.
	taskWorkflow map[string]string
	// startLocks guards two concurrent startTaskWorkflow calls for the same
	// task id racing past the at-most-one check.
	startLocks map[string]struct{}

	archived *expirable.LRU[string, *Archived]
}

// NewEngine builds an Engine bound to registry, logging through log, and
// invoking hooks on every terminal transition.
func NewEngine(registry *Registry, log logging.Logger, hooks TerminationHooks) *Engine {
	e := &Engine{
		registry:     registry,
		log:          logging.OrNop(log),
		hooks:        hooks,
		live:         make(map[string]*liveEntry),
		taskWorkflow: make(map[string]string),
		startLocks:   make(map[string]struct{}),
	}
	e.archived = expirable.NewLRU[string, *Archived](0, nil, evictionGrace)
	return e
}

// SetMetrics attaches a recorder the engine pushes dispatch/terminal counts
// and live/archived gauges to. Left unset, the engine records nothing.
func (e *Engine) SetMetrics(m metrics.Recorder) { e.metrics = m }

// HasActiveWorkflowForTask reports whether any non-terminal workflow holds
// the given normalized task id, for the engine's own at-most-one check.
func (e *Engine) HasActiveWorkflowForTask(taskID string) (workflowID string, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.taskWorkflow[strings.ToUpper(taskID)]
	return id, ok
}

// TryLockTaskStart acquires the process-wide start lock for taskID so two
// concurrent startTaskWorkflow calls cannot both pass the at-most-one check.
// Callers must call UnlockTaskStart when done, success or failure.
func (e *Engine) TryLockTaskStart(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToUpper(taskID)
	if _, held := e.startLocks[key]; held {
		return false
	}
	e.startLocks[key] = struct{}{}
	return true
}

// UnlockTaskStart releases a previously acquired start lock.
func (e *Engine) UnlockTaskStart(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.startLocks, strings.ToUpper(taskID))
}

// Dispatch instantiates typeName via the registry, subscribes to all of its
// events, and registers the workflow->task mapping (if taskID is non-empty).
// It does not call Start; the caller runs that asynchronously once it has
// decided the dispatch is otherwise valid (e.g. after marking a task
// in-progress), so Start's error, if any, surfaces only through the
// terminal event.
func (e *Engine) Dispatch(ctx context.Context, id, typeName, sessionID, taskID string, input any, config map[string]any) (Instance, error) {
	_, span := tracing.StartWorkflowDispatch(ctx, id, typeName, sessionID, taskID)
	defer func() { tracing.End(span, nil) }()

	meta, ok := e.registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown workflow type %q", typeName)
	}

	if taskID != "" {
		if existing, active := e.HasActiveWorkflowForTask(taskID); active {
			return nil, fmt.Errorf("task %s already has an active workflow %s", taskID, existing)
		}
	}

	instance := meta.Factory(id, sessionID, input, config)
	instance.AddListener(ListenerFunc(func(evt Event) { e.route(evt, sessionID, taskID) }))

	e.mu.Lock()
	e.live[id] = &liveEntry{instance: instance, sessionID: sessionID, taskID: taskID, startedAt: time.Now()}
	if taskID != "" {
		e.taskWorkflow[strings.ToUpper(taskID)] = id
	}
	e.recordCountsLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowDispatched(typeName)
	}
	return instance, nil
}

func (e *Engine) route(evt Event, sessionID, taskID string) {
	if evt.Type != EventComplete {
		return
	}
	result, _ := evt.Payload.(Result)

	e.mu.Lock()
	entry, ok := e.live[evt.WorkflowID]
	if !ok || entry.terminalStatus != "" {
		// Runtime.TransitionTerminal guarantees exactly one onComplete
		// emission per workflow, so the second branch never fires in
		// practice; it guards route() against being handed a stale entry.
		e.mu.Unlock()
		return
	}
	status := entry.instance.GetStatus()
	delete(e.taskWorkflow, strings.ToUpper(taskID))
	entry.terminalStatus = status
	entry.completedAt = time.Now()
	e.recordCountsLocked()
	e.mu.Unlock()

	entry.instance.Dispose()

	summary := CompletedSummary{
		WorkflowID:  evt.WorkflowID,
		SessionID:   sessionID,
		Type:        entry.instance.Type(),
		Status:      status,
		TaskID:      taskID,
		StartedAt:   entry.startedAt,
		CompletedAt: entry.completedAt,
		Success:     result.Success,
		Error:       result.Error,
		Output:      result.Output,
	}

	if e.hooks.OnTerminal != nil {
		e.hooks.OnTerminal(summary)
	}

	if e.metrics != nil {
		e.metrics.WorkflowTerminal(summary.Type, string(summary.Status))
	}
	e.log.Info("workflow %s (%s) terminal: %s", evt.WorkflowID, summary.Type, summary.Status)

	// The live entry stays addressable via Get/Progress for evictionGrace
	// past its terminal transition; only then does it get replaced by its
	// Archived record.
	time.AfterFunc(evictionGrace, func() { e.evict(evt.WorkflowID, summary) })
}

// evict moves a terminal workflow's entry from e.live into the archived LRU
// once evictionGrace has elapsed since its terminal transition. A workflow
// cancelled or re-dispatched in the interim (neither currently possible once
// terminal, but checked defensively) is left alone.
func (e *Engine) evict(id string, summary CompletedSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.live[id]
	if !ok || entry.terminalStatus == "" {
		return
	}
	e.archived.Add(id, &Archived{
		WorkflowID:  id,
		Type:        summary.Type,
		Status:      summary.Status,
		TaskID:      summary.TaskID,
		StartedAt:   summary.StartedAt,
		CompletedAt: summary.CompletedAt,
		ArchivedAt:  time.Now(),
	})
	delete(e.live, id)
	e.recordCountsLocked()
}

// recordCountsLocked pushes live/archived gauge counts to the metrics
// recorder, if configured. Caller must hold e.mu. The live gauge counts only
// non-terminal entries; one sitting out its eviction grace window is neither
// live nor archived, so it is simply not double-counted.
func (e *Engine) recordCountsLocked() {
	if e.metrics == nil {
		return
	}
	live := 0
	for _, entry := range e.live {
		if entry.terminalStatus == "" {
			live++
		}
	}
	e.metrics.SetWorkflowCounts(live, e.archived.Len())
}

// SessionForWorkflow returns the session id a live workflow was dispatched
// under, used by the agent-queue pump to resolve an onAgentNeeded request
// back to its owning session.
func (e *Engine) SessionForWorkflow(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.live[id]
	if !ok {
		return "", false
	}
	return entry.sessionID, true
}

// Get returns the instance for id, whether still running or terminal within
// its eviction grace window, or nil once it has been archived (callers that
// want progress past that point should use Progress instead).
func (e *Engine) Get(id string) Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.live[id]
	if !ok {
		return nil
	}
	return entry.instance
}

// Progress returns the best-effort progress for id: the instance's own
// progress while it is live or within its eviction grace window, or an
// archived-status placeholder once evicted.
func (e *Engine) Progress(id string) Progress {
	if inst := e.Get(id); inst != nil {
		return inst.GetProgress()
	}
	if _, ok := e.archived.Get(id); ok {
		return Progress{Phase: "archived", Message: "completed and archived"}
	}
	return Progress{Phase: "not_found", Message: "completed and archived"}
}

// Cancel cancels a live workflow. Cancelling an already-terminal (including
// one still sitting out its grace window) or unknown workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	entry, ok := e.live[id]
	terminal := ok && entry.terminalStatus != ""
	e.mu.Unlock()
	if !ok || terminal {
		return nil
	}
	return entry.instance.Cancel(ctx)
}

// ListLive returns the ids of every non-terminal workflow, sorted for
// deterministic iteration in tests and RPC listings. A workflow sitting out
// its eviction grace window is terminal and excluded.
func (e *Engine) ListLive() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live))
	for id, entry := range e.live {
		if entry.terminalStatus != "" {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListBySession returns the non-terminal workflow ids dispatched for
// sessionID.
func (e *Engine) ListBySession(sessionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, entry := range e.live {
		if entry.terminalStatus != "" {
			continue
		}
		if entry.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CancelSession cancels every live workflow belonging to sessionID.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) {
	for _, id := range e.ListBySession(sessionID) {
		_ = e.Cancel(ctx, id)
	}
}

// CancelAll cancels every live workflow, used on graceful shutdown.
func (e *Engine) CancelAll(ctx context.Context) {
	for _, id := range e.ListLive() {
		_ = e.Cancel(ctx, id)
	}
}
