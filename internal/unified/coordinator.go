// Package unified implements the UnifiedCoordinator: the glue object that
// wires the agent pool, task store, workflow engine, coordinator agent, and
// idle monitor into one session-scoped control plane.
package unified

import (
	"context"
	"sync"

	"github.com/gaos-systems/apc-coordinator/internal/async"
	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/config"
	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/domain/coordinator"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow/impl"
	"github.com/gaos-systems/apc-coordinator/internal/errs"
	"github.com/gaos-systems/apc-coordinator/internal/ids"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/metrics"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// ErrorResolutionSessionID is the singleton session the daemon reserves for
// standalone error-resolution workflows that aren't attached to a planned
// session; CompleteSession never removes it from the session store.
const ErrorResolutionSessionID = "PS_000000"

// Deps bundles every collaborator the coordinator wires together. Each is
// itself independently constructible and testable.
type Deps struct {
	Config      config.Config
	Layout      statestore.Layout
	Sessions    *session.Store
	Tasks       task.Store
	Pool        *agentpool.Pool
	Engine      *workflow.Engine
	Registry    *workflow.Registry
	Rendezvous  *rendezvous.Rendezvous
	Broadcaster *broadcast.Broadcaster
	Coordinator *coordinator.Agent
	Spawner     impl.Spawner
	Logger      logging.Logger
	Metrics     metrics.Recorder
}

type queuedAgentRequest struct {
	sessionID string
	req       workflow.AgentRequest
}

// Coordinator is the UnifiedCoordinator: it never holds domain state itself
// beyond request-queue bookkeeping, delegating everything persistent to its
// dependencies.
type Coordinator struct {
	cfg         config.Config
	layout      statestore.Layout
	sessions    *session.Store
	tasks       task.Store
	pool        *agentpool.Pool
	engine      *workflow.Engine
	registry    *workflow.Registry
	rendez      *rendezvous.Rendezvous
	broadcaster *broadcast.Broadcaster
	coordAgent  *coordinator.Agent
	spawner     impl.Spawner
	log         logging.Logger
	metrics     metrics.Recorder

	mu         sync.Mutex
	agentQueue []queuedAgentRequest
	pumping    bool
}

// New builds a Coordinator from deps, filling in a no-op logger/spawner when
// left unset.
func New(deps Deps) *Coordinator {
	spawner := deps.Spawner
	if spawner == nil {
		spawner = impl.LoggingSpawner{Log: deps.Logger}
	}
	return &Coordinator{
		cfg:         deps.Config,
		layout:      deps.Layout,
		sessions:    deps.Sessions,
		tasks:       deps.Tasks,
		pool:        deps.Pool,
		engine:      deps.Engine,
		registry:    deps.Registry,
		rendez:      deps.Rendezvous,
		broadcaster: deps.Broadcaster,
		coordAgent:  deps.Coordinator,
		spawner:     spawner,
		log:         logging.OrNop(deps.Logger),
		metrics:     deps.Metrics,
	}
}

// workflowConfigFor builds the generic config map the registry's factories
// expect, binding the shared rendezvous/spawner/logger for every dispatch
// from session.
func (c *Coordinator) workflowConfigFor(roleForDispatch string) map[string]any {
	role := roleForDispatch
	if role == "" {
		role = "implementer"
	}
	return map[string]any{
		impl.KeyRendezvous: c.rendez,
		impl.KeySpawner:    c.spawner,
		impl.KeyLogger:     c.log,
		impl.KeyTimeout:    c.cfg.Coordinator.EvalTimeout(),
		impl.KeyRole:       role,
	}
}

// InitSession creates the session on first reference and broadcasts its
// creation; subsequent calls are idempotent reads.
func (c *Coordinator) InitSession(sessionID string) (*session.Session, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, errs.Validation("%v", err)
	}
	sess, err := c.sessions.GetOrCreate(sessionID)
	if err != nil {
		return nil, errs.Fatal("init session %s: %v", sessionID, err)
	}
	c.broadcaster.Publish(broadcast.Event{Name: broadcast.SessionCreated, SessionID: sessionID})
	return sess, nil
}

// DispatchWorkflow instantiates typeName via the registry, wires its events
// into this coordinator, registers the workflow->task mapping, and fires
// its Start asynchronously. For task_implementation it also validates the
// task id and marks the task in-progress before returning.
func (c *Coordinator) DispatchWorkflow(ctx context.Context, sessionID, typeName string, taskID string, input any) (string, error) {
	id := ids.NewWorkflowID()
	cfg := c.workflowConfigFor("")

	inst, err := c.engine.Dispatch(ctx, id, typeName, sessionID, taskID, input, cfg)
	if err != nil {
		return "", errs.Validation("dispatch %s: %v", typeName, err)
	}
	inst.AddListener(workflow.ListenerFunc(func(evt workflow.Event) {
		c.handleWorkflowEvent(id, sessionID, evt)
	}))

	if typeName == workflow.TypeTaskImplementation && taskID != "" {
		normalized := ids.NormalizeTaskID(taskID)
		if err := ids.ValidateTaskID(normalized); err != nil {
			return "", errs.Validation("%v", err)
		}
		if err := c.tasks.MarkInProgress(ctx, normalized, id); err != nil {
			return "", errs.Precondition("check task state", "mark %s in-progress: %v", normalized, err)
		}
	}

	async.Go(c.log, "workflow-start", func() {
		if startErr := inst.Start(context.Background()); startErr != nil {
			c.log.Warn("workflow %s (%s) start returned error: %v", id, typeName, startErr)
		}
	})
	return id, nil
}

// StartTaskWorkflow guards the at-most-one-workflow-per-task invariant with
// the engine's process-wide start lock, verifies the session is approved,
// enforces dependency completeness unless the workflow type disables it,
// then dispatches.
func (c *Coordinator) StartTaskWorkflow(ctx context.Context, sessionID, taskID, typeName string, input any) (string, error) {
	normalized := ids.NormalizeTaskID(taskID)
	if err := ids.ValidateTaskID(normalized); err != nil {
		return "", errs.Validation("%v", err)
	}
	if !c.engine.TryLockTaskStart(normalized) {
		return "", errs.Precondition("retry shortly", "task %s start already in flight", normalized)
	}
	defer c.engine.UnlockTaskStart(normalized)

	sess := c.sessions.Get(sessionID)
	if sess == nil || !sess.CanDispatch() {
		return "", errs.Precondition("approve the session before dispatching", "session %s is not approved", sessionID)
	}
	if existing, active := c.engine.HasActiveWorkflowForTask(normalized); active {
		return "", errs.Precondition("inspect the active workflow", "task %s already has active workflow %s", normalized, existing)
	}

	meta, ok := c.registry.Lookup(typeName)
	if !ok {
		return "", errs.Validation("unknown workflow type %q", typeName)
	}
	if meta.RequiresCompleteDependencies {
		if err := c.verifyDependenciesComplete(ctx, normalized); err != nil {
			return "", err
		}
	}

	return c.DispatchWorkflow(ctx, sessionID, typeName, normalized, input)
}

func (c *Coordinator) verifyDependenciesComplete(ctx context.Context, taskID string) error {
	deps, err := c.tasks.Dependencies(ctx, taskID)
	if err != nil {
		return errs.Internal("load dependencies for %s: %v", taskID, err)
	}
	for _, dep := range deps {
		t, err := c.tasks.Get(ctx, dep)
		if err != nil {
			return errs.Precondition("resolve dependency", "dependency %s of %s: %v", dep, taskID, err)
		}
		if !t.Status.IsTerminal() {
			return errs.Precondition("wait for dependencies to finish", "dependency %s of %s is not yet complete", dep, taskID)
		}
	}
	return nil
}

// handleWorkflowEvent is the single fan-in point for everything a dispatched
// workflow instance emits besides onProgress. For onComplete it only does the
// follow-up work (occupancy release, logging and clearing conflict waiters,
// ready-task refresh, a coordinator event); the engine owns the terminal transition and
// archival.
func (c *Coordinator) handleWorkflowEvent(workflowID, sessionID string, evt workflow.Event) {
	ctx := context.Background()
	switch evt.Type {
	case workflow.EventAgentNeeded:
		req, ok := evt.Payload.(workflow.AgentRequest)
		if !ok {
			return
		}
		c.enqueueAgentRequest(sessionID, req)
	case workflow.EventAgentReleased:
		name, _ := evt.Payload.(string)
		if name != "" {
			c.handleAgentReleased(sessionID, name)
		}
	case workflow.EventTaskOccupancyDeclared:
		decl, ok := evt.Payload.(workflow.OccupancyDecl)
		if !ok {
			return
		}
		if err := c.tasks.DeclareOccupancy(ctx, workflowID, decl.TaskIDs, task.OccupancyKind(decl.Kind), decl.Reason); err != nil {
			c.log.Warn("declare occupancy for %s: %v", workflowID, err)
		}
	case workflow.EventTaskConflictDeclared:
		decl, ok := evt.Payload.(workflow.ConflictDecl)
		if !ok {
			return
		}
		c.resolveConflict(ctx, workflowID, decl)
	case workflow.EventComplete:
		if err := c.tasks.ReleaseOccupancy(ctx, workflowID, nil); err != nil {
			c.log.Warn("release occupancy for %s: %v", workflowID, err)
		}
		for _, waiter := range c.waitersFor(ctx, workflowID) {
			c.log.Info("workflow %s finished; %s was waiting on it for re-dispatch", workflowID, waiter)
		}
		if err := c.tasks.UpdateReadyTasks(ctx); err != nil {
			c.log.Warn("recompute ready tasks after workflow %s completed: %v", workflowID, err)
		}
		result, _ := evt.Payload.(workflow.Result)
		eventType := "workflow_completed"
		if !result.Success {
			eventType = "workflow_failed"
		}
		c.QueueCoordinatorEvent(sessionID, eventType, map[string]any{
			"workflow_id": workflowID,
			"error":       result.Error,
		})
	}
}

func (c *Coordinator) waitersFor(ctx context.Context, workflowID string) []string {
	waiters, err := c.tasks.WaitersFor(ctx, workflowID)
	if err != nil {
		c.log.Warn("load waiters for %s: %v", workflowID, err)
		return nil
	}
	return waiters
}

// resolveConflict implements the conflict arbiter named in the design: the
// three resolution strategies a workflow can declare when it wants tasks
// another workflow already occupies.
func (c *Coordinator) resolveConflict(ctx context.Context, workflowID string, decl workflow.ConflictDecl) {
	switch decl.Resolution {
	case "cancel_others":
		conflicts, err := c.tasks.CheckConflicts(ctx, workflowID, decl.TaskIDs)
		if err != nil {
			c.log.Warn("check conflicts for %s: %v", workflowID, err)
			return
		}
		cancelled := make(map[string]bool)
		for _, conf := range conflicts {
			if cancelled[conf.OccupyingWorkflow] {
				continue
			}
			cancelled[conf.OccupyingWorkflow] = true
			if err := c.engine.Cancel(ctx, conf.OccupyingWorkflow); err != nil {
				c.log.Warn("cancel conflicting workflow %s: %v", conf.OccupyingWorkflow, err)
			}
		}
		if err := c.tasks.UpdateReadyTasks(ctx); err != nil {
			c.log.Warn("recompute ready tasks after cancel_others: %v", err)
		}
	case "wait_for_others":
		conflicts, err := c.tasks.CheckConflicts(ctx, workflowID, decl.TaskIDs)
		if err != nil {
			c.log.Warn("check conflicts for %s: %v", workflowID, err)
			return
		}
		blockers := make([]string, 0, len(conflicts))
		for _, conf := range conflicts {
			blockers = append(blockers, conf.OccupyingWorkflow)
		}
		if err := c.tasks.RegisterWaitingForConflicts(ctx, workflowID, decl.TaskIDs, blockers); err != nil {
			c.log.Warn("register waiting for %s: %v", workflowID, err)
		}
		if err := c.engine.Cancel(ctx, workflowID); err != nil {
			c.log.Warn("cancel waiting workflow %s: %v", workflowID, err)
		}
	case "abort_if_occupied":
		if err := c.engine.Cancel(ctx, workflowID); err != nil {
			c.log.Warn("abort occupied workflow %s: %v", workflowID, err)
		}
	default:
		c.log.Warn("workflow %s declared unknown conflict resolution %q", workflowID, decl.Resolution)
	}
}

// enqueueAgentRequest appends req to the pump's queue and kicks the pump.
func (c *Coordinator) enqueueAgentRequest(sessionID string, req workflow.AgentRequest) {
	c.mu.Lock()
	c.agentQueue = append(c.agentQueue, queuedAgentRequest{sessionID: sessionID, req: req})
	c.mu.Unlock()
	c.pumpAgentQueue()
}

// pumpAgentQueue drains the request queue under a single re-entry flag: a
// second caller arriving while a pump is already running just returns,
// trusting the in-flight pump to see its newly queued entry.
func (c *Coordinator) pumpAgentQueue() {
	c.mu.Lock()
	if c.pumping {
		c.mu.Unlock()
		return
	}
	c.pumping = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pumping = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if len(c.agentQueue) == 0 {
			c.mu.Unlock()
			return
		}
		next := c.agentQueue[0]
		c.agentQueue = c.agentQueue[1:]
		c.mu.Unlock()

		c.fulfillAgentRequest(next)
	}
}

// fulfillAgentRequest first searches the requesting workflow's own bench
// (agents it already holds allocated but idle) before asking the pool for
// fresh ones, then invokes the request's callback with whatever it got —
// possibly fewer than requested, which the pump never blocks over.
func (c *Coordinator) fulfillAgentRequest(item queuedAgentRequest) {
	bench := c.benchFor(item.req.WorkflowID, item.req.Role)
	got := append([]string{}, bench...)

	if remaining := item.req.Count - len(got); remaining > 0 {
		allocated, err := c.pool.Allocate(item.sessionID, item.req.WorkflowID, remaining, item.req.Role)
		if err != nil {
			c.log.Warn("allocate for workflow %s role %s: %v", item.req.WorkflowID, item.req.Role, err)
		} else {
			got = append(got, allocated...)
		}
	}

	if len(got) > 0 {
		c.broadcaster.Publish(broadcast.Event{
			Name:      broadcast.PoolChanged,
			SessionID: item.sessionID,
			Data:      map[string]any{"workflow_id": item.req.WorkflowID, "role": item.req.Role, "agents": got},
		})
	}
	if item.req.Callback != nil {
		item.req.Callback(got)
	}
}

func (c *Coordinator) benchFor(workflowID, role string) []string {
	var names []string
	for _, a := range c.pool.Snapshot() {
		if a.WorkflowID == workflowID && a.Status == agentpool.StatusAllocated && a.Role == role {
			names = append(names, a.Name)
		}
	}
	return names
}

// handleAgentReleased syncs the pool, broadcasts the change, and — only for
// sessions that still have incomplete work — wakes the coordinator agent
// with an agent_available event so it can consider re-dispatching.
func (c *Coordinator) handleAgentReleased(sessionID, name string) {
	c.pool.Release([]string{name})
	c.broadcaster.Publish(broadcast.Event{Name: broadcast.PoolChanged, SessionID: sessionID, Data: map[string]any{"released": name}})

	if c.sessionHasIncompleteWork(sessionID) {
		c.QueueCoordinatorEvent(sessionID, "agent_available", map[string]any{"agent": name})
	}
}

func (c *Coordinator) sessionHasIncompleteWork(sessionID string) bool {
	tasks, err := c.tasks.ListBySession(context.Background(), sessionID)
	if err != nil {
		c.log.Warn("list tasks for %s: %v", sessionID, err)
		return false
	}
	for _, t := range tasks {
		if t.Status != task.StatusSucceeded && t.Status != task.StatusInProgress {
			return true
		}
	}
	return false
}

// QueueCoordinatorEvent forwards to the coordinator agent unless the
// session has evaluations paused, in which case the event is silently
// dropped per the pause/resume contract.
func (c *Coordinator) QueueCoordinatorEvent(sessionID, typ string, payload map[string]any) {
	sess := c.sessions.Get(sessionID)
	if sess != nil && sess.EvaluationsPaused {
		return
	}
	c.coordAgent.QueueEvent(sessionID, typ, payload)
}

// liveWorkflowIDSet returns the set of every currently-live workflow id
// across all sessions, used to identify orphaned agent allocations.
func (c *Coordinator) liveWorkflowIDSet() map[string]struct{} {
	ids := c.engine.ListLive()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
