package unified

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/domain/coordinator"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow/impl"
	"github.com/gaos-systems/apc-coordinator/internal/llmport"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// countingLLM records every Complete call without returning anything
// meaningful; used to confirm an event reached the coordinator's debounced
// queue without depending on the extracted Decision content.
type countingLLM struct {
	mu   sync.Mutex
	hits []time.Time
}

func (c *countingLLM) Complete(ctx context.Context, req llmport.CompletionRequest) (*llmport.CompletionResponse, error) {
	c.mu.Lock()
	c.hits = append(c.hits, time.Now())
	c.mu.Unlock()
	return &llmport.CompletionResponse{Content: "REASONING: ok\nCONFIDENCE: 1.0"}, nil
}

func (c *countingLLM) Model() string { return "counting-llm" }

func (c *countingLLM) calls() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time{}, c.hits...)
}

func newFullTestCoordinator(t *testing.T) (*Coordinator, task.Store, *workflow.Engine, *session.Store) {
	t.Helper()
	layout := statestore.Layout{Root: t.TempDir()}
	sessions, err := session.NewStore(layout)
	require.NoError(t, err)
	tasks := task.NewMemStore(t.TempDir(), nil)
	pool := agentpool.New(agentpool.Config{Roster: []string{"a", "b"}, Roles: []string{"implementer"}})
	registry := workflow.NewRegistry()
	impl.RegisterAll(registry)
	engine := workflow.NewEngine(registry, nil, workflow.TerminationHooks{})
	coordAgent := coordinator.New(coordinator.Config{Timing: coordinator.Timing{
		Debounce: time.Hour, MaxWait: time.Hour, Cooldown: 0,
	}})
	c := New(Deps{
		Layout:      layout,
		Sessions:    sessions,
		Tasks:       tasks,
		Pool:        pool,
		Engine:      engine,
		Registry:    registry,
		Rendezvous:  rendezvous.New(nil),
		Broadcaster: broadcast.New(nil),
		Coordinator: coordAgent,
	})
	return c, tasks, engine, sessions
}

// TestStartTaskWorkflowRejectsUnmetDependencies covers P4/scenario 2: a
// task_implementation dispatch must fail while any dependency is not yet
// succeeded.
func TestStartTaskWorkflowRejectsUnmetDependencies(t *testing.T) {
	c, tasks, _, sessions := newFullTestCoordinator(t)
	ctx := context.Background()

	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)
	_, err = sessions.Update("PS_000001", func(s *session.Session) { s.Status = session.StatusApproved })
	require.NoError(t, err)

	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T2", SessionID: "PS_000001", DependsOn: []string{"PS_000001_T1"}}))

	_, err = c.StartTaskWorkflow(ctx, "PS_000001", "PS_000001_T2", workflow.TypeTaskImplementation, impl.TaskImplementationInput{TaskID: "PS_000001_T2"})
	require.Error(t, err, "unmet dependencies must reject the dispatch")

	require.NoError(t, tasks.MarkInProgress(ctx, "PS_000001_T1", "wf-other"))
	require.NoError(t, tasks.MarkSucceeded(ctx, "PS_000001_T1"))

	_, err = c.StartTaskWorkflow(ctx, "PS_000001", "PS_000001_T2", workflow.TypeTaskImplementation, impl.TaskImplementationInput{TaskID: "PS_000001_T2"})
	require.NoError(t, err, "dispatch must succeed once the dependency has succeeded")
}

// TestStartTaskWorkflowRejectsUnapprovedSession covers the session-approved
// precondition named in the design for StartTaskWorkflow.
func TestStartTaskWorkflowRejectsUnapprovedSession(t *testing.T) {
	c, tasks, _, sessions := newFullTestCoordinator(t)
	ctx := context.Background()
	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))

	_, err = c.StartTaskWorkflow(ctx, "PS_000001", "PS_000001_T1", workflow.TypeTaskImplementation, impl.TaskImplementationInput{TaskID: "PS_000001_T1"})
	require.Error(t, err)
}

// TestConflictArbiterCancelOthersCancelsOccupyingWorkflow covers scenario 3:
// a cancel_others declaration must cancel whichever live workflow already
// exclusively occupies the wanted task.
func TestConflictArbiterCancelOthersCancelsOccupyingWorkflow(t *testing.T) {
	c, tasks, engine, sessions := newFullTestCoordinator(t)
	ctx := context.Background()
	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)

	holderID, err := c.DispatchWorkflow(ctx, "PS_000001", workflow.TypeContextGathering, "", impl.ContextGatheringInput{Prompt: "survey"})
	require.NoError(t, err)
	requesterID, err := c.DispatchWorkflow(ctx, "PS_000001", workflow.TypeContextGathering, "", impl.ContextGatheringInput{Prompt: "survey 2"})
	require.NoError(t, err)

	// Both workflows block waiting on their agent CLI once agents are
	// allocated; give the pump a moment to satisfy both requests.
	require.Eventually(t, func() bool {
		return engine.Progress(holderID).Phase == "gathering" && engine.Progress(requesterID).Phase == "gathering"
	}, time.Second, time.Millisecond)

	require.NoError(t, tasks.DeclareOccupancy(ctx, holderID, []string{"PS_000001_T1"}, task.OccupancyExclusive, "editing foo.cs"))

	c.handleWorkflowEvent(requesterID, "PS_000001", workflow.Event{
		Type: workflow.EventTaskConflictDeclared,
		Payload: workflow.ConflictDecl{
			TaskIDs:    []string{"PS_000001_T1"},
			Resolution: "cancel_others",
			Reason:     "exclusive edit needed",
		},
	})

	require.Eventually(t, func() bool {
		inst := engine.Get(holderID)
		return inst != nil && inst.GetStatus() == workflow.StatusCancelled
	}, time.Second, time.Millisecond, "cancel_others must cancel the occupying workflow")
	require.NotContains(t, engine.ListLive(), holderID, "a terminal workflow must drop out of the live listing immediately")
	require.Contains(t, engine.ListLive(), requesterID, "the requesting workflow itself must not be cancelled")
}

// TestConflictArbiterAbortIfOccupiedCancelsRequester covers the
// abort_if_occupied resolution: the requesting workflow itself is cancelled.
func TestConflictArbiterAbortIfOccupiedCancelsRequester(t *testing.T) {
	c, _, engine, sessions := newFullTestCoordinator(t)
	ctx := context.Background()
	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)

	requesterID, err := c.DispatchWorkflow(ctx, "PS_000001", workflow.TypeContextGathering, "", impl.ContextGatheringInput{Prompt: "survey"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return engine.Progress(requesterID).Phase == "gathering"
	}, time.Second, time.Millisecond)

	c.handleWorkflowEvent(requesterID, "PS_000001", workflow.Event{
		Type: workflow.EventTaskConflictDeclared,
		Payload: workflow.ConflictDecl{
			TaskIDs:    []string{"PS_000001_T1"},
			Resolution: "abort_if_occupied",
		},
	})

	require.Eventually(t, func() bool {
		inst := engine.Get(requesterID)
		return inst != nil && inst.GetStatus() == workflow.StatusCancelled
	}, time.Second, time.Millisecond)
	require.NotContains(t, engine.ListLive(), requesterID)
}

// TestHandleWorkflowEventCompleteRecomputesReadyTasks covers scenario 2: once
// a dependency's workflow reaches onComplete, its dependent must become
// ready without any separate UpdateReadyTasks call from the caller — the
// engine's OnTerminal hook (wired in cmd/apc-coordinatord) marks the task
// succeeded before the engine's EventComplete reaches handleWorkflowEvent, so
// this test does the same by hand to isolate the coordinator's own behavior.
func TestHandleWorkflowEventCompleteRecomputesReadyTasks(t *testing.T) {
	c, tasks, _, sessions := newFullTestCoordinator(t)
	ctx := context.Background()
	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)

	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T2", SessionID: "PS_000001", DependsOn: []string{"PS_000001_T1"}}))
	require.NoError(t, tasks.MarkInProgress(ctx, "PS_000001_T1", "wf-1"))

	ready, err := tasks.GetReady(ctx, "PS_000001")
	require.NoError(t, err)
	require.Empty(t, ready, "T2 must not be ready before T1 succeeds")

	require.NoError(t, tasks.MarkSucceeded(ctx, "PS_000001_T1"))
	c.handleWorkflowEvent("wf-1", "PS_000001", workflow.Event{
		Type:    workflow.EventComplete,
		Payload: workflow.Result{Success: true},
	})

	ready, err = tasks.GetReady(ctx, "PS_000001")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "PS_000001_T2", ready[0].ID, "T2 must become ready once T1's workflow completes, without a separate recompute call")

	readySummaries := c.ReadyTasks("PS_000001")
	require.Len(t, readySummaries, 1)
	require.Equal(t, "PS_000001_T2", readySummaries[0].ID)
}

// TestHandleWorkflowEventCompleteQueuesCoordinatorEvent covers the
// workflow_completed/workflow_failed entries in the coordinator's event
// priority table: a terminal onComplete must reach the coordinator agent's
// queue, not just the task-store side effects.
func TestHandleWorkflowEventCompleteQueuesCoordinatorEvent(t *testing.T) {
	c, tasks, _, sessions := newFullTestCoordinator(t)
	ctx := context.Background()
	_, err := sessions.GetOrCreate("PS_000001")
	require.NoError(t, err)
	_, err = sessions.Update("PS_000001", func(s *session.Session) { s.Status = session.StatusApproved })
	require.NoError(t, err)
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))

	llm := &countingLLM{}
	layout := statestore.Layout{Root: t.TempDir()}
	coordAgent := coordinator.New(coordinator.Config{
		Timing:   coordinator.Timing{Debounce: time.Millisecond, MaxWait: time.Hour, Cooldown: 0},
		Provider: c,
		LLM:      llm,
		Ledger:   coordinator.NewHistoryLedger(layout),
		Layout:   layout,
	})
	c.coordAgent = coordAgent

	c.handleWorkflowEvent("wf-1", "PS_000001", workflow.Event{
		Type:    workflow.EventComplete,
		Payload: workflow.Result{Success: false, Error: "agent crashed"},
	})

	require.Eventually(t, func() bool {
		return len(llm.calls()) == 1
	}, time.Second, time.Millisecond, "a terminal event must reach the coordinator's debounced evaluation queue")
}
