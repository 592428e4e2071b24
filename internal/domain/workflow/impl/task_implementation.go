package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// TaskImplementationInput is the dispatch payload for the
// task_implementation workflow type.
type TaskImplementationInput struct {
	TaskID             string
	Description        string
	PreviousFixSummary string
	TargetFiles        []string
}

// TaskImplementation drives one task through agent allocation, an external
// agent CLI spawn, and a rendezvous wait for its completion signal.
type TaskImplementation struct {
	*workflow.Runtime
	shared Shared
	input  TaskImplementationInput

	mu        sync.Mutex
	cancelled bool
	agentCh   chan []string
}

// NewTaskImplementationFactory returns a workflow.Factory for this type.
func NewTaskImplementationFactory() workflow.Factory {
	return func(id, sessionID string, input any, config map[string]any) workflow.Instance {
		ti, _ := input.(TaskImplementationInput)
		return &TaskImplementation{
			Runtime: workflow.NewRuntime(id, workflow.TypeTaskImplementation, sessionID, ti.TaskID),
			shared:  ExtractShared(config),
			input:   ti,
			agentCh: make(chan []string, 1),
		}
	}
}

// Start runs the workflow's full phase sequence to a terminal transition.
// Any error returned here reflects a setup problem the caller should log;
// the authoritative outcome is always the terminal onComplete event.
func (t *TaskImplementation) Start(ctx context.Context) error {
	if err := t.Runtime.TransitionRunning(); err != nil {
		return err
	}
	log := logging.OrNop(t.shared.Log)

	t.SetPhase("allocating_agent", 1, 10)
	t.RequestAgent(t.shared.Role, 1, func(agents []string) {
		select {
		case t.agentCh <- agents:
		default:
		}
	})

	var agents []string
	select {
	case agents = <-t.agentCh:
	case <-ctx.Done():
		t.terminalCancelled()
		return ctx.Err()
	}
	if len(agents) == 0 {
		t.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no agent available"})
		return nil
	}
	agentName := agents[0]

	t.SetPhase("implementing", 2, 40)
	t.emitWorkStarted(agentName)

	if t.shared.Rendezvous == nil {
		t.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no rendezvous configured"})
		t.ReleaseAgent(agentName)
		return fmt.Errorf("task_implementation %s: %w", t.ID(), missingDep(KeyRendezvous))
	}

	spawnErr := t.shared.Spawner.Spawn(ctx, SpawnRequest{
		SessionID:  t.SessionID(),
		WorkflowID: t.ID(),
		TaskID:     t.input.TaskID,
		Stage:      "implementation",
		Role:       t.shared.Role,
		AgentName:  agentName,
		Input: map[string]any{
			"description":          t.input.Description,
			"previous_fix_summary": t.input.PreviousFixSummary,
			"target_files":         t.input.TargetFiles,
		},
	})
	if spawnErr != nil {
		log.Warn("task_implementation %s: spawn failed: %v", t.ID(), spawnErr)
		t.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: spawnErr.Error()})
		t.ReleaseAgent(agentName)
		return nil
	}

	sig, err := t.shared.Rendezvous.WaitForCompletion(ctx, t.ID(), "implementation", t.input.TaskID, t.shared.Timeout)
	t.ReleaseAgent(agentName)

	if err != nil {
		t.SetPhase("finalizing", 3, 90)
		t.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: err.Error()})
		return nil
	}

	t.SetPhase("finalizing", 3, 90)
	success := sig.Result == "success"
	result := workflow.Result{Success: success, Data: sig.Payload}
	if !success {
		if msg, ok := sig.Payload["error"].(string); ok {
			result.Error = msg
		} else {
			result.Error = fmt.Sprintf("agent reported result=%s", sig.Result)
		}
		t.TransitionTerminal(workflow.StatusFailed, result)
		return nil
	}
	if out, ok := sig.Payload["output"].(string); ok {
		result.Output = out
	}
	t.TransitionTerminal(workflow.StatusSucceeded, result)
	return nil
}

// Cancel tears down any outstanding rendezvous wait and transitions to
// cancelled.
func (t *TaskImplementation) Cancel(ctx context.Context) error {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	if t.shared.Rendezvous != nil {
		t.shared.Rendezvous.CancelPendingSignal(t.ID(), nil, nil)
	}
	t.terminalCancelled()
	return nil
}

func (t *TaskImplementation) terminalCancelled() {
	t.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
}

// Dispose clears the embedded Runtime's listeners.
func (t *TaskImplementation) Dispose() { t.Runtime.Dispose() }

func (t *TaskImplementation) emitWorkStarted(agentName string) {
	t.Runtime.AgentWorkStarted(map[string]any{
		"agent": agentName, "task": t.input.TaskID, "at": time.Now(),
	})
}
