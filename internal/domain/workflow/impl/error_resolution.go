package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// ErrorResolutionInput is the dispatch payload for the error_resolution
// workflow type: a failed task plus whatever diagnostic text the coordinator
// collected when it decided a retry was worth dispatching.
type ErrorResolutionInput struct {
	TaskID       string
	ErrorSummary string
	FailedStage  string
	Attempt      int
}

// ErrorResolution retries a previously failed task through a fresh agent
// allocation and spawn, same phase shape as TaskImplementation but framed
// around the diagnostic context of the prior failure.
type ErrorResolution struct {
	*workflow.Runtime
	shared Shared
	input  ErrorResolutionInput

	agentCh chan []string
}

// NewErrorResolutionFactory returns a workflow.Factory for this type. It
// does not require complete dependencies: a task under active repair may
// still have unfinished siblings.
func NewErrorResolutionFactory() workflow.Factory {
	return func(id, sessionID string, input any, config map[string]any) workflow.Instance {
		er, _ := input.(ErrorResolutionInput)
		return &ErrorResolution{
			Runtime: workflow.NewRuntime(id, workflow.TypeErrorResolution, sessionID, er.TaskID),
			shared:  ExtractShared(config),
			input:   er,
			agentCh: make(chan []string, 1),
		}
	}
}

// Start runs the retry phase sequence to a terminal transition.
func (e *ErrorResolution) Start(ctx context.Context) error {
	if err := e.Runtime.TransitionRunning(); err != nil {
		return err
	}
	log := logging.OrNop(e.shared.Log)

	e.SetPhase("allocating_agent", 1, 10)
	e.RequestAgent(e.shared.Role, 1, func(agents []string) {
		select {
		case e.agentCh <- agents:
		default:
		}
	})

	var agents []string
	select {
	case agents = <-e.agentCh:
	case <-ctx.Done():
		e.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
		return ctx.Err()
	}
	if len(agents) == 0 {
		e.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no agent available"})
		return nil
	}
	agentName := agents[0]

	e.SetPhase("resolving", 2, 40)
	e.AgentWorkStarted(map[string]any{"agent": agentName, "task": e.input.TaskID, "at": time.Now()})

	if e.shared.Rendezvous == nil {
		e.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no rendezvous configured"})
		e.ReleaseAgent(agentName)
		return fmt.Errorf("error_resolution %s: %w", e.ID(), missingDep(KeyRendezvous))
	}

	spawnErr := e.shared.Spawner.Spawn(ctx, SpawnRequest{
		SessionID:  e.SessionID(),
		WorkflowID: e.ID(),
		TaskID:     e.input.TaskID,
		Stage:      "error_resolution",
		Role:       e.shared.Role,
		AgentName:  agentName,
		Input: map[string]any{
			"error_summary": e.input.ErrorSummary,
			"failed_stage":  e.input.FailedStage,
			"attempt":       e.input.Attempt,
		},
	})
	if spawnErr != nil {
		log.Warn("error_resolution %s: spawn failed: %v", e.ID(), spawnErr)
		e.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: spawnErr.Error()})
		e.ReleaseAgent(agentName)
		return nil
	}

	sig, err := e.shared.Rendezvous.WaitForCompletion(ctx, e.ID(), "error_resolution", e.input.TaskID, e.shared.Timeout)
	e.ReleaseAgent(agentName)

	e.SetPhase("finalizing", 3, 90)
	if err != nil {
		e.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: err.Error()})
		return nil
	}
	success := sig.Result == "success"
	result := workflow.Result{Success: success, Data: sig.Payload}
	if !success {
		if msg, ok := sig.Payload["error"].(string); ok {
			result.Error = msg
		} else {
			result.Error = fmt.Sprintf("agent reported result=%s", sig.Result)
		}
		e.TransitionTerminal(workflow.StatusFailed, result)
		return nil
	}
	if out, ok := sig.Payload["output"].(string); ok {
		result.Output = out
	}
	e.TransitionTerminal(workflow.StatusSucceeded, result)
	return nil
}

// Cancel transitions directly to cancelled and tears down any outstanding
// rendezvous wait.
func (e *ErrorResolution) Cancel(ctx context.Context) error {
	if e.shared.Rendezvous != nil {
		e.shared.Rendezvous.CancelPendingSignal(e.ID(), nil, nil)
	}
	e.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
	return nil
}

// Dispose clears the embedded Runtime's listeners.
func (e *ErrorResolution) Dispose() { e.Runtime.Dispose() }
