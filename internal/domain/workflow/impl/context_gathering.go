package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// ContextGatheringInput is the dispatch payload for the context_gathering
// workflow type: a session-level investigation that isn't bound to any one
// task, typically fired before a plan exists or before a revision.
type ContextGatheringInput struct {
	Prompt      string
	FocusPaths  []string
	Reason      string
}

// ContextGathering runs a single agent over the repository to produce
// background material (file summaries, architecture notes) the coordinator
// folds into its next evaluation. It carries no task id.
type ContextGathering struct {
	*workflow.Runtime
	shared Shared
	input  ContextGatheringInput

	agentCh chan []string
}

// NewContextGatheringFactory returns a workflow.Factory for this type. It
// does not require complete dependencies — it isn't bound to a task at all.
func NewContextGatheringFactory() workflow.Factory {
	return func(id, sessionID string, input any, config map[string]any) workflow.Instance {
		ci, _ := input.(ContextGatheringInput)
		return &ContextGathering{
			Runtime: workflow.NewRuntime(id, workflow.TypeContextGathering, sessionID, ""),
			shared:  ExtractShared(config),
			input:   ci,
			agentCh: make(chan []string, 1),
		}
	}
}

// Start runs the gathering phase sequence to a terminal transition.
func (c *ContextGathering) Start(ctx context.Context) error {
	if err := c.Runtime.TransitionRunning(); err != nil {
		return err
	}
	log := logging.OrNop(c.shared.Log)

	c.SetPhase("allocating_agent", 1, 10)
	c.RequestAgent(c.shared.Role, 1, func(agents []string) {
		select {
		case c.agentCh <- agents:
		default:
		}
	})

	var agents []string
	select {
	case agents = <-c.agentCh:
	case <-ctx.Done():
		c.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
		return ctx.Err()
	}
	if len(agents) == 0 {
		c.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no agent available"})
		return nil
	}
	agentName := agents[0]

	c.SetPhase("gathering", 2, 50)
	c.AgentWorkStarted(map[string]any{"agent": agentName, "at": time.Now()})

	if c.shared.Rendezvous == nil {
		c.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no rendezvous configured"})
		c.ReleaseAgent(agentName)
		return fmt.Errorf("context_gathering %s: %w", c.ID(), missingDep(KeyRendezvous))
	}

	spawnErr := c.shared.Spawner.Spawn(ctx, SpawnRequest{
		SessionID:  c.SessionID(),
		WorkflowID: c.ID(),
		Stage:      "context_gathering",
		Role:       c.shared.Role,
		AgentName:  agentName,
		Input: map[string]any{
			"prompt":      c.input.Prompt,
			"focus_paths": c.input.FocusPaths,
			"reason":      c.input.Reason,
		},
	})
	if spawnErr != nil {
		log.Warn("context_gathering %s: spawn failed: %v", c.ID(), spawnErr)
		c.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: spawnErr.Error()})
		c.ReleaseAgent(agentName)
		return nil
	}

	sig, err := c.shared.Rendezvous.WaitForCompletion(ctx, c.ID(), "context_gathering", "", c.shared.Timeout)
	c.ReleaseAgent(agentName)

	c.SetPhase("finalizing", 3, 90)
	if err != nil {
		c.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: err.Error()})
		return nil
	}
	success := sig.Result == "success"
	result := workflow.Result{Success: success, Data: sig.Payload}
	if out, ok := sig.Payload["output"].(string); ok {
		result.Output = out
	}
	if !success {
		if msg, ok := sig.Payload["error"].(string); ok {
			result.Error = msg
		}
		c.TransitionTerminal(workflow.StatusFailed, result)
		return nil
	}
	c.TransitionTerminal(workflow.StatusSucceeded, result)
	return nil
}

// Cancel transitions directly to cancelled.
func (c *ContextGathering) Cancel(ctx context.Context) error {
	if c.shared.Rendezvous != nil {
		c.shared.Rendezvous.CancelPendingSignal(c.ID(), nil, nil)
	}
	c.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
	return nil
}

// Dispose clears the embedded Runtime's listeners.
func (c *ContextGathering) Dispose() { c.Runtime.Dispose() }
