package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// PlanningRevisionInput is the dispatch payload for the planning_revision
// workflow type: a revision pass over an existing plan that needs exclusive
// access to the tasks it touches, pre-empting whoever already holds them.
type PlanningRevisionInput struct {
	Prompt        string
	TargetTaskIDs []string
	Reason        string
}

// PlanningRevision declares exclusive occupancy over the task ids it plans
// to revise and resolves any conflict by cancelling the current holder,
// then runs a single agent pass producing the revised plan text.
type PlanningRevision struct {
	*workflow.Runtime
	shared Shared
	input  PlanningRevisionInput

	agentCh chan []string
}

// NewPlanningRevisionFactory returns a workflow.Factory for this type. It
// does not require complete dependencies — a revision can run while other
// tasks are still in flight.
func NewPlanningRevisionFactory() workflow.Factory {
	return func(id, sessionID string, input any, config map[string]any) workflow.Instance {
		pr, _ := input.(PlanningRevisionInput)
		return &PlanningRevision{
			Runtime: workflow.NewRuntime(id, workflow.TypePlanningRevision, sessionID, ""),
			shared:  ExtractShared(config),
			input:   pr,
			agentCh: make(chan []string, 1),
		}
	}
}

// Start declares exclusive occupancy, resolves any conflict by cancelling
// the incumbent, then runs the revision phase to a terminal transition.
func (p *PlanningRevision) Start(ctx context.Context) error {
	if err := p.Runtime.TransitionRunning(); err != nil {
		return err
	}
	log := logging.OrNop(p.shared.Log)

	if len(p.input.TargetTaskIDs) > 0 {
		p.SetPhase("declaring_occupancy", 1, 5)
		p.DeclareOccupancy(workflow.OccupancyDecl{
			TaskIDs: p.input.TargetTaskIDs,
			Kind:    "exclusive",
			Reason:  p.input.Reason,
		})
		p.DeclareConflict(workflow.ConflictDecl{
			TaskIDs:    p.input.TargetTaskIDs,
			Resolution: "cancel_others",
			Reason:     p.input.Reason,
		})
	}

	p.SetPhase("allocating_agent", 2, 15)
	p.RequestAgent(p.shared.Role, 1, func(agents []string) {
		select {
		case p.agentCh <- agents:
		default:
		}
	})

	var agents []string
	select {
	case agents = <-p.agentCh:
	case <-ctx.Done():
		p.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
		return ctx.Err()
	}
	if len(agents) == 0 {
		p.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no agent available"})
		return nil
	}
	agentName := agents[0]

	p.SetPhase("revising", 3, 50)
	p.AgentWorkStarted(map[string]any{"agent": agentName, "at": time.Now()})

	if p.shared.Rendezvous == nil {
		p.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: "no rendezvous configured"})
		p.ReleaseAgent(agentName)
		return fmt.Errorf("planning_revision %s: %w", p.ID(), missingDep(KeyRendezvous))
	}

	spawnErr := p.shared.Spawner.Spawn(ctx, SpawnRequest{
		SessionID:  p.SessionID(),
		WorkflowID: p.ID(),
		Stage:      "planning_revision",
		Role:       p.shared.Role,
		AgentName:  agentName,
		Input: map[string]any{
			"prompt":          p.input.Prompt,
			"target_task_ids": p.input.TargetTaskIDs,
			"reason":          p.input.Reason,
		},
	})
	if spawnErr != nil {
		log.Warn("planning_revision %s: spawn failed: %v", p.ID(), spawnErr)
		p.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: spawnErr.Error()})
		p.ReleaseAgent(agentName)
		return nil
	}

	sig, err := p.shared.Rendezvous.WaitForCompletion(ctx, p.ID(), "planning_revision", "", p.shared.Timeout)
	p.ReleaseAgent(agentName)

	p.SetPhase("finalizing", 4, 90)
	if err != nil {
		p.TransitionTerminal(workflow.StatusFailed, workflow.Result{Success: false, Error: err.Error()})
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
		p.TransitionTerminal(workflow.StatusFailed, result)
		return nil
	}
	p.TransitionTerminal(workflow.StatusSucceeded, result)
	return nil
}

// Cancel transitions directly to cancelled.
func (p *PlanningRevision) Cancel(ctx context.Context) error {
	if p.shared.Rendezvous != nil {
		p.shared.Rendezvous.CancelPendingSignal(p.ID(), nil, nil)
	}
	p.TransitionTerminal(workflow.StatusCancelled, workflow.Result{Success: false, Error: "cancelled"})
	return nil
}

// Dispose clears the embedded Runtime's listeners.
func (p *PlanningRevision) Dispose() { p.Runtime.Dispose() }
