package unified

import (
	"context"

	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/errs"
	"github.com/gaos-systems/apc-coordinator/internal/ids"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
)

// SignalAgentComplete is the handler behind the agent.complete RPC: an agent
// CLI callback reporting that a workflow stage finished. It only routes the
// signal to CompletionRendezvous; the blocked workflow phase (and any task
// transition that follows) is driven by whichever goroutine is waiting on
// WaitForCompletion, not by this call.
func (c *Coordinator) SignalAgentComplete(sig rendezvous.Signal) bool {
	delivered := c.rendez.SignalCompletion(sig)
	c.broadcaster.Publish(broadcast.Event{
		Name:      broadcast.WorkflowEvent,
		SessionID: sessionIDFromWorkflow(sig.WorkflowID),
		Data: map[string]any{
			"workflow_id": sig.WorkflowID,
			"stage":       sig.Stage,
			"task_id":     sig.TaskID,
			"result":      sig.Result,
			"delivered":   delivered,
		},
	})
	return delivered
}

// sessionIDFromWorkflow is a best-effort label for the broadcast envelope;
// workflow ids are opaque UUIDs with no session encoded in them, so this is
// intentionally empty — the workflow.event payload still carries workflow_id
// for subscribers that already track the workflow->session mapping.
func sessionIDFromWorkflow(string) string { return "" }

// AskUser implements the user.ask half of the clarification loop: it attaches
// question to taskID (via MarkAwaitingDecision, which is the only task
// transition that carries a pending question) and broadcasts
// user.questionAsked to subscribers.
func (c *Coordinator) AskUser(ctx context.Context, taskID, question string) error {
	normalized := ids.NormalizeTaskID(taskID)
	if err := ids.ValidateTaskID(normalized); err != nil {
		return errs.Validation("%v", err)
	}
	if err := c.tasks.MarkAwaitingDecision(ctx, normalized, task.WithQuestion(question)); err != nil {
		return errs.Fatal("attach question to %s: %v", normalized, err)
	}
	c.broadcaster.Publish(broadcast.Event{
		Name: broadcast.UserQuestionAsked,
		Data: map[string]any{"task_id": normalized, "question": question},
	})
	return nil
}

// RespondUser implements the user.respond half: it records the answer
// against the task (clearing the pending question) and fires a
// user_responded coordinator event for the owning session so the next
// evaluation sees the answer in its context.
func (c *Coordinator) RespondUser(ctx context.Context, taskID, answer string) error {
	normalized := ids.NormalizeTaskID(taskID)
	if err := ids.ValidateTaskID(normalized); err != nil {
		return errs.Validation("%v", err)
	}
	t, err := c.tasks.Get(ctx, normalized)
	if err != nil {
		return errs.Validation("unknown task %s: %v", normalized, err)
	}
	if err := c.tasks.ClearQuestion(ctx, normalized, answer); err != nil {
		return errs.Fatal("record answer for %s: %v", normalized, err)
	}
	c.QueueCoordinatorEvent(t.SessionID, "user_responded", map[string]any{
		"task_id": normalized,
		"answer":  answer,
	})
	return nil
}
