package unified

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/domain/coordinator"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
)

// This file implements coordinator.StateProvider so the coordinator package
// never imports task, agentpool, or workflow directly.
var _ coordinator.StateProvider = (*Coordinator)(nil)

func toSummaries(tasks []*task.Task) []coordinator.TaskSummary {
	out := make([]coordinator.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, coordinator.TaskSummary{ID: t.ID, Description: t.Description, Status: string(t.Status)})
	}
	return out
}

// ReadyTasks implements coordinator.StateProvider. It recomputes the ready
// flag across every task before reading it back, so a session whose
// dependency graph changed since the last explicit UpdateReadyTasks call
// (e.g. a dependency's workflow just completed) is never evaluated against
// stale readiness.
func (c *Coordinator) ReadyTasks(sessionID string) []coordinator.TaskSummary {
	ctx := context.Background()
	if err := c.tasks.UpdateReadyTasks(ctx); err != nil {
		c.log.Warn("state provider: recompute ready tasks for %s: %v", sessionID, err)
	}
	ready, err := c.tasks.GetReady(ctx, sessionID)
	if err != nil {
		c.log.Warn("state provider: ready tasks for %s: %v", sessionID, err)
		return nil
	}
	return toSummaries(ready)
}

// InProgressTasks implements coordinator.StateProvider.
func (c *Coordinator) InProgressTasks(sessionID string) []coordinator.TaskSummary {
	return c.tasksWithStatus(sessionID, task.StatusInProgress)
}

// BlockedTasks implements coordinator.StateProvider: both hard-blocked
// (unmet dependencies) and paused (awaiting_decision) tasks surface here,
// matching the "blocked/paused" grouping in the input assembly.
func (c *Coordinator) BlockedTasks(sessionID string) []coordinator.TaskSummary {
	return c.tasksWithStatus(sessionID, task.StatusBlocked, task.StatusAwaitingDecision)
}

func (c *Coordinator) tasksWithStatus(sessionID string, statuses ...task.Status) []coordinator.TaskSummary {
	all, err := c.tasks.ListBySession(context.Background(), sessionID)
	if err != nil {
		c.log.Warn("state provider: list tasks for %s: %v", sessionID, err)
		return nil
	}
	want := make(map[task.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*task.Task
	for _, t := range all {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return toSummaries(out)
}

// ActiveWorkflows implements coordinator.StateProvider.
func (c *Coordinator) ActiveWorkflows(sessionID string) []coordinator.WorkflowSummary {
	ids := c.engine.ListBySession(sessionID)
	out := make([]coordinator.WorkflowSummary, 0, len(ids))
	for _, id := range ids {
		inst := c.engine.Get(id)
		if inst == nil {
			continue
		}
		progress := inst.GetProgress()
		out = append(out, coordinator.WorkflowSummary{
			ID: id, Type: inst.Type(), Phase: progress.Phase, Pct: progress.Percentage,
		})
	}
	return out
}

// AgentCounts implements coordinator.StateProvider.
func (c *Coordinator) AgentCounts(sessionID string) coordinator.AgentCounts {
	counts := coordinator.AgentCounts{ByRole: make(map[string]int)}
	for _, a := range c.pool.Snapshot() {
		if a.Session != "" && a.Session != sessionID {
			continue
		}
		switch a.Status {
		case agentpool.StatusAvailable:
			counts.Available++
		case agentpool.StatusResting:
			counts.Resting++
		case agentpool.StatusAllocated, agentpool.StatusBusy:
			counts.Busy++
			if a.Role != "" {
				counts.ByRole[a.Role]++
			}
		}
	}
	return counts
}

// PendingQuestions implements coordinator.StateProvider.
func (c *Coordinator) PendingQuestions(sessionID string) []string {
	all, err := c.tasks.ListBySession(context.Background(), sessionID)
	if err != nil {
		c.log.Warn("state provider: pending questions for %s: %v", sessionID, err)
		return nil
	}
	var out []string
	for _, t := range all {
		if t.PendingQuestion != "" {
			out = append(out, t.ID+": "+t.PendingQuestion)
		}
	}
	return out
}

// PlanContent implements coordinator.StateProvider, reading the session's
// requirement and plan markdown files directly off disk — the coordinator
// input assembly never holds plan text in memory between evaluations.
func (c *Coordinator) PlanContent(sessionID string) (requirement, planMarkdown string) {
	dir := c.layout.PlanDir(sessionID)
	requirement = readFileOrEmpty(filepath.Join(dir, "requirement.md"))
	planMarkdown = readFileOrEmpty(filepath.Join(dir, "plan.md"))
	return requirement, planMarkdown
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// WorkflowSelection implements coordinator.StateProvider: every registered
// workflow type name, one per line, filtered by Unity enablement when the
// type name carries a "unity_" prefix convention.
func (c *Coordinator) WorkflowSelection() string {
	names := c.registry.Names()
	var kept []string
	for _, n := range names {
		if !c.cfg.UnityEnabled && strings.HasPrefix(n, "unity_") {
			continue
		}
		kept = append(kept, n)
	}
	return strings.Join(kept, "\n")
}
