package unified

import (
	"context"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/errs"
)

// CancelSession cancels every non-terminal workflow for sessionID. If the
// session was stuck in planning/revising with nothing left running, it
// reclaims any orphaned agents and resets status to reviewing (when a plan
// file exists) or no_plan.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string) error {
	c.engine.CancelSession(ctx, sessionID)

	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return errs.Validation("unknown session %s", sessionID)
	}
	if (sess.Status == session.StatusPlanning || sess.Status == session.StatusRevising) &&
		len(c.engine.ListBySession(sessionID)) == 0 {
		c.pool.ReleaseOrphanAllocatedAgents(c.liveWorkflowIDSet())

		next := session.StatusNoPlan
		if sess.PlanFilePath != "" {
			next = session.StatusReviewing
		}
		if _, err := c.sessions.Update(sessionID, func(s *session.Session) { s.Status = next }); err != nil {
			return errs.Fatal("reset session %s after cancel: %v", sessionID, err)
		}
		c.broadcaster.Publish(broadcast.Event{Name: broadcast.SessionUpdated, SessionID: sessionID})
	}
	return nil
}

// CompleteSession refuses unless the session is approved; on success it
// marks the session completed and removes it from the session store, except
// for the reserved error-resolution singleton session. The session's tasks
// are not removed from the task store.
func (c *Coordinator) CompleteSession(ctx context.Context, sessionID string) error {
	sess := c.sessions.Get(sessionID)
	if sess == nil || sess.Status != session.StatusApproved {
		return errs.Precondition("approve the session before completing it", "session %s is not approved", sessionID)
	}
	if _, err := c.sessions.Update(sessionID, func(s *session.Session) { s.Status = session.StatusCompleted }); err != nil {
		return errs.Fatal("complete session %s: %v", sessionID, err)
	}
	c.broadcaster.Publish(broadcast.Event{Name: broadcast.SessionUpdated, SessionID: sessionID})

	if sessionID != ErrorResolutionSessionID {
		if err := c.sessions.Remove(sessionID); err != nil {
			c.log.Warn("unregister completed session %s: %v", sessionID, err)
		}
	}
	return nil
}

// PauseEvaluations gates the coordinator from acting on sessionID's queued
// events until ResumeEvaluations is called; plan-mutating RPCs call this
// before they touch the plan file.
func (c *Coordinator) PauseEvaluations(sessionID, reason string) error {
	ok, err := c.sessions.Update(sessionID, func(s *session.Session) {
		s.EvaluationsPaused = true
		s.PauseReason = reason
	})
	if err != nil {
		return errs.Fatal("pause evaluations for %s: %v", sessionID, err)
	}
	if !ok {
		return errs.Validation("unknown session %s", sessionID)
	}
	return nil
}

// ResumeEvaluations lifts a previously set pause.
func (c *Coordinator) ResumeEvaluations(sessionID string) error {
	ok, err := c.sessions.Update(sessionID, func(s *session.Session) {
		s.EvaluationsPaused = false
		s.PauseReason = ""
	})
	if err != nil {
		return errs.Fatal("resume evaluations for %s: %v", sessionID, err)
	}
	if !ok {
		return errs.Validation("unknown session %s", sessionID)
	}
	return nil
}

// PeriodicCleanup evicts completed sessions past their retention window and
// warns (but does not act) on a suspiciously large outstanding rendezvous
// waiter count. Workflow archival already happens on its own per-workflow
// grace timer inside the engine, so this does not duplicate it.
func (c *Coordinator) PeriodicCleanup(ctx context.Context) {
	retention := c.cfg.Cleanup.SessionRetention()
	for _, sess := range c.sessions.List() {
		if sess.Status != session.StatusCompleted {
			continue
		}
		if time.Since(sess.UpdatedAt) < retention {
			continue
		}
		if err := c.sessions.Remove(sess.ID); err != nil {
			c.log.Warn("cleanup: remove stale completed session %s: %v", sess.ID, err)
		}
	}

	if live := c.rendez.LiveCount(); live > 100 {
		c.log.Warn("cleanup: %d completion signals are still live; a consumer may have been lost", live)
	}

	c.recordTaskCounts(ctx)
}

// recordTaskCounts pushes current task-by-status gauges to the metrics
// recorder, if configured.
func (c *Coordinator) recordTaskCounts(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	statuses := []task.Status{
		task.StatusCreated, task.StatusReady, task.StatusBlocked,
		task.StatusInProgress, task.StatusAwaitingDecision, task.StatusSucceeded,
	}
	counts := make(map[string]int, len(statuses))
	for _, st := range statuses {
		tasks, err := c.tasks.ListByStatus(ctx, st)
		if err != nil {
			c.log.Warn("cleanup: count tasks by status %s: %v", st, err)
			continue
		}
		counts[string(st)] = len(tasks)
	}
	c.metrics.SetTaskCounts(counts)
}

// RunPeriodicCleanup blocks until ctx is cancelled, calling PeriodicCleanup
// on the configured interval.
func (c *Coordinator) RunPeriodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Cleanup.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PeriodicCleanup(ctx)
		}
	}
}

// Shutdown cancels every non-terminal workflow across every session,
// releases every allocated and busy agent, and flushes one final pool
// broadcast so subscribers see the daemon go quiet.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.engine.CancelAll(ctx)

	var busy []string
	for _, a := range c.pool.Snapshot() {
		if a.Status == agentpool.StatusAllocated || a.Status == agentpool.StatusBusy {
			busy = append(busy, a.Name)
		}
	}
	if len(busy) > 0 {
		c.pool.Release(busy)
	}
	c.broadcaster.Publish(broadcast.Event{Name: broadcast.PoolChanged, Data: map[string]any{"shutdown": true}})
}
