package unified

import (
	"context"

	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/idle"
)

var _ idle.StateReader = (*Coordinator)(nil)

// SessionState implements idle.StateReader.
func (c *Coordinator) SessionState(sessionID string) idle.SessionState {
	ready, err := c.tasks.GetReady(context.Background(), sessionID)
	if err != nil {
		c.log.Warn("idle state: ready tasks for %s: %v", sessionID, err)
	}
	return idle.SessionState{
		ActiveWorkflows: len(c.engine.ListBySession(sessionID)),
		ReadyTasks:      len(ready),
	}
}

// AnyAgentAvailable implements idle.StateReader.
func (c *Coordinator) AnyAgentAvailable() bool {
	for _, a := range c.pool.Snapshot() {
		if a.Status == agentpool.StatusAvailable {
			return true
		}
	}
	return false
}
