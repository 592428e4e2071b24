// Package impl provides the concrete workflow types the registry
// instantiates: task_implementation, error_resolution, context_gathering,
// and planning_revision. Each is a thin phase sequencer over the shared
// Runtime state machine; the actual coding work happens in an external
// agent CLI process this core only rendezvous-waits on.
package impl

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// SpawnRequest describes the external agent CLI invocation a workflow phase
// wants started. The process runner itself (spawning, streaming output,
// exit-code handling) is an external collaborator out of this core's scope;
// Spawner is the seam the daemon calls through.
type SpawnRequest struct {
	SessionID  string
	WorkflowID string
	TaskID     string
	Stage      string
	Role       string
	AgentName  string
	Input      map[string]any
}

// Spawner starts an external agent CLI for a workflow phase. It must not
// block waiting for the CLI to finish — completion arrives later through
// the completion rendezvous via agent.complete.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) error
}

// LoggingSpawner is a stand-in Spawner that only logs the request it would
// have issued to the external process runner; real deployments wire an
// actual CLI-process spawner here.
type LoggingSpawner struct {
	Log logging.Logger
}

// Spawn implements Spawner.
func (s LoggingSpawner) Spawn(ctx context.Context, req SpawnRequest) error {
	logging.OrNop(s.Log).Info("spawn: agent=%s session=%s workflow=%s task=%s stage=%s",
		req.AgentName, req.SessionID, req.WorkflowID, req.TaskID, req.Stage)
	return nil
}

func missingDep(name string) error {
	return fmt.Errorf("workflow impl: missing required dependency %q in config", name)
}

// BoundedSpawner wraps another Spawner with a weighted semaphore, bounding
// how many external agent-CLI processes can be in flight at once — many
// workflow phases across many sessions may want to spawn at the same
// instant, but the daemon's own resource budget (file descriptors, CPU for
// the CLI subprocesses) is not unbounded.
type BoundedSpawner struct {
	inner Spawner
	sem   *semaphore.Weighted
}

// NewBoundedSpawner wraps inner, allowing at most max concurrent Spawn calls
// to be in flight; Spawn blocks (respecting ctx) until a slot is free.
func NewBoundedSpawner(inner Spawner, max int64) *BoundedSpawner {
	return &BoundedSpawner{inner: inner, sem: semaphore.NewWeighted(max)}
}

// Spawn acquires a slot, delegates to inner, and releases the slot once
// inner.Spawn returns. Since Spawner.Spawn must not itself block on
// completion (that arrives later via the rendezvous), the semaphore slot is
// held only for the duration of issuing the spawn, not for the external
// process's lifetime.
func (b *BoundedSpawner) Spawn(ctx context.Context, req SpawnRequest) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("workflow impl: bounded spawn: %w", err)
	}
	defer b.sem.Release(1)
	return b.inner.Spawn(ctx, req)
}
