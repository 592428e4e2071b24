// Package rendezvous implements the completion-signal handshake between
// external agent CLI callbacks and the workflows blocked waiting on them.
package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// DefaultTimeout is the default wait applied when callers don't specify one.
const DefaultTimeout = 10 * time.Minute

// liveSignalWarnThreshold is the count of concurrently registered waits past
// which the rendezvous logs loudly: this many outstanding waiters usually
// means a lost consumer somewhere.
const liveSignalWarnThreshold = 100

// Signal is the payload an external agent CLI callback hands in to resolve a
// waiting workflow.
type Signal struct {
	WorkflowID string
	Stage      string
	TaskID     string
	Result     string // success | failure | needs_input | ...
	Payload    map[string]any
	At         time.Time
}

// key identifies one rendezvous slot: (workflowId, stage[, taskId]).
type key struct {
	workflowID string
	stage      string
	taskID     string
}

type waiter struct {
	ch        chan Signal
	cancelled chan struct{}
	timer     *time.Timer
}

// Rendezvous is the map of one-shot channels keyed by (workflowId, stage,
// taskId?). A single mutex protects insert/lookup/delete so a timer and a
// signal racing the same entry always resolve to exactly one winner.
type Rendezvous struct {
	mu      sync.Mutex
	waiters map[key]*waiter
	log     logging.Logger
}

// New builds an empty Rendezvous.
func New(log logging.Logger) *Rendezvous {
	return &Rendezvous{
		waiters: make(map[key]*waiter),
		log:     logging.OrNop(log),
	}
}

// WaitForCompletion registers a one-shot channel for (workflowID, stage,
// taskID) and blocks until a signal arrives, the timeout elapses, or ctx is
// cancelled. taskID may be empty for workflow-level (not task-scoped)
// stages.
func (r *Rendezvous) WaitForCompletion(ctx context.Context, workflowID, stage, taskID string, timeout time.Duration) (Signal, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	k := key{workflowID: workflowID, stage: stage, taskID: taskID}

	expired := make(chan struct{}, 1)
	w := &waiter{ch: make(chan Signal, 1), cancelled: make(chan struct{})}

	r.mu.Lock()
	r.waiters[k] = w
	liveCount := len(r.waiters)
	r.mu.Unlock()

	if liveCount > liveSignalWarnThreshold {
		r.log.Warn("rendezvous has %d live waiters; a consumer may have been lost", liveCount)
	}

	w.timer = time.AfterFunc(timeout, func() {
		r.cancelOne(k, w)
		expired <- struct{}{}
	})
	defer w.timer.Stop()

	select {
	case sig := <-w.ch:
		return sig, nil
	case <-ctx.Done():
		r.cancelOne(k, w)
		return Signal{}, ctx.Err()
	case <-expired:
		return Signal{}, fmt.Errorf("rendezvous timeout waiting for %s/%s", workflowID, stage)
	case <-w.cancelled:
		return Signal{}, fmt.Errorf("rendezvous wait for %s/%s cancelled", workflowID, stage)
	}
}

// SignalCompletion resolves the waiter registered for sig's
// (workflowID, stage, taskID), stamping its arrival time. If no waiter is
// registered, the signal is logged and dropped — there is no queueing.
func (r *Rendezvous) SignalCompletion(sig Signal) bool {
	sig.At = time.Now()
	k := key{workflowID: sig.WorkflowID, stage: sig.Stage, taskID: sig.TaskID}

	r.mu.Lock()
	w, ok := r.waiters[k]
	if ok {
		delete(r.waiters, k)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("completion signal dropped, no waiter for workflow=%s stage=%s task=%s", sig.WorkflowID, sig.Stage, sig.TaskID)
		return false
	}

	w.timer.Stop()
	w.ch <- sig
	return true
}

// CancelPendingSignal tears down all waits for workflowID, or just the one
// matching stage (and taskID, if given).
func (r *Rendezvous) CancelPendingSignal(workflowID string, stage, taskID *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, w := range r.waiters {
		if k.workflowID != workflowID {
			continue
		}
		if stage != nil && k.stage != *stage {
			continue
		}
		if taskID != nil && k.taskID != *taskID {
			continue
		}
		w.timer.Stop()
		delete(r.waiters, k)
		close(w.cancelled)
	}
}

func (r *Rendezvous) cancelOne(k key, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.waiters[k]; ok && cur == w {
		delete(r.waiters, k)
	}
}

// LiveCount returns the number of outstanding waiters, used by periodic
// cleanup to warn on a suspected lost-consumer situation.
func (r *Rendezvous) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
