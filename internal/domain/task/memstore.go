package task

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/ids"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// waitEntry records a workflow waiting to re-dispatch wantedTasks once
// blockingWorkflows all finish.
type waitEntry struct {
	workflowID        string
	wantedTasks       []string
	blockingWorkflows map[string]struct{}
}

// memStore is the in-memory, JSON-file-backed Store implementation. A single
// mutex guards every mutation; per-session serialization (the minimum the
// concurrency model requires) falls out of that for free at the cost of
// cross-session concurrency, which this daemon does not need at its scale.
type memStore struct {
	mu sync.Mutex

	root string // directory holding <sessionID>/tasks.json per session
	log  logging.Logger

	tasks     map[string]*Task
	occupancy map[string][]Occupancy // keyed by workflowID
	waiters   []*waitEntry
}

// NewMemStore builds a Store rooted at root, where each session's tasks
// persist to root/<sessionID>/tasks.json.
func NewMemStore(root string, log logging.Logger) Store {
	return &memStore{
		root:      root,
		log:       logging.OrNop(log),
		tasks:     make(map[string]*Task),
		occupancy: make(map[string][]Occupancy),
	}
}

func (s *memStore) Create(ctx context.Context, t *Task) error {
	if err := ids.ValidateTaskID(t.ID); err != nil {
		return err
	}
	t.ID = ids.NormalizeTaskID(t.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	for _, dep := range t.DependsOn {
		if s.wouldCycleLocked(t.ID, dep) {
			return fmt.Errorf("dependency %s on %s would introduce a cycle", dep, t.ID)
		}
	}

	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = StatusCreated
	}
	s.tasks[t.ID] = t
	s.recomputeDependentsLocked()
	return nil
}

func (s *memStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) Delete(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ids.NormalizeTaskID(taskID)
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	s.log.Info("deleting task %s: %s", id, reason)
	delete(s.tasks, id)
	s.recomputeDependentsLocked()
	return nil
}

func (s *memStore) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.DependsOn, nil
}

func (s *memStore) Dependents(ctx context.Context, taskID string) ([]string, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.Dependents, nil
}

func (s *memStore) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, dep := ids.NormalizeTaskID(taskID), ids.NormalizeTaskID(dependsOn)
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if s.wouldCycleLocked(id, dep) {
		return fmt.Errorf("dependency %s on %s would introduce a cycle", dep, id)
	}
	for _, existing := range t.DependsOn {
		if existing == dep {
			return nil
		}
	}
	t.DependsOn = append(t.DependsOn, dep)
	t.UpdatedAt = time.Now()
	s.recomputeDependentsLocked()
	return nil
}

func (s *memStore) RemoveDependency(ctx context.Context, taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, dep := ids.NormalizeTaskID(taskID), ids.NormalizeTaskID(dependsOn)
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	kept := t.DependsOn[:0]
	for _, existing := range t.DependsOn {
		if existing != dep {
			kept = append(kept, existing)
		}
	}
	t.DependsOn = kept
	t.UpdatedAt = time.Now()
	s.recomputeDependentsLocked()
	return nil
}

// wouldCycleLocked reports whether adding an edge id -> dep would create a
// cycle, by checking if id is reachable from dep via existing DependsOn
// edges. Caller must hold s.mu.
func (s *memStore) wouldCycleLocked(id, dep string) bool {
	if id == dep {
		return true
	}
	visited := map[string]bool{}
	var walk func(string) bool
	walk = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		t, ok := s.tasks[cur]
		if !ok {
			return false
		}
		for _, d := range t.DependsOn {
			if walk(d) {
				return true
			}
		}
		return false
	}
	return walk(dep)
}

func (s *memStore) recomputeDependentsLocked() {
	dependents := make(map[string][]string)
	for id, t := range s.tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	for id, t := range s.tasks {
		deps := dependents[id]
		sort.Strings(deps)
		t.Dependents = deps
	}
}

func (s *memStore) UpdateReadyTasks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status != StatusCreated && t.Status != StatusReady && t.Status != StatusBlocked {
			continue
		}
		if s.allDepsSucceededLocked(t) {
			if t.Status != StatusReady {
				t.Status = StatusReady
				t.UpdatedAt = time.Now()
			}
		} else if t.Status != StatusBlocked {
			t.Status = StatusBlocked
			t.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *memStore) allDepsSucceededLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := s.tasks[dep]
		if !ok || d.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

func (s *memStore) GetReady(ctx context.Context, sessionID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID && t.Status == StatusReady {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if want[t.Status] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeclareOccupancy(ctx context.Context, workflowID string, taskIDs []string, kind OccupancyKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupancy[workflowID] = append(s.occupancy[workflowID], Occupancy{
		WorkflowID: workflowID, TaskIDs: taskIDs, Kind: kind, Reason: reason,
	})
	return nil
}

func (s *memStore) ReleaseOccupancy(ctx context.Context, workflowID string, taskIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskIDs == nil {
		delete(s.occupancy, workflowID)
		return nil
	}
	want := map[string]bool{}
	for _, id := range taskIDs {
		want[id] = true
	}
	var kept []Occupancy
	for _, occ := range s.occupancy[workflowID] {
		var keptIDs []string
		for _, id := range occ.TaskIDs {
			if !want[id] {
				keptIDs = append(keptIDs, id)
			}
		}
		if len(keptIDs) > 0 {
			occ.TaskIDs = keptIDs
			kept = append(kept, occ)
		}
	}
	if len(kept) == 0 {
		delete(s.occupancy, workflowID)
	} else {
		s.occupancy[workflowID] = kept
	}
	return nil
}

// CheckConflicts reports any task among taskIDs that a different workflow
// already occupies, where either side's occupancy is exclusive.
func (s *memStore) CheckConflicts(ctx context.Context, workflowID string, taskIDs []string) ([]ConflictingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range taskIDs {
		want[id] = true
	}
	mine := map[string]bool{} // tasks the requester itself holds exclusively
	for _, occ := range s.occupancy[workflowID] {
		if occ.Kind == OccupancyExclusive {
			for _, id := range occ.TaskIDs {
				mine[id] = true
			}
		}
	}
	var out []ConflictingTask
	for otherWF, occList := range s.occupancy {
		if otherWF == workflowID {
			continue
		}
		for _, occ := range occList {
			for _, id := range occ.TaskIDs {
				if want[id] && (occ.Kind == OccupancyExclusive || mine[id]) {
					out = append(out, ConflictingTask{TaskID: id, OccupyingWorkflow: otherWF})
				}
			}
		}
	}
	return out, nil
}

func (s *memStore) RegisterWaitingForConflicts(ctx context.Context, workflowID string, wantedTasks, blockingWorkflows []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocking := map[string]struct{}{}
	for _, wf := range blockingWorkflows {
		blocking[wf] = struct{}{}
	}
	s.waiters = append(s.waiters, &waitEntry{
		workflowID: workflowID, wantedTasks: wantedTasks, blockingWorkflows: blocking,
	})
	return nil
}

func (s *memStore) WaitersFor(ctx context.Context, blockingWorkflowID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []string
	var remaining []*waitEntry
	for _, w := range s.waiters {
		delete(w.blockingWorkflows, blockingWorkflowID)
		if len(w.blockingWorkflows) == 0 {
			ready = append(ready, w.workflowID)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	return ready, nil
}

func (s *memStore) MarkInProgress(ctx context.Context, taskID, workflowID string) error {
	return s.transition(taskID, StatusInProgress, func(t *Task) {
		t.ActiveWorkflow = workflowID
	})
}

func (s *memStore) MarkAwaitingDecision(ctx context.Context, taskID string, opts ...TransitionOption) error {
	p := applyOptions(opts)
	return s.transition(taskID, StatusAwaitingDecision, func(t *Task) {
		if p.Question != "" {
			t.PendingQuestion = p.Question
		}
		t.ActiveWorkflow = ""
	})
}

func (s *memStore) MarkSucceeded(ctx context.Context, taskID string) error {
	return s.transition(taskID, StatusSucceeded, func(t *Task) {
		t.ActiveWorkflow = ""
		t.PendingQuestion = ""
	})
}

func (s *memStore) RecordFailure(ctx context.Context, taskID string, opts ...TransitionOption) error {
	p := applyOptions(opts)
	return s.transition(taskID, StatusAwaitingDecision, func(t *Task) {
		t.PreviousAttempts++
		if p.FixSummary != "" {
			t.PreviousFixSummary = p.FixSummary
		} else if p.ErrorText != "" {
			t.PreviousFixSummary = p.ErrorText
		}
		t.ActiveWorkflow = ""
	})
}

func (s *memStore) transition(taskID string, target Status, mutate func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Status = target
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) MarkOrphaned(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.Orphaned = true
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) IsOrphaned(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return false, fmt.Errorf("task %s not found", taskID)
	}
	return t.Orphaned, nil
}

func (s *memStore) SetActiveWorkflow(ctx context.Context, taskID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.ActiveWorkflow = workflowID
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) ClearQuestion(ctx context.Context, taskID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ids.NormalizeTaskID(taskID)]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.PendingQuestion = ""
	if answer != "" {
		t.PreviousFixSummary = "user answered: " + answer
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) FilePath(sessionID string) string {
	return filepath.Join(s.root, sessionID, "tasks.json")
}

// Persist flushes every task belonging to sessionID to its tasks.json file
// via statestore's shared atomic writer, so readers never observe a partial
// write.
func (s *memStore) Persist(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	var snapshot []*Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			cp := *t
			snapshot = append(snapshot, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return statestore.WriteJSON(s.FilePath(sessionID), snapshot)
}
