package task

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	return NewMemStore(dir, nil)
}

func TestCreateValidatesAndNormalizesID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Create(ctx, &Task{ID: "ps_000001_t1", SessionID: "PS_000001", Description: "do thing"})
	require.NoError(t, err)

	got, err := s.Get(ctx, "ps_000001_t1")
	require.NoError(t, err)
	require.Equal(t, "PS_000001_T1", got.ID)
	require.Equal(t, StatusCreated, got.Status)

	err = s.Create(ctx, &Task{ID: "not-a-task-id", SessionID: "PS_000001"})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateAndCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.Error(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T2", SessionID: "PS_000001", DependsOn: []string{"PS_000001_T1"}}))

	err := s.AddDependency(ctx, "PS_000001_T1", "PS_000001_T2")
	require.Error(t, err, "adding T2 as a dependency of T1 would cycle back through T1")
}

func TestUpdateReadyTasksRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T2", SessionID: "PS_000001", DependsOn: []string{"PS_000001_T1"}}))

	require.NoError(t, s.UpdateReadyTasks(ctx))

	ready, err := s.GetReady(ctx, "PS_000001")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "PS_000001_T1", ready[0].ID)

	require.NoError(t, s.MarkInProgress(ctx, "PS_000001_T1", "wf-1"))
	require.NoError(t, s.MarkSucceeded(ctx, "PS_000001_T1"))
	require.NoError(t, s.UpdateReadyTasks(ctx))

	ready, err = s.GetReady(ctx, "PS_000001")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "PS_000001_T2", ready[0].ID)

	deps, err := s.Dependents(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Equal(t, []string{"PS_000001_T2"}, deps)
}

func TestOccupancyAndConflictDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))

	require.NoError(t, s.DeclareOccupancy(ctx, "wf-1", []string{"PS_000001_T1"}, OccupancyExclusive, "editing file"))

	conflicts, err := s.CheckConflicts(ctx, "wf-2", []string{"PS_000001_T1"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "wf-1", conflicts[0].OccupyingWorkflow)

	require.NoError(t, s.RegisterWaitingForConflicts(ctx, "wf-2", []string{"PS_000001_T1"}, []string{"wf-1"}))

	require.NoError(t, s.ReleaseOccupancy(ctx, "wf-1", nil))

	unblocked, err := s.WaitersFor(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, []string{"wf-2"}, unblocked)

	conflicts, err = s.CheckConflicts(ctx, "wf-2", []string{"PS_000001_T1"})
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestRecordFailureNeverTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, s.MarkInProgress(ctx, "PS_000001_T1", "wf-1"))
	require.NoError(t, s.RecordFailure(ctx, "PS_000001_T1", WithFixSummary("retry with smaller diff")))

	got, err := s.Get(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingDecision, got.Status)
	require.False(t, got.Status.IsTerminal())
	require.Equal(t, 1, got.PreviousAttempts)
	require.Equal(t, "retry with smaller diff", got.PreviousFixSummary)
}

func TestClearQuestionRecordsAnswerAndClearsQuestion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, s.MarkAwaitingDecision(ctx, "PS_000001_T1", WithQuestion("which file should I edit?")))

	got, err := s.Get(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Equal(t, "which file should I edit?", got.PendingQuestion)

	require.NoError(t, s.ClearQuestion(ctx, "PS_000001_T1", "edit main.go"))

	got, err = s.Get(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Empty(t, got.PendingQuestion)
	require.Equal(t, "user answered: edit main.go", got.PreviousFixSummary)
}

func TestMarkOrphaned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, s.MarkOrphaned(ctx, "PS_000001_T1"))

	orphaned, err := s.IsOrphaned(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.True(t, orphaned)
}

func TestPersistWritesAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, &Task{ID: "PS_000001_T1", SessionID: "PS_000001", Description: "persisted"}))
	require.NoError(t, s.Persist(ctx, "PS_000001"))

	path := s.FilePath("PS_000001")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "persisted")

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "tmp file must be renamed away, not left behind")
}
