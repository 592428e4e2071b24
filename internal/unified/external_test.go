package unified

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/domain/coordinator"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

func newExternalTestCoordinator(t *testing.T) (*Coordinator, task.Store) {
	t.Helper()
	layout := statestore.Layout{Root: t.TempDir()}
	sessions, err := session.NewStore(layout)
	require.NoError(t, err)
	tasks := task.NewMemStore(t.TempDir(), nil)
	// A debounce well beyond the test's lifetime keeps QueueCoordinatorEvent
	// from ever firing an evaluation (which needs an LLM client this test
	// doesn't wire up); only the queueing side is under test here.
	coordAgent := coordinator.New(coordinator.Config{Timing: coordinator.Timing{
		Debounce: time.Hour, MaxWait: time.Hour, Cooldown: 0,
	}})
	c := New(Deps{
		Sessions:    sessions,
		Tasks:       tasks,
		Rendezvous:  rendezvous.New(nil),
		Broadcaster: broadcast.New(nil),
		Coordinator: coordAgent,
	})
	return c, tasks
}

func TestSignalAgentCompleteDeliversToWaiter(t *testing.T) {
	c, _ := newExternalTestCoordinator(t)

	resultCh := make(chan rendezvous.Signal, 1)
	go func() {
		sig, err := c.rendez.WaitForCompletion(context.Background(), "wf-1", "implementation", "PS_000001_T1", time.Second)
		require.NoError(t, err)
		resultCh <- sig
	}()

	require.Eventually(t, func() bool {
		return c.rendez.LiveCount() > 0
	}, time.Second, 5*time.Millisecond)

	delivered := c.SignalAgentComplete(rendezvous.Signal{
		WorkflowID: "wf-1", Stage: "implementation", TaskID: "PS_000001_T1", Result: "success",
	})
	require.True(t, delivered)

	select {
	case sig := <-resultCh:
		require.Equal(t, "success", sig.Result)
	case <-time.After(time.Second):
		t.Fatal("waiter never received signal")
	}
}

func TestSignalAgentCompleteWithNoWaiterReturnsFalse(t *testing.T) {
	c, _ := newExternalTestCoordinator(t)

	delivered := c.SignalAgentComplete(rendezvous.Signal{
		WorkflowID: "wf-none", Stage: "implementation", TaskID: "PS_000001_T1", Result: "success",
	})
	require.False(t, delivered)
}

func TestAskUserAttachesQuestionAndBroadcasts(t *testing.T) {
	c, tasks := newExternalTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))

	var got broadcast.Event
	c.broadcaster.Subscribe(broadcast.SubscriberFunc(func(evt broadcast.Event) { got = evt }))

	require.NoError(t, c.AskUser(ctx, "ps_000001_t1", "which file?"))

	tk, err := tasks.Get(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Equal(t, "which file?", tk.PendingQuestion)
	require.Equal(t, task.StatusAwaitingDecision, tk.Status)

	require.Equal(t, broadcast.UserQuestionAsked, got.Name)
	require.Equal(t, "PS_000001_T1", got.Data["task_id"])
}

func TestAskUserRejectsInvalidTaskID(t *testing.T) {
	c, _ := newExternalTestCoordinator(t)
	require.Error(t, c.AskUser(context.Background(), "not-a-task-id", "why?"))
}

func TestRespondUserClearsQuestionAndQueuesEvent(t *testing.T) {
	c, tasks := newExternalTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, tasks.Create(ctx, &task.Task{ID: "PS_000001_T1", SessionID: "PS_000001"}))
	require.NoError(t, c.AskUser(ctx, "PS_000001_T1", "which file?"))

	require.NoError(t, c.RespondUser(ctx, "PS_000001_T1", "main.go"))

	tk, err := tasks.Get(ctx, "PS_000001_T1")
	require.NoError(t, err)
	require.Empty(t, tk.PendingQuestion)
	require.Equal(t, "user answered: main.go", tk.PreviousFixSummary)
}

func TestRespondUserRejectsUnknownTask(t *testing.T) {
	c, _ := newExternalTestCoordinator(t)
	require.Error(t, c.RespondUser(context.Background(), "PS_000001_T9", "answer"))
}
