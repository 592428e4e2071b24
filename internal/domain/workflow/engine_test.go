package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubInstance is a minimal Instance used to exercise the engine without a
// concrete workflow type.
type stubInstance struct {
	*Runtime
	cancelled bool
	disposed  bool
}

func newStub(id, typ, sessionID, taskID string) *stubInstance {
	return &stubInstance{Runtime: NewRuntime(id, typ, sessionID, taskID)}
}

func (s *stubInstance) Start(ctx context.Context) error { return s.TransitionRunning() }

func (s *stubInstance) Cancel(ctx context.Context) error {
	s.cancelled = true
	s.TransitionTerminal(StatusCancelled, Result{Success: false, Error: "cancelled"})
	return nil
}

func (s *stubInstance) Dispose() { s.disposed = true }

func registryWithStub() *Registry {
	r := NewRegistry()
	r.Register(Metadata{
		Name: "stub",
		Factory: func(id, sessionID string, input any, config map[string]any) Instance {
			taskID, _ := input.(string)
			return newStub(id, "stub", sessionID, taskID)
		},
	})
	return r
}

func TestEngineAtMostOneWorkflowPerTask(t *testing.T) {
	reg := registryWithStub()
	engine := NewEngine(reg, nil, TerminationHooks{})

	_, err := engine.Dispatch(context.Background(), "wf-1", "stub", "PS_000001", "PS_000001_T1", "PS_000001_T1", nil)
	require.NoError(t, err)

	_, err = engine.Dispatch(context.Background(), "wf-2", "stub", "PS_000001", "PS_000001_T1", "PS_000001_T1", nil)
	require.Error(t, err)
}

func TestEngineTerminalDisposesAndArchives(t *testing.T) {
	reg := registryWithStub()
	var mu sync.Mutex
	var terminal []CompletedSummary
	engine := NewEngine(reg, nil, TerminationHooks{
		OnTerminal: func(s CompletedSummary) {
			mu.Lock()
			defer mu.Unlock()
			terminal = append(terminal, s)
		},
	})

	inst, err := engine.Dispatch(context.Background(), "wf-1", "stub", "PS_000001", "PS_000001_T1", "PS_000001_T1", nil)
	require.NoError(t, err)
	require.NoError(t, inst.Start(context.Background()))

	stub := inst.(*stubInstance)
	stub.TransitionTerminal(StatusSucceeded, Result{Success: true, Output: "done"})

	// Within its eviction grace window the workflow is terminal but still
	// addressable: dropped from the live/active listings, yet Get/Progress
	// still resolve to its own final state rather than an archived stub.
	require.NotNil(t, engine.Get("wf-1"), "terminal workflow must stay addressable during its grace window")
	require.NotContains(t, engine.ListLive(), "wf-1")
	require.True(t, stub.disposed)

	mu.Lock()
	require.Len(t, terminal, 1)
	require.Equal(t, StatusSucceeded, terminal[0].Status)
	summary := terminal[0]
	mu.Unlock()

	_, active := engine.HasActiveWorkflowForTask("PS_000001_T1")
	require.False(t, active)

	require.NoError(t, engine.Cancel(context.Background(), "wf-1"), "cancelling an already-terminal workflow is a no-op")
	require.False(t, stub.cancelled, "cancel must not reach an instance already past its terminal transition")

	// Fast-forward past the grace window directly (the real path waits on
	// evictionGrace via time.AfterFunc); only then does the entry move into
	// the archived placeholder.
	engine.evict("wf-1", summary)
	require.Nil(t, engine.Get("wf-1"))
	progress := engine.Progress("wf-1")
	require.Equal(t, "archived", progress.Phase)
}

func TestEngineCancelAll(t *testing.T) {
	reg := registryWithStub()
	engine := NewEngine(reg, nil, TerminationHooks{})

	inst1, err := engine.Dispatch(context.Background(), "wf-1", "stub", "PS_000001", "PS_000001_T1", "PS_000001_T1", nil)
	require.NoError(t, err)
	require.NoError(t, inst1.Start(context.Background()))

	inst2, err := engine.Dispatch(context.Background(), "wf-2", "stub", "PS_000001", "PS_000001_T2", "PS_000001_T2", nil)
	require.NoError(t, err)
	require.NoError(t, inst2.Start(context.Background()))

	engine.CancelAll(context.Background())

	require.True(t, inst1.(*stubInstance).cancelled)
	require.True(t, inst2.(*stubInstance).cancelled)
}
