package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type countingListener struct{ count int }

func (c *countingListener) OnWorkflowEvent(Event) { c.count++ }

func TestRuntimeDisposeClearsListeners(t *testing.T) {
	r := NewRuntime("wf-1", "stub", "PS_000001", "PS_000001_T1")
	l := &countingListener{}
	r.AddListener(l)

	require.NoError(t, r.TransitionRunning())
	r.SetPhase("working", 1, 50)
	require.Equal(t, 1, l.count)

	r.Dispose()
	r.emit(Event{Type: EventProgress})
	require.Equal(t, 1, l.count, "listener must not observe events emitted after Dispose")
}
