package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
)

func TestErrorResolutionRetrySucceeds(t *testing.T) {
	rv := rendezvous.New(nil)
	sp := newFakeSpawner()
	factory := NewErrorResolutionFactory()
	cfg := map[string]any{KeyRendezvous: rv, KeySpawner: sp, KeyTimeout: 200 * time.Millisecond}
	inst := factory("wf-er-1", "PS_000001", ErrorResolutionInput{
		TaskID:       "PS_000001_T4",
		ErrorSummary: "nil pointer in handler",
		FailedStage:  "implementation",
		Attempt:      2,
	}, cfg)
	er := inst.(*ErrorResolution)
	autoFulfillAgents(er, "agent-2")

	done := make(chan error, 1)
	go func() { done <- er.Start(context.Background()) }()

	req := <-sp.requests
	require.Equal(t, "error_resolution", req.Stage)

	require.True(t, rv.SignalCompletion(rendezvous.Signal{
		WorkflowID: "wf-er-1",
		Stage:      "error_resolution",
		TaskID:     "PS_000001_T4",
		Result:     "success",
		Payload:    map[string]any{"output": "fixed"},
	}))

	require.NoError(t, <-done)
	require.Equal(t, workflow.StatusSucceeded, er.GetStatus())
}

func TestErrorResolutionNoAgentFails(t *testing.T) {
	rv := rendezvous.New(nil)
	sp := newFakeSpawner()
	factory := NewErrorResolutionFactory()
	cfg := map[string]any{KeyRendezvous: rv, KeySpawner: sp}
	inst := factory("wf-er-2", "PS_000001", ErrorResolutionInput{TaskID: "PS_000001_T5"}, cfg)
	er := inst.(*ErrorResolution)
	autoFulfillAgents(er)

	require.NoError(t, er.Start(context.Background()))
	require.Equal(t, workflow.StatusFailed, er.GetStatus())
}
