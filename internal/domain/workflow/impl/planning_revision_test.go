package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
)

func TestPlanningRevisionDeclaresOccupancyAndConflict(t *testing.T) {
	rv := rendezvous.New(nil)
	sp := newFakeSpawner()
	factory := NewPlanningRevisionFactory()
	cfg := map[string]any{KeyRendezvous: rv, KeySpawner: sp, KeyTimeout: 200 * time.Millisecond}
	inst := factory("wf-pr-1", "PS_000001", PlanningRevisionInput{
		Prompt:        "revise the plan to drop T3",
		TargetTaskIDs: []string{"PS_000001_T3"},
		Reason:        "plan revision requires exclusive access",
	}, cfg)
	pr := inst.(*PlanningRevision)
	autoFulfillAgents(pr, "agent-4")

	var occupancy workflow.OccupancyDecl
	var conflict workflow.ConflictDecl
	pr.AddListener(workflow.ListenerFunc(func(evt workflow.Event) {
		switch evt.Type {
		case workflow.EventTaskOccupancyDeclared:
			occupancy = evt.Payload.(workflow.OccupancyDecl)
		case workflow.EventTaskConflictDeclared:
			conflict = evt.Payload.(workflow.ConflictDecl)
		}
	}))

	done := make(chan error, 1)
	go func() { done <- pr.Start(context.Background()) }()

	req := <-sp.requests
	require.Equal(t, "planning_revision", req.Stage)

	require.True(t, rv.SignalCompletion(rendezvous.Signal{
		WorkflowID: "wf-pr-1",
		Stage:      "planning_revision",
		Result:     "success",
		Payload:    map[string]any{"output": "revised plan"},
	}))
	require.NoError(t, <-done)

	require.Equal(t, []string{"PS_000001_T3"}, occupancy.TaskIDs)
	require.Equal(t, "exclusive", occupancy.Kind)
	require.Equal(t, "cancel_others", conflict.Resolution)
	require.Equal(t, workflow.StatusSucceeded, pr.GetStatus())
}
