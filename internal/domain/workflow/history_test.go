package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

func TestWorkflowHistoryAppendAndLoadRoundTrips(t *testing.T) {
	ledger := NewHistoryLedger(statestore.Layout{Root: t.TempDir()})

	require.NoError(t, ledger.Append("PS_000001", CompletedSummary{
		WorkflowID: "wf-1", Type: "task_implementation", Status: StatusSucceeded,
		TaskID: "PS_000001_T1", CompletedAt: time.Now(), Success: true,
	}))
	require.NoError(t, ledger.Append("PS_000001", CompletedSummary{
		WorkflowID: "wf-2", Type: "task_implementation", Status: StatusFailed,
		TaskID: "PS_000001_T2", CompletedAt: time.Now(), Success: false, Error: "boom",
	}))

	loaded, err := ledger.Load("PS_000001")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "wf-1", loaded[0].WorkflowID)
	require.Equal(t, "wf-2", loaded[1].WorkflowID)
	require.Equal(t, "boom", loaded[1].Error)
}

func TestWorkflowHistoryWindowDropsOldest(t *testing.T) {
	ledger := NewHistoryLedger(statestore.Layout{Root: t.TempDir()})

	for i := 0; i < HistoryWindow+10; i++ {
		require.NoError(t, ledger.Append("PS_000001", CompletedSummary{
			WorkflowID: "wf", Status: StatusSucceeded, CompletedAt: time.Now(),
		}))
	}

	loaded, err := ledger.Load("PS_000001")
	require.NoError(t, err)
	require.Len(t, loaded, HistoryWindow)
}

func TestWorkflowHistoryIsolatedPerSession(t *testing.T) {
	ledger := NewHistoryLedger(statestore.Layout{Root: t.TempDir()})

	require.NoError(t, ledger.Append("PS_000001", CompletedSummary{WorkflowID: "wf-a", Status: StatusSucceeded}))
	require.NoError(t, ledger.Append("PS_000002", CompletedSummary{WorkflowID: "wf-b", Status: StatusSucceeded}))

	a, err := ledger.Load("PS_000001")
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Equal(t, "wf-a", a[0].WorkflowID)

	b, err := ledger.Load("PS_000002")
	require.NoError(t, err)
	require.Len(t, b, 1)
	require.Equal(t, "wf-b", b[0].WorkflowID)
}
