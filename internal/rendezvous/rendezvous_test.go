package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalCompletionDeliversToWaiter(t *testing.T) {
	r := New(nil)
	done := make(chan Signal, 1)
	go func() {
		sig, err := r.WaitForCompletion(context.Background(), "wf-1", "implementation", "PS_000001_T1", time.Second)
		require.NoError(t, err)
		done <- sig
	}()

	// Give the waiter time to register before signaling.
	require.Eventually(t, func() bool { return r.LiveCount() == 1 }, time.Second, time.Millisecond)

	delivered := r.SignalCompletion(Signal{
		WorkflowID: "wf-1",
		Stage:      "implementation",
		TaskID:     "PS_000001_T1",
		Result:     "success",
	})
	require.True(t, delivered)

	select {
	case sig := <-done:
		require.Equal(t, "success", sig.Result)
		require.False(t, sig.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("waiter never received signal")
	}
	require.Zero(t, r.LiveCount())
}

func TestSignalCompletionWithNoWaiterIsDroppedNotQueued(t *testing.T) {
	r := New(nil)
	delivered := r.SignalCompletion(Signal{WorkflowID: "wf-1", Stage: "implementation"})
	require.False(t, delivered)

	_, err := r.WaitForCompletion(context.Background(), "wf-1", "implementation", "", 50*time.Millisecond)
	require.Error(t, err, "a signal with no waiter must not be queued for a later waiter")
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	r := New(nil)
	start := time.Now()
	_, err := r.WaitForCompletion(context.Background(), "wf-1", "implementation", "PS_000001_T1", 100*time.Millisecond)
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Zero(t, r.LiveCount(), "a timed-out wait must clean up its slot")
}

func TestWaitForCompletionCancelledByContext(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.WaitForCompletion(ctx, "wf-1", "implementation", "", time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return r.LiveCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.Error(t, <-errCh)
	require.Zero(t, r.LiveCount())
}

func TestCancelPendingSignalTearsDownMatchingWaits(t *testing.T) {
	r := New(nil)
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := r.WaitForCompletion(context.Background(), "wf-1", "implementation", "PS_000001_T1", time.Minute)
		errA <- err
	}()
	go func() {
		_, err := r.WaitForCompletion(context.Background(), "wf-1", "review", "PS_000001_T2", time.Minute)
		errB <- err
	}()
	require.Eventually(t, func() bool { return r.LiveCount() == 2 }, time.Second, time.Millisecond)

	r.CancelPendingSignal("wf-1", nil, nil)

	require.Error(t, <-errA)
	require.Error(t, <-errB)
	require.Zero(t, r.LiveCount())
}

func TestTimerAndSignalRaceResolveExactlyOnce(t *testing.T) {
	r := New(nil)
	for i := 0; i < 50; i++ {
		go r.WaitForCompletion(context.Background(), "wf-race", "stage", "", 5*time.Millisecond)
	}
	// Fire signals concurrently with the short timeouts above; whichever
	// side (timer or signal) reaches the entry first must win cleanly with
	// no panic and no double-delivery.
	for i := 0; i < 50; i++ {
		r.SignalCompletion(Signal{WorkflowID: "wf-race", Stage: "stage"})
	}
	require.Eventually(t, func() bool { return r.LiveCount() == 0 }, time.Second, time.Millisecond)
}
