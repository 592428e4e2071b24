package idle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/config"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

type fakeState struct {
	mu        sync.Mutex
	states    map[string]SessionState
	available bool
}

func (f *fakeState) SessionState(id string) SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func (f *fakeState) AnyAgentAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

type fakeQueue struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeQueue) QueueCoordinatorEvent(sessionID, typ string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sessionID+":"+typ)
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(statestore.Layout{Root: t.TempDir()})
	require.NoError(t, err)
	return store
}

func approve(t *testing.T, store *session.Store, id string) {
	t.Helper()
	_, err := store.GetOrCreate(id)
	require.NoError(t, err)
	ok, err := store.Update(id, func(s *session.Session) { s.Status = session.StatusApproved })
	require.NoError(t, err)
	require.True(t, ok)
}

func testCfg() config.IdleConfig {
	return config.IdleConfig{TickSec: 10, IdleThresholdSec: 60, CooldownSec: 300}
}

func TestFirstTickOnlyRecords(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}}
	queue := &fakeQueue{}
	m := New(testCfg(), store, state, queue, nil)

	m.tick(false)
	require.Equal(t, 0, queue.count(), "first detection must only record idleSince, never trigger")
}

func TestTriggersOnceThresholdAndCooldownPass(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}}
	queue := &fakeQueue{}
	m := New(config.IdleConfig{TickSec: 10, IdleThresholdSec: 0, CooldownSec: 300}, store, state, queue, nil)

	m.tick(false)
	require.Equal(t, 0, queue.count())

	m.tick(false)
	require.Equal(t, 1, queue.count(), "second tick past a zero threshold must trigger")

	m.tick(false)
	require.Equal(t, 1, queue.count(), "cooldown must suppress an immediate second trigger")
}

func TestActiveWithReadyTasksUsesZeroThreshold(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 1, ReadyTasks: 2}}}
	queue := &fakeQueue{}
	m := New(testCfg(), store, state, queue, nil)

	m.tick(false)
	m.tick(false)
	require.Equal(t, 1, queue.count(), "active workflows with ready tasks still get a zero-threshold nudge")
}

func TestActiveWithNoReadyTasksNeverTriggers(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 1, ReadyTasks: 0}}}
	queue := &fakeQueue{}
	m := New(testCfg(), store, state, queue, nil)

	for i := 0; i < 5; i++ {
		m.tick(false)
	}
	require.Equal(t, 0, queue.count(), "a fully busy session with nothing ready has no idle signal to act on")
}

func TestStartupImmediateTrigger(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}, available: true}
	queue := &fakeQueue{}
	m := New(testCfg(), store, state, queue, nil)
	m.Ready()

	m.tick(true)
	require.Equal(t, 1, queue.count(), "startup tick must trigger immediately once ready and an agent is free")
}

func TestStartupSkipsWithoutReadySignal(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}, available: true}
	queue := &fakeQueue{}
	m := New(testCfg(), store, state, queue, nil)
	// Ready() never called.

	m.tick(true)
	require.Equal(t, 0, queue.count(), "immediate trigger is gated behind Ready")
}

func TestPausedSessionIsSkipped(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")
	_, err := store.Update("PS_000001", func(s *session.Session) { s.EvaluationsPaused = true })
	require.NoError(t, err)

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}}
	queue := &fakeQueue{}
	m := New(config.IdleConfig{TickSec: 10, IdleThresholdSec: 0, CooldownSec: 300}, store, state, queue, nil)

	m.tick(false)
	m.tick(false)
	require.Equal(t, 0, queue.count(), "a paused session must never be nudged")
}

func TestUnapprovedSessionResetsTrackOnReturn(t *testing.T) {
	store := newTestStore(t)
	approve(t, store, "PS_000001")

	state := &fakeState{states: map[string]SessionState{"PS_000001": {ActiveWorkflows: 0, ReadyTasks: 0}}}
	queue := &fakeQueue{}
	m := New(config.IdleConfig{TickSec: 10, IdleThresholdSec: 0, CooldownSec: 300}, store, state, queue, nil)

	m.tick(false)
	_, err := store.Update("PS_000001", func(s *session.Session) { s.Status = session.StatusReviewing })
	require.NoError(t, err)
	m.tick(false)

	_, err = store.Update("PS_000001", func(s *session.Session) { s.Status = session.StatusApproved })
	require.NoError(t, err)
	m.tick(false)
	require.Equal(t, 0, queue.count(), "re-approval must restart the idle clock rather than firing instantly")

	m.tick(false)
	require.Equal(t, 1, queue.count())
}
