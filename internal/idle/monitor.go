// Package idle implements the IdleMonitor: a periodic tick that nudges the
// coordinator agent to re-evaluate sessions sitting on free agents, so a plan
// with ready work never stalls just because nothing else triggered an
// evaluation.
package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/config"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
)

// SessionState is what the monitor needs to know about one approved session
// on every tick.
type SessionState struct {
	ActiveWorkflows int
	ReadyTasks      int
}

// StateReader resolves a session's current workflow/task counts and whether
// any agent is free; the monitor never touches the task store, agent pool, or
// workflow engine directly.
type StateReader interface {
	SessionState(sessionID string) SessionState
	AnyAgentAvailable() bool
}

// EventQueuer forwards a manual_evaluation event to the coordinator agent,
// skipping it silently if the session has evaluations paused.
type EventQueuer interface {
	QueueCoordinatorEvent(sessionID, typ string, payload map[string]any)
}

type sessionTrack struct {
	idleSince   time.Time
	lastTrigger time.Time
}

// Monitor runs the 10-second tick loop described for session idle detection.
type Monitor struct {
	cfg      config.IdleConfig
	sessions *session.Store
	state    StateReader
	queue    EventQueuer
	log      logging.Logger

	mu     sync.Mutex
	tracks map[string]*sessionTrack

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a Monitor. Call Ready once the daemon has finished its
// dependency-order startup so the first tick's immediate-trigger pass can
// run; ticks taken before Ready still execute but never immediate-trigger.
func New(cfg config.IdleConfig, sessions *session.Store, state StateReader, queue EventQueuer, log logging.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		sessions: sessions,
		state:    state,
		queue:    queue,
		log:      logging.OrNop(log),
		tracks:   make(map[string]*sessionTrack),
		ready:    make(chan struct{}),
	}
}

// Ready signals that system startup has finished, unblocking the
// startup-immediate-trigger pass on the monitor's first eligible tick.
func (m *Monitor) Ready() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *Monitor) isReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is cancelled, ticking every cfg.Tick(). This is the
// monitor's self-contained ticker loop, usable directly in tests or in a
// deployment that doesn't run a cron scheduler; TickOnce below is the
// alternative entrypoint for a caller (e.g. the cron scheduler) that wants
// to own the cadence itself.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Tick())
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(first)
			first = false
		}
	}
}

// TickOnce runs a single evaluation pass over every approved session,
// exactly like one iteration of Run's loop. A caller driving the monitor's
// cadence externally (the cron scheduler) calls this instead of Run.
func (m *Monitor) TickOnce(startup bool) {
	m.tick(startup)
}

// tick evaluates every approved session once. startup is true only on the
// monitor's very first tick, gating the immediate-trigger behavior.
func (m *Monitor) tick(startup bool) {
	now := time.Now()
	systemReady := m.isReady()

	for _, sess := range m.sessions.List() {
		if sess.Status != session.StatusApproved || sess.EvaluationsPaused {
			continue
		}
		st := m.state.SessionState(sess.ID)
		threshold := m.thresholdFor(st)

		if startup && systemReady && st.ActiveWorkflows == 0 && m.state.AnyAgentAvailable() {
			m.trigger(sess.ID, now, "startup: approved session idle with agents available")
			continue
		}

		m.evaluateTrack(sess.ID, now, threshold)
	}

	m.forgetStaleTracks()
}

func (m *Monitor) thresholdFor(st SessionState) time.Duration {
	if st.ActiveWorkflows > 0 && st.ReadyTasks > 0 {
		return 0
	}
	if st.ActiveWorkflows == 0 {
		return m.cfg.IdleThreshold()
	}
	// Active workflows, no ready tasks: nothing idle monitor can usefully
	// nudge, so never trigger.
	return -1
}

func (m *Monitor) evaluateTrack(sessionID string, now time.Time, threshold time.Duration) {
	if threshold < 0 {
		m.mu.Lock()
		delete(m.tracks, sessionID)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	track, seen := m.tracks[sessionID]
	if !seen {
		m.tracks[sessionID] = &sessionTrack{idleSince: now}
		m.mu.Unlock()
		return
	}
	idleDuration := now.Sub(track.idleSince)
	cooldownElapsed := track.lastTrigger.IsZero() || now.Sub(track.lastTrigger) >= m.cfg.Cooldown()
	shouldTrigger := idleDuration >= threshold && cooldownElapsed
	if shouldTrigger {
		track.lastTrigger = now
	}
	m.mu.Unlock()

	if shouldTrigger {
		m.trigger(sessionID, now, fmt.Sprintf("idle for %s with no intervening activity", idleDuration.Round(time.Second)))
	}
}

func (m *Monitor) trigger(sessionID string, now time.Time, reason string) {
	m.log.Info("idle monitor: triggering manual_evaluation for %s: %s", sessionID, reason)
	m.queue.QueueCoordinatorEvent(sessionID, "manual_evaluation", map[string]any{
		"reason": reason,
		"at":     now,
	})
}

// forgetStaleTracks drops tracking state for sessions no longer approved, so
// a session that leaves and later re-enters approved status starts its idle
// clock fresh rather than inheriting a stale idleSince.
func (m *Monitor) forgetStaleTracks() {
	approved := make(map[string]bool)
	for _, sess := range m.sessions.List() {
		if sess.Status == session.StatusApproved {
			approved[sess.ID] = true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.tracks {
		if !approved[id] {
			delete(m.tracks, id)
		}
	}
}
