package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/async"
	"github.com/gaos-systems/apc-coordinator/internal/llmport"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/metrics"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
	"github.com/gaos-systems/apc-coordinator/internal/tracing"
)

// Timing is the three-layer rate-limit constants, configurable but defaulting
// to the values named in the daemon's design: 2s debounce, 10s max-wait, 10s
// post-eval cooldown.
type Timing struct {
	Debounce time.Duration
	MaxWait  time.Duration
	Cooldown time.Duration
}

// retryBackoffs are the fixed exponential backoffs between evaluation
// retries on transient LLM failure.
var retryBackoffs = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

type sessionQueue struct {
	mu                  sync.Mutex
	pending             []Event
	firstEventAt        time.Time
	lastEvalCompletedAt time.Time
	timer               *time.Timer
}

// Agent is the event-driven LLM evaluation loop described in the design:
// debounce + batch + cooldown in front of a single model call per session.
type Agent struct {
	timing   Timing
	retries  int
	provider StateProvider
	llm      llmport.Client
	llmModel string
	ledger   *HistoryLedger
	layout   statestore.Layout
	tmpl     RoleTemplate
	log      logging.Logger
	metrics  metrics.Recorder

	decisionHistoryN int
	planTokenBudget  int

	mu      sync.Mutex
	queues  map[string]*sessionQueue
	evalSeq int

	// OnEvaluated, if set, is invoked after every fired evaluation
	// (success or failure) with the session id and decision — the daemon
	// entrypoint uses it to log failed evaluations.
	OnEvaluated func(sessionID string, decision Decision, err error)
}

// Config seeds a new Agent.
type Config struct {
	Timing           Timing
	RetryAttempts    int
	Provider         StateProvider
	LLM              llmport.Client
	Ledger           *HistoryLedger
	Layout           statestore.Layout
	Template         RoleTemplate
	Logger           logging.Logger
	Metrics          metrics.Recorder
	DecisionHistoryN int
	PlanTokenBudget  int
}

// New builds an Agent from cfg, filling in defaults left unset.
func New(cfg Config) *Agent {
	tmpl := cfg.Template
	if tmpl.RoleIntro == "" {
		tmpl = DefaultRoleTemplate
	}
	retries := cfg.RetryAttempts
	if retries <= 0 {
		retries = 3
	}
	decisionN := cfg.DecisionHistoryN
	if decisionN <= 0 {
		decisionN = 10
	}
	return &Agent{
		timing:           cfg.Timing,
		retries:          retries,
		provider:         cfg.Provider,
		llm:              cfg.LLM,
		ledger:           cfg.Ledger,
		layout:           cfg.Layout,
		tmpl:             tmpl,
		log:              logging.OrNop(cfg.Logger),
		metrics:          cfg.Metrics,
		decisionHistoryN: decisionN,
		planTokenBudget:  cfg.PlanTokenBudget,
		queues:           make(map[string]*sessionQueue),
	}
}

// SetProvider attaches the StateProvider the agent builds its evaluation
// input from. Used when the provider (typically the unified coordinator) is
// itself constructed from the agent, breaking the constructor cycle.
func (a *Agent) SetProvider(p StateProvider) { a.provider = p }

func (a *Agent) queueFor(session string) *sessionQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[session]
	if !ok {
		q = &sessionQueue{}
		a.queues[session] = q
	}
	return q
}

// QueueEvent enqueues typ/payload for session and runs the fire algorithm:
// debounce quiet period, max-wait ceiling, and post-evaluation cooldown.
func (a *Agent) QueueEvent(session, typ string, payload map[string]any) {
	q := a.queueFor(session)
	now := time.Now()

	q.mu.Lock()
	q.pending = append(q.pending, Event{Type: typ, Payload: payload, At: now})
	if len(q.pending) == 1 {
		q.firstEventAt = now
	}

	inCooldown := !q.lastEvalCompletedAt.IsZero() && now.Sub(q.lastEvalCompletedAt) < a.timing.Cooldown
	switch {
	case inCooldown:
		elapsed := now.Sub(q.lastEvalCompletedAt)
		delay := (a.timing.Cooldown - elapsed) + a.timing.Debounce
		a.scheduleLocked(q, session, delay)
		q.mu.Unlock()
	case !q.firstEventAt.IsZero() && now.Sub(q.firstEventAt) >= a.timing.MaxWait:
		a.stopTimerLocked(q)
		q.mu.Unlock()
		a.fireNow(session, q)
	default:
		a.scheduleLocked(q, session, a.timing.Debounce)
		q.mu.Unlock()
	}
}

func (a *Agent) stopTimerLocked(q *sessionQueue) {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (a *Agent) scheduleLocked(q *sessionQueue, session string, delay time.Duration) {
	a.stopTimerLocked(q)
	q.timer = time.AfterFunc(delay, func() { a.fireNow(session, q) })
}

// fireNow snapshots and clears q.pending, then evaluates the combined event
// in a background goroutine — evaluations are fire-and-forget from the
// caller's perspective.
func (a *Agent) fireNow(session string, q *sessionQueue) {
	q.mu.Lock()
	a.stopTimerLocked(q)
	batch := q.pending
	q.pending = nil
	q.firstEventAt = time.Time{}
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	combined := combineEvents(batch)

	async.Go(a.log, "coordinator-eval", func() {
		a.evaluate(context.Background(), session, combined)
		q.mu.Lock()
		q.lastEvalCompletedAt = time.Now()
		q.mu.Unlock()
	})
}

// evaluate builds the input, calls the model with retry, logs the full
// prompt/output pair, extracts REASONING/CONFIDENCE, and appends a history
// entry. It never returns an error to its caller — evaluations are
// fire-and-forget; failures are logged and the evaluation is dropped.
func (a *Agent) evaluate(ctx context.Context, session string, evt Event) {
	ctx, span := tracing.StartEvaluate(ctx, session)
	defer func() { tracing.End(span, nil) }()

	if a.metrics != nil {
		a.metrics.EvaluationFired(session)
	}

	history, err := a.ledger.Load(session)
	if err != nil {
		a.log.Warn("coordinator: load history for %s: %v", session, err)
	}

	prompt := BuildInput(session, evt, history, a.decisionHistoryN, a.planTokenBudget, a.provider, a.tmpl)

	a.mu.Lock()
	a.evalSeq++
	evalID := fmt.Sprintf("%06d", a.evalSeq)
	a.mu.Unlock()

	resp, err := a.callWithRetry(ctx, session, prompt)
	a.logAudit(session, evalID, prompt, responseOrErr(resp, err))

	decision := Decision{}
	if err != nil {
		a.log.Warn("coordinator: evaluation failed for session %s after retries: %v", session, err)
		decision.Reasoning = fmt.Sprintf("evaluation failed: %v", err)
		if a.metrics != nil {
			a.metrics.EvaluationFailed(session)
		}
	} else {
		decision = extractDecision(resp.Content)
	}

	entry := HistoryEntry{
		Timestamp:    time.Now(),
		EventSummary: summarizeEvent(evt),
		Decision:     decision,
	}
	if appendErr := a.ledger.Append(session, entry); appendErr != nil {
		a.log.Warn("coordinator: append history for %s: %v", session, appendErr)
	}

	if a.OnEvaluated != nil {
		a.OnEvaluated(session, decision, err)
	}
}

func responseOrErr(resp *llmport.CompletionResponse, err error) string {
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return resp.Content
}

func (a *Agent) callWithRetry(ctx context.Context, session, prompt string) (*llmport.CompletionResponse, error) {
	if a.llm == nil {
		return nil, fmt.Errorf("coordinator: no LLM client configured")
	}
	req := llmport.CompletionRequest{Messages: []llmport.Message{{Role: "user", Content: prompt}}}

	var lastErr error
	attempts := a.retries
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		resp, err := a.llm.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i < len(retryBackoffs) && i < attempts-1 {
			if a.metrics != nil {
				a.metrics.EvaluationRetried(session)
			}
			select {
			case <-time.After(retryBackoffs[i]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (a *Agent) logAudit(session, evalID, prompt, output string) {
	dir := a.layout.CoordinatorLogDir(session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Warn("coordinator: create audit dir for %s: %v", session, err)
		return
	}
	ts := time.Now().Format("20060102T150405")
	promptPath := filepath.Join(dir, fmt.Sprintf("%s_%s_prompt.txt", ts, evalID))
	outputPath := filepath.Join(dir, fmt.Sprintf("%s_%s_output.txt", ts, evalID))
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		a.log.Warn("coordinator: write audit prompt for %s: %v", session, err)
	}
	if err := os.WriteFile(outputPath, []byte(output), 0o644); err != nil {
		a.log.Warn("coordinator: write audit output for %s: %v", session, err)
	}
}

var (
	reasoningPattern  = regexp.MustCompile(`(?is)REASONING:\s*(.*?)(?:\n\s*CONFIDENCE:|$)`)
	confidencePattern = regexp.MustCompile(`(?is)CONFIDENCE:\s*([0-9.]+)`)
)

// extractDecision pulls the bounded REASONING/CONFIDENCE footer out of the
// model's raw output. Nothing else is extracted from it: dispatches happen
// because the model ran CLI commands during evaluation, not because it
// returned structured data here.
func extractDecision(output string) Decision {
	d := Decision{}
	if m := reasoningPattern.FindStringSubmatch(output); len(m) == 2 {
		reasoning := strings.TrimSpace(m[1])
		if len(reasoning) > 500 {
			reasoning = reasoning[:500]
		}
		d.Reasoning = reasoning
	}
	if m := confidencePattern.FindStringSubmatch(output); len(m) == 2 {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			d.Confidence = f
		}
	}
	return d
}

func summarizeEvent(evt Event) string {
	if kind, _ := evt.Payload["kind"].(string); kind == "batch_events" {
		events, _ := evt.Payload["events"].([]map[string]any)
		return fmt.Sprintf("%s (batch of %d)", evt.Type, len(events))
	}
	return evt.Type
}
