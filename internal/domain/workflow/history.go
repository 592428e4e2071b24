package workflow

import (
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// HistoryWindow is the bounded, append-only sliding window a session's
// completed-workflow ledger retains.
const HistoryWindow = 100

// HistoryLedger owns the per-session sliding window of completed-workflow
// summaries, persisted at the session's workflow_history.json. It mirrors
// coordinator.HistoryLedger's shape; the two ledgers are kept separate
// because they bound different event streams (evaluations vs. workflow
// terminations) at different window sizes.
type HistoryLedger struct {
	layout statestore.Layout
}

// NewHistoryLedger builds a ledger rooted at layout.
func NewHistoryLedger(layout statestore.Layout) *HistoryLedger {
	return &HistoryLedger{layout: layout}
}

func (l *HistoryLedger) store(sessionID string) *statestore.Store[[]CompletedSummary] {
	return statestore.NewStore[[]CompletedSummary](l.layout.WorkflowHistoryPath(sessionID))
}

// Append records summary onto sessionID's sliding window, dropping the
// oldest entry once the window exceeds HistoryWindow.
func (l *HistoryLedger) Append(sessionID string, summary CompletedSummary) error {
	return l.store(sessionID).Update(func(cur []CompletedSummary) []CompletedSummary {
		cur = append(cur, summary)
		if len(cur) > HistoryWindow {
			cur = cur[len(cur)-HistoryWindow:]
		}
		return cur
	})
}

// Load returns sessionID's full completed-workflow history, oldest first.
func (l *HistoryLedger) Load(sessionID string) ([]CompletedSummary, error) {
	return l.store(sessionID).Load()
}
