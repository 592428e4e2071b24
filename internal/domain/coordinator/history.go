package coordinator

import (
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

// HistoryLedger owns the per-session sliding window of evaluation history,
// persisted at the session's coordinator_history.json.
type HistoryLedger struct {
	layout statestore.Layout
}

// NewHistoryLedger builds a ledger rooted at layout.
func NewHistoryLedger(layout statestore.Layout) *HistoryLedger {
	return &HistoryLedger{layout: layout}
}

func (l *HistoryLedger) store(sessionID string) *statestore.Store[[]HistoryEntry] {
	return statestore.NewStore[[]HistoryEntry](l.layout.CoordinatorHistoryPath(sessionID))
}

// Append records entry onto session's sliding window, dropping the oldest
// entry once the window exceeds HistoryWindow.
func (l *HistoryLedger) Append(sessionID string, entry HistoryEntry) error {
	return l.store(sessionID).Update(func(cur []HistoryEntry) []HistoryEntry {
		return appendBounded(cur, entry, HistoryWindow)
	})
}

// Load returns session's full history, newest last.
func (l *HistoryLedger) Load(sessionID string) ([]HistoryEntry, error) {
	return l.store(sessionID).Load()
}

// AnnotateOutcome walks session's history from newest to oldest, annotating
// the first entry whose Decision.DispatchedTasks contains taskID with
// outcome. Per the design notes, DispatchedTasks is always empty on the
// tool-use dispatch path, so this is effectively unreachable in the current
// wiring; it is kept because the ledger format and the sliding-window
// contract are otherwise identical and a future dispatch path may populate
// the field.
func (l *HistoryLedger) AnnotateOutcome(sessionID, taskID string, outcome Outcome) error {
	return l.store(sessionID).Update(func(cur []HistoryEntry) []HistoryEntry {
		for i := len(cur) - 1; i >= 0; i-- {
			for _, t := range cur[i].Decision.DispatchedTasks {
				if t == taskID {
					cur[i].Outcome = &outcome
					cur[i].OutcomeTaskID = taskID
					return cur
				}
			}
		}
		return cur
	})
}
