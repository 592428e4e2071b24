// Package coordinator implements the event-driven LLM evaluation loop: a
// debounce-and-batch queue in front of a model call that issues side
// effects through its own tool-use channel, plus the decision history
// ledger the daemon audits against.
package coordinator

import "time"

// Event is one occurrence queued for a session's next evaluation.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// priorityOrder ranks event types high to low for combineEvents' synthetic
// type selection when a batch contains more than one.
var priorityOrder = []string{
	"unity_error",
	"workflow_failed",
	"workflow_completed",
	"user_responded",
	"agent_available",
	"task_paused",
	"task_resumed",
	"manual_evaluation",
	"execution_started",
	"workflow_blocked",
}

func priorityRank(eventType string) int {
	for i, t := range priorityOrder {
		if t == eventType {
			return i
		}
	}
	return len(priorityOrder)
}

// combineEvents collapses a batch into one synthetic event: the
// highest-priority type present, with a batch_events payload summarizing
// every event in the batch.
func combineEvents(batch []Event) Event {
	if len(batch) == 1 {
		return batch[0]
	}
	best := batch[0]
	for _, e := range batch[1:] {
		if priorityRank(e.Type) < priorityRank(best.Type) {
			best = e
		}
	}
	summaries := make([]map[string]any, 0, len(batch))
	for _, e := range batch {
		summaries = append(summaries, map[string]any{
			"type": e.Type,
			"at":   e.At,
		})
	}
	return Event{
		Type: best.Type,
		At:   best.At,
		Payload: map[string]any{
			"kind":   "batch_events",
			"events": summaries,
		},
	}
}

// Decision is the extracted, bounded record of what one evaluation produced.
// The model does not return a structured dispatch plan: it issues commands
// directly through its own tool-use channel, so the only fields the daemon
// captures here are the reasoning and confidence it printed.
type Decision struct {
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// DispatchedTasks is retained for forward compatibility with the plan's
	// data model, but stays empty under the tool-use dispatch path — see
	// DESIGN.md for why outcome annotation (HistoryLedger.AnnotateOutcome)
	// only matches on it as a best-effort, not a guarantee.
	DispatchedTasks []string `json:"dispatched_tasks,omitempty"`
}

// Outcome records what happened to a dispatched task, attached after the
// fact by HistoryLedger.AnnotateOutcome.
type Outcome struct {
	Success     bool      `json:"success"`
	Notes       string    `json:"notes,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// HistoryEntry is one sliding-window record of a fired evaluation.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	EventSummary  string    `json:"event_summary"`
	Decision      Decision  `json:"decision"`
	Outcome       *Outcome  `json:"outcome,omitempty"`
	OutcomeTaskID string    `json:"outcome_task_id,omitempty"`
}

// HistoryWindow is the bounded, append-only history a session retains.
const HistoryWindow = 50

func appendBounded(history []HistoryEntry, entry HistoryEntry, window int) []HistoryEntry {
	history = append(history, entry)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	return history
}
