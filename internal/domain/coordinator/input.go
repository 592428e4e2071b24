package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/gaos-systems/apc-coordinator/internal/tokenbudget"
)

// TaskSummary is the minimal task projection the input assembly needs;
// StateProvider implementations build these from the authoritative task
// store without the coordinator package importing it directly.
type TaskSummary struct {
	ID          string
	Description string
	Status      string
}

// WorkflowSummary is the minimal active-workflow projection surfaced in the
// current-state section.
type WorkflowSummary struct {
	ID    string
	Type  string
	Phase string
	Pct   int
}

// AgentCounts reports the pool split the coordinator reasons about.
type AgentCounts struct {
	Available int
	Busy      int
	Resting   int
	ByRole    map[string]int
}

// StateProvider is everything the input assembly needs about a session's
// live state; UnifiedCoordinator implements it so this package never
// imports the task/agentpool/workflow packages directly.
type StateProvider interface {
	ReadyTasks(session string) []TaskSummary
	InProgressTasks(session string) []TaskSummary
	BlockedTasks(session string) []TaskSummary
	ActiveWorkflows(session string) []WorkflowSummary
	AgentCounts(session string) AgentCounts
	PendingQuestions(session string) []string
	PlanContent(session string) (requirement, planMarkdown string)
	WorkflowSelection() string
}

// RoleTemplate holds the configurable role-intro and instruction templates;
// {{sessionId}}, {{timestamp}}, and {{WORKFLOW_SELECTION}} are substituted
// before use.
type RoleTemplate struct {
	RoleIntro           string
	RoleInstructions    string
	DecisionInstructions string
}

// DefaultRoleTemplate is the stock template used when the caller supplies
// none.
var DefaultRoleTemplate = RoleTemplate{
	RoleIntro: "You are the coordinator agent for session {{sessionId}} at {{timestamp}}. " +
		"You drive task dispatch by issuing CLI commands directly; you do not return a plan.",
	RoleInstructions: "Available workflow types:\n{{WORKFLOW_SELECTION}}\n" +
		"Dispatch with `apc task start <taskId> <workflowType>`. Ask the user with `apc user ask <taskId> <question>`.",
	DecisionInstructions: "Decide what to dispatch, pause, or ask about given the state below. " +
		"Issue your commands now, then end your output with:\nREASONING: <your reasoning, concise>\nCONFIDENCE: <0.0-1.0>",
}

func substitute(tmpl, sessionID, workflowSelection string) string {
	r := strings.NewReplacer(
		"{{sessionId}}", sessionID,
		"{{timestamp}}", time.Now().Format(time.RFC3339),
		"{{WORKFLOW_SELECTION}}", workflowSelection,
	)
	return r.Replace(tmpl)
}

// BuildInput assembles the full prompt text for one evaluation, in the
// fixed section order: role intro/instructions, triggering event(s), the
// plan, decision history, current state, decision instructions.
func BuildInput(sessionID string, evt Event, history []HistoryEntry, decisionHistoryN, planTokenBudget int, provider StateProvider, tmpl RoleTemplate) string {
	var b strings.Builder
	selection := provider.WorkflowSelection()

	b.WriteString(substitute(tmpl.RoleIntro, sessionID, selection))
	b.WriteString("\n\n")
	b.WriteString(substitute(tmpl.RoleInstructions, sessionID, selection))
	b.WriteString("\n\n## Triggering Event\n")
	writeEvent(&b, evt)

	requirement, plan := provider.PlanContent(sessionID)
	b.WriteString("\n\n## Plan\n")
	if requirement != "" {
		b.WriteString(requirement)
		b.WriteString("\n\n")
	}
	b.WriteString(tokenbudget.TruncatePreserving(plan, planTokenBudget, "## Task Breakdown"))

	b.WriteString("\n\n## Decision History\n")
	writeHistory(&b, history, decisionHistoryN)

	b.WriteString("\n\n## Current State\n")
	writeState(&b, sessionID, provider)

	b.WriteString("\n\n## Instructions\n")
	b.WriteString(substitute(tmpl.DecisionInstructions, sessionID, selection))

	return b.String()
}

func writeEvent(b *strings.Builder, evt Event) {
	if kind, _ := evt.Payload["kind"].(string); kind == "batch_events" {
		fmt.Fprintf(b, "Batch (%s), %d event(s):\n", evt.Type, len(evt.Payload["events"].([]map[string]any)))
		for _, e := range evt.Payload["events"].([]map[string]any) {
			fmt.Fprintf(b, "- %v at %v\n", e["type"], e["at"])
		}
		return
	}
	fmt.Fprintf(b, "%s: %v\n", evt.Type, evt.Payload)
}

func writeHistory(b *strings.Builder, history []HistoryEntry, n int) {
	if len(history) == 0 {
		b.WriteString("(none)\n")
		return
	}
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	for _, h := range history[start:] {
		fmt.Fprintf(b, "- [%s] %s — reasoning: %q", h.Timestamp.Format(time.RFC3339), h.EventSummary, h.Decision.Reasoning)
		if h.Outcome != nil {
			fmt.Fprintf(b, " outcome: success=%v %s", h.Outcome.Success, h.Outcome.Notes)
		}
		b.WriteString("\n")
	}
}

func writeState(b *strings.Builder, sessionID string, p StateProvider) {
	ready := p.ReadyTasks(sessionID)
	inProgress := p.InProgressTasks(sessionID)
	blocked := p.BlockedTasks(sessionID)

	fmt.Fprintf(b, "Ready tasks (%d):\n", len(ready))
	for _, t := range ready {
		fmt.Fprintf(b, "- %s: %s\n", t.ID, t.Description)
	}
	fmt.Fprintf(b, "In-progress tasks (%d):\n", len(inProgress))
	for _, t := range inProgress {
		fmt.Fprintf(b, "- %s: %s\n", t.ID, t.Description)
	}
	fmt.Fprintf(b, "Blocked/paused tasks (%d):\n", len(blocked))
	for _, t := range blocked {
		fmt.Fprintf(b, "- %s: %s\n", t.ID, t.Description)
	}

	workflows := p.ActiveWorkflows(sessionID)
	fmt.Fprintf(b, "Active workflows (%d):\n", len(workflows))
	for _, w := range workflows {
		fmt.Fprintf(b, "- %s (%s) phase=%s %d%%\n", w.ID, w.Type, w.Phase, w.Pct)
	}

	counts := p.AgentCounts(sessionID)
	fmt.Fprintf(b, "Agents: available=%d busy=%d resting=%d\n", counts.Available, counts.Busy, counts.Resting)

	questions := p.PendingQuestions(sessionID)
	fmt.Fprintf(b, "Pending user questions (%d):\n", len(questions))
	for _, q := range questions {
		fmt.Fprintf(b, "- %s\n", q)
	}
}
