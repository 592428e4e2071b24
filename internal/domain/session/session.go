// Package session defines the Session lifecycle container: the
// requirement-to-execution instance that owns a plan, its tasks, and its
// workflow/coordinator history.
package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is a session's position in the plan lifecycle. Only Approved
// sessions are eligible for coordinator dispatch.
type Status string

const (
	StatusNoPlan    Status = "no_plan"
	StatusPlanning  Status = "planning"
	StatusReviewing Status = "reviewing"
	StatusRevising  Status = "revising"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var idPattern = regexp.MustCompile(`^PS_\d{6}$`)

// ValidateID reports whether id matches the PS_NNNNNN session form.
func ValidateID(id string) error {
	if !idPattern.MatchString(strings.TrimSpace(id)) {
		return fmt.Errorf("invalid session id %q: must match PS_NNNNNN", id)
	}
	return nil
}

// Session is the lifecycle container for one requirement-to-execution
// instance.
type Session struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	PlanFilePath string    `json:"plan_file_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// EvaluationsPaused gates the coordinator from acting on this session's
	// queued events until explicitly resumed (set by plan-mutating ops).
	EvaluationsPaused bool   `json:"evaluations_paused"`
	PauseReason       string `json:"pause_reason,omitempty"`
}

// CanDispatch reports whether the coordinator is allowed to dispatch
// workflows for this session.
func (s *Session) CanDispatch() bool {
	return s.Status == StatusApproved && !s.EvaluationsPaused
}

// New constructs a fresh no_plan session.
func New(id string) *Session {
	now := time.Now()
	return &Session{ID: id, Status: StatusNoPlan, CreatedAt: now, UpdatedAt: now}
}
