// Package ids centralizes identifier validation and generation for sessions,
// tasks, and workflows.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// taskIDPattern matches the strict global task id form PS_NNNNNN_T<digits>
// optionally followed by a single letter or an underscore-prefixed suffix.
var taskIDPattern = regexp.MustCompile(`^PS_\d{6}_T\d+([A-Z]|_[A-Z0-9_]+)?$`)

// sessionIDPattern matches the PS_NNNNNN session identifier form.
var sessionIDPattern = regexp.MustCompile(`^PS_\d{6}$`)

// NormalizeTaskID uppercases id for case-insensitive comparisons. Callers
// should normalize before storing or comparing task ids.
func NormalizeTaskID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidateTaskID reports whether id, once normalized, matches the strict
// global task id form. Simple ids like "T1" are rejected.
func ValidateTaskID(id string) error {
	normalized := NormalizeTaskID(id)
	if !taskIDPattern.MatchString(normalized) {
		return fmt.Errorf("invalid task id %q: must match PS_NNNNNN_T<digits>[<letter>|_<suffix>]", id)
	}
	return nil
}

// SessionIDFromTaskID extracts the PS_NNNNNN prefix from a validated task id.
func SessionIDFromTaskID(taskID string) string {
	normalized := NormalizeTaskID(taskID)
	idx := strings.Index(normalized, "_T")
	if idx < 0 {
		return ""
	}
	return normalized[:idx]
}

// ValidateSessionID reports whether id matches the PS_NNNNNN session form.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(strings.TrimSpace(id)) {
		return fmt.Errorf("invalid session id %q: must match PS_NNNNNN", id)
	}
	return nil
}

// NewWorkflowID returns a fresh workflow identifier (UUID per the data model).
func NewWorkflowID() string {
	return uuid.NewString()
}
