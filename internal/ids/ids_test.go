package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTaskIDAcceptsStrictGlobalForm(t *testing.T) {
	valid := []string{
		"PS_000001_T1",
		"PS_000001_T7A",
		"PS_000001_T24_EVENTS",
	}
	for _, id := range valid {
		require.NoError(t, ValidateTaskID(id), "expected %q to be valid", id)
	}
}

func TestValidateTaskIDRejectsSimpleAndMalformedIDs(t *testing.T) {
	invalid := []string{
		"T1",
		"PS_000001_T24EVENTS",
		"PS_00001_T1",
		"ps1_T1",
		"",
	}
	for _, id := range invalid {
		require.Error(t, ValidateTaskID(id), "expected %q to be rejected", id)
	}
}

// TestNormalizeTaskIDRoundTrip covers P9: normalizing a normalized id is a
// no-op, and every valid id survives normalization unchanged in meaning.
func TestNormalizeTaskIDRoundTrip(t *testing.T) {
	cases := []string{"ps_000001_t7a", "PS_000001_T7A", "  PS_000001_T7A  "}
	for _, id := range cases {
		normalized := NormalizeTaskID(id)
		require.Equal(t, "PS_000001_T7A", normalized)
		require.Equal(t, normalized, NormalizeTaskID(normalized))
		require.NoError(t, ValidateTaskID(normalized))
	}
}

func TestSessionIDFromTaskID(t *testing.T) {
	require.Equal(t, "PS_000001", SessionIDFromTaskID("ps_000001_t24_events"))
	require.Equal(t, "", SessionIDFromTaskID("not-a-task-id"))
}

func TestValidateSessionID(t *testing.T) {
	require.NoError(t, ValidateSessionID("PS_000001"))
	require.Error(t, ValidateSessionID("PS_1"))
	require.Error(t, ValidateSessionID("PS_000001_T1"))
}

func TestNewWorkflowIDIsUnique(t *testing.T) {
	a := NewWorkflowID()
	b := NewWorkflowID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
