package agentpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(size int) *Pool {
	roster := make([]string, size)
	for i := range roster {
		roster[i] = string(rune('a' + i))
	}
	return New(Config{Roster: roster, Roles: []string{"implementer"}})
}

func TestAllocatePromoteRelease(t *testing.T) {
	p := newTestPool(3)

	got, err := p.Allocate("PS_000001", "wf-1", 2, "implementer")
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.True(t, p.PromoteToBusy(got[0], "wf-1", "PS_000001_T1"))
	require.False(t, p.PromoteToBusy(got[0], "wf-2", "PS_000001_T1"), "promote must check workflow ownership")

	require.True(t, p.DemoteToBench(got[0]))

	p.Release(got)
	for _, name := range got {
		found := false
		for _, s := range p.Snapshot() {
			if s.Name == name {
				found = true
				require.Equal(t, StatusResting, s.Status)
			}
		}
		require.True(t, found)
	}
}

func TestUnknownRoleFails(t *testing.T) {
	p := newTestPool(1)
	_, err := p.Allocate("PS_000001", "wf-1", 1, "nope")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestAllocateReturnsShortfall(t *testing.T) {
	p := newTestPool(2)
	got, err := p.Allocate("PS_000001", "wf-1", 5, "implementer")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestCooldownThenAvailableAgain(t *testing.T) {
	p := newTestPool(2)
	got, err := p.Allocate("PS_000001", "wf-1", 2, "implementer")
	require.NoError(t, err)

	p.Release(got)

	again, err := p.Allocate("PS_000001", "wf-2", 2, "implementer")
	require.NoError(t, err)
	require.Empty(t, again, "resting agents must not be allocatable before cooldown elapses")

	time.Sleep(RestCooldown + 200*time.Millisecond)

	again, err = p.Allocate("PS_000001", "wf-2", 2, "implementer")
	require.NoError(t, err)
	require.Len(t, again, 2)
}

func TestReleaseOrphanAllocatedAgentsIsIdempotent(t *testing.T) {
	p := newTestPool(2)
	got, err := p.Allocate("PS_000001", "wf-1", 2, "implementer")
	require.NoError(t, err)
	require.True(t, p.PromoteToBusy(got[0], "wf-1", "PS_000001_T1"))

	orphans := p.ReleaseOrphanAllocatedAgents(map[string]struct{}{})
	require.Len(t, orphans, 2)

	orphans = p.ReleaseOrphanAllocatedAgents(map[string]struct{}{})
	require.Empty(t, orphans, "second reclaim pass must reclaim nothing")
}

func TestResizeGrowsAndShrinks(t *testing.T) {
	p := newTestPool(2)
	require.NoError(t, p.Resize([]string{"z"}, nil))
	require.Len(t, p.Snapshot(), 3)

	require.NoError(t, p.Resize(nil, []string{"z"}))
	require.Len(t, p.Snapshot(), 2)

	got, err := p.Allocate("PS_000001", "wf-1", 2, "implementer")
	require.NoError(t, err)
	err = p.Resize(nil, got)
	require.Error(t, err, "cannot shrink by removing non-available agents")
}
