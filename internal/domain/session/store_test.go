package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaos-systems/apc-coordinator/internal/statestore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	layout := statestore.Layout{Root: t.TempDir()}
	s, err := NewStore(layout)
	require.NoError(t, err)
	return s
}

func TestGetOrCreateCreatesNoPlanSession(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetOrCreate("PS_000001")
	require.NoError(t, err)
	require.Equal(t, StatusNoPlan, sess.Status)

	again, err := s.GetOrCreate("PS_000001")
	require.NoError(t, err)
	require.Equal(t, sess.CreatedAt, again.CreatedAt, "a second reference must not recreate the session")
}

func TestUpdatePersistsAcrossNewStore(t *testing.T) {
	layout := statestore.Layout{Root: t.TempDir()}
	s, err := NewStore(layout)
	require.NoError(t, err)

	_, err = s.GetOrCreate("PS_000001")
	require.NoError(t, err)
	ok, err := s.Update("PS_000001", func(sess *Session) { sess.Status = StatusApproved })
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := NewStore(layout)
	require.NoError(t, err)
	got := reloaded.Get("PS_000001")
	require.NotNil(t, got)
	require.Equal(t, StatusApproved, got.Status)
	require.True(t, got.CanDispatch())
}

func TestUpdateUnknownSessionReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Update("PS_999999", func(*Session) {})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanDispatchRequiresApprovedAndUnpaused(t *testing.T) {
	sess := New("PS_000001")
	require.False(t, sess.CanDispatch())
	sess.Status = StatusApproved
	require.True(t, sess.CanDispatch())
	sess.EvaluationsPaused = true
	require.False(t, sess.CanDispatch())
}

func TestRemoveDeletesSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("PS_000001")
	require.NoError(t, err)
	require.NoError(t, s.Remove("PS_000001"))
	require.Nil(t, s.Get("PS_000001"))
}

func TestListSortsByID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreate("PS_000002")
	require.NoError(t, err)
	_, err = s.GetOrCreate("PS_000001")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "PS_000001", list[0].ID)
	require.Equal(t, "PS_000002", list[1].ID)
}
