package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	merrors "github.com/dsifry/metarelay/internal/errors"
	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/store"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metarelay.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetCursorUnknownRepo(t *testing.T) {
	s := newTestStore(t)

	lastID, ok, err := s.GetCursor("acme/widgets")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(0), lastID)
}

func TestSetCursorThenGetCursor(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetCursor("acme/widgets", 10))

	lastID, ok, err := s.GetCursor("acme/widgets")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), lastID)
}

func TestSetCursorRejectsGoingBackwards(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetCursor("acme/widgets", 10))
	err := s.SetCursor("acme/widgets", 5)
	require.Error(t, err)
	require.True(t, errors.Is(err, merrors.ErrStaleCursor))
}

func TestSetCursorAllowsEqualValue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetCursor("acme/widgets", 10))
	require.NoError(t, s.SetCursor("acme/widgets", 10))
}

func TestTryClaimDedupesByRemoteID(t *testing.T) {
	s := newTestStore(t)
	e := event.Event{RemoteID: 1, DeliveryID: "d-1", Repo: "acme/widgets", EventType: "push"}

	claimed, err := s.TryClaim(e)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.TryClaim(e)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestTryClaimDedupesByDeliveryIDAcrossDifferentRemoteIDs(t *testing.T) {
	s := newTestStore(t)

	first := event.Event{RemoteID: 1, DeliveryID: "dup", Repo: "acme/widgets", EventType: "push"}
	second := event.Event{RemoteID: 2, DeliveryID: "dup", Repo: "acme/widgets", EventType: "push"}

	claimed, err := s.TryClaim(first)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.TryClaim(second)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestRecordDispatchThenListCursors(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	err := s.RecordDispatch(1, "notify", store.OutcomeSuccess, 0, "ok", "", now, now.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, s.SetCursor("acme/widgets", 1))
	require.NoError(t, s.SetCursor("acme/gadgets", 2))

	rows, err := s.ListCursors()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "acme/gadgets", rows[0].Repo)
	require.Equal(t, "acme/widgets", rows[1].Repo)
}

func TestRecordDispatchUpsertsOnRetry(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.RecordDispatch(1, "notify", store.OutcomeTimeout, -1, "", "timed out", now, now))
	require.NoError(t, s.RecordDispatch(1, "notify", store.OutcomeSuccess, 0, "ok", "", now, now.Add(time.Second)))
}
