package cloud_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dsifry/metarelay/internal/cloud"
	merrors "github.com/dsifry/metarelay/internal/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestFetchSinceDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":2,"repo":"acme/widgets","event_type":"push","action":"","delivery_id":"d-2"}]`))
	}))
	defer srv.Close()

	c := cloud.New(srv.URL, "secret")
	events, err := c.FetchSince(context.Background(), "acme/widgets", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(2), events[0].RemoteID)
	require.Equal(t, "push", events[0].EventType)
}

func TestFetchSinceUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := cloud.New(srv.URL, "bad-key")
	_, err := c.FetchSince(context.Background(), "acme/widgets", 0, 10)
	require.ErrorIs(t, err, merrors.ErrFatalNetwork)
}

func TestFetchSinceServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := cloud.New(srv.URL, "secret")
	_, err := c.FetchSince(context.Background(), "acme/widgets", 0, 10)
	require.ErrorIs(t, err, merrors.ErrTransientNetwork)
}

func TestSubscribeDeliversInsertEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteJSON(map[string]interface{}{"type": "subscribed"})
		_ = conn.WriteJSON(map[string]interface{}{
			"type": "insert",
			"record": map[string]interface{}{
				"id": 5, "repo": "acme/widgets", "event_type": "pull_request", "delivery_id": "d-5",
			},
		})
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := cloud.New(srv.URL, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.Subscribe(ctx, "acme/widgets")
	require.NoError(t, err)

	select {
	case e := <-ch:
		require.Equal(t, int64(5), e.RemoteID)
		require.Equal(t, "pull_request", e.EventType)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for subscription event")
	}
}

func TestSubscribeChannelClosesOnDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	c := cloud.New(srv.URL, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := c.Subscribe(ctx, "acme/widgets")
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
