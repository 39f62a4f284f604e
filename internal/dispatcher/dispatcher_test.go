package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dsifry/metarelay/internal/config"
	"github.com/dsifry/metarelay/internal/dispatcher"
	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/handler"
	"github.com/dsifry/metarelay/internal/store"

	"github.com/stretchr/testify/require"
)

type recordedDispatch struct {
	remoteID    int64
	handlerName string
	outcome     store.DispatchOutcome
	exitStatus  int
	stdout      string
	stderr      string
}

type fakeStore struct {
	mu      sync.Mutex
	records []recordedDispatch
}

func (f *fakeStore) RecordDispatch(remoteID int64, handlerName string, outcome store.DispatchOutcome, exitStatus int, stdout, stderr string, startedAt, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedDispatch{remoteID, handlerName, outcome, exitStatus, stdout, stderr})
	return nil
}

func (f *fakeStore) only() recordedDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[0]
}

func loadHandler(t *testing.T, cfg config.HandlerConfig) *handler.Handler {
	t.Helper()
	r, err := handler.Load([]config.HandlerConfig{cfg})
	require.NoError(t, err)
	matches := r.Match(event.Event{EventType: cfg.EventType, Action: cfg.Action})
	require.Len(t, matches, 1)
	return matches[0]
}

func TestDispatchSuccessRecordsExitZero(t *testing.T) {
	fs := &fakeStore{}
	d := dispatcher.New(fs, 2, 0, 0)

	h := loadHandler(t, config.HandlerConfig{Name: "ok", EventType: "push", Command: "echo {{repo}}", TimeoutSeconds: 5})
	d.Dispatch(context.Background(), event.Event{RemoteID: 1, EventType: "push", Repo: "acme/widgets"}, h)

	rec := fs.only()
	require.Equal(t, store.OutcomeSuccess, rec.outcome)
	require.Equal(t, 0, rec.exitStatus)
	require.Contains(t, rec.stdout, "acme/widgets")
}

func TestDispatchFailureRecordsNonZeroExit(t *testing.T) {
	fs := &fakeStore{}
	d := dispatcher.New(fs, 2, 0, 0)

	h := loadHandler(t, config.HandlerConfig{Name: "fail", EventType: "push", Command: "exit 3", TimeoutSeconds: 5})
	d.Dispatch(context.Background(), event.Event{RemoteID: 1, EventType: "push"}, h)

	rec := fs.only()
	require.Equal(t, store.OutcomeFailure, rec.outcome)
	require.Equal(t, 3, rec.exitStatus)
}

func TestDispatchTimeoutKillsProcess(t *testing.T) {
	fs := &fakeStore{}
	d := dispatcher.New(fs, 2, 0, 0)

	h := loadHandler(t, config.HandlerConfig{Name: "slow", EventType: "push", Command: "sleep 5", TimeoutSeconds: 1})

	start := time.Now()
	d.Dispatch(context.Background(), event.Event{RemoteID: 1, EventType: "push"}, h)
	require.Less(t, time.Since(start), 4*time.Second)

	rec := fs.only()
	require.Equal(t, store.OutcomeTimeout, rec.outcome)
}

func TestDispatchTruncatesOversizedOutput(t *testing.T) {
	fs := &fakeStore{}
	d := dispatcher.New(fs, 2, 16, 16)

	h := loadHandler(t, config.HandlerConfig{Name: "noisy", EventType: "push", Command: "yes x | head -c 1000", TimeoutSeconds: 5})
	d.Dispatch(context.Background(), event.Event{RemoteID: 1, EventType: "push"}, h)

	rec := fs.only()
	require.Contains(t, rec.stdout, "...[truncated]")
}
