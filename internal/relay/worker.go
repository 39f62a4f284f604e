// Package relay implements the per-repo daemon loop: catch-up, live
// subscription, gap fill on reconnect, and bounded graceful drain on
// shutdown. Each repo runs as its own lifecycle component, registered
// with the top-level daemon manager.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dsifry/metarelay/internal/cloud"
	"github.com/dsifry/metarelay/internal/concurrency"
	"github.com/dsifry/metarelay/internal/config"
	"github.com/dsifry/metarelay/internal/daemon"
	"github.com/dsifry/metarelay/internal/dispatcher"
	merrors "github.com/dsifry/metarelay/internal/errors"
	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/handler"
	"github.com/dsifry/metarelay/internal/journal"
	"github.com/dsifry/metarelay/internal/logger"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	catchupLimit   = 100
)

var errStreamEnded = errors.New("subscription stream ended")

// Store is the subset of the Local Event Store the daemon loop needs.
type Store interface {
	GetCursor(repo string) (int64, bool, error)
	SetCursor(repo string, remoteID int64) error
	TryClaim(e event.Event) (bool, error)
}

// Worker is one repo's state machine: INIT -> CATCHUP -> SUBSCRIBING <->
// RECONNECTING, with a DRAINING exit on shutdown.
type Worker struct {
	repo     config.RepoConfig
	store    Store
	cloud    cloud.Client
	registry *handler.Registry
	dispatch *dispatcher.Dispatcher

	journal *journal.Writer

	mu      sync.Mutex
	cursor  int64
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(repo config.RepoConfig, st Store, cl cloud.Client, registry *handler.Registry, dp *dispatcher.Dispatcher) *Worker {
	return &Worker{
		repo:     repo,
		store:    st,
		cloud:    cl,
		registry: registry,
		dispatch: dp,
	}
}

// --- daemon.Component ---

func (w *Worker) Name() string           { return "repo:" + w.repo.Name }
func (w *Worker) Dependencies() []string { return nil }

func (w *Worker) Init(ctx context.Context) error {
	if w.repo.Path != "" {
		jw, err := journal.Open(w.repo.Path)
		if err != nil {
			return fmt.Errorf("open journal for %s: %w", w.repo.Name, err)
		}
		w.journal = jw
	}

	cursor, _, err := w.store.GetCursor(w.repo.Name)
	if err != nil {
		return fmt.Errorf("load cursor for %s: %w", w.repo.Name, err)
	}
	w.setCursor(cursor)
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	concurrency.SafeGo(func() {
		defer close(w.done)
		w.run(runCtx)
	}, func(r interface{}) {
		w.setErr(fmt.Errorf("repo worker %s panicked: %v", w.repo.Name, r))
	})

	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.journal != nil {
		return w.journal.Close()
	}
	return nil
}

func (w *Worker) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &daemon.ComponentHealth{
		Name:    w.Name(),
		Healthy: w.lastErr == nil,
		Error:   w.lastErr,
	}, nil
}

// --- state machine ---

func (w *Worker) run(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.catchup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setErr(err)
			if !merrors.IsRetryable(err) {
				slog.Error("repo worker stopping on fatal error", "repo", w.repo.Name, logger.ErrAttr(err))
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		err := w.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, errStreamEnded) {
			w.setErr(err)
			if !merrors.IsRetryable(err) {
				slog.Error("repo worker stopping on fatal error", "repo", w.repo.Name, logger.ErrAttr(err))
				return
			}
			slog.Warn("subscription error, reconnecting", "repo", w.repo.Name, logger.ErrAttr(err))
		} else {
			slog.Info("subscription ended, reconnecting", "repo", w.repo.Name)
			backoff = initialBackoff
		}

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// CatchupOnce drains the repo's backlog against the remote event store
// without opening a live subscription, for the one-shot sync command.
func (w *Worker) CatchupOnce(ctx context.Context) error {
	return w.catchup(ctx)
}

// catchup repeatedly fetches pages after the current cursor and dispatches
// them until an empty page is returned. Transient network errors are
// retried here with the same capped exponential backoff used between
// reconnect attempts; a fatal error or storage error aborts catch-up and
// propagates to the caller.
func (w *Worker) catchup(ctx context.Context) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := w.cloud.FetchSince(ctx, w.repo.Name, w.getCursor(), catchupLimit)
		if err != nil {
			if merrors.IsRetryable(err) {
				slog.Warn("catch-up fetch failed, retrying", "repo", w.repo.Name, logger.ErrAttr(err))
				select {
				case <-time.After(jitter(backoff)):
				case <-ctx.Done():
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
			return err
		}
		backoff = initialBackoff

		if len(events) == 0 {
			return nil
		}

		for _, e := range events {
			if err := w.dispatchEvent(ctx, e); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// subscribeOnce opens one live subscription session and drains it until
// it ends (closed channel), errors, or ctx is cancelled. Gaps between the
// cursor and an arriving event trigger a re-entrant catch-up before the
// gap-revealing event is itself dispatched.
func (w *Worker) subscribeOnce(ctx context.Context) error {
	ch, err := w.cloud.Subscribe(ctx, w.repo.Name)
	if err != nil {
		return err
	}
	w.clearErr()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return errStreamEnded
			}
			if e.RemoteID > w.getCursor()+1 {
				if err := w.catchup(ctx); err != nil {
					return err
				}
			}
			if err := w.dispatchEvent(ctx, e); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatchEvent is the per-event procedure common to CATCHUP and
// SUBSCRIBING: claim, journal, match, dispatch (waiting for every
// matched handler to produce a DispatchRecord), then advance the cursor.
func (w *Worker) dispatchEvent(ctx context.Context, e event.Event) error {
	claimed, err := w.store.TryClaim(e)
	if err != nil {
		return err
	}

	if claimed {
		if w.journal != nil {
			if err := w.journal.Append(e); err != nil {
				slog.Error("failed to append journal entry", "repo", w.repo.Name, "remote_id", e.RemoteID, logger.ErrAttr(err))
			}
		}

		matches := w.registry.Match(e)
		var wg sync.WaitGroup
		for _, h := range matches {
			wg.Add(1)
			go func(h *handler.Handler) {
				defer wg.Done()
				w.dispatch.Dispatch(ctx, e, h)
			}(h)
		}
		wg.Wait()
	}

	if e.RemoteID > w.getCursor() {
		if err := w.store.SetCursor(w.repo.Name, e.RemoteID); err != nil {
			if errors.Is(err, merrors.ErrStaleCursor) {
				return nil
			}
			return err
		}
		w.setCursor(e.RemoteID)
	}
	return nil
}

func (w *Worker) getCursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Worker) setCursor(v int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = v
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
}

func (w *Worker) clearErr() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// jitter adds up to 20% random variance to a backoff so many repo
// workers reconnecting at once don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	variance := time.Duration(rand.Int63n(int64(d) / 5))
	return d + variance
}
