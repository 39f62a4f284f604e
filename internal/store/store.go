// Package store is the Local Event Store: the durable per-repo cursor,
// dedup log, and dispatch-result log backed by an embedded SQLite
// database. All mutating calls are serialized through a single goroutine
// that owns the *sql.DB handle, the way the teacher's request-channel
// worker serializes session/transcript writes — this gives per-row
// serializability without row-level locking logic, and keeps SQLite's
// single-writer constraint satisfied even under WAL mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dsifry/metarelay/internal/event"
	merrors "github.com/dsifry/metarelay/internal/errors"

	_ "modernc.org/sqlite"
)

// DispatchOutcome is the terminal state of one handler's attempt at one
// event.
type DispatchOutcome string

const (
	OutcomeSuccess DispatchOutcome = "success"
	OutcomeFailure DispatchOutcome = "failure"
	OutcomeTimeout DispatchOutcome = "timeout"
	OutcomeSkipped DispatchOutcome = "skipped"
)

// CursorRow is one repo's high-water mark, for status reporting.
type CursorRow struct {
	Repo   string
	LastID int64
}

type opKind int

const (
	opGetCursor opKind = iota
	opSetCursor
	opTryClaim
	opRecordDispatch
	opListCursors
)

type request struct {
	op       opKind
	repo     string
	remoteID int64

	event event.Event

	handlerName string
	outcome     DispatchOutcome
	exitStatus  int
	stdout      string
	stderr      string
	startedAt   time.Time
	endedAt     time.Time

	result   chan error
	response chan interface{}
}

// Store is the single-writer actor fronting the SQLite database.
type Store struct {
	db    *sql.DB
	inbox chan request
	quit  chan struct{}
	wg    sync.WaitGroup
}

// Open opens (creating if absent) the SQLite database at path, applies
// WAL journal mode and a busy_timeout pragma so concurrent readers (the
// status/sync CLI commands) don't collide with the daemon's writer, and
// starts the single-writer actor loop.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, merrors.Storage(fmt.Sprintf("create store directory for %s", path))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, merrors.Storage(fmt.Sprintf("open sqlite %s: %v", path, err))
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, merrors.Storage(fmt.Sprintf("ping sqlite %s: %v", path, err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, merrors.Storage(fmt.Sprintf("set WAL mode on %s: %v", path, err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, merrors.Storage(fmt.Sprintf("set busy_timeout on %s: %v", path, err))
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, merrors.Storage(fmt.Sprintf("apply schema to %s: %v", path, err))
	}

	if err := os.Chmod(path, 0600); err != nil {
		slog.Warn("failed to restrict store file permissions", "path", path, "error", err)
	}

	s := &Store{
		db:    db,
		inbox: make(chan request, 64),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()

	return s, nil
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.inbox:
			s.handle(req)
		case <-s.quit:
			return
		}
	}
}

func (s *Store) handle(req request) {
	switch req.op {
	case opGetCursor:
		lastID, ok, err := s.getCursor(req.repo)
		if req.response != nil {
			req.response <- cursorResult{lastID: lastID, ok: ok}
		}
		req.result <- err
	case opSetCursor:
		req.result <- s.setCursor(req.repo, req.remoteID)
	case opTryClaim:
		claimed, err := s.tryClaim(req.event)
		if req.response != nil {
			req.response <- claimed
		}
		req.result <- err
	case opRecordDispatch:
		req.result <- s.recordDispatch(req)
	case opListCursors:
		rows, err := s.listCursors()
		if req.response != nil {
			req.response <- rows
		}
		req.result <- err
	default:
		req.result <- fmt.Errorf("store: unknown operation %d", req.op)
	}
}

type cursorResult struct {
	lastID int64
	ok     bool
}

func (s *Store) getCursor(repo string) (int64, bool, error) {
	var lastID int64
	err := s.db.QueryRow(`SELECT last_id FROM cursors WHERE repo = ?`, repo).Scan(&lastID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, merrors.Storage(fmt.Sprintf("get cursor for %s: %v", repo, err))
	}
	return lastID, true, nil
}

func (s *Store) setCursor(repo string, remoteID int64) error {
	current, ok, err := s.getCursor(repo)
	if err != nil {
		return err
	}
	if ok && remoteID < current {
		return fmt.Errorf("set cursor %s to %d, currently %d: %w", repo, remoteID, current, merrors.ErrStaleCursor)
	}

	_, err = s.db.Exec(`
		INSERT INTO cursors (repo, last_id) VALUES (?, ?)
		ON CONFLICT(repo) DO UPDATE SET last_id = excluded.last_id
	`, repo, remoteID)
	if err != nil {
		return merrors.Storage(fmt.Sprintf("set cursor for %s: %v", repo, err))
	}
	return nil
}

// tryClaim inserts the dedup row, relying on SQLite's PK/UNIQUE
// constraints (remote_id, delivery_id) to do the atomic claim check: a
// constraint violation means some path already claimed this event.
func (s *Store) tryClaim(e event.Event) (bool, error) {
	_, err := s.db.Exec(`
		INSERT INTO event_log (remote_id, delivery_id, repo, event_type, action, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RemoteID, e.DeliveryID, e.Repo, e.EventType, e.Action, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return false, nil
		}
		return false, merrors.Storage(fmt.Sprintf("claim event %d: %v", e.RemoteID, err))
	}
	return true, nil
}

func (s *Store) recordDispatch(req request) error {
	_, err := s.db.Exec(`
		INSERT INTO dispatch_log
			(remote_id, handler_name, outcome, exit_status, stdout, stderr, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(remote_id, handler_name) DO UPDATE SET
			outcome = excluded.outcome,
			exit_status = excluded.exit_status,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, req.remoteID, req.handlerName, string(req.outcome), req.exitStatus, req.stdout, req.stderr,
		req.startedAt.UTC().Format(time.RFC3339Nano), req.endedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return merrors.Storage(fmt.Sprintf("record dispatch %d/%s: %v", req.remoteID, req.handlerName, err))
	}
	return nil
}

func (s *Store) listCursors() ([]CursorRow, error) {
	rows, err := s.db.Query(`SELECT repo, last_id FROM cursors ORDER BY repo ASC`)
	if err != nil {
		return nil, merrors.Storage(fmt.Sprintf("list cursors: %v", err))
	}
	defer rows.Close()

	var out []CursorRow
	for rows.Next() {
		var c CursorRow
		if err := rows.Scan(&c.Repo, &c.LastID); err != nil {
			return nil, merrors.Storage(fmt.Sprintf("scan cursor row: %v", err))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Public API — each call enqueues a request and blocks for the result, so
// the store behaves like an ordinary thread-safe object to callers while
// every mutation is actually serialized through the single writer.

func (s *Store) GetCursor(repo string) (int64, bool, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- request{op: opGetCursor, repo: repo, result: res, response: resp}
	err := <-res
	if err != nil {
		return 0, false, err
	}
	cr := (<-resp).(cursorResult)
	return cr.lastID, cr.ok, nil
}

func (s *Store) SetCursor(repo string, remoteID int64) error {
	res := make(chan error, 1)
	s.inbox <- request{op: opSetCursor, repo: repo, remoteID: remoteID, result: res}
	return <-res
}

func (s *Store) TryClaim(e event.Event) (bool, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- request{op: opTryClaim, event: e, result: res, response: resp}
	err := <-res
	if err != nil {
		return false, err
	}
	return (<-resp).(bool), nil
}

func (s *Store) RecordDispatch(remoteID int64, handlerName string, outcome DispatchOutcome, exitStatus int, stdout, stderr string, startedAt, endedAt time.Time) error {
	res := make(chan error, 1)
	s.inbox <- request{
		op:          opRecordDispatch,
		remoteID:    remoteID,
		handlerName: handlerName,
		outcome:     outcome,
		exitStatus:  exitStatus,
		stdout:      stdout,
		stderr:      stderr,
		startedAt:   startedAt,
		endedAt:     endedAt,
		result:      res,
	}
	return <-res
}

func (s *Store) ListCursors() ([]CursorRow, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	s.inbox <- request{op: opListCursors, result: res, response: resp}
	err := <-res
	if err != nil {
		return nil, err
	}
	return (<-resp).([]CursorRow), nil
}

// Close stops the writer loop and closes the underlying database handle.
func (s *Store) Close() error {
	close(s.quit)
	s.wg.Wait()
	return s.db.Close()
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
