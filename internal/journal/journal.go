// Package journal appends observed events to a per-repo JSON-lines file
// for external subagent consumers, independent of cursor/dispatch
// semantics.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dsifry/metarelay/internal/event"
)

const (
	dirName  = ".metarelay"
	fileName = "events.jsonl"
)

// Writer appends one line per event to {repoPath}/.metarelay/events.jsonl.
// Never truncates; rotation is the operator's concern. One Writer per
// repo path, since each owns its own open file handle.
type Writer struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates the journal directory (mode 0700) and opens the journal
// file (mode 0600) for append, creating it if absent.
func Open(repoPath string) (*Writer, error) {
	dir := filepath.Join(repoPath, dirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal file %s: %w", path, err)
	}

	return &Writer{file: f}, nil
}

// line is the journal's on-disk field list, distinct from event.Event's
// internal JSON shape the same way cloud.apiEvent is distinct from it: the
// primary key is "id" on the wire, "remote_id" in memory.
type line struct {
	ID         int64           `json:"id"`
	Repo       string          `json:"repo"`
	EventType  string          `json:"event_type"`
	Action     string          `json:"action"`
	Ref        string          `json:"ref"`
	Actor      string          `json:"actor"`
	Summary    string          `json:"summary"`
	Payload    json.RawMessage `json:"payload"`
	DeliveryID string          `json:"delivery_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toLine(e event.Event) line {
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return line{
		ID:         e.RemoteID,
		Repo:       e.Repo,
		EventType:  e.EventType,
		Action:     e.Action,
		Ref:        e.Ref,
		Actor:      e.Actor,
		Summary:    e.Summary,
		Payload:    payload,
		DeliveryID: e.DeliveryID,
		CreatedAt:  e.CreatedAt,
	}
}

// Append encodes e as one JSON line and flushes it to disk (fsync) before
// returning, so a successful Append is durable before the daemon loop
// advances the cursor. A failed Append does not hold the cursor back: the
// daemon loop logs the error and continues.
func (w *Writer) Append(e event.Event) error {
	encoded, err := json.Marshal(toLine(e))
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", e.RemoteID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(encoded); err != nil {
		return fmt.Errorf("write journal entry %d: %w", e.RemoteID, err)
	}
	if _, err := w.file.WriteString("\n"); err != nil {
		return fmt.Errorf("write journal newline %d: %w", e.RemoteID, err)
	}
	return w.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
