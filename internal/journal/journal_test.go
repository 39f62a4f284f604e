package journal_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/journal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()

	w, err := journal.Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(event.Event{RemoteID: 1, Repo: "acme/widgets", EventType: "push"}))
	require.NoError(t, w.Append(event.Event{RemoteID: 2, Repo: "acme/widgets", EventType: "push"}))
	require.NoError(t, w.Close())

	f, err := os.Open(filepath.Join(dir, ".metarelay", "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	var first struct {
		ID   int64  `json:"id"`
		Repo string `json:"repo"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, int64(1), first.ID)
}

func TestAppendUsesWireFieldNames(t *testing.T) {
	dir := t.TempDir()

	w, err := journal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(event.Event{
		RemoteID:   7,
		Repo:       "acme/widgets",
		EventType:  "pull_request",
		Action:     "opened",
		Ref:        "refs/heads/main",
		Actor:      "octocat",
		Summary:    "opened PR #1",
		Payload:    []byte(`{"number":1}`),
		DeliveryID: "d-1",
	}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, ".metarelay", "events.jsonl"))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	// The journal's wire field is "id", matching SPEC_FULL.md's fixed
	// field list and the cloud client's apiEvent, not the internal
	// event.Event struct's "remote_id" JSON tag.
	require.Contains(t, raw, "id")
	require.NotContains(t, raw, "remote_id")
	assert.Equal(t, float64(7), raw["id"])
	assert.Equal(t, "acme/widgets", raw["repo"])
	assert.Equal(t, "refs/heads/main", raw["ref"])
	assert.Equal(t, "octocat", raw["actor"])
	assert.Equal(t, "opened PR #1", raw["summary"])
	assert.Equal(t, map[string]interface{}{"number": float64(1)}, raw["payload"])
}

func TestOpenAppendsAcrossReopens(t *testing.T) {
	dir := t.TempDir()

	w1, err := journal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, w1.Append(event.Event{RemoteID: 1}))
	require.NoError(t, w1.Close())

	w2, err := journal.Open(dir)
	require.NoError(t, err)
	require.NoError(t, w2.Append(event.Event{RemoteID: 2}))
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(filepath.Join(dir, ".metarelay", "events.jsonl"))
	require.NoError(t, err)
	require.Len(t, splitNonEmptyLines(string(data)), 2)
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	return out
}
