// Package event defines the in-memory shape of an observed upstream
// occurrence and the dotted-path resolution rules shared by the filter
// evaluator and the template expander.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is an occurrence observed on the remote event stream, either via
// catch-up pagination or the live subscription.
type Event struct {
	RemoteID   int64           `json:"remote_id"`
	Repo       string          `json:"repo"`
	EventType  string          `json:"event_type"`
	Action     string          `json:"action"`
	Ref        string          `json:"ref,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeliveryID string          `json:"delivery_id"`
	CreatedAt  time.Time       `json:"created_at"`
}

// topLevelField resolves the flat, non-payload attributes a path may resolve
// to directly, before falling through to the "payload." prefix.
func (e Event) topLevelField(name string) (string, bool) {
	switch name {
	case "repo":
		return e.Repo, true
	case "event_type":
		return e.EventType, true
	case "action":
		return e.Action, true
	case "ref":
		return e.Ref, true
	case "actor":
		return e.Actor, true
	case "summary":
		return e.Summary, true
	case "remote_id":
		return strconv.FormatInt(e.RemoteID, 10), true
	case "delivery_id":
		return e.DeliveryID, true
	default:
		return "", false
	}
}

// Resolve evaluates a dotted path against the event's flat fields and, for
// paths rooted at "payload", against the nested JSON tree. A path that
// cannot be resolved (missing field, missing key, index out of range, or a
// traversal through a non-object/non-array value) yields the empty string,
// never an error — per the template-expansion and filter-evaluation rules,
// an absent value is indistinguishable from an empty string.
func (e Event) Resolve(path string) string {
	if path == "" {
		return ""
	}
	segments := strings.Split(path, ".")

	if segments[0] != "payload" {
		if len(segments) == 1 {
			v, ok := e.topLevelField(segments[0])
			if !ok {
				return ""
			}
			return v
		}
		return ""
	}

	if len(e.Payload) == 0 {
		return ""
	}
	var tree interface{}
	if err := json.Unmarshal(e.Payload, &tree); err != nil {
		return ""
	}
	return resolveTree(tree, segments[1:])
}

func resolveTree(node interface{}, segments []string) string {
	if len(segments) == 0 {
		return stringify(node)
	}

	switch v := node.(type) {
	case map[string]interface{}:
		child, ok := v[segments[0]]
		if !ok {
			return ""
		}
		return resolveTree(child, segments[1:])
	case []interface{}:
		idx, err := strconv.Atoi(segments[0])
		if err != nil || idx < 0 || idx >= len(v) {
			return ""
		}
		return resolveTree(v[idx], segments[1:])
	default:
		return ""
	}
}

// stringify renders a resolved JSON leaf (or subtree) the way the filter
// evaluator and template expander need: scalars print bare, objects/arrays
// fall back to compact JSON so a comparison or substitution is never
// silently empty just because the value is structured.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
