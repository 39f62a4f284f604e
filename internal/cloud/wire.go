package cloud

import (
	"encoding/json"
	"time"

	"github.com/dsifry/metarelay/internal/event"
)

// apiEvent is the wire shape of one row from the remote event table,
// matching the PostgREST-style column names (the primary key column is
// "id"; the data model calls the same value remote_id).
type apiEvent struct {
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

func (a apiEvent) toEvent() event.Event {
	return event.Event{
		RemoteID:   a.ID,
		Repo:       a.Repo,
		EventType:  a.EventType,
		Action:     a.Action,
		Ref:        a.Ref,
		Actor:      a.Actor,
		Summary:    a.Summary,
		Payload:    a.Payload,
		DeliveryID: a.DeliveryID,
		CreatedAt:  a.CreatedAt,
	}
}

// envelope is a live-subscription control/data message.
type envelope struct {
	Type    string   `json:"type"`
	Record  apiEvent `json:"record,omitempty"`
	Message string   `json:"message,omitempty"`
}
