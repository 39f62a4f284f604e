package event_test

import (
	"testing"

	"github.com/dsifry/metarelay/internal/event"

	"github.com/stretchr/testify/assert"
)

func newEvent(payload string) event.Event {
	return event.Event{
		RemoteID:   42,
		Repo:       "acme/widgets",
		EventType:  "pull_request",
		Action:     "opened",
		Ref:        "refs/heads/main",
		Actor:      "octocat",
		DeliveryID: "d-1",
		Payload:    []byte(payload),
	}
}

func TestResolveTopLevelFields(t *testing.T) {
	e := newEvent(`{}`)

	assert.Equal(t, "acme/widgets", e.Resolve("repo"))
	assert.Equal(t, "pull_request", e.Resolve("event_type"))
	assert.Equal(t, "opened", e.Resolve("action"))
	assert.Equal(t, "refs/heads/main", e.Resolve("ref"))
	assert.Equal(t, "octocat", e.Resolve("actor"))
	assert.Equal(t, "42", e.Resolve("remote_id"))
	assert.Equal(t, "d-1", e.Resolve("delivery_id"))
}

func TestResolveUnknownTopLevelField(t *testing.T) {
	e := newEvent(`{}`)
	assert.Equal(t, "", e.Resolve("nonexistent"))
}

func TestResolvePayloadNestedPaths(t *testing.T) {
	e := newEvent(`{"pull_request":{"number":7,"merged":false,"labels":["bug","p1"]}}`)

	assert.Equal(t, "7", e.Resolve("payload.pull_request.number"))
	assert.Equal(t, "false", e.Resolve("payload.pull_request.merged"))
	assert.Equal(t, "bug", e.Resolve("payload.pull_request.labels.0"))
	assert.Equal(t, "p1", e.Resolve("payload.pull_request.labels.1"))
}

func TestResolveMissingPayloadPathIsEmpty(t *testing.T) {
	e := newEvent(`{"pull_request":{"number":7}}`)

	assert.Equal(t, "", e.Resolve("payload.pull_request.missing"))
	assert.Equal(t, "", e.Resolve("payload.missing.deeper"))
}

func TestResolveIndexOutOfRangeIsEmpty(t *testing.T) {
	e := newEvent(`{"labels":["a"]}`)
	assert.Equal(t, "", e.Resolve("payload.labels.5"))
}

func TestResolveTraversalThroughScalarIsEmpty(t *testing.T) {
	e := newEvent(`{"count":3}`)
	assert.Equal(t, "", e.Resolve("payload.count.nested"))
}

func TestResolveEmptyPayloadIsEmpty(t *testing.T) {
	e := newEvent(``)
	assert.Equal(t, "", e.Resolve("payload.anything"))
}

func TestResolveEmptyPathIsEmpty(t *testing.T) {
	e := newEvent(`{}`)
	assert.Equal(t, "", e.Resolve(""))
}
