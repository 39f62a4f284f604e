package handler_test

import (
	"testing"

	"github.com/dsifry/metarelay/internal/config"
	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/handler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestLoadRejectsDuplicateNames(t *testing.T) {
	_, err := handler.Load([]config.HandlerConfig{
		{Name: "notify", EventType: "pull_request", Command: "echo hi", TimeoutSeconds: 5},
		{Name: "notify", EventType: "push", Command: "echo hi", TimeoutSeconds: 5},
	})
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveTimeout(t *testing.T) {
	_, err := handler.Load([]config.HandlerConfig{
		{Name: "notify", EventType: "pull_request", Command: "echo hi", TimeoutSeconds: 0},
	})
	assert.Error(t, err)
}

func TestLoadRejectsUnshellsafeCommand(t *testing.T) {
	_, err := handler.Load([]config.HandlerConfig{
		{Name: "notify", EventType: "pull_request", Command: `echo "{{summary}}`, TimeoutSeconds: 5},
	})
	assert.Error(t, err)
}

func TestMatchFiltersByEventTypeAndAction(t *testing.T) {
	r, err := handler.Load([]config.HandlerConfig{
		{Name: "on-open", EventType: "pull_request", Action: "opened", Command: "echo open", TimeoutSeconds: 5},
		{Name: "on-any-push", EventType: "push", Command: "echo push", TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	matches := r.Match(event.Event{EventType: "pull_request", Action: "opened"})
	require.Len(t, matches, 1)
	assert.Equal(t, "on-open", matches[0].Config.Name)

	matches = r.Match(event.Event{EventType: "pull_request", Action: "closed"})
	assert.Empty(t, matches)

	matches = r.Match(event.Event{EventType: "push", Action: "anything"})
	require.Len(t, matches, 1)
	assert.Equal(t, "on-any-push", matches[0].Config.Name)
}

func TestMatchAppliesFilters(t *testing.T) {
	r, err := handler.Load([]config.HandlerConfig{
		{
			Name:           "merged-only",
			EventType:      "pull_request",
			Command:        "echo merged",
			Filters:        []string{`payload.merged == "true"`},
			TimeoutSeconds: 5,
		},
	})
	require.NoError(t, err)

	assert.Len(t, r.Match(event.Event{EventType: "pull_request", Payload: []byte(`{"merged":true}`)}), 1)
	assert.Empty(t, r.Match(event.Event{EventType: "pull_request", Payload: []byte(`{"merged":false}`)}))
}

func TestMatchSkipsDisabledHandlers(t *testing.T) {
	r, err := handler.Load([]config.HandlerConfig{
		{Name: "disabled", EventType: "pull_request", Command: "echo hi", TimeoutSeconds: 5, Enabled: boolPtr(false)},
	})
	require.NoError(t, err)

	assert.Empty(t, r.Match(event.Event{EventType: "pull_request"}))
}

func TestMatchPreservesDeclarationOrder(t *testing.T) {
	r, err := handler.Load([]config.HandlerConfig{
		{Name: "second", EventType: "push", Command: "echo 2", TimeoutSeconds: 5},
		{Name: "first", EventType: "push", Command: "echo 1", TimeoutSeconds: 5},
	})
	require.NoError(t, err)

	matches := r.Match(event.Event{EventType: "push"})
	require.Len(t, matches, 2)
	assert.Equal(t, "second", matches[0].Config.Name)
	assert.Equal(t, "first", matches[1].Config.Name)
}
