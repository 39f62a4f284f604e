package filter_test

import (
	"testing"

	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/filter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValid(t *testing.T) {
	cases := []struct {
		src     string
		path    string
		op      filter.Op
		literal string
	}{
		{`action == "opened"`, "action", filter.OpEq, "opened"},
		{`action != 'closed'`, "action", filter.OpNe, "closed"},
		{`payload.pull_request.merged == "true"`, "payload.pull_request.merged", filter.OpEq, "true"},
	}

	for _, c := range cases {
		x, err := filter.Parse(c.src)
		require.NoError(t, err, c.src)
		assert.Equal(t, c.path, x.Path)
		assert.Equal(t, c.op, x.Op)
		assert.Equal(t, c.literal, x.Literal)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		``,
		`action opened`,
		`== "opened"`,
		`action == opened`,
		`action == "opened`,
		`in.valid.path! == "x"`,
	}

	for _, src := range cases {
		_, err := filter.Parse(src)
		assert.Error(t, err, src)
	}
}

func TestEval(t *testing.T) {
	e := event.Event{EventType: "pull_request", Action: "opened"}

	eq, err := filter.Parse(`action == "opened"`)
	require.NoError(t, err)
	assert.True(t, eq.Eval(e))

	ne, err := filter.Parse(`action != "closed"`)
	require.NoError(t, err)
	assert.True(t, ne.Eval(e))

	noMatch, err := filter.Parse(`action == "closed"`)
	require.NoError(t, err)
	assert.False(t, noMatch.Eval(e))
}

func TestMatchAllRequiresEveryExpression(t *testing.T) {
	e := event.Event{EventType: "pull_request", Action: "opened", Ref: "refs/heads/main"}

	exprs, err := filter.ParseAll([]string{
		`action == "opened"`,
		`ref == "refs/heads/main"`,
	})
	require.NoError(t, err)
	assert.True(t, filter.MatchAll(exprs, e))

	exprs, err = filter.ParseAll([]string{
		`action == "opened"`,
		`ref == "refs/heads/dev"`,
	})
	require.NoError(t, err)
	assert.False(t, filter.MatchAll(exprs, e))
}

func TestMatchAllEmptyMatchesUnconditionally(t *testing.T) {
	e := event.Event{}
	assert.True(t, filter.MatchAll(nil, e))
}
