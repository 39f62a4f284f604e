// Package handler indexes the statically configured dispatch rules and
// matches them against observed events.
package handler

import (
	"fmt"

	"github.com/dsifry/metarelay/internal/config"
	"github.com/dsifry/metarelay/internal/event"
	"github.com/dsifry/metarelay/internal/filter"
	"github.com/dsifry/metarelay/internal/template"
)

const wildcardAction = ""

// Handler is a loaded, validated dispatch rule: a parsed command template
// and parsed filters alongside the raw config it came from.
type Handler struct {
	Config  config.HandlerConfig
	Command *template.Template
	Filters []*filter.Expr
}

// Registry indexes handlers by event_type, keeping declaration order for
// tie-breaking dispatch order.
type Registry struct {
	byEventType map[string][]*Handler
	order       []*Handler
}

// Load validates and indexes every handler in cfgs. It fails on the first
// invalid handler: unparsable filter, unparsable or shell-unsafe command
// template, duplicate name, or non-positive timeout.
func Load(cfgs []config.HandlerConfig) (*Registry, error) {
	r := &Registry{byEventType: make(map[string][]*Handler)}
	seen := make(map[string]bool, len(cfgs))

	for i, c := range cfgs {
		if c.Name == "" {
			return nil, fmt.Errorf("handlers[%d]: missing name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("handlers[%d]: duplicate handler name %q", i, c.Name)
		}
		seen[c.Name] = true

		if c.EventType == "" {
			return nil, fmt.Errorf("handler %q: missing event_type", c.Name)
		}
		if c.TimeoutSeconds <= 0 {
			return nil, fmt.Errorf("handler %q: timeout must be positive, got %d", c.Name, c.TimeoutSeconds)
		}

		cmd, err := template.Parse(c.Command)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", c.Name, err)
		}
		if err := cmd.ValidateShellSafe(); err != nil {
			return nil, fmt.Errorf("handler %q: %w", c.Name, err)
		}

		exprs, err := filter.ParseAll(c.Filters)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", c.Name, err)
		}

		h := &Handler{Config: c, Command: cmd, Filters: exprs}
		r.byEventType[c.EventType] = append(r.byEventType[c.EventType], h)
		r.order = append(r.order, h)
	}

	return r, nil
}

// Match returns the enabled handlers whose (event_type, action) matches e
// (an empty configured action is a wildcard on action) and whose filters
// all evaluate true, in config-file declaration order.
func (r *Registry) Match(e event.Event) []*Handler {
	candidates := r.byEventType[e.EventType]
	if len(candidates) == 0 {
		return nil
	}

	matches := make([]*Handler, 0, len(candidates))
	for _, h := range orderedSubset(r.order, candidates) {
		if !config.HandlerEnabled(h.Config) {
			continue
		}
		if h.Config.Action != wildcardAction && h.Config.Action != e.Action {
			continue
		}
		if !filter.MatchAll(h.Filters, e) {
			continue
		}
		matches = append(matches, h)
	}
	return matches
}

// orderedSubset returns the elements of candidates in the order they
// appear in order, since byEventType's per-type slice is already built in
// declaration order — this just guards against future refactors breaking
// that invariant silently.
func orderedSubset(order []*Handler, candidates []*Handler) []*Handler {
	candidateSet := make(map[*Handler]bool, len(candidates))
	for _, h := range candidates {
		candidateSet[h] = true
	}
	out := make([]*Handler, 0, len(candidates))
	for _, h := range order {
		if candidateSet[h] {
			out = append(out, h)
		}
	}
	return out
}
