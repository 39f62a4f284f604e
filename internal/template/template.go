// Package template expands `{{path}}` placeholders in a handler's command
// string against an event, using the same dotted-path resolution the
// filter evaluator uses.
package template

import (
	"fmt"
	"strings"

	"github.com/dsifry/metarelay/internal/event"
	"github.com/google/shlex"
)

// Template is a parsed command string: a sequence of literal chunks and
// placeholder paths, in source order.
type Template struct {
	src    string
	chunks []chunk
}

type chunk struct {
	literal string
	path    string // empty for a literal chunk
	isPath  bool
}

// Parse scans src for `{{path}}` placeholders. A `{{` with no matching
// `}}` is a parse error, caught at handler-load time.
func Parse(src string) (*Template, error) {
	t := &Template{src: src}

	rest := src
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			t.chunks = append(t.chunks, chunk{literal: rest})
			break
		}
		if start > 0 {
			t.chunks = append(t.chunks, chunk{literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("template %q: unterminated placeholder", src)
		}
		path := strings.TrimSpace(rest[start+2 : start+end])
		if path == "" {
			return nil, fmt.Errorf("template %q: empty placeholder", src)
		}
		t.chunks = append(t.chunks, chunk{path: path, isPath: true})
		rest = rest[start+end+2:]
	}

	return t, nil
}

// Expand substitutes every placeholder with the string form of e's value
// at that path, or "" if the path can't be resolved. Unlike filter
// expressions, expansion never fails at run time.
func (t *Template) Expand(e event.Event) string {
	var b strings.Builder
	for _, c := range t.chunks {
		if c.isPath {
			b.WriteString(e.Resolve(c.path))
		} else {
			b.WriteString(c.literal)
		}
	}
	return b.String()
}

// ValidateShellSafe is the Handler Registry's load-time lint (§4.E):
// substitute a neutral probe value for every placeholder and run the
// result through shlex.Split purely to catch unbalanced shell quoting
// before the daemon ever tries to launch the command. It does not affect
// the runtime splitter, which is the host shell via `sh -c`.
func (t *Template) ValidateShellSafe() error {
	probe := t.expandWithProbe("x")
	if _, err := shlex.Split(probe); err != nil {
		return fmt.Errorf("command template %q is not shell-splittable: %w", t.src, err)
	}
	return nil
}

func (t *Template) expandWithProbe(probe string) string {
	var b strings.Builder
	for _, c := range t.chunks {
		if c.isPath {
			b.WriteString(probe)
		} else {
			b.WriteString(c.literal)
		}
	}
	return b.String()
}

// String returns the original, unexpanded template source.
func (t *Template) String() string {
	return t.src
}
