// Package filter implements the tiny boolean expression grammar handlers
// use to narrow which events they match:
//
//	expr    := path op literal
//	op      := '==' | '!='
//	path    := IDENT ('.' IDENT)*
//	literal := single-or-double-quoted string
//
// There is no precedence to speak of and it is not meant to grow one; a
// handler lists several filters and all of them must pass.
package filter

import (
	"fmt"
	"strings"

	"github.com/dsifry/metarelay/internal/event"
)

// Op is the comparison operator of a parsed expression.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
)

// Expr is a parsed filter expression, ready to evaluate against events.
type Expr struct {
	Path    string
	Op      Op
	Literal string
}

// Parse parses a single filter expression. Malformed expressions are
// rejected here, at handler-load time, never at match time.
func Parse(src string) (*Expr, error) {
	s := strings.TrimSpace(src)
	if s == "" {
		return nil, fmt.Errorf("empty filter expression")
	}

	opIdx, op := findOp(s)
	if opIdx < 0 {
		return nil, fmt.Errorf("filter %q: missing '==' or '!=' operator", src)
	}

	path := strings.TrimSpace(s[:opIdx])
	if path == "" {
		return nil, fmt.Errorf("filter %q: empty path", src)
	}
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("filter %q: %w", src, err)
	}

	rawLiteral := strings.TrimSpace(s[opIdx+len(op):])
	literal, err := unquote(rawLiteral)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", src, err)
	}

	return &Expr{Path: path, Op: op, Literal: literal}, nil
}

// Eval evaluates the expression against e. Comparisons are string
// equality on the path's resolved value; a missing path resolves to "".
func (x *Expr) Eval(e event.Event) bool {
	got := e.Resolve(x.Path)
	switch x.Op {
	case OpEq:
		return got == x.Literal
	case OpNe:
		return got != x.Literal
	default:
		return false
	}
}

// MatchAll reports whether every expression in exprs evaluates true
// against e. An empty slice matches unconditionally.
func MatchAll(exprs []*Expr, e event.Event) bool {
	for _, x := range exprs {
		if !x.Eval(e) {
			return false
		}
	}
	return true
}

// ParseAll parses a handler's ordered filter strings, failing on the
// first malformed expression.
func ParseAll(filters []string) ([]*Expr, error) {
	exprs := make([]*Expr, 0, len(filters))
	for i, f := range filters {
		x, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		exprs = append(exprs, x)
	}
	return exprs, nil
}

func findOp(s string) (int, Op) {
	// "!=" and "==" are both two bytes; scan left to right and take
	// whichever appears first so "a!=b==c" (malformed, but let the literal
	// check catch it) doesn't silently pick the wrong operator.
	for i := 0; i+1 < len(s); i++ {
		switch s[i : i+2] {
		case "==":
			return i, OpEq
		case "!=":
			return i, OpNe
		}
	}
	return -1, ""
}

func validatePath(path string) error {
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
		for _, r := range seg {
			if !isIdentRune(r) {
				return fmt.Errorf("path %q: invalid character %q", path, r)
			}
		}
	}
	return nil
}

func isIdentRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func unquote(s string) (string, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("literal %q must be quoted", s)
	}
	quote := s[0]
	if quote != '\'' && quote != '"' {
		return "", fmt.Errorf("literal %q must be single- or double-quoted", s)
	}
	if s[len(s)-1] != quote {
		return "", fmt.Errorf("literal %q: unterminated quote", s)
	}
	return s[1 : len(s)-1], nil
}
