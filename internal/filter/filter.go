// Package filter compiles the optional drop expression evaluated against
// every routed event.
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/pm-push/internal/event"
)

// Env is what a drop expression can see.
type Env struct {
	Channel string `expr:"channel"`
	Kind    string `expr:"kind"`
	PMID    any    `expr:"pm_id"`
	Name    string `expr:"name"`
	Data    any    `expr:"data"`
}

// Rule is a compiled drop expression.
type Rule struct {
	source  string
	program *vm.Program
}

// Compile type-checks source as a boolean expression. An empty source yields
// a nil Rule, which never matches.
func Compile(source string) (*Rule, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile drop expression %q: %w", source, err)
	}
	return &Rule{source: source, program: program}, nil
}

// String returns the expression source.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Match reports whether ev should be dropped.
func (r *Rule) Match(ev *event.Event) (bool, error) {
	if r == nil || ev == nil {
		return false, nil
	}

	out, err := expr.Run(r.program, envFor(ev))
	if err != nil {
		return false, fmt.Errorf("evaluating drop expression: %w", err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

func envFor(ev *event.Event) Env {
	env := Env{
		Channel: ev.Channel,
		Kind:    ev.Kind.String(),
	}
	if p := ev.Packet; p != nil {
		env.Data = p.Data
		switch {
		case p.Ref != nil:
			env.PMID = p.Ref.PMID.Value()
			env.Name = p.Ref.Name
		case p.Process != nil:
			env.PMID = p.Process.PMID.Value()
			env.Name = p.Process.Name
		}
	}
	return env
}
