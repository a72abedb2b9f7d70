package events

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over an event. The event is exposed as the
// map variable `event` with the JSON field names, e.g.
//
//	event.kind == "promise.settled" && event.amount >= 1000
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr. The expression must evaluate to a bool.
func NewFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter %q must return bool, got %v", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Matches evaluates the filter against ev.
func (f *Filter) Matches(ev Event) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{"event": activation(ev)})
	if err != nil {
		return false, fmt.Errorf("evaluate filter %q: %w", f.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T", f.expr, out.Value())
	}
	return b, nil
}

func activation(ev Event) map[string]any {
	return map[string]any{
		"id":         ev.ID,
		"kind":       string(ev.Kind),
		"promise_id": uint64(ev.PromiseID),
		"amount":     ev.Amount,
		"task":       ev.Task,
		"verifier":   string(ev.Verifier),
		"resolver":   string(ev.Resolver),
		"recipient":  string(ev.Recipient),
		"time":       ev.Time.Unix(),
	}
}

// Filtered forwards only the events that match filter.
func Filtered(filter *Filter, next Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		ok, err := filter.Matches(ev)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return next.Publish(ctx, ev)
	})
}
