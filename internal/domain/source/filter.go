package source

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate deciding whether a provider record is
// ingested. The expression sees one variable, record, with keys id, kind,
// source_type and payload (the decoded JSON payload).
//
//	record.kind == "call" && record.payload.duration_seconds > 0
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil Filter, which
// includes everything.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, fmt.Errorf("filter %q must evaluate to bool, got %v", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Include evaluates the filter against rec. A nil Filter includes everything.
func (f *Filter) Include(t Type, rec ProviderRecord) (bool, error) {
	if f == nil {
		return true, nil
	}

	var payload any = map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return false, fmt.Errorf("decode payload for filter: %w", err)
		}
	}

	out, _, err := f.prg.Eval(map[string]any{
		"record": map[string]any{
			"id":          rec.ID,
			"kind":        rec.Kind,
			"source_type": string(t),
			"payload":     payload,
		},
	})
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T", out.Value())
	}
	return b, nil
}
