package trigger

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/arome3/ciel/pkg/contracts"
)

// LogFilter is a compiled CEL predicate over decoded log fields. The
// expression sees a single `fields` map, e.g.
//
//	fields.amount > 1000.0 && fields.token == "USDC"
type LogFilter struct {
	program cel.Program
	expr    string
}

// CompileLogFilter compiles the expression once; Match is then cheap per
// log.
func CompileLogFilter(expr string) (*LogFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("trigger: build filter env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("trigger: compile filter %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("trigger: filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("trigger: program filter %q: %w", expr, err)
	}
	return &LogFilter{program: prg, expr: expr}, nil
}

// Match evaluates the predicate against the given fields.
func (f *LogFilter) Match(fields map[string]contracts.Value) (bool, error) {
	input := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.Kind {
		case contracts.KindNumber:
			input[k] = v.Num
		case contracts.KindString:
			input[k] = v.Str
		case contracts.KindBool:
			input[k] = v.Bool
		}
	}
	out, _, err := f.program.Eval(map[string]any{"fields": input})
	if err != nil {
		return false, fmt.Errorf("trigger: eval filter %q: %w", f.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trigger: filter %q returned non-bool %T", f.expr, out.Value())
	}
	return b, nil
}
