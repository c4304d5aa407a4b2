package policy

import (
	"fmt"
	"sync"

	"github.com/casualjim/loom/pkg/jsonx"
	"github.com/google/cel-go/cel"
)

const (
	exprCostLimit         = 10000
	exprInterruptInterval = 100
)

var exprEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("capability", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
})

type expr struct {
	source  string
	program cel.Program
}

// Expr compiles a CEL expression into a condition. The expression sees two
// variables:
//
//	capability: {name, version, privacy, metadata, kinds}
//	request:    {origin, headers, input}
//
// and must evaluate to a bool.
func Expr(source string) (Condition, error) {
	env, err := exprEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", source, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q yields %s, want bool", source, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(exprInterruptInterval),
		cel.CostLimit(exprCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", source, err)
	}
	return &expr{source: source, program: prg}, nil
}

func (e *expr) Eval(f *Facts) (bool, error) {
	input, err := jsonx.FromRaw(f.Input)
	if err != nil {
		return false, fmt.Errorf("decode input: %w", err)
	}
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = k.String()
	}
	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	headers := f.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	out, _, err := e.program.Eval(map[string]any{
		"capability": map[string]any{
			"name":     f.Capability,
			"version":  f.Version,
			"privacy":  string(f.Privacy),
			"metadata": metadata,
			"kinds":    kinds,
		},
		"request": map[string]any{
			"origin":  string(f.Origin),
			"headers": headers,
			"input":   input,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", e.source, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", e.source, out.Value())
	}
	return val, nil
}

func (e *expr) String() string { return e.source }
