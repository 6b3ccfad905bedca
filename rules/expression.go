package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit prevents runaway expressions from exhausting the evaluator
const expressionCostLimit = 1000000

// ExpressionVariable is the name EXPRESSION conditions use for the entity facts
const ExpressionVariable = "entity"

// expressionCache compiles CEL expressions once and shares the programs.
// Thread-safe for concurrent compilation and evaluation.
type expressionCache struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func newExpressionCache() (*expressionCache, error) {
	env, err := cel.NewEnv(
		cel.Variable(ExpressionVariable, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &expressionCache{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile returns the cached program for expression, compiling it on first use
func (c *expressionCache) compile(expression string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prog, err := c.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()

	return prog, nil
}

// eval runs expression against the facts. Non-boolean results are false.
func (c *expressionCache) eval(expression string, facts map[string]any) (bool, error) {
	prog, err := c.compile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prog.Eval(map[string]any{ExpressionVariable: facts})
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, not bool", out.Value())
	}
	return matched, nil
}
