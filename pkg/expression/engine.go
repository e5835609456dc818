// Package expression evaluates edge conditions, loop break conditions, and
// condition-node expressions against an execution's variable context.
package expression

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrNotBoolean reports that a condition expression evaluated to a
// non-boolean value. Conditions must produce booleans; there is no truthy
// coercion.
var ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

// Engine compiles and runs expr-lang expressions. Compiled programs are
// cached per source string, so repeated evaluation of the same edge
// condition across executions pays compilation once.
type Engine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEngine returns an engine with an empty program cache.
func NewEngine() *Engine {
	return &Engine{
		programs: make(map[string]*vm.Program),
	}
}

// Compile parses and type-checks an expression without running it. The
// validator uses this to reject definitions with malformed conditions at
// creation time.
func (e *Engine) Compile(code string) error {
	_, err := e.program(code)

	return err
}

// Evaluate runs an expression against the given environment.
func (e *Engine) Evaluate(code string, env map[string]any) (any, error) {
	program, err := e.program(code)
	if err != nil {
		return nil, err
	}

	result, err := vm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", code, err)
	}

	return result, nil
}

// EvaluateBool runs a condition expression and requires a boolean result.
func (e *Engine) EvaluateBool(code string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(code, env)
	if err != nil {
		return false, err
	}

	truth, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T: %w", code, result, ErrNotBoolean)
	}

	return truth, nil
}

func (e *Engine) program(code string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[code]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	compiled, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have compiled the same source meanwhile; keep
	// the first stored program so callers share one instance.
	if existing, ok := e.programs[code]; ok {
		return existing, nil
	}

	e.programs[code] = compiled

	return compiled, nil
}
