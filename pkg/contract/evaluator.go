package contract

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator validates submitted inputs against a contract.
// A violation is returned as *ViolationError, any other error is an evaluation failure.
type Evaluator interface {
	Validate(ctx context.Context, definitionKey int64, contract Contract, inputs map[string]any) error
}

// ExprEvaluator evaluates constraints with expr-lang/expr.
// Compiled programs are cached per definition and expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

var _ Evaluator = &ExprEvaluator{}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

func (e *ExprEvaluator) Validate(ctx context.Context, definitionKey int64, contract Contract, inputs map[string]any) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	vb := newViolationBuilder(inputsMessage)
	validateInputs(vb, "", contract.Inputs, inputs)
	if err := vb.build(); err != nil {
		return err
	}

	vb = newViolationBuilder(constraintsMessage)
	for _, c := range contract.Constraints {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.evaluate(definitionKey, contract, c, inputs)
		if err != nil {
			return fmt.Errorf("failed to evaluate constraint %s: %w", c.Name, err)
		}
		if ok {
			continue
		}
		explanation := c.Explanation
		if explanation == "" {
			explanation = fmt.Sprintf("constraint %s is not satisfied", c.Name)
		}
		if len(c.InputNames) == 0 {
			vb.add("", explanation)
		}
		for _, name := range c.InputNames {
			vb.add(name, explanation)
		}
	}
	return vb.build()
}

func (e *ExprEvaluator) evaluate(definitionKey int64, contract Contract, c Constraint, inputs map[string]any) (bool, error) {
	names := make([]string, 0, len(contract.Inputs))
	for _, in := range contract.Inputs {
		names = append(names, in.Name)
	}
	slices.Sort(names)
	cacheKey := fmt.Sprintf("%d|%s|%s", definitionKey, strings.Join(names, ","), c.Expression)

	e.mu.RLock()
	program, ok := e.cache[cacheKey]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[cacheKey]; !ok {
			// declared inputs are untyped at compile time so the program can be reused for any values
			env := make(map[string]any, len(names))
			for _, n := range names {
				env[n] = nil
			}
			var err error
			program, err = expr.Compile(c.Expression, expr.Env(env), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[cacheKey] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, inputs)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", c.Expression, result)
}

func validateInputs(vb *violationBuilder, prefix string, defs []Input, values map[string]any) {
	for _, def := range defs {
		field := prefix + def.Name
		v, present := values[def.Name]
		if !present || v == nil {
			if !def.Optional {
				vb.add(field, fmt.Sprintf("Expected input [%s] is missing", field))
			}
			continue
		}
		if def.Multiple {
			list, ok := v.([]any)
			if !ok {
				vb.add(field, fmt.Sprintf("%v cannot be assigned to multiple %s", v, def.Type))
				continue
			}
			for i, item := range list {
				validateValue(vb, fmt.Sprintf("%s[%d]", field, i), def, item)
			}
			continue
		}
		validateValue(vb, field, def, v)
	}
}

func validateValue(vb *violationBuilder, field string, def Input, v any) {
	if !assignable(def.Type, v) {
		vb.add(field, fmt.Sprintf("%v cannot be assigned to %s", v, def.Type))
		return
	}
	if def.Type == InputTypeComplex {
		validateInputs(vb, field+".", def.Inputs, v.(map[string]any))
	}
}

func assignable(t InputType, v any) bool {
	switch t {
	case InputTypeText:
		_, ok := v.(string)
		return ok
	case InputTypeBoolean:
		_, ok := v.(bool)
		return ok
	case InputTypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case InputTypeDecimal:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case InputTypeDate:
		switch d := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.DateOnly, d)
			return err == nil
		}
		return false
	case InputTypeComplex:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
