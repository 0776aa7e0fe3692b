// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// conditionEvaluator evaluates step condition expressions against a run's
// parameters and prior step outputs. Compiled programs are cached so a
// run re-entered many times across retries pays compilation once.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the boolean result of expression against env. The env
// carries "parameters" (the run's frozen parameter object) and "steps"
// (prior step statuses and outputs keyed by step id). An empty
// expression is vacuously true.
func (e *conditionEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &apherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("compile condition: %v", err),
		}
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &apherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("evaluate condition: %v", err),
		}
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, &apherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition must return boolean, got %T", result),
		}
	}
	return ok, nil
}

func (e *conditionEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
