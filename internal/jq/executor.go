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

// Package jq provides shared jq expression execution, used by the event
// trigger processor (§4.D predicate evaluation) and the event bus's
// server-side JSON-path listing filter (§4.B).
package jq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

// DefaultTimeout bounds a single jq evaluation.
const DefaultTimeout = 1 * time.Second

// Executor evaluates jq expressions with a timeout, guarding predicate and
// filter evaluation against pathological queries on attacker-controlled
// event payloads.
type Executor struct {
	timeout time.Duration
}

// NewExecutor constructs an Executor. A zero timeout falls back to
// DefaultTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Eval runs a jq or JSONPath-flavored expression against data and returns
// the first result, or nil if the query produced no output. Expressions
// written in the spec's `$.payload.namespace` JSONPath style are accepted
// by rewriting the leading `$` to the jq root identity.
func (e *Executor) Eval(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	query, err := gojq.Parse(toJQ(expression))
	if err != nil {
		return nil, fmt.Errorf("jq parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	out := make(chan result, 1)
	go func() {
		iter := code.Run(data)
		v, ok := iter.Next()
		if !ok {
			out <- result{nil, nil}
			return
		}
		if err, isErr := v.(error); isErr {
			out <- result{nil, err}
			return
		}
		out <- result{v, nil}
	}()

	select {
	case r := <-out:
		return r.v, r.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq evaluation timed out after %v", e.timeout)
	}
}

// Validate compiles expression without running it, used to reject a
// malformed predicate path or regex at trigger-creation time rather than
// at match time.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(toJQ(expression))
	if err != nil {
		return fmt.Errorf("invalid expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("expression compile failed: %w", err)
	}
	return nil
}

// toJQ rewrites a JSONPath-style `$.a.b` or bare `a.b` reference into a jq
// query (`.a.b`). Expressions already starting with `.` are passed through
// unmodified, so callers may also supply raw jq.
func toJQ(expression string) string {
	expr := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(expr, "."):
		return expr
	case strings.HasPrefix(expr, "$."):
		return expr[1:]
	case expr == "$":
		return "."
	default:
		return "." + expr
	}
}
