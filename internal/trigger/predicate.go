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

package trigger

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/benediktbwimmer/apphub-core/internal/jq"
	"github.com/benediktbwimmer/apphub-core/internal/store"
)

// evaluatePredicates runs every predicate in order against payload,
// conjunctively. The first failing predicate short-circuits the match.
func evaluatePredicates(ctx context.Context, executor *jq.Executor, predicates []store.Predicate, payload map[string]any) (bool, error) {
	for _, p := range predicates {
		ok, err := evaluatePredicate(ctx, executor, p, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluatePredicate(ctx context.Context, executor *jq.Executor, p store.Predicate, payload map[string]any) (bool, error) {
	value, err := executor.Eval(ctx, p.Path, map[string]any{"payload": payload})
	if err != nil {
		return false, fmt.Errorf("resolve predicate path %q: %w", p.Path, err)
	}

	switch p.Operator {
	case store.OpExists:
		return value != nil, nil
	case store.OpEquals:
		return compareEqual(value, p.Value, p.CaseSensitive), nil
	case store.OpNotEquals:
		return !compareEqual(value, p.Value, p.CaseSensitive), nil
	case store.OpContains:
		return containsValue(value, p.Value, p.CaseSensitive), nil
	case store.OpIn:
		return membership(value, p.Values, p.CaseSensitive), nil
	case store.OpNotIn:
		return !membership(value, p.Values, p.CaseSensitive), nil
	case store.OpGT, store.OpGTE, store.OpLT, store.OpLTE:
		return compareNumeric(p.Operator, value, p.Value), nil
	case store.OpRegex:
		return matchRegex(value, p.Value, p.RegexFlags)
	default:
		return false, fmt.Errorf("unsupported predicate operator %q", p.Operator)
	}
}

func compareEqual(a, b any, caseSensitive bool) bool {
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		if caseSensitive {
			return as == bs
		}
		return strings.EqualFold(as, bs)
	}
	return deepEqual(a, b)
}

func deepEqual(a, b any) bool {
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsValue(haystack, needle any, caseSensitive bool) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		if !caseSensitive {
			return strings.Contains(strings.ToLower(h), strings.ToLower(n))
		}
		return strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if compareEqual(item, needle, caseSensitive) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func membership(value any, candidates []any, caseSensitive bool) bool {
	for _, c := range candidates {
		if compareEqual(value, c, caseSensitive) {
			return true
		}
	}
	return false
}

func compareNumeric(op store.PredicateOperator, a, b any) bool {
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	if !aOk || !bOk || math.IsNaN(af) || math.IsNaN(bf) || math.IsInf(af, 0) || math.IsInf(bf, 0) {
		// Non-finite or non-numeric operands fail closed: no match.
		return false
	}
	switch op {
	case store.OpGT:
		return af > bf
	case store.OpGTE:
		return af >= bf
	case store.OpLT:
		return af < bf
	case store.OpLTE:
		return af <= bf
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func matchRegex(value, pattern any, flags string) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	pat, ok := pattern.(string)
	if !ok {
		return false, fmt.Errorf("regex predicate requires a string pattern")
	}
	expr := pat
	if flags != "" {
		expr = fmt.Sprintf("(?%s)%s", flags, pat)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		// Invalid regexes are rejected at trigger creation time
		// (ValidatePredicates); a match-time failure here means the
		// stored trigger is already malformed.
		return false, fmt.Errorf("invalid regex predicate: %w", err)
	}
	return re.MatchString(s), nil
}

// ValidatePredicates rejects malformed predicates -- invalid regexes, missing
// required fields -- at trigger creation time rather than match time.
func ValidatePredicates(predicates []store.Predicate) error {
	for i, p := range predicates {
		if p.Path == "" {
			return fmt.Errorf("predicate %d: path is required", i)
		}
		if p.Operator == store.OpRegex {
			pat, ok := p.Value.(string)
			if !ok {
				return fmt.Errorf("predicate %d: regex predicate requires a string pattern", i)
			}
			expr := pat
			if p.RegexFlags != "" {
				expr = fmt.Sprintf("(?%s)%s", p.RegexFlags, pat)
			}
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("predicate %d: invalid regex: %w", i, err)
			}
		}
	}
	return nil
}
