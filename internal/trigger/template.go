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
	"regexp"
	"strings"

	"github.com/benediktbwimmer/apphub-core/internal/jq"
)

// referencePattern matches a `{{ event.payload.foo }}` / `{{ trigger.metadata.bar }}`
// style reference, capturing the dotted path expression inside the braces.
var referencePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// fullReferencePattern matches a leaf whose entire value is a single
// reference, so the resolved value's native type (not just its string form)
// can be preserved.
var fullReferencePattern = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)

// unresolvedReferenceError is returned when a template leaf's reference
// resolves to nil, signalling the caller should fail the delivery with
// reason parameter_resolution_failed.
type unresolvedReferenceError struct {
	expression string
}

func (e *unresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved template reference %q", e.expression)
}

// renderParameterTemplate walks template, interpolating every string leaf
// against data (keyed "event" and "trigger"), per §4.D "Parameter rendering".
func renderParameterTemplate(ctx context.Context, executor *jq.Executor, template map[string]any, data map[string]any) (map[string]any, error) {
	out, err := renderValue(ctx, executor, template, data)
	if err != nil {
		return nil, err
	}
	rendered, _ := out.(map[string]any)
	if rendered == nil {
		rendered = map[string]any{}
	}
	return rendered, nil
}

func renderValue(ctx context.Context, executor *jq.Executor, v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return renderString(ctx, executor, val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			rendered, err := renderValue(ctx, executor, child, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			rendered, err := renderValue(ctx, executor, child, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(ctx context.Context, executor *jq.Executor, s string, data map[string]any) (any, error) {
	if m := fullReferencePattern.FindStringSubmatch(s); m != nil {
		value, err := resolveReference(ctx, executor, m[1], data)
		if err != nil {
			return nil, err
		}
		if value == nil {
			return nil, &unresolvedReferenceError{expression: m[1]}
		}
		return value, nil
	}

	var outerErr error
	result := referencePattern.ReplaceAllStringFunc(s, func(match string) string {
		if outerErr != nil {
			return ""
		}
		expr := referencePattern.FindStringSubmatch(match)[1]
		value, err := resolveReference(ctx, executor, expr, data)
		if err != nil {
			outerErr = err
			return ""
		}
		if value == nil {
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return result, nil
}

// resolveReference translates a `event.payload.foo.bar` / `trigger.metadata.x`
// dotted reference into a jq query against data and evaluates it.
func resolveReference(ctx context.Context, executor *jq.Executor, expr string, data map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	return executor.Eval(ctx, "."+expr, data)
}

// deriveRunKey renders runKeyTemplate against data if present, else composes
// a deterministic key from name and occurredAt, sanitized for the normalized
// column (§4.D "Run-key derivation").
func deriveRunKey(ctx context.Context, executor *jq.Executor, runKeyTemplate, triggerName string, occurredAt string, data map[string]any) (string, error) {
	if runKeyTemplate != "" {
		rendered, err := renderString(ctx, executor, runKeyTemplate, data)
		if err != nil {
			return "", err
		}
		if rendered == nil {
			return "", &unresolvedReferenceError{expression: runKeyTemplate}
		}
		return fmt.Sprintf("%v", rendered), nil
	}
	return sanitizeRunKey(fmt.Sprintf("%s-%s", triggerName, occurredAt)), nil
}

var runKeyDisallowed = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeRunKey(s string) string {
	cleaned := runKeyDisallowed.ReplaceAllString(s, "-")
	cleaned = strings.Trim(cleaned, "-")
	return strings.ToLower(cleaned)
}
