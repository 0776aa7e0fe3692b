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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// referencePattern matches {{ path.to.value }} placeholders inside body
// template string leaves.
var referencePattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// renderBodyTemplate walks a service step's body template, interpolating
// {{ parameters.* }}, {{ run.* }}, and {{ steps.* }} references against
// data, and returns the rendered JSON document. A string leaf that is a
// single reference is replaced by the referenced value wholesale (so
// non-string values survive); a leaf mixing literal text and references
// renders each reference with fmt-style stringification.
func renderBodyTemplate(tmpl map[string]any, data map[string]any) ([]byte, error) {
	if tmpl == nil {
		return []byte("{}"), nil
	}
	rendered, err := renderValue(tmpl, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rendered)
}

func renderValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return renderString(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(s string, data map[string]any) (any, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A leaf that is exactly one reference keeps the referenced value's
	// type rather than flattening it to a string.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		return lookupPath(data, path)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		value, err := lookupPath(data, path)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", value)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookupPath resolves a dotted path against nested map[string]any data.
func lookupPath(data map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %q", path)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %q", path)
		}
	}
	return current, nil
}
