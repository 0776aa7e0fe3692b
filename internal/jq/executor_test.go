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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalJSONPathStyle(t *testing.T) {
	e := NewExecutor(0)
	data := map[string]any{"payload": map[string]any{"namespace": "feature-flags"}}

	v, err := e.Eval(context.Background(), "$.payload.namespace", data)
	require.NoError(t, err)
	require.Equal(t, "feature-flags", v)
}

func TestEvalMissingPathReturnsNil(t *testing.T) {
	e := NewExecutor(0)
	data := map[string]any{"payload": map[string]any{}}

	v, err := e.Eval(context.Background(), "$.payload.missing", data)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestValidateRejectsMalformed(t *testing.T) {
	e := NewExecutor(0)
	require.Error(t, e.Validate("$.[[["))
	require.NoError(t, e.Validate("$.payload.namespace"))
}
