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

package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &ValidationError{Field: "slug", Message: "required"}, http.StatusBadRequest},
		{"conflict", &ConflictError{Resource: "workflow_run", Key: "runKey"}, http.StatusConflict},
		{"not_found", &NotFoundError{Resource: "workflow", ID: "nope"}, http.StatusNotFound},
		{"external_unavailable", &ExternalUnavailableError{Target: "redis"}, http.StatusBadGateway},
		{"timeout", &TimeoutError{Operation: "health poll"}, http.StatusBadGateway},
		{"internal", &InternalError{Message: "invariant violated"}, http.StatusInternalServerError},
		{"unclassified", New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusCode(tc.err))
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "validation", Code(&ValidationError{}))
	assert.Equal(t, "conflict", Code(&ConflictError{}))
	assert.Equal(t, "not_found", Code(&NotFoundError{}))
	assert.Equal(t, "external_unavailable", Code(&ExternalUnavailableError{}))
	assert.Equal(t, "timeout", Code(&TimeoutError{}))
	assert.Equal(t, "configuration", Code(&ConfigurationError{}))
	assert.Equal(t, "internal", Code(&InternalError{}))
	assert.Equal(t, "internal", Code(New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
}

func TestConfigurationErrorUnwrap(t *testing.T) {
	cause := New("dial tcp: refused")
	err := &ConfigurationError{Key: "APPHUB_EVENTS_MODE", Reason: "must be redis or inline", Cause: cause}
	assert.ErrorIs(t, err, cause)
}
