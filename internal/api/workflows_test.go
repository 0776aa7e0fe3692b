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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/benediktbwimmer/apphub-core/internal/api"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*api.Router, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	router := api.NewRouter(api.RouterConfig{Version: "test"}, api.Deps{
		Store:     backend,
		ModuleCtx: moductx.New(backend),
	})
	return router, backend
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createWorkflow(t *testing.T, router http.Handler, slug, moduleID string) {
	t.Helper()
	body := map[string]any{
		"slug": slug,
		"steps": []map[string]any{
			{"id": "s1", "type": "job", "job": map[string]any{"jobSlug": "noop"}},
		},
	}
	if moduleID != "" {
		body["moduleId"] = moduleID
	}
	rec := doJSON(t, router, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

// TestModuleScopedListing is the §8 end-to-end scenario 5: an unscoped
// listing returns every workflow, a moduleId filter restricts to bound
// workflows, and an unknown moduleId is 404 rather than an empty list.
func TestModuleScopedListing(t *testing.T) {
	router, _ := newTestRouter(t)

	createWorkflow(t, router, "scoped", "M")
	createWorkflow(t, router, "unscoped", "")

	rec := doJSON(t, router, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var unfiltered struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &unfiltered))
	require.Len(t, unfiltered.Data, 2)

	rec = doJSON(t, router, http.MethodGet, "/workflows?moduleId=M", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered.Data, 1)
	require.Equal(t, "scoped", filtered.Data[0]["slug"])

	rec = doJSON(t, router, http.MethodGet, "/workflows?moduleId=unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModuleFilterViaHeader(t *testing.T) {
	router, _ := newTestRouter(t)
	createWorkflow(t, router, "scoped", "M")
	createWorkflow(t, router, "other", "")

	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set(moductx.HeaderModuleID, "M")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	require.Equal(t, "scoped", page.Data[0]["slug"])
}

func TestTriggerRunReturnsAccepted(t *testing.T) {
	router, backend := newTestRouter(t)
	createWorkflow(t, router, "wf", "")

	rec := doJSON(t, router, http.MethodPost, "/workflows/wf/run", map[string]any{
		"parameters":   map[string]any{"namespace": "feature-flags"},
		"partitionKey": "2025-08-01T12",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		PartitionKey string `json:"partitionKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, "pending", resp.Status)
	require.Equal(t, "2025-08-01T12", resp.PartitionKey)

	run, err := backend.GetRun(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, "feature-flags", run.Parameters["namespace"])
}

func TestDuplicateRunKeyConflicts(t *testing.T) {
	router, _ := newTestRouter(t)
	createWorkflow(t, router, "wf", "")

	first := doJSON(t, router, http.MethodPost, "/workflows/wf/run", map[string]any{"runKey": "Nightly-Load"})
	require.Equal(t, http.StatusAccepted, first.Code)

	// Same logical intent, different casing: the normalized key collides
	// while the first run is non-terminal.
	second := doJSON(t, router, http.MethodPost, "/workflows/wf/run", map[string]any{"runKey": "nightly-load"})
	require.Equal(t, http.StatusConflict, second.Code, second.Body.String())
}

func TestCyclicDefinitionRejected(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/workflows", map[string]any{
		"slug": "cyclic",
		"steps": []map[string]any{
			{"id": "a", "type": "job", "dependsOn": []string{"b"}, "job": map[string]any{"jobSlug": "x"}},
			{"id": "b", "type": "job", "dependsOn": []string{"a"}, "job": map[string]any{"jobSlug": "y"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var errResp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "validation", errResp.Error.Code)
	require.Contains(t, errResp.Error.Message, "cycle")
}

func TestUnknownWorkflowRunIs404(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/workflow-runs/%s", "run_missing"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
