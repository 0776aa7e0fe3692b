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

package api

import (
	"net/http"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/api/auth"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// RunsHandler serves the top-level /workflow-runs surface of spec §6,
// distinct from the per-workflow listing already exposed under
// /workflows/:slug/runs by WorkflowsHandler.
type RunsHandler struct {
	deps Deps
}

// NewRunsHandler constructs a RunsHandler.
func NewRunsHandler(deps Deps) *RunsHandler {
	return &RunsHandler{deps: deps}
}

// RegisterRoutes registers workflow-run read routes.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /workflow-runs", requireScope(mw, ScopeWorkflowsRead, h.handleList))
	mux.HandleFunc("GET /workflow-runs/{id}", requireScope(mw, ScopeWorkflowsRead, h.handleGet))
	mux.HandleFunc("GET /workflow-runs/{id}/steps", requireScope(mw, ScopeWorkflowsRead, h.handleListSteps))
	mux.HandleFunc("POST /workflow-runs/{id}/cancel", requireScope(mw, ScopeWorkflowsRun, h.handleCancel))
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := store.RunListFilter{
		ModuleID: requestModuleID(r),
		Limit:    queryLimit(r, 50),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.RunStatus(status)
	}
	runs, err := h.deps.Store.ListRuns(ctx, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, runs, "")
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancel applies the external cancel command of §4.E: the run
// transitions to canceled, then one orchestration pass skips every
// non-terminal step and cascades into in-flight fanout children.
// In-flight dispatches are not aborted mid-flight.
func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	run, err := h.deps.Store.GetRun(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run.IsTerminal() {
		writeErr(w, &apherrors.ConflictError{Resource: "workflow run", Key: id, Reason: "run is already terminal"})
		return
	}

	now := time.Now()
	run.Status = store.RunCanceled
	run.CompletedAt = &now
	if err := h.deps.Store.UpdateRun(ctx, run); err != nil {
		writeErr(w, err)
		return
	}

	if h.deps.Orchestrator != nil {
		if err := h.deps.Orchestrator.RunWorkflowOrchestration(ctx, id); err != nil && h.deps.Logger != nil {
			h.deps.Logger.Error("cancellation bookkeeping pass failed", "run_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	if _, err := h.deps.Store.GetRun(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	steps, err := h.deps.Store.ListSteps(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, steps, "")
}
