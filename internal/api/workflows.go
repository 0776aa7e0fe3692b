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
	"context"
	"net/http"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/api/auth"
	"github.com/benediktbwimmer/apphub-core/internal/ids"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// RunEnqueuer hands a freshly created run off for asynchronous
// orchestration. When Deps.Runs is nil, WorkflowsHandler falls back to
// invoking the orchestrator directly in a background goroutine, which is
// adequate for inline-mode/local runs but never used in production
// (internal/daemon always wires the queue-backed enqueuer).
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, runID string) error
}

// WorkflowsHandler serves the /workflows surface of spec §6.
type WorkflowsHandler struct {
	deps Deps
}

// NewWorkflowsHandler constructs a WorkflowsHandler.
func NewWorkflowsHandler(deps Deps) *WorkflowsHandler {
	return &WorkflowsHandler{deps: deps}
}

// RegisterRoutes registers workflow definition and run-trigger routes.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("POST /workflows", requireScope(mw, ScopeWorkflowsWrite, h.handleCreate))
	mux.HandleFunc("PATCH /workflows/{slug}", requireScope(mw, ScopeWorkflowsWrite, h.handleUpdate))
	mux.HandleFunc("GET /workflows", requireScope(mw, ScopeWorkflowsRead, h.handleList))
	mux.HandleFunc("GET /workflows/{slug}/runs", requireScope(mw, ScopeWorkflowsRead, h.handleListRuns))
	mux.HandleFunc("POST /workflows/{slug}/run", requireScope(mw, ScopeWorkflowsRun, h.handleTriggerRun))
}

// CreateWorkflowRequest is the POST /workflows body.
type CreateWorkflowRequest struct {
	Slug              string                `json:"slug" validate:"required"`
	Steps             []store.StepDefinition `json:"steps" validate:"required,min=1"`
	ParametersSchema  map[string]any        `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any        `json:"defaultParameters,omitempty"`
	OutputSchema      map[string]any        `json:"outputSchema,omitempty"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
	ModuleID          string                `json:"moduleId,omitempty"`
	ModuleVersion     string                `json:"moduleVersion,omitempty"`
}

func (h *WorkflowsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateBody(&req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateWorkflowDAG(req.Steps); err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	if existing, err := h.deps.Store.GetDefinitionBySlug(ctx, req.Slug); err == nil && existing != nil {
		writeErr(w, &apherrors.ConflictError{Resource: "workflow", Key: req.Slug, Reason: "slug already in use"})
		return
	}

	now := time.Now()
	def := &store.WorkflowDefinition{
		ID:                ids.New("wfd_"),
		Slug:              req.Slug,
		Version:           1,
		Steps:             req.Steps,
		ParametersSchema:  req.ParametersSchema,
		DefaultParameters: req.DefaultParameters,
		OutputSchema:      req.OutputSchema,
		Metadata:          req.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := h.deps.Store.CreateDefinition(ctx, def); err != nil {
		writeErr(w, err)
		return
	}
	if req.ModuleID != "" && h.deps.ModuleCtx != nil {
		if err := h.deps.ModuleCtx.Bind(ctx, req.ModuleID, req.ModuleVersion, moductx.ResourceWorkflow, def.ID); err != nil {
			writeErr(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, def)
}

// UpdateWorkflowRequest is the PATCH /workflows/:slug body. All fields are
// optional; a present field replaces its definition counterpart wholesale.
type UpdateWorkflowRequest struct {
	Steps             []store.StepDefinition `json:"steps,omitempty"`
	ParametersSchema  map[string]any        `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any        `json:"defaultParameters,omitempty"`
	OutputSchema      map[string]any        `json:"outputSchema,omitempty"`
	Metadata          map[string]any        `json:"metadata,omitempty"`
}

func (h *WorkflowsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	def, err := h.deps.Store.GetDefinitionBySlug(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req UpdateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	if req.Steps != nil {
		if err := validateWorkflowDAG(req.Steps); err != nil {
			writeErr(w, err)
			return
		}
		def.Steps = req.Steps
	}
	if req.ParametersSchema != nil {
		def.ParametersSchema = req.ParametersSchema
	}
	if req.DefaultParameters != nil {
		def.DefaultParameters = req.DefaultParameters
	}
	if req.OutputSchema != nil {
		def.OutputSchema = req.OutputSchema
	}
	if req.Metadata != nil {
		def.Metadata = req.Metadata
	}
	def.Version++
	def.UpdatedAt = time.Now()

	if err := h.deps.Store.UpdateDefinition(ctx, def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *WorkflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	moduleID := requestModuleID(r)

	defs, err := h.deps.Store.ListDefinitions(ctx, "")
	if err != nil {
		writeErr(w, err)
		return
	}

	if moduleID != "" && h.deps.ModuleCtx != nil {
		defIDs := make([]string, len(defs))
		bySlugID := make(map[string]*store.WorkflowDefinition, len(defs))
		for i, d := range defs {
			defIDs[i] = d.ID
			bySlugID[d.ID] = d
		}
		allowed, err := h.deps.ModuleCtx.Filter(ctx, moduleID, moductx.ResourceWorkflow, defIDs)
		if err != nil {
			writeErr(w, err)
			return
		}
		filtered := make([]*store.WorkflowDefinition, 0, len(allowed))
		for _, id := range allowed {
			filtered = append(filtered, bySlugID[id])
		}
		defs = filtered
	}

	writeList(w, defs, "")
}

func (h *WorkflowsHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	def, err := h.deps.Store.GetDefinitionBySlug(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}

	runs, err := h.deps.Store.ListRuns(ctx, store.RunListFilter{
		WorkflowDefinitionID: def.ID,
		Limit:                queryLimit(r, 50),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, runs, "")
}

// TriggerRunRequest is the POST /workflows/:slug/run body.
type TriggerRunRequest struct {
	Parameters   map[string]any `json:"parameters,omitempty"`
	RunKey       string         `json:"runKey,omitempty"`
	PartitionKey string         `json:"partitionKey,omitempty"`
	ModuleID     string         `json:"moduleId,omitempty"`
}

// handleTriggerRun handles POST /workflows/:slug/run, returning
// {id,status,partitionKey} with HTTP 202 on acceptance, per spec §6.
func (h *WorkflowsHandler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	def, err := h.deps.Store.GetDefinitionBySlug(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req TriggerRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
	}

	if req.RunKey != "" {
		normalized := ids.NormalizeRunKey(req.RunKey)
		if existing, err := h.deps.Store.GetRunByKey(ctx, def.ID, normalized); err == nil && existing != nil {
			writeErr(w, &apherrors.ConflictError{Resource: "workflow run", Key: req.RunKey, Reason: "a non-terminal run with this runKey already exists"})
			return
		}
	}

	now := time.Now()
	run := &store.WorkflowRun{
		ID:                   ids.NewRunID(),
		WorkflowDefinitionID: def.ID,
		Status:               store.RunPending,
		TriggeredBy:          store.TriggeredByManual,
		Parameters:           req.Parameters,
		PartitionKey:         req.PartitionKey,
		RunKey:               req.RunKey,
		RunKeyNormalized:     ids.NormalizeRunKey(req.RunKey),
		ModuleID:             req.ModuleID,
		CreatedAt:            now,
	}
	if err := h.deps.Store.CreateRun(ctx, run); err != nil {
		writeErr(w, err)
		return
	}

	h.enqueue(run.ID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           run.ID,
		"status":       run.Status,
		"partitionKey": run.PartitionKey,
	})
}

// enqueue hands runID off to the configured RunEnqueuer, falling back to a
// direct background orchestration pass when none is wired (inline mode).
func (h *WorkflowsHandler) enqueue(runID string) {
	ctx := context.Background()
	if h.deps.Runs != nil {
		if err := h.deps.Runs.EnqueueRun(ctx, runID); err != nil && h.deps.Logger != nil {
			h.deps.Logger.Error("enqueue workflow run failed", "run_id", runID, "error", err)
		}
		return
	}
	if h.deps.Orchestrator == nil {
		return
	}
	go func() {
		if err := h.deps.Orchestrator.RunWorkflowOrchestration(ctx, runID); err != nil && h.deps.Logger != nil {
			h.deps.Logger.Error("inline orchestration pass failed", "run_id", runID, "error", err)
		}
	}()
}
