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
	"github.com/benediktbwimmer/apphub-core/internal/ids"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/trigger"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// TriggersHandler serves the /workflows/:slug/triggers surface of spec §6,
// covering event trigger CRUD and delivery inspection/retry.
type TriggersHandler struct {
	deps Deps
}

// NewTriggersHandler constructs a TriggersHandler.
func NewTriggersHandler(deps Deps) *TriggersHandler {
	return &TriggersHandler{deps: deps}
}

// RegisterRoutes registers event trigger CRUD and delivery routes.
func (h *TriggersHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("POST /workflows/{slug}/triggers", requireScope(mw, ScopeWorkflowsWrite, h.handleCreate))
	mux.HandleFunc("GET /workflows/{slug}/triggers", requireScope(mw, ScopeWorkflowsRead, h.handleList))
	mux.HandleFunc("PATCH /workflows/{slug}/triggers/{id}", requireScope(mw, ScopeWorkflowsWrite, h.handleUpdate))
	mux.HandleFunc("DELETE /workflows/{slug}/triggers/{id}", requireScope(mw, ScopeWorkflowsWrite, h.handleDelete))
	mux.HandleFunc("GET /workflows/{slug}/triggers/{id}/deliveries", requireScope(mw, ScopeWorkflowsRead, h.handleListDeliveries))
	mux.HandleFunc("POST /workflows/{slug}/triggers/{id}/deliveries/{deliveryId}/retry", requireScope(mw, ScopeWorkflowsWrite, h.handleRetryDelivery))
}

// CreateTriggerRequest is the POST /workflows/:slug/triggers body.
type CreateTriggerRequest struct {
	Name                     string             `json:"name,omitempty"`
	EventType                string             `json:"eventType" validate:"required"`
	EventSource              string             `json:"eventSource,omitempty"`
	Predicates               []store.Predicate  `json:"predicates,omitempty"`
	ParameterTemplate        map[string]any     `json:"parameterTemplate,omitempty"`
	RunKeyTemplate           string             `json:"runKeyTemplate,omitempty"`
	IdempotencyKeyExpression string             `json:"idempotencyKeyExpression,omitempty"`
	ThrottleWindowMs         int64              `json:"throttleWindowMs,omitempty"`
	ThrottleCount            int                `json:"throttleCount,omitempty"`
	MaxConcurrency           int                `json:"maxConcurrency,omitempty"`
	Metadata                 map[string]any     `json:"metadata,omitempty"`
	ModuleID                 string             `json:"moduleId,omitempty"`
	ModuleVersion            string             `json:"moduleVersion,omitempty"`
}

func (h *TriggersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	def, err := h.deps.Store.GetDefinitionBySlug(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req CreateTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateBody(&req); err != nil {
		writeErr(w, err)
		return
	}
	if err := trigger.ValidatePredicates(req.Predicates); err != nil {
		writeErr(w, &apherrors.ValidationError{Field: "predicates", Message: err.Error()})
		return
	}

	now := time.Now()
	trg := &store.EventTrigger{
		ID:                       ids.NewTriggerID(),
		WorkflowDefinitionID:     def.ID,
		Name:                     req.Name,
		EventType:                req.EventType,
		EventSource:              req.EventSource,
		Predicates:               req.Predicates,
		ParameterTemplate:        req.ParameterTemplate,
		RunKeyTemplate:           req.RunKeyTemplate,
		IdempotencyKeyExpression: req.IdempotencyKeyExpression,
		ThrottleWindowMs:         req.ThrottleWindowMs,
		ThrottleCount:            req.ThrottleCount,
		MaxConcurrency:           req.MaxConcurrency,
		Metadata:                 req.Metadata,
		Status:                   store.TriggerActive,
		Version:                  1,
		ModuleID:                 req.ModuleID,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := h.deps.Store.CreateTrigger(ctx, trg); err != nil {
		writeErr(w, err)
		return
	}
	if req.ModuleID != "" && h.deps.ModuleCtx != nil {
		if err := h.deps.ModuleCtx.Bind(ctx, req.ModuleID, req.ModuleVersion, moductx.ResourceTrigger, trg.ID); err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, trg)
}

func (h *TriggersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	def, err := h.deps.Store.GetDefinitionBySlug(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}
	triggers, err := h.deps.Store.ListTriggersByWorkflow(ctx, def.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, triggers, "")
}

// UpdateTriggerRequest is the PATCH /workflows/:slug/triggers/:id body.
// Present fields replace their trigger counterpart wholesale.
type UpdateTriggerRequest struct {
	Name                     *string            `json:"name,omitempty"`
	EventSource              *string            `json:"eventSource,omitempty"`
	Predicates               []store.Predicate  `json:"predicates,omitempty"`
	ParameterTemplate        map[string]any     `json:"parameterTemplate,omitempty"`
	RunKeyTemplate           *string            `json:"runKeyTemplate,omitempty"`
	IdempotencyKeyExpression *string            `json:"idempotencyKeyExpression,omitempty"`
	ThrottleWindowMs         *int64             `json:"throttleWindowMs,omitempty"`
	ThrottleCount            *int               `json:"throttleCount,omitempty"`
	MaxConcurrency           *int               `json:"maxConcurrency,omitempty"`
	Metadata                 map[string]any     `json:"metadata,omitempty"`
	Status                   *store.TriggerStatus `json:"status,omitempty"`
}

func (h *TriggersHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	trg, err := h.deps.Store.GetTrigger(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req UpdateTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	if req.Name != nil {
		trg.Name = *req.Name
	}
	if req.EventSource != nil {
		trg.EventSource = *req.EventSource
	}
	if req.Predicates != nil {
		if err := trigger.ValidatePredicates(req.Predicates); err != nil {
			writeErr(w, &apherrors.ValidationError{Field: "predicates", Message: err.Error()})
			return
		}
		trg.Predicates = req.Predicates
	}
	if req.ParameterTemplate != nil {
		trg.ParameterTemplate = req.ParameterTemplate
	}
	if req.RunKeyTemplate != nil {
		trg.RunKeyTemplate = *req.RunKeyTemplate
	}
	if req.IdempotencyKeyExpression != nil {
		trg.IdempotencyKeyExpression = *req.IdempotencyKeyExpression
	}
	if req.ThrottleWindowMs != nil {
		trg.ThrottleWindowMs = *req.ThrottleWindowMs
	}
	if req.ThrottleCount != nil {
		trg.ThrottleCount = *req.ThrottleCount
	}
	if req.MaxConcurrency != nil {
		trg.MaxConcurrency = *req.MaxConcurrency
	}
	if req.Metadata != nil {
		trg.Metadata = req.Metadata
	}
	if req.Status != nil {
		trg.Status = *req.Status
	}
	trg.Version++
	trg.UpdatedAt = time.Now()

	if err := h.deps.Store.UpdateTrigger(ctx, trg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trg)
}

func (h *TriggersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Store.DeleteTrigger(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TriggersHandler) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	if _, err := h.deps.Store.GetTrigger(ctx, id); err != nil {
		writeErr(w, err)
		return
	}

	filter := store.DeliveryListFilter{
		TriggerID: id,
		Limit:     queryLimit(r, 50),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.DeliveryStatus(status)
	}
	deliveries, err := h.deps.Store.ListDeliveries(ctx, filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, deliveries, "")
}

// handleRetryDelivery implements retryWorkflowTriggerDelivery(id) from
// spec §4.D/§8: re-evaluates matching and throttling against the
// trigger's current state, delegating to the trigger processor so the
// retry path shares its launch/throttle/skip logic exactly.
func (h *TriggersHandler) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.PathValue("deliveryId")
	if h.deps.Triggers == nil {
		writeErr(w, &apherrors.ExternalUnavailableError{Target: "trigger processor"})
		return
	}
	if err := h.deps.Triggers.RetryDelivery(r.Context(), deliveryID); err != nil {
		writeErr(w, err)
		return
	}
	delivery, err := h.deps.Store.GetDelivery(r.Context(), deliveryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}
