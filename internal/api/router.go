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

// Package api implements the HTTP control surface of spec §6: JSON over
// net/http.ServeMux, Bearer-token scoped authorization, and the
// {data,nextCursor?}/{error:{code,message,details?}} response envelopes of
// spec §7.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/api/auth"
	"github.com/benediktbwimmer/apphub-core/internal/api/httputil"
	"github.com/benediktbwimmer/apphub-core/internal/eventbus"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	"github.com/benediktbwimmer/apphub-core/internal/orchestrator"
	"github.com/benediktbwimmer/apphub-core/internal/registry"
	"github.com/benediktbwimmer/apphub-core/internal/schedulerstate"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/trigger"
)

// Scopes named in spec §6's authorization note.
const (
	ScopeWorkflowsRead  = "workflows:read"
	ScopeWorkflowsWrite = "workflows:write"
	ScopeWorkflowsRun   = "workflows:run"
)

// RouterConfig holds build metadata surfaced on GET /.
type RouterConfig struct {
	Version string
}

// Deps collects every subsystem the HTTP control surface calls into.
// Handlers depend on these narrow pieces rather than importing each
// other, mirroring the decoupling already enforced between subsystems.
type Deps struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Triggers     *trigger.Processor
	Registry     *registry.Registry
	ModuleCtx    *moductx.Context
	Bus          *eventbus.Bus
	State        *schedulerstate.State
	Auth         *auth.Middleware
	Logger       *slog.Logger
	// Runs hands freshly created workflow runs off to asynchronous
	// orchestration (normally a queue-backed enqueuer wired in
	// internal/daemon). Nil
	// falls back to inline in-process orchestration; see RunEnqueuer.
	Runs RunEnqueuer
}

// Router wraps an http.ServeMux with authentication/authorization and
// request-logging middleware, grounded on the teacher's daemon router.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	deps   Deps
}

// NewRouter constructs a Router and registers every endpoint in spec §6.
func NewRouter(cfg RouterConfig, deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), config: cfg, deps: deps}

	r.mux.HandleFunc("GET /", r.handleRoot)
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)

	workflows := NewWorkflowsHandler(deps)
	workflows.RegisterRoutes(r.mux, deps.Auth)

	runs := NewRunsHandler(deps)
	runs.RegisterRoutes(r.mux, deps.Auth)

	triggers := NewTriggersHandler(deps)
	triggers.RegisterRoutes(r.mux, deps.Auth)

	schedules := NewSchedulesHandler(deps)
	schedules.RegisterRoutes(r.mux, deps.Auth)

	services := NewServicesHandler(deps)
	services.RegisterRoutes(r.mux, deps.Auth)

	r.mux.HandleFunc("GET /scheduler/pauses", requireScope(deps.Auth, ScopeWorkflowsRead, r.handlePauses))

	return r
}

// handlePauses lists active source and trigger pauses for operators. The
// state is process-local and transient, so an empty listing after a
// restart is expected.
func (r *Router) handlePauses(w http.ResponseWriter, req *http.Request) {
	sources := []schedulerstate.Pause{}
	triggers := []schedulerstate.Pause{}
	if r.deps.State != nil {
		if p := r.deps.State.ActiveSourcePauses(); p != nil {
			sources = p
		}
		if p := r.deps.State.ActiveTriggerPauses(); p != nil {
			triggers = p
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{"sources": sources, "triggers": triggers},
	})
}

// Mux exposes the underlying ServeMux for registering additional routes
// (e.g. the Prometheus /metrics handler mounted by internal/daemon).
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler, wrapping every request in structured
// access logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.deps.Logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"name": "apphub-core", "version": r.config.Version})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireScope wraps handler so it only runs for a principal holding
// scope, delegating to auth.Middleware. A nil mw (no authorization
// configured) runs the handler unauthenticated, which is only acceptable
// for local/inline development; internal/daemon wires a real Middleware
// whenever static tokens or JWT validation are configured, and nil
// otherwise.
func requireScope(mw *auth.Middleware, scope string, handler http.HandlerFunc) http.HandlerFunc {
	if mw == nil {
		return handler
	}
	chained := mw.Authenticate(mw.RequireScope(scope, handler))
	return func(w http.ResponseWriter, r *http.Request) { chained.ServeHTTP(w, r) }
}
