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
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/benediktbwimmer/apphub-core/internal/api/auth"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

const (
	ScopeServicesRead  = "services:read"
	ScopeServicesWrite = "services:write"
)

// ServicesHandler serves the Service Registry surface of spec §6: service
// listing, manifest import, and the loopback preview proxy.
type ServicesHandler struct {
	deps Deps
}

// NewServicesHandler constructs a ServicesHandler.
func NewServicesHandler(deps Deps) *ServicesHandler {
	return &ServicesHandler{deps: deps}
}

// RegisterRoutes registers service listing, import, and preview routes.
func (h *ServicesHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /services", requireScope(mw, ScopeServicesRead, h.handleList))
	mux.HandleFunc("GET /services/{slug}", requireScope(mw, ScopeServicesRead, h.handleGet))
	mux.HandleFunc("POST /service-networks/import", requireScope(mw, ScopeServicesWrite, h.handleImport))
	mux.HandleFunc("GET /services/{slug}/preview/", requireScope(mw, ScopeServicesRead, h.handlePreview))
}

func (h *ServicesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Store.ListServiceRecords(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeList(w, records, "")
}

func (h *ServicesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	record, err := h.deps.Store.GetServiceRecord(r.Context(), slug)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ImportManifestRequest is the POST /service-networks/import body: one
// manifest entry. Spec §6 describes manifest import as idempotent
// upsert-by-slug.
type ImportManifestRequest struct {
	Slug           string              `json:"slug" validate:"required"`
	DisplayName    string              `json:"displayName,omitempty"`
	Kind           string              `json:"kind,omitempty"`
	BaseURL        string              `json:"baseUrl,omitempty"`
	HealthEndpoint string              `json:"healthEndpoint,omitempty"`
	OpenAPIPath    string              `json:"openapiPath,omitempty"`
	Env            []store.EnvBinding  `json:"env,omitempty"`
	Capabilities   []string            `json:"capabilities,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	ModuleID       string              `json:"moduleId,omitempty"`
	ModuleVersion  string              `json:"moduleVersion,omitempty"`
}

func (h *ServicesHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req ImportManifestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateBody(&req); err != nil {
		writeErr(w, err)
		return
	}

	entry := &store.ServiceManifestEntry{
		Slug:           req.Slug,
		DisplayName:    req.DisplayName,
		Kind:           req.Kind,
		BaseURL:        req.BaseURL,
		BaseURLSource:  store.BaseURLSourceManifest,
		HealthEndpoint: req.HealthEndpoint,
		OpenAPIPath:    req.OpenAPIPath,
		Env:            req.Env,
		Capabilities:   req.Capabilities,
		Tags:           req.Tags,
		ModuleID:       req.ModuleID,
		ModuleVersion:  req.ModuleVersion,
		Sources:        []string{"api-import"},
	}
	if err := h.deps.Registry.ImportManifest(r.Context(), entry); err != nil {
		writeErr(w, err)
		return
	}

	record, err := h.deps.Store.GetServiceRecord(r.Context(), req.Slug)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handlePreview implements spec §6's preview-URL proxy rule: a service
// whose resolved base URL is loopback-only is not directly reachable by
// an external caller, so requests are proxied through this handler;
// externally reachable services are expected to be dereferenced via their
// base URL directly rather than through this path.
func (h *ServicesHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	ctx := r.Context()

	record, err := h.deps.Store.GetServiceRecord(ctx, slug)
	if err != nil {
		writeErr(w, err)
		return
	}

	target := record.BaseURL
	if record.Runtime != nil && record.Runtime.PreviewURL != "" {
		target = record.Runtime.PreviewURL
	}
	if target == "" || !isLoopbackURL(target) {
		writeErr(w, &apherrors.NotFoundError{Resource: "service preview", ID: slug})
		return
	}

	upstream, err := url.Parse(target)
	if err != nil {
		writeErr(w, &apherrors.ExternalUnavailableError{Target: slug, Reason: "invalid preview base url"})
		return
	}

	prefix := "/services/" + slug + "/preview"
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}
	proxy.ServeHTTP(w, r)
}

var loopbackHostnames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return loopbackHostnames[u.Hostname()]
}
