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

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"gopkg.in/yaml.v3"
)

// httpOpenAPIFetcher fetches an OpenAPI document over HTTP and hashes its
// canonical form. Per §9's open question, "canonical" means: parse as
// YAML (a superset of JSON), then re-marshal as JSON with sorted map keys
// -- this absorbs key-ordering and formatting churn between fetches that
// describe the same document, avoiding spurious change detection.
type httpOpenAPIFetcher struct {
	http *http.Client
}

func newHTTPOpenAPIFetcher(client *http.Client) *httpOpenAPIFetcher {
	return &httpOpenAPIFetcher{http: client}
}

func (f *httpOpenAPIFetcher) FetchAndHash(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build openapi request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch openapi document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch openapi document: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read openapi document: %w", err)
	}
	return canonicalHash(body)
}

// canonicalHash parses raw (YAML or JSON) and hashes its canonical JSON
// form, so two documents that differ only in key order or YAML/JSON
// surface form hash identically.
func canonicalHash(raw []byte) (string, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse openapi document: %w", err)
	}
	canonical, err := json.Marshal(normalizeForJSON(doc))
	if err != nil {
		return "", fmt.Errorf("canonicalize openapi document: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeForJSON converts map[any]any nodes (as yaml.v3 produces for
// YAML maps) into map[string]any so encoding/json can marshal them and
// sorts keys, since encoding/json already sorts map[string]any keys on
// marshal.
func normalizeForJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForJSON(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeForJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForJSON(val)
		}
		return out
	default:
		return t
	}
}

// maybeRefreshOpenAPI refetches and rehashes the OpenAPI document when the
// refresh interval has elapsed or the probed URL changed since the last
// fetch, per §4.F. It persists the new hash only if it actually changed.
func (r *Registry) maybeRefreshOpenAPI(ctx context.Context, record *store.ServiceRecord, probedURL string) {
	path := record.Manifest.OpenAPIPath
	if path == "" {
		return
	}

	stale := record.OpenAPI == nil
	if !stale {
		age := r.now().Sub(record.OpenAPI.FetchedAt)
		refreshDue := age > time.Duration(r.cfg.OpenAPIRefreshIntervalMs)*time.Millisecond
		urlChanged := record.OpenAPI.ProbedURL != probedURL
		stale = refreshDue || urlChanged
	}
	if !stale {
		return
	}

	hash, err := r.openapi.FetchAndHash(ctx, joinURL(probedURL, path))
	if err != nil {
		// OpenAPI failures are non-fatal per-service (§4.F "Failure
		// semantics"): log and leave the existing snapshot in place.
		r.logger.WarnContext(ctx, "openapi refresh failed", "service_slug", record.Slug, ilog.Error(err))
		return
	}

	if record.OpenAPI != nil && record.OpenAPI.Hash == hash {
		record.OpenAPI.FetchedAt = r.now()
		record.OpenAPI.ProbedURL = probedURL
		_ = r.store.UpsertServiceRecord(ctx, record)
		return
	}

	record.OpenAPI = &store.OpenAPISnapshot{
		Hash:      hash,
		FetchedAt: r.now(),
		ProbedURL: probedURL,
	}
	if err := r.store.UpsertServiceRecord(ctx, record); err != nil {
		r.logger.WarnContext(ctx, "persist openapi snapshot failed", "service_slug", record.Slug, ilog.Error(err))
	}
}
