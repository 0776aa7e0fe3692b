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
	"fmt"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// LoadOptions configures LoadManifestState.
type LoadOptions struct {
	// Force bypasses the cache TTL and reloads from the store
	// unconditionally, as an invalidation message requires (§4.F).
	Force bool
}

// LoadManifestState returns the current manifest cache, reloading from the
// store when it is absent, expired, or Force is set. Manifest entries are
// merged deterministically: later sources override earlier ones within a
// module; across modules the merge is a stable append of sources, and a
// SERVICE_<UPPER_SLUG>_BASE_URL environment override always wins (§3).
func (r *Registry) LoadManifestState(ctx context.Context, opts LoadOptions) (map[string]*store.ServiceManifestEntry, error) {
	r.mu.RLock()
	cache := r.cache
	r.mu.RUnlock()

	now := r.now()
	if !opts.Force && cache != nil && now.Before(cache.expiresAt) {
		return cache.entries, nil
	}

	stored, err := r.store.ListManifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load manifest state: %w", err)
	}

	merged := mergeManifests(stored)
	r.applyBaseURLOverrides(merged)

	fresh := &manifestCache{
		entries:   merged,
		fetchedAt: now,
		expiresAt: now.Add(time.Duration(r.cfg.ManifestCacheTTLMs) * time.Millisecond),
	}
	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()

	return merged, nil
}

// mergeManifests groups raw manifest rows by slug and applies the
// last-writer-wins rule within a module's set of sources, recording the
// append-ordered source audit trail across modules (§3, §4.F).
func mergeManifests(rows []*store.ServiceManifestEntry) map[string]*store.ServiceManifestEntry {
	out := make(map[string]*store.ServiceManifestEntry, len(rows))
	for _, row := range rows {
		slug := strings.ToLower(row.Slug)
		existing, ok := out[slug]
		if !ok {
			clone := *row
			clone.Slug = slug
			clone.Sources = append([]string(nil), row.Sources...)
			out[slug] = &clone
			continue
		}
		// Later rows win field-by-field (last-writer-wins); the source
		// audit trail is a stable append regardless of which module's
		// value ultimately sticks.
		merged := *row
		merged.Slug = slug
		merged.Sources = append(append([]string(nil), existing.Sources...), row.Sources...)
		out[slug] = &merged
	}
	return out
}

// applyBaseURLOverrides rewrites each entry's BaseURL/BaseURLSource when a
// SERVICE_<UPPER_SLUG>_BASE_URL override is configured, per §3: "environment-
// variable overrides win over all manifest sources".
func (r *Registry) applyBaseURLOverrides(entries map[string]*store.ServiceManifestEntry) {
	for slug, entry := range entries {
		if override, ok := r.cfg.BaseURLOverrides[slug]; ok && override != "" {
			entry.BaseURL = override
			entry.BaseURLSource = store.BaseURLSourceEnv
		}
	}
}

// GetServiceManifest returns the merged manifest entry for slug, applying
// the same env-override precedence as LoadManifestState.
func (r *Registry) GetServiceManifest(ctx context.Context, slug string) (*store.ServiceManifestEntry, error) {
	slug = strings.ToLower(slug)
	entries, err := r.LoadManifestState(ctx, LoadOptions{})
	if err != nil {
		return nil, err
	}
	entry, ok := entries[slug]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "service manifest", ID: slug}
	}
	return entry, nil
}

// ImportManifest upserts a manifest entry, materializes (or refreshes)
// the service record it describes, and invalidates the manifest cache so
// the next read observes it, per §4.F. A freshly imported service starts
// in the unknown state until the poller first observes it.
func (r *Registry) ImportManifest(ctx context.Context, entry *store.ServiceManifestEntry) error {
	entry.Slug = strings.ToLower(entry.Slug)
	if existing, err := r.store.GetManifest(ctx, entry.Slug); err == nil {
		sources := append([]string(nil), existing.Sources...)
		for _, src := range entry.Sources {
			seen := false
			for _, s := range sources {
				seen = seen || s == src
			}
			if !seen {
				sources = append(sources, src)
			}
		}
		entry.Sources = sources
	}
	if err := r.store.UpsertManifest(ctx, entry); err != nil {
		return fmt.Errorf("import manifest %s: %w", entry.Slug, err)
	}

	now := r.now()
	record, err := r.store.GetServiceRecord(ctx, entry.Slug)
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("load service record for import %s: %w", entry.Slug, err)
		}
		record = &store.ServiceRecord{
			Slug:      entry.Slug,
			Status:    store.ServiceUnknown,
			CreatedAt: now,
		}
	}
	merged, err := r.LoadManifestState(ctx, LoadOptions{Force: true})
	if err != nil {
		return err
	}
	if effective, ok := merged[entry.Slug]; ok {
		record.Manifest = *effective
		record.BaseURL = effective.BaseURL
		record.Capabilities = effective.Capabilities
	} else {
		record.Manifest = *entry
		record.BaseURL = entry.BaseURL
		record.Capabilities = entry.Capabilities
	}
	record.UpdatedAt = now
	if err := r.store.UpsertServiceRecord(ctx, record); err != nil {
		return fmt.Errorf("persist service record for import %s: %w", entry.Slug, err)
	}

	r.Publish(ctx, InvalidateMessage{Kind: InvalidateManifest, Reason: "manifest_import", Slug: entry.Slug})
	return nil
}
