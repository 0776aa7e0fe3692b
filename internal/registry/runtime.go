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

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// UpdateServiceRuntimeForRepository resolves repositoryID to a service
// slug, merges snapshot into that service's runtime metadata, and
// triggers a best-effort immediate health check, per §4.F. Two
// sequential calls with an identical snapshot yield identical metadata
// and a single monotonically advanced UpdatedAt (§8 idempotence law).
func (r *Registry) UpdateServiceRuntimeForRepository(ctx context.Context, repositoryID string, snapshot store.ServiceRuntimeSnapshot) error {
	slug, err := r.resolveSlugForRepository(ctx, repositoryID)
	if err != nil {
		return err
	}

	record, err := r.store.GetServiceRecord(ctx, slug)
	if err != nil {
		return fmt.Errorf("load service record for runtime update: %w", err)
	}

	snapshot.RepositoryID = repositoryID
	snapshot.UpdatedAt = r.now()
	record.Runtime = &snapshot
	record.Status = store.ServiceHealthy
	record.StatusMessage = "running"
	record.UpdatedAt = r.now()

	if err := r.store.UpsertServiceRecord(ctx, record); err != nil {
		return fmt.Errorf("persist runtime binding: %w", err)
	}
	if err := r.store.BindRepositorySlug(ctx, repositoryID, slug); err != nil {
		return fmt.Errorf("bind repository slug: %w", err)
	}

	r.Publish(ctx, InvalidateMessage{Kind: InvalidateHealth, Reason: "runtime_bound", Slug: slug})

	// Best-effort immediate health check: failures here are swallowed,
	// per §4.F "Trigger an immediate health check (best-effort)".
	r.checkService(ctx, record)
	return nil
}

// ClearServiceRuntimeForRepositoryOptions configures
// ClearServiceRuntimeForRepository.
type ClearServiceRuntimeForRepositoryOptions struct {
	// LaunchID, if set, guards the clear: runtime metadata is removed
	// only when it still matches this launch, preventing a stale
	// teardown event from racing a newer launch (§3 invariant).
	LaunchID string
}

// ClearServiceRuntimeForRepository removes the runtime metadata bound to
// repositoryID, guarded by opts.LaunchID when set (§4.F).
func (r *Registry) ClearServiceRuntimeForRepository(ctx context.Context, repositoryID string, opts ClearServiceRuntimeForRepositoryOptions) error {
	slug, err := r.resolveSlugForRepository(ctx, repositoryID)
	if err != nil {
		return err
	}

	record, err := r.store.GetServiceRecord(ctx, slug)
	if err != nil {
		return fmt.Errorf("load service record for runtime clear: %w", err)
	}
	if record.Runtime == nil {
		return nil
	}
	if opts.LaunchID != "" && record.Runtime.LaunchID != opts.LaunchID {
		// Stale teardown for a launch that has already been superseded;
		// leave the newer runtime binding untouched.
		return nil
	}

	record.Runtime = nil
	record.Status = store.ServiceUnknown
	record.StatusMessage = "runtime cleared"
	record.UpdatedAt = r.now()
	if err := r.store.UpsertServiceRecord(ctx, record); err != nil {
		return fmt.Errorf("persist runtime clear: %w", err)
	}
	r.Publish(ctx, InvalidateMessage{Kind: InvalidateHealth, Reason: "runtime_cleared", Slug: slug})
	return nil
}

// resolveSlugForRepository resolves repositoryID's bound service slug, or
// falls back to scanning every service record's runtime metadata (§4.F
// "fallback: scan service metadata").
func (r *Registry) resolveSlugForRepository(ctx context.Context, repositoryID string) (string, error) {
	slug, err := r.store.GetRepositorySlug(ctx, repositoryID)
	if err == nil && slug != "" {
		return slug, nil
	}
	if err != nil && !isNotFound(err) {
		return "", fmt.Errorf("resolve repository slug: %w", err)
	}

	records, err := r.store.ListServiceRecords(ctx)
	if err != nil {
		return "", fmt.Errorf("scan service records for repository: %w", err)
	}
	for _, record := range records {
		if record.Runtime != nil && record.Runtime.RepositoryID == repositoryID {
			return record.Slug, nil
		}
	}
	return "", &apherrors.NotFoundError{Resource: "repository binding", ID: repositoryID}
}

// ResolveBaseURL implements orchestrator.ServiceResolver: it returns the
// effective base URL for a service step's serviceSlug lookup (§4.E
// "Service step"). A missing service or an empty baseUrl both surface as
// a NotFoundError, which the orchestrator translates into the retriable
// service_unavailable condition.
func (r *Registry) ResolveBaseURL(ctx context.Context, slug string) (string, error) {
	record, err := r.store.GetServiceRecord(ctx, slug)
	if err != nil {
		return "", err
	}
	if record.Runtime != nil && record.Runtime.BaseURL != "" {
		return record.Runtime.BaseURL, nil
	}
	if record.BaseURL != "" {
		return record.BaseURL, nil
	}
	manifest, err := r.GetServiceManifest(ctx, slug)
	if err == nil && manifest.BaseURL != "" {
		return manifest.BaseURL, nil
	}
	return "", &apherrors.NotFoundError{Resource: "service base URL", ID: slug}
}
