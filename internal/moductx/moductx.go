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

// Package moductx implements the Module/Resource Context (spec §4.G): it
// binds published resources (workflows, services, jobs) to the module
// that published them, and filters listing APIs by an optional moduleId.
package moductx

import (
	"context"
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// Resource type discriminators used as ModuleResourceContext.ResourceType.
const (
	ResourceWorkflow = "workflow"
	ResourceService  = "service"
	ResourceJob      = "job"
	ResourceTrigger  = "trigger"
)

// HeaderModuleID is the HTTP header an API caller may use instead of the
// "?moduleId=" query parameter (§4.G).
const HeaderModuleID = "X-AppHub-Module-Id"

// Context scopes resources to the module that published them.
type Context struct {
	store store.ModuleContextStore
	now   func() time.Time
}

// New constructs a Context over backend.
func New(backend store.ModuleContextStore) *Context {
	return &Context{store: backend, now: time.Now}
}

// Bind records that moduleID (at moduleVersion) owns resourceType
// resourceID, so later Filter calls scoped to moduleID include it.
func (c *Context) Bind(ctx context.Context, moduleID, moduleVersion, resourceType, resourceID string) error {
	if moduleID == "" || resourceID == "" {
		return &apherrors.ValidationError{Field: "moduleId/resourceId", Message: "both are required to bind a module resource context"}
	}
	binding := &store.ModuleResourceContext{
		ModuleID:      moduleID,
		ModuleVersion: moduleVersion,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		CreatedAt:     c.now(),
	}
	if err := c.store.BindResource(ctx, binding); err != nil {
		return fmt.Errorf("bind module resource context: %w", err)
	}
	return nil
}

// Filter narrows ids to those bound to moduleID for resourceType. An
// empty moduleID is a no-op (returns ids unchanged): the caller asked for
// the unscoped listing. A moduleID with no known resources of any kind
// is rejected with NotFound so clients can detect stale module
// references (§4.G "An unknown moduleId yields 404, not an empty list").
func (c *Context) Filter(ctx context.Context, moduleID, resourceType string, ids []string) ([]string, error) {
	if moduleID == "" {
		return ids, nil
	}

	exists, err := c.store.ModuleExists(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("check module existence: %w", err)
	}
	if !exists {
		return nil, &apherrors.NotFoundError{Resource: "module", ID: moduleID}
	}

	allowed, err := c.store.ListResourceIDs(ctx, moduleID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("list module resource ids: %w", err)
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if allowedSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// ModuleIDFromRequest resolves the effective moduleId filter from either
// the X-AppHub-Module-Id header or a "moduleId" query parameter, per §4.G.
// The header takes precedence when both are present.
func ModuleIDFromRequest(headerValue, queryValue string) string {
	if headerValue != "" {
		return headerValue
	}
	return queryValue
}
