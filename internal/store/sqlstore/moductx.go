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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

func (b *Backend) BindResource(ctx context.Context, binding *store.ModuleResourceContext) error {
	var query string
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(`INSERT INTO module_resource_contexts (module_id, module_version, resource_type, resource_id, created_at)
			VALUES (%s, %s, %s, %s, %s)
			ON CONFLICT (module_id, resource_type, resource_id) DO UPDATE SET module_version = excluded.module_version`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	} else {
		query = fmt.Sprintf(`INSERT INTO module_resource_contexts (module_id, module_version, resource_type, resource_id, created_at)
			VALUES (%s, %s, %s, %s, %s)
			ON CONFLICT (module_id, resource_type, resource_id) DO UPDATE SET module_version = EXCLUDED.module_version`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	}
	if _, err := b.db.ExecContext(ctx, query, binding.ModuleID, binding.ModuleVersion, binding.ResourceType,
		binding.ResourceID, binding.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return apherrors.Wrap(err, "bind module resource context")
	}
	return nil
}

func (b *Backend) ListResourceIDs(ctx context.Context, moduleID, resourceType string) ([]string, error) {
	query := fmt.Sprintf(`SELECT resource_id FROM module_resource_contexts
		WHERE module_id = %s AND resource_type = %s ORDER BY resource_id`, b.ph(1), b.ph(2))
	rows, err := b.db.QueryContext(ctx, query, moduleID, resourceType)
	if err != nil {
		return nil, apherrors.Wrap(err, "list module resource ids")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apherrors.Wrap(err, "scan module resource id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *Backend) ModuleExists(ctx context.Context, moduleID string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM module_resource_contexts WHERE module_id = %s LIMIT 1`, b.ph(1))
	var found int
	err := b.db.QueryRowContext(ctx, query, moduleID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apherrors.Wrap(err, "check module existence")
	}
	return true, nil
}
