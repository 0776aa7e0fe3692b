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

func (b *Backend) CreateDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	steps, err := marshalJSON(def.Steps)
	if err != nil {
		return apherrors.Wrap(err, "marshal steps")
	}
	paramsSchema, err := marshalJSON(def.ParametersSchema)
	if err != nil {
		return apherrors.Wrap(err, "marshal parameters schema")
	}
	defaults, err := marshalJSON(def.DefaultParameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal default parameters")
	}
	outputSchema, err := marshalJSON(def.OutputSchema)
	if err != nil {
		return apherrors.Wrap(err, "marshal output schema")
	}
	metadata, err := marshalJSON(def.Metadata)
	if err != nil {
		return apherrors.Wrap(err, "marshal metadata")
	}

	query := fmt.Sprintf(`INSERT INTO workflow_definitions
		(id, slug, version, steps, parameters_schema, default_parameters, output_schema, metadata, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10))
	_, err = b.db.ExecContext(ctx, query,
		def.ID, def.Slug, def.Version, string(steps), string(paramsSchema), string(defaults),
		string(outputSchema), string(metadata), def.CreatedAt.UTC().Format(time.RFC3339Nano), def.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &apherrors.ConflictError{Resource: "workflow_definition", Key: def.Slug}
		}
		return apherrors.Wrap(err, "insert workflow definition")
	}
	return nil
}

func (b *Backend) UpdateDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	steps, err := marshalJSON(def.Steps)
	if err != nil {
		return apherrors.Wrap(err, "marshal steps")
	}
	paramsSchema, err := marshalJSON(def.ParametersSchema)
	if err != nil {
		return apherrors.Wrap(err, "marshal parameters schema")
	}
	defaults, err := marshalJSON(def.DefaultParameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal default parameters")
	}
	outputSchema, err := marshalJSON(def.OutputSchema)
	if err != nil {
		return apherrors.Wrap(err, "marshal output schema")
	}
	metadata, err := marshalJSON(def.Metadata)
	if err != nil {
		return apherrors.Wrap(err, "marshal metadata")
	}

	query := fmt.Sprintf(`UPDATE workflow_definitions SET
		slug = %s, version = %s, steps = %s, parameters_schema = %s, default_parameters = %s,
		output_schema = %s, metadata = %s, updated_at = %s
		WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9))
	res, err := b.db.ExecContext(ctx, query,
		def.Slug, def.Version, string(steps), string(paramsSchema), string(defaults),
		string(outputSchema), string(metadata), def.UpdatedAt.UTC().Format(time.RFC3339Nano), def.ID)
	if err != nil {
		return apherrors.Wrap(err, "update workflow definition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "workflow_definition", ID: def.ID}
	}
	return nil
}

func (b *Backend) GetDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	query := fmt.Sprintf(`SELECT id, slug, version, steps, parameters_schema, default_parameters, output_schema, metadata, created_at, updated_at
		FROM workflow_definitions WHERE id = %s`, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	return scanDefinition(row, id)
}

func (b *Backend) GetDefinitionBySlug(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	query := fmt.Sprintf(`SELECT id, slug, version, steps, parameters_schema, default_parameters, output_schema, metadata, created_at, updated_at
		FROM workflow_definitions WHERE slug = %s`, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, slug)
	return scanDefinition(row, slug)
}

func scanDefinition(row scanner, lookupKey string) (*store.WorkflowDefinition, error) {
	var (
		def                    store.WorkflowDefinition
		createdAt, updatedAt   string
		steps, paramsSchema    []byte
		defaults, outputSchema []byte
		metadata               []byte
	)
	if err := row.Scan(&def.ID, &def.Slug, &def.Version, &steps, &paramsSchema, &defaults, &outputSchema, &metadata, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "workflow_definition", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan workflow definition")
	}
	var err error
	if err = unmarshalJSON(steps, &def.Steps); err != nil {
		return nil, err
	}
	if err = unmarshalJSON(paramsSchema, &def.ParametersSchema); err != nil {
		return nil, err
	}
	if err = unmarshalJSON(defaults, &def.DefaultParameters); err != nil {
		return nil, err
	}
	if err = unmarshalJSON(outputSchema, &def.OutputSchema); err != nil {
		return nil, err
	}
	if err = unmarshalJSON(metadata, &def.Metadata); err != nil {
		return nil, err
	}
	def.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	def.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (b *Backend) ListDefinitions(ctx context.Context, moduleID string) ([]*store.WorkflowDefinition, error) {
	query := `SELECT id, slug, version, steps, parameters_schema, default_parameters, output_schema, metadata, created_at, updated_at
		FROM workflow_definitions ORDER BY slug`
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apherrors.Wrap(err, "list workflow definitions")
	}
	defer rows.Close()

	var out []*store.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows, "")
		if err != nil {
			return nil, err
		}
		if moduleID != "" {
			if md, ok := def.Metadata["moduleId"].(string); !ok || md != moduleID {
				continue
			}
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, apherrors.Wrap(err, "iterate workflow definitions")
	}
	return out, nil
}
