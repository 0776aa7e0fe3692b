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

// Package sqlstore implements internal/store.Store on top of
// database/sql. It is shared by the postgres and sqlite backends, which
// differ only in driver name, placeholder syntax, and a handful of
// dialect-specific pragmas; the SQL and Go logic here are otherwise
// identical, mirroring how the teacher's sqlite and postgres backends
// duplicate nearly the same schema and queries by hand.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// Dialect captures the handful of differences between the SQL backends
// this package supports.
type Dialect struct {
	// Name identifies the dialect in error messages ("postgres", "sqlite").
	Name string
	// Placeholder renders the nth (1-indexed) bind parameter.
	Placeholder func(n int) string
	// JSONType is the column type used for JSON-valued columns.
	JSONType string
}

// Postgres is the $N-placeholder, JSONB-typed dialect.
var Postgres = Dialect{
	Name:        "postgres",
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	JSONType:    "JSONB",
}

// SQLite is the ?-placeholder, TEXT-typed dialect.
var SQLite = Dialect{
	Name:        "sqlite",
	Placeholder: func(n int) string { return "?" },
	JSONType:    "TEXT",
}

// Backend implements store.Store over a database/sql connection.
type Backend struct {
	db      *sql.DB
	dialect Dialect
}

// Open wraps an already-configured *sql.DB, runs migrations, and returns
// a ready-to-use Backend. The caller owns opening (and, via Close,
// closing) the underlying connection.
func Open(db *sql.DB, dialect Dialect) (*Backend, error) {
	b := &Backend{db: db, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.migrate(ctx); err != nil {
		return nil, &apherrors.ConfigurationError{Key: "APPHUB_BACKEND_DSN", Reason: "migration failed", Cause: err}
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) ph(n int) string { return b.dialect.Placeholder(n) }

func (b *Backend) migrate(ctx context.Context) error {
	j := b.dialect.JSONType
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			payload ` + j + `,
			correlation_id TEXT,
			ingested_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_occurred_at ON workflow_events(occurred_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT UNIQUE NOT NULL,
			version INTEGER NOT NULL,
			steps ` + j + `,
			parameters_schema ` + j + `,
			default_parameters ` + j + `,
			output_schema ` + j + `,
			metadata ` + j + `,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			parameters ` + j + `,
			partition_key TEXT,
			run_key TEXT,
			run_key_normalized TEXT,
			module_id TEXT,
			parent_run_id TEXT,
			fanout_step_id TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT,
			context ` + j + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_def ON workflow_runs(workflow_definition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_runkey ON workflow_runs(workflow_definition_id, run_key_normalized)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_state TEXT NOT NULL,
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			output ` + j + `,
			error_message TEXT,
			logs ` + j + `,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_event_triggers (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			name TEXT,
			event_type TEXT NOT NULL,
			event_source TEXT,
			predicates ` + j + `,
			parameter_template ` + j + `,
			run_key_template TEXT,
			idempotency_key_expression TEXT,
			throttle_window_ms INTEGER,
			throttle_count INTEGER,
			max_concurrency INTEGER,
			metadata ` + j + `,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			module_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_event_type ON workflow_event_triggers(event_type, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_trigger_deliveries (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			workflow_definition_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_state TEXT NOT NULL,
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT,
			workflow_run_id TEXT,
			idempotency_key TEXT,
			status_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_trigger ON workflow_trigger_deliveries(trigger_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_idempotency ON workflow_trigger_deliveries(trigger_id, idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			name TEXT,
			cron_expr TEXT NOT NULL,
			parameters ` + j + `,
			timezone TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run TEXT,
			next_run TEXT,
			run_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS service_manifests (
			slug TEXT PRIMARY KEY,
			display_name TEXT,
			kind TEXT,
			base_url TEXT,
			base_url_source TEXT,
			health_endpoint TEXT,
			openapi_path TEXT,
			env ` + j + `,
			capabilities ` + j + `,
			tags ` + j + `,
			module_id TEXT,
			module_version TEXT,
			sources ` + j + `
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			slug TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			status_message TEXT,
			base_url TEXT,
			manifest ` + j + `,
			runtime ` + j + `,
			openapi ` + j + `,
			latest_health ` + j + `,
			linked_apps ` + j + `,
			capabilities ` + j + `,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS service_health_snapshots (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			checked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS service_repository_bindings (
			repository_id TEXT PRIMARY KEY,
			slug TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS module_resource_contexts (
			module_id TEXT NOT NULL,
			module_version TEXT,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (module_id, resource_type, resource_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation reports whether err came from a UNIQUE/PRIMARY KEY
// constraint, covering both the sqlite and postgres driver message shapes.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique_violation")
}

var _ store.Store = (*Backend)(nil)
