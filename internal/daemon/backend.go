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

package daemon

import (
	"database/sql"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/config"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/benediktbwimmer/apphub-core/internal/store/sqlstore"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"

	// Database drivers for the sql-backed stores: pgx's database/sql
	// bridge for postgres, modernc's cgo-free driver for sqlite.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// openBackend opens the configured transactional store: the in-memory
// backend for tests/local runs, or a sql-backed store for postgres and
// sqlite deployments.
func openBackend(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend.Driver {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.Backend.DSN)
		if err != nil {
			return nil, &apherrors.ConfigurationError{Key: "APPHUB_BACKEND_DSN", Reason: "open postgres connection", Cause: err}
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxLifetime(30 * time.Minute)
		return sqlstore.Open(db, sqlstore.Postgres)
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Backend.DSN)
		if err != nil {
			return nil, &apherrors.ConfigurationError{Key: "APPHUB_BACKEND_DSN", Reason: "open sqlite database", Cause: err}
		}
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY churn under concurrent subsystems.
		db.SetMaxOpenConns(1)
		return sqlstore.Open(db, sqlstore.SQLite)
	default:
		return nil, &apherrors.ConfigurationError{
			Key:    "APPHUB_BACKEND_DRIVER",
			Reason: "unsupported driver " + string(cfg.Backend.Driver),
		}
	}
}
