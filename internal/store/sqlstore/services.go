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
	"github.com/google/uuid"
)

func (b *Backend) UpsertManifest(ctx context.Context, entry *store.ServiceManifestEntry) error {
	env, err := marshalJSON(entry.Env)
	if err != nil {
		return apherrors.Wrap(err, "marshal manifest env")
	}
	capabilities, err := marshalJSON(entry.Capabilities)
	if err != nil {
		return apherrors.Wrap(err, "marshal manifest capabilities")
	}
	tags, err := marshalJSON(entry.Tags)
	if err != nil {
		return apherrors.Wrap(err, "marshal manifest tags")
	}
	sources, err := marshalJSON(entry.Sources)
	if err != nil {
		return apherrors.Wrap(err, "marshal manifest sources")
	}

	var query string
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(`INSERT INTO service_manifests
			(slug, display_name, kind, base_url, base_url_source, health_endpoint, openapi_path, env, capabilities, tags, module_id, module_version, sources)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (slug) DO UPDATE SET
			display_name = excluded.display_name, kind = excluded.kind, base_url = excluded.base_url,
			base_url_source = excluded.base_url_source, health_endpoint = excluded.health_endpoint,
			openapi_path = excluded.openapi_path, env = excluded.env, capabilities = excluded.capabilities,
			tags = excluded.tags, module_id = excluded.module_id, module_version = excluded.module_version, sources = excluded.sources`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13))
	} else {
		query = fmt.Sprintf(`INSERT INTO service_manifests
			(slug, display_name, kind, base_url, base_url_source, health_endpoint, openapi_path, env, capabilities, tags, module_id, module_version, sources)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (slug) DO UPDATE SET
			display_name = EXCLUDED.display_name, kind = EXCLUDED.kind, base_url = EXCLUDED.base_url,
			base_url_source = EXCLUDED.base_url_source, health_endpoint = EXCLUDED.health_endpoint,
			openapi_path = EXCLUDED.openapi_path, env = EXCLUDED.env, capabilities = EXCLUDED.capabilities,
			tags = EXCLUDED.tags, module_id = EXCLUDED.module_id, module_version = EXCLUDED.module_version, sources = EXCLUDED.sources`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13))
	}
	_, err = b.db.ExecContext(ctx, query,
		entry.Slug, entry.DisplayName, entry.Kind, entry.BaseURL, string(entry.BaseURLSource), entry.HealthEndpoint,
		entry.OpenAPIPath, string(env), string(capabilities), string(tags), entry.ModuleID, entry.ModuleVersion, string(sources))
	if err != nil {
		return apherrors.Wrap(err, "upsert service manifest")
	}
	return nil
}

const manifestColumns = `slug, display_name, kind, base_url, base_url_source, health_endpoint, openapi_path, env, capabilities, tags, module_id, module_version, sources`

func (b *Backend) GetManifest(ctx context.Context, slug string) (*store.ServiceManifestEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_manifests WHERE slug = %s`, manifestColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, slug)
	return scanManifest(row, slug)
}

func scanManifest(row scanner, lookupKey string) (*store.ServiceManifestEntry, error) {
	var (
		m                                      store.ServiceManifestEntry
		baseURLSource                          string
		env, capabilities, tags, sources       []byte
	)
	if err := row.Scan(&m.Slug, &m.DisplayName, &m.Kind, &m.BaseURL, &baseURLSource, &m.HealthEndpoint,
		&m.OpenAPIPath, &env, &capabilities, &tags, &m.ModuleID, &m.ModuleVersion, &sources); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "service_manifest", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan service manifest")
	}
	m.BaseURLSource = store.BaseURLSource(baseURLSource)
	if err := unmarshalJSON(env, &m.Env); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(capabilities, &m.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &m.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(sources, &m.Sources); err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *Backend) ListManifests(ctx context.Context) ([]*store.ServiceManifestEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_manifests ORDER BY slug`, manifestColumns)
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apherrors.Wrap(err, "list service manifests")
	}
	defer rows.Close()
	var out []*store.ServiceManifestEntry
	for rows.Next() {
		m, err := scanManifest(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (b *Backend) UpsertServiceRecord(ctx context.Context, record *store.ServiceRecord) error {
	manifest, err := marshalJSON(record.Manifest)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record manifest")
	}
	runtime, err := marshalJSON(record.Runtime)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record runtime")
	}
	openapi, err := marshalJSON(record.OpenAPI)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record openapi")
	}
	latestHealth, err := marshalJSON(record.LatestHealth)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record health")
	}
	linkedApps, err := marshalJSON(record.LinkedApps)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record linked apps")
	}
	capabilities, err := marshalJSON(record.Capabilities)
	if err != nil {
		return apherrors.Wrap(err, "marshal service record capabilities")
	}

	var query string
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(`INSERT INTO services
			(slug, status, status_message, base_url, manifest, runtime, openapi, latest_health, linked_apps, capabilities, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (slug) DO UPDATE SET
			status = excluded.status, status_message = excluded.status_message, base_url = excluded.base_url,
			manifest = excluded.manifest, runtime = excluded.runtime, openapi = excluded.openapi,
			latest_health = excluded.latest_health, linked_apps = excluded.linked_apps,
			capabilities = excluded.capabilities, updated_at = excluded.updated_at`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12))
	} else {
		query = fmt.Sprintf(`INSERT INTO services
			(slug, status, status_message, base_url, manifest, runtime, openapi, latest_health, linked_apps, capabilities, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (slug) DO UPDATE SET
			status = EXCLUDED.status, status_message = EXCLUDED.status_message, base_url = EXCLUDED.base_url,
			manifest = EXCLUDED.manifest, runtime = EXCLUDED.runtime, openapi = EXCLUDED.openapi,
			latest_health = EXCLUDED.latest_health, linked_apps = EXCLUDED.linked_apps,
			capabilities = EXCLUDED.capabilities, updated_at = EXCLUDED.updated_at`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12))
	}
	now := record.UpdatedAt
	if now.IsZero() {
		now = record.CreatedAt
	}
	_, err = b.db.ExecContext(ctx, query,
		record.Slug, string(record.Status), record.StatusMessage, record.BaseURL, string(manifest), string(runtime),
		string(openapi), string(latestHealth), string(linkedApps), string(capabilities),
		record.CreatedAt.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apherrors.Wrap(err, "upsert service record")
	}
	return nil
}

const serviceColumns = `slug, status, status_message, base_url, manifest, runtime, openapi, latest_health, linked_apps, capabilities, created_at, updated_at`

func (b *Backend) GetServiceRecord(ctx context.Context, slug string) (*store.ServiceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM services WHERE slug = %s`, serviceColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, slug)
	return scanServiceRecord(row, slug)
}

func scanServiceRecord(row scanner, lookupKey string) (*store.ServiceRecord, error) {
	var (
		s                                                          store.ServiceRecord
		status                                                     string
		manifest, runtime, openapi, latestHealth, linkedApps, caps []byte
		createdAt, updatedAt                                       string
	)
	if err := row.Scan(&s.Slug, &status, &s.StatusMessage, &s.BaseURL, &manifest, &runtime, &openapi,
		&latestHealth, &linkedApps, &caps, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "service", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan service record")
	}
	s.Status = store.ServiceStatus(status)
	if err := unmarshalJSON(manifest, &s.Manifest); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(runtime, &s.Runtime); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(openapi, &s.OpenAPI); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(latestHealth, &s.LatestHealth); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(linkedApps, &s.LinkedApps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(caps, &s.Capabilities); err != nil {
		return nil, err
	}
	var err error
	s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Backend) ListServiceRecords(ctx context.Context) ([]*store.ServiceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM services ORDER BY slug`, serviceColumns)
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apherrors.Wrap(err, "list service records")
	}
	defer rows.Close()
	var out []*store.ServiceRecord
	for rows.Next() {
		s, err := scanServiceRecord(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) InsertHealthSnapshot(ctx context.Context, snapshot *store.HealthSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	query := fmt.Sprintf(`INSERT INTO service_health_snapshots (id, slug, status, message, checked_at)
		VALUES (%s, %s, %s, %s, %s)`, b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	if _, err := b.db.ExecContext(ctx, query, snapshot.ID, snapshot.Slug, string(snapshot.Status), snapshot.Message,
		snapshot.CheckedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return apherrors.Wrap(err, "insert health snapshot")
	}

	latestHealth, err := marshalJSON(snapshot)
	if err != nil {
		return apherrors.Wrap(err, "marshal health snapshot")
	}
	update := fmt.Sprintf(`UPDATE services SET latest_health = %s, status = %s, status_message = %s, updated_at = %s WHERE slug = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	res, err := b.db.ExecContext(ctx, update, string(latestHealth), string(snapshot.Status), snapshot.Message,
		snapshot.CheckedAt.UTC().Format(time.RFC3339Nano), snapshot.Slug)
	if err != nil {
		return apherrors.Wrap(err, "update service record with health snapshot")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "service", ID: snapshot.Slug}
	}
	return nil
}

func (b *Backend) GetRepositorySlug(ctx context.Context, repositoryID string) (string, error) {
	query := fmt.Sprintf(`SELECT slug FROM service_repository_bindings WHERE repository_id = %s`, b.ph(1))
	var slug string
	if err := b.db.QueryRowContext(ctx, query, repositoryID).Scan(&slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", &apherrors.NotFoundError{Resource: "repository_binding", ID: repositoryID}
		}
		return "", apherrors.Wrap(err, "get repository slug binding")
	}
	return slug, nil
}

func (b *Backend) BindRepositorySlug(ctx context.Context, repositoryID, slug string) error {
	var query string
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(`INSERT INTO service_repository_bindings (repository_id, slug) VALUES (%s, %s)
			ON CONFLICT (repository_id) DO UPDATE SET slug = excluded.slug`, b.ph(1), b.ph(2))
	} else {
		query = fmt.Sprintf(`INSERT INTO service_repository_bindings (repository_id, slug) VALUES (%s, %s)
			ON CONFLICT (repository_id) DO UPDATE SET slug = EXCLUDED.slug`, b.ph(1), b.ph(2))
	}
	if _, err := b.db.ExecContext(ctx, query, repositoryID, slug); err != nil {
		return apherrors.Wrap(err, "bind repository slug")
	}
	return nil
}
