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
	"errors"
	"net/http"
	"testing"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	memorystore "github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/stretchr/testify/require"
)

// unreachableTransport fails every round trip instantly, so health-check
// side effects in these tests never touch the real network.
type unreachableTransport struct{}

func (unreachableTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("unreachable in test")
}

func newTestRegistry(backend store.ServiceStore, cfg Config) *Registry {
	return New(backend, cfg, WithHTTPClient(&http.Client{Transport: unreachableTransport{}}))
}

// TestManifestEnvOverrideWins is the §8 boundary scenario 6: an imported
// manifest's baseUrl is overridden by SERVICE_FOO_BASE_URL, with
// baseUrlSource becoming "env".
func TestManifestEnvOverrideWins(t *testing.T) {
	backend := memorystore.New()
	reg := newTestRegistry(backend, Config{
		BaseURLOverrides: map[string]string{"foo": "http://b"},
	})
	ctx := context.Background()

	require.NoError(t, reg.ImportManifest(ctx, &store.ServiceManifestEntry{
		Slug:          "foo",
		BaseURL:       "http://a",
		BaseURLSource: store.BaseURLSourceManifest,
	}))

	entry, err := reg.GetServiceManifest(ctx, "foo")
	require.NoError(t, err)
	require.Equal(t, "http://b", entry.BaseURL)
	require.Equal(t, store.BaseURLSourceEnv, entry.BaseURLSource)
}

func TestLoadManifestState_MergesAcrossModules(t *testing.T) {
	backend := memorystore.New()
	reg := newTestRegistry(backend, Config{})
	ctx := context.Background()

	require.NoError(t, reg.ImportManifest(ctx, &store.ServiceManifestEntry{
		Slug: "svc", DisplayName: "v1", Sources: []string{"module-a"},
	}))
	require.NoError(t, reg.ImportManifest(ctx, &store.ServiceManifestEntry{
		Slug: "svc", DisplayName: "v2", Sources: []string{"module-b"},
	}))

	entries, err := reg.LoadManifestState(ctx, LoadOptions{Force: true})
	require.NoError(t, err)
	entry := entries["svc"]
	require.Equal(t, "v2", entry.DisplayName, "last writer wins on scalar fields")
	require.Equal(t, []string{"module-a", "module-b"}, entry.Sources, "source audit trail is a stable append")
}

// TestUpdateServiceRuntimeForRepository_Idempotent is the §8 idempotence
// law: two sequential identical calls yield identical metadata and a
// single monotonically advanced UpdatedAt.
func TestUpdateServiceRuntimeForRepository_Idempotent(t *testing.T) {
	backend := memorystore.New()
	reg := newTestRegistry(backend, Config{})
	ctx := context.Background()

	require.NoError(t, backend.UpsertServiceRecord(ctx, &store.ServiceRecord{Slug: "svc"}))
	require.NoError(t, backend.BindRepositorySlug(ctx, "repo-1", "svc"))

	snapshot := store.ServiceRuntimeSnapshot{LaunchID: "launch-1", InstanceURL: "http://inst"}

	require.NoError(t, reg.UpdateServiceRuntimeForRepository(ctx, "repo-1", snapshot))
	first, err := backend.GetServiceRecord(ctx, "svc")
	require.NoError(t, err)
	firstUpdatedAt := first.UpdatedAt

	require.NoError(t, reg.UpdateServiceRuntimeForRepository(ctx, "repo-1", snapshot))
	second, err := backend.GetServiceRecord(ctx, "svc")
	require.NoError(t, err)

	require.Equal(t, first.Runtime.InstanceURL, second.Runtime.InstanceURL)
	require.Equal(t, first.Runtime.LaunchID, second.Runtime.LaunchID)
	require.False(t, second.UpdatedAt.Before(firstUpdatedAt))
}

func TestClearServiceRuntimeForRepository_GuardsOnLaunchID(t *testing.T) {
	backend := memorystore.New()
	reg := newTestRegistry(backend, Config{})
	ctx := context.Background()

	require.NoError(t, backend.UpsertServiceRecord(ctx, &store.ServiceRecord{Slug: "svc"}))
	require.NoError(t, backend.BindRepositorySlug(ctx, "repo-1", "svc"))
	require.NoError(t, reg.UpdateServiceRuntimeForRepository(ctx, "repo-1", store.ServiceRuntimeSnapshot{LaunchID: "launch-1"}))

	// A stale teardown referencing an older launch must not clear the
	// current binding.
	require.NoError(t, reg.ClearServiceRuntimeForRepository(ctx, "repo-1", ClearServiceRuntimeForRepositoryOptions{LaunchID: "stale-launch"}))
	record, err := backend.GetServiceRecord(ctx, "svc")
	require.NoError(t, err)
	require.NotNil(t, record.Runtime)

	require.NoError(t, reg.ClearServiceRuntimeForRepository(ctx, "repo-1", ClearServiceRuntimeForRepositoryOptions{LaunchID: "launch-1"}))
	record, err = backend.GetServiceRecord(ctx, "svc")
	require.NoError(t, err)
	require.Nil(t, record.Runtime)
}

func TestResolveBaseURL_MissingServiceIsNotFound(t *testing.T) {
	backend := memorystore.New()
	reg := newTestRegistry(backend, Config{})

	_, err := reg.ResolveBaseURL(context.Background(), "missing")
	require.Error(t, err)
}
