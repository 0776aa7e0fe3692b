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

package config

import (
	"testing"

	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"APPHUB_EVENTS_MODE", "APPHUB_ALLOW_INLINE_MODE", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"APPHUB_BACKEND_DRIVER", "APPHUB_BACKEND_DSN", "EVENT_SOURCE_RATE_LIMITS",
		"EVENT_TRIGGER_ERROR_THRESHOLD", "EVENT_TRIGGER_ERROR_WINDOW_MS", "EVENT_TRIGGER_PAUSE_MS",
		"SERVICE_HEALTH_INTERVAL_MS", "SERVICE_HEALTH_TIMEOUT_MS", "SERVICE_OPENAPI_REFRESH_INTERVAL_MS",
		"SERVICE_REGISTRY_CACHE_TTL_MS", "SERVICE_HEALTH_CACHE_TTL_MS", "APPHUB_CONTAINERIZED",
		"WORKFLOW_RETRY_BASE_MS", "WORKFLOW_RETRY_MAX_MS", "WORKFLOW_RETRY_FACTOR", "WORKFLOW_RETRY_JITTER_RATIO",
		"APPHUB_LISTEN_ADDR", "SERVICE_FOO_BASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		t.Setenv(k, "")
	}
	// t.Setenv cannot unset; re-run with os.Unsetenv semantics via empty string
	// is handled by envOr/envBool/envInt treating "" as unset.
}

func TestLoadDefaultsRequireInlineOptIn(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	var cerr *apherrors.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "APPHUB_ALLOW_INLINE_MODE", cerr.Key)
}

func TestLoadInlineWithOptIn(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_ALLOW_INLINE_MODE", "1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EventsModeInline, cfg.EventsMode)
	assert.Equal(t, BackendMemory, cfg.Backend.Driver)
	assert.Equal(t, 5, cfg.Trigger.ErrorThreshold)
}

func TestLoadRejectsUnknownEventsMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
	var cerr *apherrors.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "APPHUB_EVENTS_MODE", cerr.Key)
}

func TestLoadRedisModeNoInlineOptInNeeded(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EventsModeRedis, cfg.EventsMode)
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	t.Setenv("APPHUB_BACKEND_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)
	var cerr *apherrors.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "APPHUB_BACKEND_DSN", cerr.Key)
}

func TestLoadParsesSourceRateLimits(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	t.Setenv("EVENT_SOURCE_RATE_LIMITS", `[{"source":"metastore.worker","limit":10,"intervalMs":1000,"pauseMs":5000}]`)
	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.RateLimits, 1)
	assert.Equal(t, "metastore.worker", cfg.RateLimits[0].Source)
	assert.Equal(t, 10, cfg.RateLimits[0].Limit)
}

func TestLoadRejectsMalformedRateLimits(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	t.Setenv("EVENT_SOURCE_RATE_LIMITS", `not-json`)
	_, err := Load()
	require.Error(t, err)
}

func TestServiceBaseURLOverridesParsed(t *testing.T) {
	clearEnv(t)
	t.Setenv("APPHUB_EVENTS_MODE", "redis")
	t.Setenv("SERVICE_FOO_BASE_URL", "http://b")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://b", cfg.ServiceBaseURLOverrides["foo"])
}

func TestParseServiceBaseURLOverridesIgnoresUnrelatedVars(t *testing.T) {
	overrides := parseServiceBaseURLOverrides([]string{
		"SERVICE_FOO_BASE_URL=http://a",
		"SERVICE_BAR_BASE_URL=http://c",
		"PATH=/usr/bin",
		"SERVICE__BASE_URL=ignored",
	})
	assert.Equal(t, "http://a", overrides["foo"])
	assert.Equal(t, "http://c", overrides["bar"])
	assert.Len(t, overrides, 2)
}
