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

// Package config loads the environment-driven configuration for the
// control plane daemon. Every knob here is read once at process startup;
// an invalid or missing required value is a Configuration error (fatal
// at startup, never raised mid-request).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// EventsMode selects the queue manager's dispatch mode.
type EventsMode string

const (
	// EventsModeRedis backs the queue manager with distributed Redis
	// Streams. This is the only mode permitted in production.
	EventsModeRedis EventsMode = "redis"
	// EventsModeInline is the in-process cooperative dispatcher used in
	// tests and self-contained local runs. Refused unless
	// APPHUB_ALLOW_INLINE_MODE is truthy.
	EventsModeInline EventsMode = "inline"
)

// BackendDriver selects the storage backend implementation.
type BackendDriver string

const (
	BackendMemory   BackendDriver = "memory"
	BackendPostgres BackendDriver = "postgres"
	BackendSQLite   BackendDriver = "sqlite"
)

// SourceRateLimit configures the per-source sliding window enforced by
// the scheduler state component (§4.C).
type SourceRateLimit struct {
	Source     string `json:"source"`
	Limit      int    `json:"limit"`
	IntervalMs int64  `json:"intervalMs"`
	PauseMs    int64  `json:"pauseMs"`
}

// TriggerConfig configures trigger failure-pausing (§4.C).
type TriggerConfig struct {
	ErrorThreshold int
	ErrorWindowMs  int64
	PauseMs        int64
}

// ServiceHealthConfig configures the registry's health poller (§4.F).
type ServiceHealthConfig struct {
	IntervalMs               int64
	TimeoutMs                int64
	OpenAPIRefreshIntervalMs int64
	RegistryCacheTTLMs       int64
	HealthCacheTTLMs         int64
	// Containerized signals that this process itself runs inside a
	// container, so loopback health-check candidates are also retried
	// against host.docker.internal.
	Containerized bool
}

// RetryConfig configures the orchestrator's process-wide default retry
// policy (§4.E), applied when a step declares none of its own.
type RetryConfig struct {
	BaseMs      int64
	Factor      float64
	MaxMs       int64
	JitterRatio float64
}

// RedisConfig configures the queue-mode Redis Streams backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// APITokenConfig is one entry of the process-configured Bearer token map
// consumed by internal/api/auth (spec §6: the core never issues tokens,
// only accepts pre-shared or externally-issued ones).
type APITokenConfig struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// JWTConfig configures optional externally-issued bearer JWT acceptance,
// as a fallback credential source alongside the static token map.
type JWTConfig struct {
	Enabled   bool
	Secret    string
	Issuer    string
	Audience  string
	ClockSkewSeconds int64
}

// AuthConfig configures the HTTP control surface's authentication layer.
type AuthConfig struct {
	Tokens            []APITokenConfig
	JWT               JWTConfig
	RateLimitPerSecond float64
	RateLimitBurst    int
	RateLimitEnabled  bool
}

// BackendConfig configures the transactional store.
type BackendConfig struct {
	Driver BackendDriver
	DSN    string
}

// Config is the fully resolved daemon configuration.
type Config struct {
	EventsMode      EventsMode
	AllowInlineMode bool

	Redis   RedisConfig
	Backend BackendConfig

	RateLimits []SourceRateLimit
	Trigger    TriggerConfig
	Health     ServiceHealthConfig
	Retry      RetryConfig

	// ServiceBaseURLOverrides holds SERVICE_<UPPER_SLUG>_BASE_URL values,
	// keyed by lowercase slug. These win over every manifest source.
	ServiceBaseURLOverrides map[string]string

	ListenAddr string
	Auth       AuthConfig
}

// Default returns a Config populated with the defaults documented in §6
// of the specification this module implements.
func Default() *Config {
	return &Config{
		EventsMode:      EventsModeInline,
		AllowInlineMode: false,
		Backend:         BackendConfig{Driver: BackendMemory},
		Trigger: TriggerConfig{
			ErrorThreshold: 5,
			ErrorWindowMs:  300_000,
			PauseMs:        300_000,
		},
		Health: ServiceHealthConfig{
			IntervalMs:               30_000,
			TimeoutMs:                5_000,
			OpenAPIRefreshIntervalMs: 900_000,
			RegistryCacheTTLMs:       5_000,
			HealthCacheTTLMs:         10_000,
		},
		Retry: RetryConfig{
			BaseMs:      1_000,
			Factor:      2.0,
			MaxMs:       60_000,
			JitterRatio: 0.2,
		},
		ServiceBaseURLOverrides: map[string]string{},
		ListenAddr:              ":8080",
		Auth: AuthConfig{
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			RateLimitEnabled:   true,
		},
	}
}

// Load reads the daemon configuration from the environment, starting
// from Default(). Returns a *ConfigurationError wrapped as the returned
// error on any malformed value.
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("APPHUB_EVENTS_MODE"); v != "" {
		switch EventsMode(v) {
		case EventsModeRedis, EventsModeInline:
			cfg.EventsMode = EventsMode(v)
		default:
			return nil, &apherrors.ConfigurationError{
				Key:    "APPHUB_EVENTS_MODE",
				Reason: "must be 'redis' or 'inline', got " + v,
			}
		}
	}
	cfg.AllowInlineMode = envBool("APPHUB_ALLOW_INLINE_MODE", false)

	if cfg.EventsMode == EventsModeInline && !cfg.AllowInlineMode {
		return nil, &apherrors.ConfigurationError{
			Key:    "APPHUB_ALLOW_INLINE_MODE",
			Reason: "inline mode is a test affordance; set APPHUB_ALLOW_INLINE_MODE=1 to run it deliberately",
		}
	}

	cfg.Redis.Addr = envOr("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &apherrors.ConfigurationError{Key: "REDIS_DB", Reason: "must be an integer", Cause: err}
		}
		cfg.Redis.DB = n
	}

	if v := os.Getenv("APPHUB_BACKEND_DRIVER"); v != "" {
		switch BackendDriver(v) {
		case BackendMemory, BackendPostgres, BackendSQLite:
			cfg.Backend.Driver = BackendDriver(v)
		default:
			return nil, &apherrors.ConfigurationError{
				Key:    "APPHUB_BACKEND_DRIVER",
				Reason: "must be one of memory, postgres, sqlite, got " + v,
			}
		}
	}
	cfg.Backend.DSN = os.Getenv("APPHUB_BACKEND_DSN")
	if cfg.Backend.Driver != BackendMemory && cfg.Backend.DSN == "" {
		return nil, &apherrors.ConfigurationError{
			Key:    "APPHUB_BACKEND_DSN",
			Reason: "required when APPHUB_BACKEND_DRIVER is not memory",
		}
	}

	if v := os.Getenv("EVENT_SOURCE_RATE_LIMITS"); v != "" {
		var limits []SourceRateLimit
		if err := json.Unmarshal([]byte(v), &limits); err != nil {
			return nil, &apherrors.ConfigurationError{Key: "EVENT_SOURCE_RATE_LIMITS", Reason: "must be a JSON array", Cause: err}
		}
		cfg.RateLimits = limits
	}

	var err error
	if cfg.Trigger.ErrorThreshold, err = envInt("EVENT_TRIGGER_ERROR_THRESHOLD", cfg.Trigger.ErrorThreshold); err != nil {
		return nil, err
	}
	if cfg.Trigger.ErrorWindowMs, err = envInt64("EVENT_TRIGGER_ERROR_WINDOW_MS", cfg.Trigger.ErrorWindowMs); err != nil {
		return nil, err
	}
	if cfg.Trigger.PauseMs, err = envInt64("EVENT_TRIGGER_PAUSE_MS", cfg.Trigger.PauseMs); err != nil {
		return nil, err
	}

	if cfg.Health.IntervalMs, err = envInt64("SERVICE_HEALTH_INTERVAL_MS", cfg.Health.IntervalMs); err != nil {
		return nil, err
	}
	if cfg.Health.TimeoutMs, err = envInt64("SERVICE_HEALTH_TIMEOUT_MS", cfg.Health.TimeoutMs); err != nil {
		return nil, err
	}
	if cfg.Health.OpenAPIRefreshIntervalMs, err = envInt64("SERVICE_OPENAPI_REFRESH_INTERVAL_MS", cfg.Health.OpenAPIRefreshIntervalMs); err != nil {
		return nil, err
	}
	if cfg.Health.RegistryCacheTTLMs, err = envInt64("SERVICE_REGISTRY_CACHE_TTL_MS", cfg.Health.RegistryCacheTTLMs); err != nil {
		return nil, err
	}
	if cfg.Health.HealthCacheTTLMs, err = envInt64("SERVICE_HEALTH_CACHE_TTL_MS", cfg.Health.HealthCacheTTLMs); err != nil {
		return nil, err
	}
	cfg.Health.Containerized = envBool("APPHUB_CONTAINERIZED", false)

	if cfg.Retry.BaseMs, err = envInt64("WORKFLOW_RETRY_BASE_MS", cfg.Retry.BaseMs); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxMs, err = envInt64("WORKFLOW_RETRY_MAX_MS", cfg.Retry.MaxMs); err != nil {
		return nil, err
	}
	if v := os.Getenv("WORKFLOW_RETRY_FACTOR"); v != "" {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, &apherrors.ConfigurationError{Key: "WORKFLOW_RETRY_FACTOR", Reason: "must be a float", Cause: ferr}
		}
		cfg.Retry.Factor = f
	}
	if v := os.Getenv("WORKFLOW_RETRY_JITTER_RATIO"); v != "" {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return nil, &apherrors.ConfigurationError{Key: "WORKFLOW_RETRY_JITTER_RATIO", Reason: "must be a float", Cause: ferr}
		}
		cfg.Retry.JitterRatio = f
	}

	cfg.ServiceBaseURLOverrides = parseServiceBaseURLOverrides(os.Environ())

	if v := os.Getenv("APPHUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("APPHUB_API_TOKENS"); v != "" {
		var tokens []APITokenConfig
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return nil, &apherrors.ConfigurationError{Key: "APPHUB_API_TOKENS", Reason: "must be a JSON array of {token,subject,scopes}", Cause: err}
		}
		cfg.Auth.Tokens = tokens
	}
	if v := os.Getenv("APPHUB_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Enabled = true
		cfg.Auth.JWT.Secret = v
		cfg.Auth.JWT.Issuer = os.Getenv("APPHUB_JWT_ISSUER")
		cfg.Auth.JWT.Audience = os.Getenv("APPHUB_JWT_AUDIENCE")
		if cfg.Auth.JWT.ClockSkewSeconds, err = envInt64("APPHUB_JWT_CLOCK_SKEW_SECONDS", 30); err != nil {
			return nil, err
		}
	}
	cfg.Auth.RateLimitEnabled = envBool("APPHUB_RATE_LIMIT_ENABLED", cfg.Auth.RateLimitEnabled)

	return cfg, nil
}

// parseServiceBaseURLOverrides scans the process environment for
// SERVICE_<UPPER_SLUG>_BASE_URL entries and returns them keyed by
// lowercase slug, as consumed by the service registry's manifest merge
// (§3 "environment-variable overrides ... win over all manifest sources").
func parseServiceBaseURLOverrides(environ []string) map[string]string {
	overrides := make(map[string]string)
	const prefix = "SERVICE_"
	const suffix = "_BASE_URL"
	for _, kv := range environ {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, val := kv[:idx], kv[idx+1:]
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
			continue
		}
		slug := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		if slug == "" {
			continue
		}
		overrides[strings.ToLower(slug)] = val
	}
	return overrides
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &apherrors.ConfigurationError{Key: key, Reason: "must be an integer", Cause: err}
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &apherrors.ConfigurationError{Key: key, Reason: "must be an integer", Cause: err}
	}
	return n, nil
}
