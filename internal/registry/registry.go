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

// Package registry implements the Service Registry (spec §4.F): a
// cache-coherent manifest store with continuous health polling, OpenAPI
// refresh, and runtime binding of launched container instances.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the Registry's cache TTLs, health-poll cadence, and
// containerization context, mirroring internal/config.ServiceHealthConfig.
type Config struct {
	HealthIntervalMs         int64
	HealthTimeoutMs          int64
	OpenAPIRefreshIntervalMs int64
	ManifestCacheTTLMs       int64
	HealthCacheTTLMs         int64
	// Containerized signals the registry process itself runs inside a
	// container: loopback health-check candidates also get a
	// host.docker.internal rewrite attempt, tried alongside the original.
	Containerized bool
	// HealthFanout bounds how many services are health-checked
	// concurrently per poll cycle.
	HealthFanout int
	// BaseURLOverrides holds SERVICE_<UPPER_SLUG>_BASE_URL values, keyed
	// by lowercase slug. These win over every manifest source (§3).
	BaseURLOverrides map[string]string
}

func (c Config) withDefaults() Config {
	if c.HealthIntervalMs <= 0 {
		c.HealthIntervalMs = 30_000
	}
	if c.HealthTimeoutMs <= 0 {
		c.HealthTimeoutMs = 5_000
	}
	if c.OpenAPIRefreshIntervalMs <= 0 {
		c.OpenAPIRefreshIntervalMs = 900_000
	}
	if c.ManifestCacheTTLMs <= 0 {
		c.ManifestCacheTTLMs = 5_000
	}
	if c.HealthCacheTTLMs <= 0 {
		c.HealthCacheTTLMs = 10_000
	}
	if c.HealthFanout <= 0 {
		c.HealthFanout = 8
	}
	if c.BaseURLOverrides == nil {
		c.BaseURLOverrides = map[string]string{}
	}
	return c
}

// OpenAPIFetcher fetches and hashes a service's OpenAPI document. The
// default implementation issues an HTTP GET and canonicalizes the
// response before hashing (§9 Open Question); tests substitute a fake.
type OpenAPIFetcher interface {
	FetchAndHash(ctx context.Context, url string) (hash string, err error)
}

// Publisher broadcasts invalidation messages on the
// "service-registry:invalidate" channel (§6). In queue mode internal/daemon
// wires a Redis-backed implementation; in inline mode no Publisher is wired
// (nil) and invalidations are not broadcast.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// InvalidateKind discriminates invalidation broadcast messages.
type InvalidateKind string

const (
	InvalidateManifest      InvalidateKind = "manifest"
	InvalidateHealth        InvalidateKind = "health"
	InvalidateModuleContext InvalidateKind = "module-context"
)

// InvalidateMessage is the wire shape of a "service-registry:invalidate"
// broadcast (§6).
type InvalidateMessage struct {
	Kind     InvalidateKind `json:"kind"`
	Reason   string         `json:"reason"`
	Slug     string         `json:"slug,omitempty"`
	ModuleID string         `json:"moduleId,omitempty"`
}

// InvalidateChannel is the pub/sub channel name every publisher and
// subscriber uses (§6).
const InvalidateChannel = "service-registry:invalidate"

// Registry maintains the manifest cache, polls service health, refreshes
// OpenAPI documents, and binds runtime endpoints of launched containers.
type Registry struct {
	cfg     Config
	store   store.ServiceStore
	http    *http.Client
	openapi OpenAPIFetcher
	pub     Publisher
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu    sync.RWMutex
	cache *manifestCache

	healthMu    sync.RWMutex
	healthCache map[string]cachedHealth

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

type cachedHealth struct {
	snapshot  *store.HealthSnapshot
	expiresAt time.Time
}

// manifestCache is manifestStateCache from spec §4.F: the merged manifest
// entries plus fetch bookkeeping, refreshed on a short TTL or forced by an
// invalidation message.
type manifestCache struct {
	entries   map[string]*store.ServiceManifestEntry
	fetchedAt time.Time
	expiresAt time.Time
}

// Option configures a Registry at construction time.
type Option func(*Registry)

func WithHTTPClient(c *http.Client) Option   { return func(r *Registry) { r.http = c } }
func WithOpenAPIFetcher(f OpenAPIFetcher) Option { return func(r *Registry) { r.openapi = f } }
func WithPublisher(p Publisher) Option       { return func(r *Registry) { r.pub = p } }
func WithLogger(l *slog.Logger) Option       { return func(r *Registry) { r.logger = l } }

// New constructs a Registry over backend with the given configuration.
func New(backend store.ServiceStore, cfg Config, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:         cfg,
		store:       backend,
		http:        &http.Client{Timeout: time.Duration(cfg.HealthTimeoutMs) * time.Millisecond},
		logger:      slog.Default(),
		tracer:      otel.Tracer("apphub-core/registry"),
		now:         time.Now,
		healthCache: make(map[string]cachedHealth),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.openapi == nil {
		r.openapi = newHTTPOpenAPIFetcher(r.http)
	}
	return r
}

// Publish broadcasts an invalidation message both to the wired Publisher
// (remote subscribers) and by forcing the next local cache reload, per
// §4.F/§5 "a publish happens-before the next cache reload within the
// publishing process". Inline mode (nil Publisher) skips the remote
// broadcast but still invalidates locally (§4.F "Inline mode skips the
// broadcast").
func (r *Registry) Publish(ctx context.Context, msg InvalidateMessage) {
	r.applyInvalidation(msg)
	if r.pub == nil {
		return
	}
	payload := fmt.Sprintf(`{"kind":%q,"reason":%q,"slug":%q,"moduleId":%q}`,
		msg.Kind, msg.Reason, msg.Slug, msg.ModuleID)
	if err := r.pub.Publish(ctx, InvalidateChannel, []byte(payload)); err != nil {
		r.logger.WarnContext(ctx, "invalidation broadcast failed", ilog.Error(err))
	}
}

// OnRemoteInvalidate is the handler remote subscribers call when a message
// arrives on InvalidateChannel. Per §5, remote messages "may interleave
// arbitrarily with local operations"; the receiver always reloads
// forcibly rather than trying to reconcile ordering.
func (r *Registry) OnRemoteInvalidate(msg InvalidateMessage) {
	r.logger.Info("received remote registry invalidation", "kind", msg.Kind, "reason", msg.Reason, "slug", msg.Slug)
	r.applyInvalidation(msg)
}

func (r *Registry) applyInvalidation(msg InvalidateMessage) {
	switch msg.Kind {
	case InvalidateManifest:
		r.mu.Lock()
		r.cache = nil
		r.mu.Unlock()
	case InvalidateHealth:
		r.healthMu.Lock()
		if msg.Slug == "" {
			r.healthCache = make(map[string]cachedHealth)
		} else {
			delete(r.healthCache, msg.Slug)
		}
		r.healthMu.Unlock()
	case InvalidateModuleContext:
		// Module-context invalidation does not affect manifest/health
		// caches; it is a hint consumed by internal/moductx listing
		// filters which hold no cache of their own.
	}
}

// loopbackHosts are rewritten to host.docker.internal when the registry
// itself runs containerized (§4.F "Health polling").
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

func rewriteLoopback(rawURL string) (string, bool) {
	for host := range loopbackHosts {
		if strings.Contains(rawURL, host) {
			return strings.ReplaceAll(rawURL, host, "host.docker.internal"), true
		}
	}
	return rawURL, false
}

func isNotFound(err error) bool {
	var nf *apherrors.NotFoundError
	return apherrors.As(err, &nf)
}
