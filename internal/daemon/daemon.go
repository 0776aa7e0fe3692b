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

// Package daemon assembles the control plane: configuration, store,
// queue manager, event bus, trigger processor, orchestrator, service
// registry, schedule sweeper, and the HTTP control surface, wired in
// dependency order and torn down in reverse.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/api"
	"github.com/benediktbwimmer/apphub-core/internal/api/auth"
	"github.com/benediktbwimmer/apphub-core/internal/config"
	"github.com/benediktbwimmer/apphub-core/internal/eventbus"
	"github.com/benediktbwimmer/apphub-core/internal/jq"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/moductx"
	"github.com/benediktbwimmer/apphub-core/internal/orchestrator"
	"github.com/benediktbwimmer/apphub-core/internal/queue"
	"github.com/benediktbwimmer/apphub-core/internal/registry"
	"github.com/benediktbwimmer/apphub-core/internal/retrypolicy"
	"github.com/benediktbwimmer/apphub-core/internal/scheduler"
	"github.com/benediktbwimmer/apphub-core/internal/schedulerstate"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/trigger"
	"github.com/redis/go-redis/v9"
)

// Options carries build metadata injected via ldflags.
type Options struct {
	Version string
}

// Daemon is the assembled control plane process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     store.Store
	queues    *queue.Manager
	bus       *eventbus.Bus
	triggers  *trigger.Processor
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	moduleCtx *moductx.Context
	telemetry *telemetry

	server      *http.Server
	pubsub      *redis.Client
	stopPoller  func()
	stopSubLoop func()

	mu      sync.Mutex
	started bool
}

// New assembles a Daemon from cfg. Construction opens the store and
// builds every subsystem but starts no background work; Start does that.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := ilog.WithComponent(ilog.New(ilog.FromEnv()), "daemon")

	tel, err := newTelemetry("apphub-core", opts.Version)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	st, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	queueMode := queue.ModeQueue
	if cfg.EventsMode == config.EventsModeInline {
		queueMode = queue.ModeInline
	}
	queues, err := queue.New(queue.Config{
		Mode:            queueMode,
		AllowInlineMode: cfg.AllowInlineMode,
		RedisAddr:       cfg.Redis.Addr,
		RedisPassword:   cfg.Redis.Password,
		RedisDB:         cfg.Redis.DB,
	}, ilog.WithComponent(logger, "queue"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	queues.OnConnectionError(func(err error) {
		logger.Error("queue connection error", ilog.Error(err))
	})

	limits := make([]schedulerstate.SourceLimit, len(cfg.RateLimits))
	keys := make([]string, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		limits[i] = schedulerstate.SourceLimit{Limit: rl.Limit, IntervalMs: rl.IntervalMs, PauseMs: rl.PauseMs}
		keys[i] = rl.Source
	}
	state := schedulerstate.New(limits, keys, cfg.Trigger.ErrorThreshold, cfg.Trigger.ErrorWindowMs, cfg.Trigger.PauseMs)

	executor := jq.NewExecutor(0)

	processor := trigger.New(st, state, executor,
		&runEnqueuer{mgr: queues},
		&deliveryRetryEnqueuer{mgr: queues},
		trigger.WithLogger(ilog.WithComponent(logger, "trigger")),
	)

	bus := eventbus.New(st,
		eventbus.WithSourceGate(state),
		eventbus.WithDispatcher(processor),
		eventbus.WithLogger(ilog.WithComponent(logger, "eventbus")),
	)

	regOpts := []registry.Option{
		registry.WithLogger(ilog.WithComponent(logger, "registry")),
	}
	var pubsub *redis.Client
	if queueMode == queue.ModeQueue {
		pubsub = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		regOpts = append(regOpts, registry.WithPublisher(&redisPublisher{client: pubsub}))
	}
	reg := registry.New(st, registry.Config{
		HealthIntervalMs:         cfg.Health.IntervalMs,
		HealthTimeoutMs:          cfg.Health.TimeoutMs,
		OpenAPIRefreshIntervalMs: cfg.Health.OpenAPIRefreshIntervalMs,
		ManifestCacheTTLMs:       cfg.Health.RegistryCacheTTLMs,
		HealthCacheTTLMs:         cfg.Health.HealthCacheTTLMs,
		Containerized:            cfg.Health.Containerized,
		BaseURLOverrides:         cfg.ServiceBaseURLOverrides,
	}, regOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithServiceResolver(reg),
		orchestrator.WithRetryScheduler(&retryScheduler{mgr: queues}),
		orchestrator.WithDefaultRetryPolicy(retrypolicy.Default(cfg.Retry.BaseMs, cfg.Retry.MaxMs, cfg.Retry.Factor, cfg.Retry.JitterRatio)),
		orchestrator.WithLogger(ilog.WithComponent(logger, "orchestrator")),
	}
	if queueMode == queue.ModeQueue {
		// In queue mode job steps are dispatched to the external worker
		// fleet; inline mode runs registered in-process handlers instead.
		orchOpts = append(orchOpts, orchestrator.WithJobDispatcher(&jobDispatcher{mgr: queues}))
	}
	orch := orchestrator.New(st, orchOpts...)

	sched := scheduler.New(st, &runEnqueuer{mgr: queues},
		scheduler.WithLogger(ilog.WithComponent(logger, "scheduler")),
	)

	moduleCtx := moductx.New(st)

	var mw *auth.Middleware
	if len(cfg.Auth.Tokens) > 0 || cfg.Auth.JWT.Enabled {
		tokens := make(auth.TokenMap, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			tokens[t.Token] = auth.Principal{Subject: t.Subject, Scopes: t.Scopes}
		}
		mw = auth.NewMiddleware(tokens, auth.RateLimitConfig{
			RequestsPerSecond: cfg.Auth.RateLimitPerSecond,
			BurstSize:         cfg.Auth.RateLimitBurst,
			Enabled:           cfg.Auth.RateLimitEnabled,
		})
		if cfg.Auth.JWT.Enabled {
			mw = mw.WithJWTValidator(auth.NewJWTValidator(auth.JWTConfig{
				Secret:    []byte(cfg.Auth.JWT.Secret),
				Issuer:    cfg.Auth.JWT.Issuer,
				Audience:  cfg.Auth.JWT.Audience,
				ClockSkew: time.Duration(cfg.Auth.JWT.ClockSkewSeconds) * time.Second,
			}))
		}
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		store:     st,
		queues:    queues,
		bus:       bus,
		triggers:  processor,
		orch:      orch,
		registry:  reg,
		scheduler: sched,
		moduleCtx: moduleCtx,
		telemetry: tel,
		pubsub:    pubsub,
	}

	router := api.NewRouter(api.RouterConfig{Version: opts.Version}, api.Deps{
		Store:        st,
		Orchestrator: orch,
		Triggers:     processor,
		Registry:     reg,
		ModuleCtx:    moduleCtx,
		Bus:          bus,
		State:        state,
		Auth:         mw,
		Logger:       ilog.WithComponent(logger, "api"),
		Runs:         &runEnqueuer{mgr: queues},
	})
	router.Mux().Handle("GET /metrics", tel.MetricsHandler())

	d.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := d.registerQueues(); err != nil {
		_ = st.Close()
		return nil, err
	}

	return d, nil
}

// Queue names not already declared alongside the adapters.
const (
	queueEventIngress    = "event-ingress"
	queueTimestoreIngest = "timestore-ingest"
)

// registerQueues declares every logical queue from spec §6 with its
// worker loader. Loaders run lazily on EnsureWorker; queues consumed by
// external fleets (workflow-jobs, timestore-ingest) register without one.
func (d *Daemon) registerQueues() error {
	cleanup := queue.JobOptions{RemoveOnComplete: 1000, RemoveOnFail: 5000}

	registrations := []struct {
		key    string
		loader queue.WorkerLoader
	}{
		{queueWorkflow, func(ctx context.Context) (queue.Handler, error) {
			return func(ctx context.Context, job *queue.Job) error {
				return d.orch.RunWorkflowOrchestration(ctx, payloadString(job, "runId"))
			}, nil
		}},
		{queueWorkflowRetry, func(ctx context.Context) (queue.Handler, error) {
			return func(ctx context.Context, job *queue.Job) error {
				return d.orch.RunWorkflowOrchestration(ctx, payloadString(job, "runId"))
			}, nil
		}},
		{queueEventTrigger, func(ctx context.Context) (queue.Handler, error) {
			return func(ctx context.Context, job *queue.Job) error {
				return d.triggers.RetryDelivery(ctx, payloadString(job, "deliveryId"))
			}, nil
		}},
		{queueEventIngress, func(ctx context.Context) (queue.Handler, error) {
			return func(ctx context.Context, job *queue.Job) error {
				envelope, err := envelopeFromPayload(job.Payload)
				if err != nil {
					return err
				}
				_, err = d.bus.Ingest(ctx, envelope)
				return err
			}, nil
		}},
		{queueWorkflowJobs, nil},
		{queueTimestoreIngest, nil},
	}

	for _, r := range registrations {
		if err := d.queues.RegisterQueue(r.key, r.key, cleanup, r.loader); err != nil {
			return err
		}
	}
	return nil
}

func payloadString(job *queue.Job, key string) string {
	if job == nil || job.Payload == nil {
		return ""
	}
	if v, ok := job.Payload[key].(string); ok {
		return v
	}
	return ""
}

// envelopeFromPayload decodes an event-ingress job payload back into an
// EventEnvelope via a JSON round trip, the same wire shape producers
// publish.
func envelopeFromPayload(payload map[string]any) (*store.EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	var envelope store.EventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return &envelope, nil
}

// Start brings up background work (queue workers, health poller,
// schedule sweeper, pub/sub subscriber) and serves the control surface
// until ctx is canceled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.EventsMode == config.EventsModeRedis {
		if err := d.queues.VerifyConnectivity(ctx, 5*time.Second); err != nil {
			// Connection errors never crash the process; the next
			// operation retries establishment (§7 propagation policy).
			d.logger.Warn("queue backend unreachable at startup", ilog.Error(err))
		}
	}

	for _, key := range []string{queueWorkflow, queueWorkflowRetry, queueEventTrigger, queueEventIngress} {
		if err := d.queues.EnsureWorker(ctx, key); err != nil {
			return fmt.Errorf("start worker for queue %s: %w", key, err)
		}
	}

	d.stopPoller = d.registry.StartHealthPoller(ctx)
	d.scheduler.Start(ctx)

	if d.pubsub != nil {
		d.stopSubLoop = subscribeInvalidations(ctx, d.pubsub, d.registry, ilog.WithComponent(d.logger, "registry"))
	}

	d.logger.Info("apphub-core daemon starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", d.cfg.ListenAddr),
		slog.String("events_mode", string(d.cfg.EventsMode)),
		slog.String("backend", string(d.cfg.Backend.Driver)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown tears the daemon down in reverse dependency order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("http server shutdown error", ilog.Error(err))
		}
	}

	d.scheduler.Stop()
	if d.stopPoller != nil {
		d.stopPoller()
	}
	if d.stopSubLoop != nil {
		d.stopSubLoop()
	}
	if d.pubsub != nil {
		_ = d.pubsub.Close()
	}

	if err := d.queues.CloseConnection(); err != nil {
		d.logger.Error("queue shutdown error", ilog.Error(err))
	}

	if d.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.telemetry.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("telemetry shutdown error", ilog.Error(err))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("store close error", ilog.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
