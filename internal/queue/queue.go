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

// Package queue implements the Queue Manager (spec §4.A): a uniform
// dispatch abstraction over a distributed Redis Streams backend ("queue
// mode") and an in-process cooperative dispatcher ("inline mode", a test
// affordance refused in production unless explicitly allowed).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Job is one unit of dispatch work, handed from orchestrator/trigger/
// ingestion callers to a registered queue.
type Job struct {
	ID        string
	Payload   map[string]any
	EnqueuedAt time.Time
	Attempt   int
}

// JobOptions are the per-queue job defaults given to RegisterQueue. They
// are recorded on the registration only: neither the inline nor the Redis
// backend applies RemoveOnComplete or RemoveOnFail to enqueued jobs, and
// retry counts are handled at the orchestrator layer.
type JobOptions struct {
	RemoveOnComplete int
	RemoveOnFail     int
}

// Handler processes one dequeued job. Returning an error marks the job
// failed for statistics purposes; the queue manager does not itself retry
// -- retry semantics belong to the calling subsystem (orchestrator,
// trigger processor).
type Handler func(ctx context.Context, job *Job) error

// WorkerLoader lazily constructs the Handler for a queue. It is invoked at
// most once per process lifetime, on the first EnsureWorker call.
type WorkerLoader func(ctx context.Context) (Handler, error)

// Mode is the Queue Manager's current dispatch mode, recomputed on every
// public call from the process configuration (§4.A "Mode transitions").
type Mode string

const (
	ModeQueue  Mode = "queue"
	ModeInline Mode = "inline"
)

// Bucket names the job-count buckets reported by GetQueueStatistics.
type Bucket string

const (
	BucketWaiting   Bucket = "waiting"
	BucketActive    Bucket = "active"
	BucketCompleted Bucket = "completed"
	BucketFailed    Bucket = "failed"
	BucketDelayed   Bucket = "delayed"
	BucketPaused    Bucket = "paused"
)

// Statistics is one queue's point-in-time counts plus a processing-time
// moving average computed from the last completed-job data series.
type Statistics struct {
	Counts                 map[Bucket]int64
	AvgProcessingTimeMillis float64
}

// Queue is the per-registered-key handle returned by GetQueue/TryGetQueue.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error
	Statistics(ctx context.Context) (Statistics, error)
	Close() error
}

// registration is one RegisterQueue call's bookkeeping.
type registration struct {
	key        string
	queueName  string
	options    JobOptions
	loader     WorkerLoader
	workerOnce sync.Once
	workerErr  error
	handler    Handler

	handle Queue
	stop   func()
}

// Config selects the manager's operating mode and backend connection.
type Config struct {
	Mode            Mode
	AllowInlineMode bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// Manager is the dual-mode dispatcher described in spec §4.A.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	regs  map[string]*registration
	redis *redis.Client

	logger  *slog.Logger
	metrics *metrics

	onConnectionError func(error)
}

// New constructs a Manager. In inline mode without AllowInlineMode set,
// New itself refuses and returns a Configuration error (SetMode refuses
// the same transition): inline mode is a test affordance, never a production mode
// (§9 "Cooperative vs. preemptive").
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.Mode == ModeInline && !cfg.AllowInlineMode {
		return nil, &apherrors.ConfigurationError{
			Key:    "APPHUB_ALLOW_INLINE_MODE",
			Reason: "inline queue mode requires APPHUB_ALLOW_INLINE_MODE",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		regs:    make(map[string]*registration),
		logger:  logger,
		metrics: newMetrics(),
	}
	return m, nil
}

// OnConnectionError registers a callback invoked whenever a telemetry-only
// path observes a connection failure, per §4.A "Failure semantics".
func (m *Manager) OnConnectionError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectionError = fn
}

func (m *Manager) mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Mode
}

// RegisterQueue declares a logical queue. Idempotent across calls with
// different keys; a duplicate key is a Conflict error. Nothing is loaded
// eagerly -- the worker loader runs only on EnsureWorker.
func (m *Manager) RegisterQueue(key, queueName string, defaultJobOptions JobOptions, loader WorkerLoader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.regs[key]; exists {
		return &apherrors.ConflictError{Resource: "queue", Key: key, Reason: "already registered"}
	}
	m.regs[key] = &registration{
		key:       key,
		queueName: queueName,
		options:   defaultJobOptions,
		loader:    loader,
	}
	m.metrics.setRegisteredQueues(len(m.regs))
	return nil
}

// EnsureWorker lazily invokes the registration's worker loader exactly
// once across the process lifetime and starts the handler loop against
// the queue's current-mode handle. Safe under concurrent callers: once
// loaded, subsequent calls are no-ops.
func (m *Manager) EnsureWorker(ctx context.Context, key string) error {
	reg, err := m.registration(key)
	if err != nil {
		return err
	}

	reg.workerOnce.Do(func() {
		if reg.loader == nil {
			return
		}
		handler, err := reg.loader(ctx)
		if err != nil {
			reg.workerErr = fmt.Errorf("load worker for queue %s: %w", key, err)
			return
		}
		handle, err := m.handleFor(ctx, reg)
		if err != nil {
			reg.workerErr = err
			return
		}
		reg.handler = handler
		reg.stop = m.startWorkerLoop(reg, handle, handler)
	})
	return reg.workerErr
}

func (m *Manager) registration(key string) (*registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "queue", ID: key}
	}
	return reg, nil
}

// handleFor returns (creating if necessary) the mode-appropriate Queue
// handle for reg. Handles churn across queue<->inline transitions; the
// registration itself survives.
func (m *Manager) handleFor(ctx context.Context, reg *registration) (Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleForLocked(reg)
}

// handleForLocked is handleFor's body for callers that already hold m.mu.
func (m *Manager) handleForLocked(reg *registration) (Queue, error) {
	mode := m.cfg.Mode

	switch mode {
	case ModeInline:
		if q, ok := reg.handle.(*inlineQueue); ok {
			return q, nil
		}
		m.disposeHandleLocked(reg)
		q := newInlineQueue(reg.queueName)
		reg.handle = q
		return q, nil
	default:
		if q, ok := reg.handle.(*redisQueue); ok {
			return q, nil
		}
		m.disposeHandleLocked(reg)
		client, err := m.redisClientLocked()
		if err != nil {
			return nil, err
		}
		q := newRedisQueue(client, reg.queueName, m.metrics)
		reg.handle = q
		return q, nil
	}
}

// disposeHandleLocked stops reg's worker loop (if running) and closes its
// current handle ahead of a mode transition. Callers hold m.mu.
func (m *Manager) disposeHandleLocked(reg *registration) {
	if reg.stop != nil {
		reg.stop()
		reg.stop = nil
	}
	if reg.handle != nil {
		_ = reg.handle.Close()
		reg.handle = nil
	}
}

// SetMode switches the manager's dispatch mode. A queue->inline transition
// disposes every queue handle and closes the shared Redis connection
// before the next operation; registered queues survive the transition
// (§4.A "Mode transitions").
func (m *Manager) SetMode(mode Mode) error {
	if mode == ModeInline && !m.cfg.AllowInlineMode {
		return &apherrors.ConfigurationError{
			Key:    "APPHUB_ALLOW_INLINE_MODE",
			Reason: "inline queue mode requires APPHUB_ALLOW_INLINE_MODE",
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode == mode {
		return nil
	}
	m.cfg.Mode = mode
	reattach := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		m.disposeHandleLocked(reg)
		if reg.handler != nil {
			reattach = append(reattach, reg)
		}
	}
	if mode == ModeInline && m.redis != nil {
		_ = m.redis.Close()
		m.redis = nil
	}

	for _, reg := range reattach {
		handle, err := m.handleForLocked(reg)
		if err != nil {
			continue
		}
		reg.stop = m.startWorkerLoop(reg, handle, reg.handler)
	}
	return nil
}

func (m *Manager) redisClientLocked() (*redis.Client, error) {
	if m.redis != nil {
		return m.redis, nil
	}
	m.redis = redis.NewClient(&redis.Options{
		Addr:     m.cfg.RedisAddr,
		Password: m.cfg.RedisPassword,
		DB:       m.cfg.RedisDB,
	})
	return m.redis, nil
}

// GetQueue returns the handle for key in the current mode, throwing if the
// queue is unregistered. In inline mode GetQueue still succeeds (it
// returns the inline handle); use TryGetQueue to distinguish queue-mode
// callers that want an absence signal instead.
func (m *Manager) GetQueue(ctx context.Context, key string) (Queue, error) {
	reg, err := m.registration(key)
	if err != nil {
		return nil, err
	}
	return m.handleFor(ctx, reg)
}

// TryGetQueue returns the handle and true in queue mode; in inline mode it
// returns (nil, false) without error, per §4.A.
func (m *Manager) TryGetQueue(ctx context.Context, key string) (Queue, bool) {
	if m.mode() == ModeInline {
		return nil, false
	}
	q, err := m.GetQueue(ctx, key)
	if err != nil {
		return nil, false
	}
	return q, true
}

// GetQueueStatistics returns the named queue's bucketed counts and moving
// average processing time.
func (m *Manager) GetQueueStatistics(ctx context.Context, key string) (Statistics, error) {
	reg, err := m.registration(key)
	if err != nil {
		return Statistics{}, err
	}
	handle, err := m.handleFor(ctx, reg)
	if err != nil {
		return Statistics{}, err
	}
	stats, err := handle.Statistics(ctx)
	if err != nil {
		// Metrics errors are isolated per-queue (§4.A "Failure semantics"):
		// report zeroed statistics rather than poisoning callers that
		// iterate every registered queue.
		m.logger.WarnContext(ctx, "queue statistics unavailable", slog.String("queue", key), slog.Any("error", err))
		return Statistics{}, nil
	}
	return stats, nil
}

// VerifyConnectivity races a connect+ping against timeout. A failed ping
// returns an ExternalUnavailable error and a timeout returns a Timeout
// error; both emit a connection-error telemetry event, and neither panics
// or crashes the process.
func (m *Manager) VerifyConnectivity(ctx context.Context, timeout time.Duration) error {
	if m.mode() == ModeInline {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.mu.Lock()
	client, err := m.redisClientLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- client.Ping(ctx).Err() }()

	select {
	case err := <-done:
		if err != nil {
			m.emitConnectionError(err)
			return &apherrors.ExternalUnavailableError{Target: "redis", Reason: "ping failed", Cause: err}
		}
		return nil
	case <-ctx.Done():
		err := &apherrors.TimeoutError{Operation: "queue.verifyConnectivity", Duration: timeout, Cause: ctx.Err()}
		m.emitConnectionError(err)
		return err
	}
}

func (m *Manager) emitConnectionError(err error) {
	m.metrics.incConnectionError()
	m.mu.Lock()
	cb := m.onConnectionError
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// CloseConnection quiesces every queue handle and closes the shared Redis
// connection. Tolerates an already-closed connection.
func (m *Manager) CloseConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, reg := range m.regs {
		if reg.stop != nil {
			reg.stop()
			reg.stop = nil
		}
		if reg.handle != nil {
			_ = reg.handle.Close()
			reg.handle = nil
		}
	}
	if m.redis != nil {
		err := m.redis.Close()
		m.redis = nil
		if err != nil && err != redis.ErrClosed {
			return err
		}
	}
	return nil
}

// startWorkerLoop runs handler against jobs pulled from handle until
// stopped, returning the stop function.
func (m *Manager) startWorkerLoop(reg *registration, handle Queue, handler Handler) func() {
	ctx, cancel := context.WithCancel(context.Background())

	switch q := handle.(type) {
	case *inlineQueue:
		go q.run(ctx, handler, m.metrics)
	case *redisQueue:
		go q.run(ctx, handler, m.metrics, m.logger)
	}

	var once sync.Once
	return func() { once.Do(cancel) }
}
