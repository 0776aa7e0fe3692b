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

// Package trigger implements the Event Trigger Processor (spec §4.D): it
// matches ingested event envelopes against declarative triggers, enforces
// idempotency/throttle/concurrency gates, renders run parameters, and
// launches workflow runs (or records a deferred trigger delivery).
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/jq"
	"github.com/benediktbwimmer/apphub-core/internal/schedulerstate"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// reason codes recorded on terminal and deferred deliveries.
const (
	ReasonDuplicateIdempotencyKey = "duplicate_idempotency_key"
	ReasonDuplicateRunKey         = "duplicate_run_key"
	ReasonParamResolutionFailed   = "parameter_resolution_failed"
	ReasonThrottled               = "throttled"
	ReasonConcurrencyLimit        = "concurrency_limit"
	ReasonTriggerUnavailable      = "trigger_unavailable"
)

// RunEnqueuer hands a freshly created run off to the orchestrator's queue,
// implemented in this repo by internal/daemon's adapter over
// internal/queue.Manager's "workflow" queue.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, runID string) error
}

// DeliveryRetryEnqueuer schedules a delayed re-evaluation of a throttled or
// concurrency-capped delivery.
type DeliveryRetryEnqueuer interface {
	EnqueueDeliveryRetry(ctx context.Context, deliveryID string, delay time.Duration) error
}

// Processor is the Event Trigger Processor. It implements
// internal/eventbus.Dispatcher so the bus can route accepted envelopes to
// it directly.
type Processor struct {
	store   store.Store
	state   *schedulerstate.State
	jq      *jq.Executor
	runs    RunEnqueuer
	retries DeliveryRetryEnqueuer
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New constructs a Processor.
func New(st store.Store, state *schedulerstate.State, executor *jq.Executor, runs RunEnqueuer, retries DeliveryRetryEnqueuer, opts ...Option) *Processor {
	p := &Processor{
		store:   st,
		state:   state,
		jq:      executor,
		runs:    runs,
		retries: retries,
		logger:  slog.Default(),
		tracer:  otel.Tracer("apphub-core/trigger"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch implements eventbus.Dispatcher. Trigger-evaluation failures are
// isolated per-trigger: one broken trigger never blocks evaluation of its
// siblings against the same envelope.
func (p *Processor) Dispatch(ctx context.Context, envelope *store.EventEnvelope) error {
	ctx, span := p.tracer.Start(ctx, "trigger.Dispatch")
	defer span.End()

	triggers, err := p.store.ListActiveTriggersForEvent(ctx, envelope.Type, envelope.Source)
	if err != nil {
		return fmt.Errorf("list active triggers: %w", err)
	}

	for _, trg := range triggers {
		if p.state.TriggerPaused(trg.ID) {
			continue
		}
		if err := p.evaluateTrigger(ctx, trg, envelope); err != nil {
			p.state.RecordTriggerFailure(trg.ID)
			p.logger.ErrorContext(ctx, "trigger evaluation failed",
				slog.String(ilog.TriggerIDKey, trg.ID), ilog.Error(err))
			continue
		}
		p.state.RecordTriggerSuccess(trg.ID)
	}
	return nil
}

func (p *Processor) evaluateTrigger(ctx context.Context, trg *store.EventTrigger, envelope *store.EventEnvelope) error {
	matched, err := evaluatePredicates(ctx, p.jq, trg.Predicates, envelope.Payload)
	if err != nil {
		return fmt.Errorf("evaluate predicates: %w", err)
	}
	if !matched {
		return nil
	}

	data := templateData(trg, envelope)

	idempotencyKey, err := p.resolveIdempotencyKey(ctx, trg, data)
	if err != nil {
		return fmt.Errorf("resolve idempotency key: %w", err)
	}
	if idempotencyKey != "" {
		if existing, err := p.store.FindByIdempotencyKey(ctx, trg.ID, idempotencyKey); err == nil && existing != nil {
			return p.createDelivery(ctx, trg, envelope, store.DeliverySkipped, idempotencyKey, ReasonDuplicateIdempotencyKey, "")
		} else if err != nil && !isNotFound(err) {
			return fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	return p.launch(ctx, trg, envelope, idempotencyKey, data)
}

// launch attempts to create and enqueue a run for trg, applying throttle and
// concurrency gates first.
func (p *Processor) launch(ctx context.Context, trg *store.EventTrigger, envelope *store.EventEnvelope, idempotencyKey string, data map[string]any) error {
	now := p.now()

	if trg.ThrottleWindowMs > 0 && trg.ThrottleCount > 0 {
		since := now.Add(-time.Duration(trg.ThrottleWindowMs) * time.Millisecond)
		count, err := p.store.CountLaunchedInWindow(ctx, trg.ID, since)
		if err != nil {
			return fmt.Errorf("count launched in window: %w", err)
		}
		if count >= trg.ThrottleCount {
			return p.deferDelivery(ctx, trg, envelope, idempotencyKey, ReasonThrottled, time.Duration(trg.ThrottleWindowMs)*time.Millisecond)
		}
	}

	if trg.MaxConcurrency > 0 {
		count, err := p.store.CountActiveLaunched(ctx, trg.ID)
		if err != nil {
			return fmt.Errorf("count active launched: %w", err)
		}
		if count >= trg.MaxConcurrency {
			delay := time.Duration(trg.ThrottleWindowMs) * time.Millisecond
			if delay <= 0 {
				delay = time.Minute
			}
			return p.deferDelivery(ctx, trg, envelope, idempotencyKey, ReasonConcurrencyLimit, delay)
		}
	}

	params, err := renderParameterTemplate(ctx, p.jq, trg.ParameterTemplate, data)
	if err != nil {
		var unresolved *unresolvedReferenceError
		if errors.As(err, &unresolved) {
			return p.createDelivery(ctx, trg, envelope, store.DeliveryFailed, idempotencyKey, ReasonParamResolutionFailed, unresolved.Error())
		}
		return fmt.Errorf("render parameter template: %w", err)
	}

	runKey, err := deriveRunKey(ctx, p.jq, trg.RunKeyTemplate, trg.Name, envelope.OccurredAt.Format(time.RFC3339Nano), data)
	if err != nil {
		return p.createDelivery(ctx, trg, envelope, store.DeliveryFailed, idempotencyKey, ReasonParamResolutionFailed, err.Error())
	}

	run := &store.WorkflowRun{
		ID:                   ids.NewRunID(),
		WorkflowDefinitionID: trg.WorkflowDefinitionID,
		Status:               store.RunPending,
		TriggeredBy:          store.TriggeredByEventTrigger,
		Parameters:           params,
		RunKey:               runKey,
		RunKeyNormalized:     ids.NormalizeRunKey(runKey),
		ModuleID:             trg.ModuleID,
		CreatedAt:            now,
		Context: map[string]any{
			"triggerId": trg.ID,
			"eventId":   envelope.ID,
		},
	}

	if err := p.store.CreateRun(ctx, run); err != nil {
		var conflict *apherrors.ConflictError
		if errors.As(err, &conflict) {
			return p.createDelivery(ctx, trg, envelope, store.DeliverySkipped, idempotencyKey, ReasonDuplicateRunKey, "")
		}
		return fmt.Errorf("create run: %w", err)
	}

	if err := p.createDelivery(ctx, trg, envelope, store.DeliveryLaunched, idempotencyKey, "", run.ID); err != nil {
		return err
	}

	if err := p.runs.EnqueueRun(ctx, run.ID); err != nil {
		// The run row is already durable; orchestration can still be
		// driven by a reconciliation sweep. Enqueue failure here is
		// telemetry, not a launch failure.
		p.logger.ErrorContext(ctx, "enqueue run for orchestration failed",
			slog.String(ilog.RunIDKey, run.ID), ilog.Error(err))
	}
	return nil
}

func (p *Processor) deferDelivery(ctx context.Context, trg *store.EventTrigger, envelope *store.EventEnvelope, idempotencyKey, reason string, delay time.Duration) error {
	nextAttempt := p.now().Add(delay)
	delivery := &store.TriggerDelivery{
		ID:                   ids.NewDeliveryID(),
		TriggerID:            trg.ID,
		WorkflowDefinitionID: trg.WorkflowDefinitionID,
		EventID:              envelope.ID,
		Status:               store.DeliveryThrottled,
		RetryState:           store.RetryScheduled,
		RetryAttempts:        1,
		NextAttemptAt:        &nextAttempt,
		IdempotencyKey:       idempotencyKey,
		StatusReason:         reason,
		CreatedAt:            p.now(),
		UpdatedAt:            p.now(),
	}
	if err := p.store.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create deferred delivery: %w", err)
	}
	if err := p.retries.EnqueueDeliveryRetry(ctx, delivery.ID, delay); err != nil {
		p.logger.ErrorContext(ctx, "enqueue delivery retry failed",
			slog.String(ilog.DeliveryIDKey, delivery.ID), ilog.Error(err))
	}
	return nil
}

func (p *Processor) createDelivery(ctx context.Context, trg *store.EventTrigger, envelope *store.EventEnvelope, status store.DeliveryStatus, idempotencyKey, reason, runID string) error {
	now := p.now()
	delivery := &store.TriggerDelivery{
		ID:                   ids.NewDeliveryID(),
		TriggerID:            trg.ID,
		WorkflowDefinitionID: trg.WorkflowDefinitionID,
		EventID:              envelope.ID,
		Status:               status,
		RetryState:           store.RetryIdle,
		WorkflowRunID:        runID,
		IdempotencyKey:       idempotencyKey,
		StatusReason:         reason,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := p.store.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("create delivery: %w", err)
	}
	return nil
}

func (p *Processor) resolveIdempotencyKey(ctx context.Context, trg *store.EventTrigger, data map[string]any) (string, error) {
	if trg.IdempotencyKeyExpression == "" {
		return "", nil
	}
	value, err := resolveReference(ctx, p.jq, trg.IdempotencyKeyExpression, data)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", value), nil
}

// RetryDelivery re-evaluates a throttled or failed delivery against the
// trigger's current state, per §4.D "Retry semantics". Deliveries whose
// trigger has since been disabled or deleted terminate as skipped.
func (p *Processor) RetryDelivery(ctx context.Context, deliveryID string) error {
	delivery, err := p.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}

	trg, err := p.store.GetTrigger(ctx, delivery.TriggerID)
	if err != nil || trg.Status != store.TriggerActive {
		delivery.Status = store.DeliverySkipped
		delivery.StatusReason = ReasonTriggerUnavailable
		delivery.UpdatedAt = p.now()
		return p.store.UpdateDelivery(ctx, delivery)
	}

	event, err := p.store.GetEvent(ctx, delivery.EventID)
	if err != nil {
		return fmt.Errorf("load event for retry: %w", err)
	}

	matched, err := evaluatePredicates(ctx, p.jq, trg.Predicates, event.Payload)
	if err != nil {
		return fmt.Errorf("re-evaluate predicates: %w", err)
	}
	if !matched {
		delivery.Status = store.DeliverySkipped
		delivery.UpdatedAt = p.now()
		return p.store.UpdateDelivery(ctx, delivery)
	}

	data := templateData(trg, event)
	return p.relaunch(ctx, trg, event, delivery, data)
}

// relaunch is launch's retry-path counterpart: it updates the existing
// delivery record in place instead of minting a new one.
func (p *Processor) relaunch(ctx context.Context, trg *store.EventTrigger, envelope *store.EventEnvelope, delivery *store.TriggerDelivery, data map[string]any) error {
	now := p.now()

	if trg.ThrottleWindowMs > 0 && trg.ThrottleCount > 0 {
		since := now.Add(-time.Duration(trg.ThrottleWindowMs) * time.Millisecond)
		count, err := p.store.CountLaunchedInWindow(ctx, trg.ID, since)
		if err != nil {
			return fmt.Errorf("count launched in window: %w", err)
		}
		if count >= trg.ThrottleCount {
			return p.rescheduleDelivery(ctx, delivery, ReasonThrottled, time.Duration(trg.ThrottleWindowMs)*time.Millisecond)
		}
	}

	if trg.MaxConcurrency > 0 {
		count, err := p.store.CountActiveLaunched(ctx, trg.ID)
		if err != nil {
			return fmt.Errorf("count active launched: %w", err)
		}
		if count >= trg.MaxConcurrency {
			delay := time.Duration(trg.ThrottleWindowMs) * time.Millisecond
			if delay <= 0 {
				delay = time.Minute
			}
			return p.rescheduleDelivery(ctx, delivery, ReasonConcurrencyLimit, delay)
		}
	}

	params, err := renderParameterTemplate(ctx, p.jq, trg.ParameterTemplate, data)
	if err != nil {
		var unresolved *unresolvedReferenceError
		if errors.As(err, &unresolved) {
			return p.failDelivery(ctx, delivery, ReasonParamResolutionFailed, unresolved.Error())
		}
		return fmt.Errorf("render parameter template: %w", err)
	}

	runKey, err := deriveRunKey(ctx, p.jq, trg.RunKeyTemplate, trg.Name, envelope.OccurredAt.Format(time.RFC3339Nano), data)
	if err != nil {
		return p.failDelivery(ctx, delivery, ReasonParamResolutionFailed, err.Error())
	}

	run := &store.WorkflowRun{
		ID:                   ids.NewRunID(),
		WorkflowDefinitionID: trg.WorkflowDefinitionID,
		Status:               store.RunPending,
		TriggeredBy:          store.TriggeredByEventTrigger,
		Parameters:           params,
		RunKey:               runKey,
		RunKeyNormalized:     ids.NormalizeRunKey(runKey),
		ModuleID:             trg.ModuleID,
		CreatedAt:            now,
		Context: map[string]any{
			"triggerId": trg.ID,
			"eventId":   envelope.ID,
			"retryOf":   delivery.ID,
		},
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		var conflict *apherrors.ConflictError
		if errors.As(err, &conflict) {
			delivery.Status = store.DeliverySkipped
			delivery.StatusReason = ReasonDuplicateRunKey
			delivery.UpdatedAt = now
			return p.store.UpdateDelivery(ctx, delivery)
		}
		return fmt.Errorf("create run: %w", err)
	}

	delivery.Status = store.DeliveryLaunched
	delivery.RetryState = store.RetryCompleted
	delivery.WorkflowRunID = run.ID
	delivery.UpdatedAt = now
	if err := p.store.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}

	if err := p.runs.EnqueueRun(ctx, run.ID); err != nil {
		p.logger.ErrorContext(ctx, "enqueue retried run for orchestration failed",
			slog.String(ilog.RunIDKey, run.ID), ilog.Error(err))
	}
	return nil
}

func (p *Processor) rescheduleDelivery(ctx context.Context, delivery *store.TriggerDelivery, reason string, delay time.Duration) error {
	next := p.now().Add(delay)
	delivery.Status = store.DeliveryThrottled
	delivery.RetryState = store.RetryScheduled
	delivery.RetryAttempts++
	delivery.NextAttemptAt = &next
	delivery.StatusReason = reason
	delivery.UpdatedAt = p.now()
	if err := p.store.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("reschedule delivery: %w", err)
	}
	if err := p.retries.EnqueueDeliveryRetry(ctx, delivery.ID, delay); err != nil {
		p.logger.ErrorContext(ctx, "enqueue delivery retry failed",
			slog.String(ilog.DeliveryIDKey, delivery.ID), ilog.Error(err))
	}
	return nil
}

func (p *Processor) failDelivery(ctx context.Context, delivery *store.TriggerDelivery, reason, message string) error {
	delivery.Status = store.DeliveryFailed
	delivery.RetryState = store.RetryExhausted
	delivery.StatusReason = reason
	if message != "" {
		delivery.StatusReason = fmt.Sprintf("%s: %s", reason, message)
	}
	delivery.UpdatedAt = p.now()
	return p.store.UpdateDelivery(ctx, delivery)
}

func templateData(trg *store.EventTrigger, envelope *store.EventEnvelope) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"id":            envelope.ID,
			"type":          envelope.Type,
			"source":        envelope.Source,
			"payload":       envelope.Payload,
			"occurredAt":    envelope.OccurredAt.Format(time.RFC3339Nano),
			"correlationId": envelope.CorrelationID,
		},
		"trigger": map[string]any{
			"id":       trg.ID,
			"name":     trg.Name,
			"metadata": trg.Metadata,
		},
	}
}

func isNotFound(err error) bool {
	var nf *apherrors.NotFoundError
	return errors.As(err, &nf)
}
