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

package trigger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/jq"
	"github.com/benediktbwimmer/apphub-core/internal/schedulerstate"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/benediktbwimmer/apphub-core/internal/trigger"
	"github.com/stretchr/testify/require"
)

type fakeRunEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRunEnqueuer) EnqueueRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, runID)
	return nil
}

func (f *fakeRunEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

type fakeRetryEnqueuer struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeRetryEnqueuer) EnqueueDeliveryRetry(ctx context.Context, deliveryID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deliveryID)
	return nil
}

func newProcessor(t *testing.T) (*trigger.Processor, store.Store, *fakeRunEnqueuer, *fakeRetryEnqueuer) {
	t.Helper()
	backend := memory.New()
	state := schedulerstate.New(nil, nil, 0, 0, 0)
	executor := jq.NewExecutor(0)
	runs := &fakeRunEnqueuer{}
	retries := &fakeRetryEnqueuer{}
	p := trigger.New(backend, state, executor, runs, retries)
	return p, backend, runs, retries
}

func baseTrigger() *store.EventTrigger {
	return &store.EventTrigger{
		ID:                   "trg_1",
		WorkflowDefinitionID: "def_1",
		Name:                 "on-upload",
		EventType:            "asset.uploaded",
		Status:               store.TriggerActive,
		ParameterTemplate: map[string]any{
			"namespace": "{{ event.payload.namespace }}",
		},
	}
}

func TestDispatchLaunchesRunOnMatch(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	envelope := &store.EventEnvelope{
		ID: "evt_1", Type: "asset.uploaded", Source: "ingest",
		OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
	}
	require.NoError(t, p.Dispatch(ctx, envelope))

	require.Equal(t, 1, runs.count())
	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, store.DeliveryLaunched, deliveries[0].Status)
	require.NotEmpty(t, deliveries[0].WorkflowRunID)

	run, err := backend.GetRun(ctx, deliveries[0].WorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, "feature-flags", run.Parameters["namespace"])
	require.Equal(t, store.TriggeredByEventTrigger, run.TriggeredBy)
}

func TestDispatchSkipsNonMatchingPredicate(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.Predicates = []store.Predicate{
		{Path: "$.payload.namespace", Operator: store.OpEquals, Value: "other-namespace"},
	}
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	envelope := &store.EventEnvelope{
		ID: "evt_1", Type: "asset.uploaded", Source: "ingest",
		OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
	}
	require.NoError(t, p.Dispatch(ctx, envelope))

	require.Equal(t, 0, runs.count())
	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	require.Empty(t, deliveries)
}

func TestDispatchIdempotencyShortCircuits(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.IdempotencyKeyExpression = "event.payload.namespace"
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	envelope := &store.EventEnvelope{
		ID: "evt_1", Type: "asset.uploaded", Source: "ingest",
		OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
	}
	require.NoError(t, p.Dispatch(ctx, envelope))
	require.Equal(t, 1, runs.count())

	second := *envelope
	second.ID = "evt_2"
	require.NoError(t, p.Dispatch(ctx, &second))

	require.Equal(t, 1, runs.count(), "duplicate idempotency key must not launch a second run")
	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
}

func TestDispatchThrottlesOverCount(t *testing.T) {
	p, backend, runs, retries := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.ThrottleWindowMs = 60_000
	trg.ThrottleCount = 1
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	mk := func(id string) *store.EventEnvelope {
		return &store.EventEnvelope{
			ID: id, Type: "asset.uploaded", Source: "ingest",
			OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
		}
	}
	require.NoError(t, p.Dispatch(ctx, mk("evt_1")))
	require.Equal(t, 1, runs.count())

	require.NoError(t, p.Dispatch(ctx, mk("evt_2")))
	require.Equal(t, 1, runs.count(), "second delivery should be throttled, not launched")

	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	var throttled *store.TriggerDelivery
	for _, d := range deliveries {
		if d.Status == store.DeliveryThrottled {
			throttled = d
		}
	}
	require.NotNil(t, throttled)
	require.NotNil(t, throttled.NextAttemptAt)
	retries.mu.Lock()
	defer retries.mu.Unlock()
	require.Contains(t, retries.delivered, throttled.ID)
}

func TestDispatchConcurrencyCapDefersDelivery(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.MaxConcurrency = 1
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	mk := func(id string) *store.EventEnvelope {
		return &store.EventEnvelope{
			ID: id, Type: "asset.uploaded", Source: "ingest",
			OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
		}
	}
	require.NoError(t, p.Dispatch(ctx, mk("evt_1")))
	require.Equal(t, 1, runs.count())

	require.NoError(t, p.Dispatch(ctx, mk("evt_2")))
	require.Equal(t, 1, runs.count())

	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	var throttledCount int
	for _, d := range deliveries {
		if d.Status == store.DeliveryThrottled {
			throttledCount++
		}
	}
	require.Equal(t, 1, throttledCount)
}

func TestDispatchParameterResolutionFailureFailsDelivery(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.ParameterTemplate = map[string]any{
		"namespace": "{{ event.payload.missingField }}",
	}
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	envelope := &store.EventEnvelope{
		ID: "evt_1", Type: "asset.uploaded", Source: "ingest",
		OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
	}
	require.NoError(t, p.Dispatch(ctx, envelope))

	require.Equal(t, 0, runs.count())
	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, store.DeliveryFailed, deliveries[0].Status)
}

func TestRetryDeliveryLaunchesOnceThrottleClears(t *testing.T) {
	p, backend, runs, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	trg.ThrottleWindowMs = 1
	trg.ThrottleCount = 1
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	mk := func(id string) *store.EventEnvelope {
		e := &store.EventEnvelope{
			ID: id, Type: "asset.uploaded", Source: "ingest",
			OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
		}
		_, err := backend.InsertEvent(ctx, e)
		require.NoError(t, err)
		return e
	}
	require.NoError(t, p.Dispatch(ctx, mk("evt_1")))
	require.NoError(t, p.Dispatch(ctx, mk("evt_2")))
	require.Equal(t, 1, runs.count())

	deliveries, err := backend.ListDeliveries(ctx, store.DeliveryListFilter{TriggerID: trg.ID})
	require.NoError(t, err)
	var throttledID string
	for _, d := range deliveries {
		if d.Status == store.DeliveryThrottled {
			throttledID = d.ID
		}
	}
	require.NotEmpty(t, throttledID)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.RetryDelivery(ctx, throttledID))

	require.Equal(t, 2, runs.count())
	delivery, err := backend.GetDelivery(ctx, throttledID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryLaunched, delivery.Status)
}

func TestRetryDeliverySkipsWhenTriggerDisabled(t *testing.T) {
	p, backend, _, _ := newProcessor(t)
	ctx := context.Background()

	trg := baseTrigger()
	require.NoError(t, backend.CreateTrigger(ctx, trg))

	envelope := &store.EventEnvelope{
		ID: "evt_1", Type: "asset.uploaded", Source: "ingest",
		OccurredAt: time.Now(), Payload: map[string]any{"namespace": "feature-flags"},
	}
	_, err := backend.InsertEvent(ctx, envelope)
	require.NoError(t, err)

	delivery := &store.TriggerDelivery{
		ID: "dlv_x", TriggerID: trg.ID, WorkflowDefinitionID: trg.WorkflowDefinitionID,
		EventID: envelope.ID, Status: store.DeliveryThrottled, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, backend.CreateDelivery(ctx, delivery))

	trg.Status = store.TriggerDisabled
	require.NoError(t, backend.UpdateTrigger(ctx, trg))

	require.NoError(t, p.RetryDelivery(ctx, delivery.ID))

	updated, err := backend.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliverySkipped, updated.Status)
}
