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

package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/eventbus"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/stretchr/testify/require"
)

type countingDispatcher struct{ n int }

func (c *countingDispatcher) Dispatch(context.Context, *store.EventEnvelope) error {
	c.n++
	return nil
}

func TestIngestAssignsIDAndDispatches(t *testing.T) {
	backend := memory.New()
	d := &countingDispatcher{}
	bus := eventbus.New(backend, eventbus.WithDispatcher(d))

	envelope := &store.EventEnvelope{
		Type:       "metastore.record.updated",
		Source:     "metastore.worker",
		OccurredAt: time.Now(),
		Payload:    map[string]any{"namespace": "feature-flags"},
	}

	out, err := bus.Ingest(context.Background(), envelope)
	require.NoError(t, err)
	require.NotEmpty(t, out.ID)
	require.Equal(t, 1, d.n)
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	backend := memory.New()
	d := &countingDispatcher{}
	bus := eventbus.New(backend, eventbus.WithDispatcher(d))

	envelope := &store.EventEnvelope{
		ID:         "evt_fixed",
		Type:       "x",
		Source:     "y",
		OccurredAt: time.Now(),
		Payload:    map[string]any{},
	}

	_, err := bus.Ingest(context.Background(), envelope)
	require.NoError(t, err)

	second := *envelope
	_, err = bus.Ingest(context.Background(), &second)
	require.NoError(t, err)
	require.Equal(t, 1, d.n, "duplicate ingest must not re-dispatch")
}

func TestIngestRejectsMissingFields(t *testing.T) {
	backend := memory.New()
	bus := eventbus.New(backend)

	_, err := bus.Ingest(context.Background(), &store.EventEnvelope{Source: "y", OccurredAt: time.Now()})
	require.Error(t, err)
}

func TestListAppliesJSONPathFilter(t *testing.T) {
	backend := memory.New()
	bus := eventbus.New(backend)
	ctx := context.Background()

	_, err := bus.Ingest(ctx, &store.EventEnvelope{
		Type: "a", Source: "s", OccurredAt: time.Now(),
		Payload: map[string]any{"namespace": "feature-flags"},
	})
	require.NoError(t, err)
	_, err = bus.Ingest(ctx, &store.EventEnvelope{
		Type: "a", Source: "s", OccurredAt: time.Now(),
		Payload: map[string]any{"namespace": "other"},
	})
	require.NoError(t, err)

	page, err := bus.List(ctx, eventbus.ListOptions{JSONPath: `$.payload.namespace == "feature-flags"`, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "feature-flags", page.Data[0].Payload["namespace"])
}

func TestSourceGatePausesDispatch(t *testing.T) {
	backend := memory.New()
	d := &countingDispatcher{}
	bus := eventbus.New(backend, eventbus.WithDispatcher(d), eventbus.WithSourceGate(alwaysPaused{}))

	_, err := bus.Ingest(context.Background(), &store.EventEnvelope{
		Type: "a", Source: "s", OccurredAt: time.Now(), Payload: map[string]any{},
	})
	require.NoError(t, err)
	require.Equal(t, 0, d.n)
}

type alwaysPaused struct{}

func (alwaysPaused) RegisterSourceEvent(string) bool { return false }
