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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertEventIsAtMostOnce(t *testing.T) {
	b := New()
	ctx := context.Background()
	event := &store.EventEnvelope{ID: "evt_1", Type: "metastore.record.updated", OccurredAt: time.Now()}

	inserted, err := b.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = b.InsertEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestListEventsOrderingAndCursor(t *testing.T) {
	b := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := b.InsertEvent(ctx, &store.EventEnvelope{
			ID:         stringID(i),
			Type:       "t",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	page1, cursor, err := b.ListEvents(ctx, store.EventListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "evt_4", page1[0].ID)
	assert.Equal(t, "evt_3", page1[1].ID)
	assert.NotEmpty(t, cursor)

	page2, _, err := b.ListEvents(ctx, store.EventListFilter{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "evt_2", page2[0].ID)
	assert.Equal(t, "evt_1", page2[1].ID)
}

func stringID(i int) string {
	return "evt_" + string(rune('0'+i))
}

func TestCreateRunEnforcesRunKeyUniquenessWhileNonTerminal(t *testing.T) {
	b := New()
	ctx := context.Background()

	run1 := &store.WorkflowRun{ID: "run_1", WorkflowDefinitionID: "wf_1", RunKeyNormalized: "nightly", Status: store.RunRunning, CreatedAt: time.Now()}
	require.NoError(t, b.CreateRun(ctx, run1))

	run2 := &store.WorkflowRun{ID: "run_2", WorkflowDefinitionID: "wf_1", RunKeyNormalized: "nightly", Status: store.RunPending, CreatedAt: time.Now()}
	err := b.CreateRun(ctx, run2)
	require.Error(t, err)
	var conflict *apherrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	run1.Status = store.RunSucceeded
	require.NoError(t, b.UpdateRun(ctx, run1))

	require.NoError(t, b.CreateRun(ctx, run2))
}

func TestGetRunNotFound(t *testing.T) {
	b := New()
	_, err := b.GetRun(context.Background(), "missing")
	require.Error(t, err)
	var nfe *apherrors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestModuleScopedResourceListing(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.BindResource(ctx, &store.ModuleResourceContext{
		ModuleID: "M", ResourceType: "workflow", ResourceID: "wf_1",
	}))

	ids, err := b.ListResourceIDs(ctx, "M", "workflow")
	require.NoError(t, err)
	assert.Equal(t, []string{"wf_1"}, ids)

	exists, err := b.ModuleExists(ctx, "M")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = b.ModuleExists(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTriggerDeliveryIdempotencyLookup(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreateDelivery(ctx, &store.TriggerDelivery{
		ID: "dlv_1", TriggerID: "trg_1", IdempotencyKey: "k1", Status: store.DeliveryLaunched, CreatedAt: time.Now(),
	}))

	found, err := b.FindByIdempotencyKey(ctx, "trg_1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "dlv_1", found.ID)

	_, err = b.FindByIdempotencyKey(ctx, "trg_1", "missing")
	require.Error(t, err)
}

func TestCountActiveLaunchedOnlyCountsNonTerminalRuns(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreateRun(ctx, &store.WorkflowRun{ID: "run_1", Status: store.RunRunning, CreatedAt: time.Now()}))
	require.NoError(t, b.CreateRun(ctx, &store.WorkflowRun{ID: "run_2", Status: store.RunSucceeded, CreatedAt: time.Now()}))
	require.NoError(t, b.CreateDelivery(ctx, &store.TriggerDelivery{ID: "d1", TriggerID: "t1", Status: store.DeliveryLaunched, WorkflowRunID: "run_1", CreatedAt: time.Now()}))
	require.NoError(t, b.CreateDelivery(ctx, &store.TriggerDelivery{ID: "d2", TriggerID: "t1", Status: store.DeliveryLaunched, WorkflowRunID: "run_2", CreatedAt: time.Now()}))

	count, err := b.CountActiveLaunched(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
