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

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/scheduler"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeEnqueuer) EnqueueRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, runID)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func seedSchedule(t *testing.T, backend store.Store, cronExpr string) *store.WorkflowSchedule {
	t.Helper()
	ctx := context.Background()
	def := &store.WorkflowDefinition{
		ID:      "def_1",
		Slug:    "nightly-report",
		Version: 1,
		Steps:   []store.StepDefinition{{StepID: "s1", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "report"}}},
	}
	require.NoError(t, backend.CreateDefinition(ctx, def))

	sched := &store.WorkflowSchedule{
		ID:                   "sched_1",
		WorkflowDefinitionID: def.ID,
		Name:                 "hourly",
		CronExpr:             cronExpr,
		Parameters:           map[string]any{"scope": "all"},
		Enabled:              true,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	require.NoError(t, backend.CreateSchedule(ctx, sched))
	return sched
}

func TestSweepInitializesNextRunWithoutFiring(t *testing.T) {
	backend := memory.New()
	runs := &fakeEnqueuer{}
	now := time.Date(2025, 8, 1, 12, 15, 0, 0, time.UTC)
	s := scheduler.New(backend, runs, scheduler.WithClock(func() time.Time { return now }))

	seedSchedule(t, backend, "0 * * * *")
	s.Sweep(context.Background())

	require.Equal(t, 0, runs.count())
	sched, err := backend.GetSchedule(context.Background(), "sched_1")
	require.NoError(t, err)
	require.NotNil(t, sched.NextRun)
	require.Equal(t, time.Date(2025, 8, 1, 13, 0, 0, 0, time.UTC), *sched.NextRun)
}

func TestSweepFiresDueSchedule(t *testing.T) {
	backend := memory.New()
	runs := &fakeEnqueuer{}
	now := time.Date(2025, 8, 1, 12, 15, 0, 0, time.UTC)
	s := scheduler.New(backend, runs, scheduler.WithClock(func() time.Time { return now }))

	seedSchedule(t, backend, "0 * * * *")
	ctx := context.Background()
	s.Sweep(ctx)

	// Cross the 13:00 boundary.
	now = time.Date(2025, 8, 1, 13, 0, 30, 0, time.UTC)
	s.Sweep(ctx)

	require.Equal(t, 1, runs.count())
	created, err := backend.ListRuns(ctx, store.RunListFilter{WorkflowDefinitionID: "def_1"})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, store.TriggeredBySchedule, created[0].TriggeredBy)
	require.Equal(t, "all", created[0].Parameters["scope"])

	sched, err := backend.GetSchedule(ctx, "sched_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), sched.RunCount)
	require.NotNil(t, sched.LastRun)
	require.Equal(t, time.Date(2025, 8, 1, 14, 0, 0, 0, time.UTC), *sched.NextRun)

	// A repeated sweep at the same instant does not double-fire.
	s.Sweep(ctx)
	require.Equal(t, 1, runs.count())
}

func TestSweepSkipsDisabledSchedules(t *testing.T) {
	backend := memory.New()
	runs := &fakeEnqueuer{}
	now := time.Date(2025, 8, 1, 12, 15, 0, 0, time.UTC)
	s := scheduler.New(backend, runs, scheduler.WithClock(func() time.Time { return now }))

	sched := seedSchedule(t, backend, "* * * * *")
	sched.Enabled = false
	require.NoError(t, backend.UpdateSchedule(context.Background(), sched))

	s.Sweep(context.Background())
	now = now.Add(2 * time.Minute)
	s.Sweep(context.Background())

	require.Equal(t, 0, runs.count())
}

func TestSweepRecordsErrorForInvalidCron(t *testing.T) {
	backend := memory.New()
	runs := &fakeEnqueuer{}
	s := scheduler.New(backend, runs)

	seedSchedule(t, backend, "not a cron")
	s.Sweep(context.Background())

	sched, err := backend.GetSchedule(context.Background(), "sched_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), sched.ErrorCount)
	require.Equal(t, 0, runs.count())
}
