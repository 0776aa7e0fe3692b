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

package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/orchestrator"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"github.com/benediktbwimmer/apphub-core/internal/store/memory"
	"github.com/stretchr/testify/require"
)

// testClock is a settable time source so retry windows can be crossed
// without sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type missingResolver struct{}

func (missingResolver) ResolveBaseURL(ctx context.Context, slug string) (string, error) {
	return "", errors.New("service not registered")
}

type staticResolver struct{ url string }

func (r staticResolver) ResolveBaseURL(ctx context.Context, slug string) (string, error) {
	return r.url, nil
}

func seedRun(t *testing.T, backend store.Store, steps []store.StepDefinition) *store.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	def := &store.WorkflowDefinition{
		ID:      "def_1",
		Slug:    "test-workflow",
		Version: 1,
		Steps:   steps,
	}
	require.NoError(t, backend.CreateDefinition(ctx, def))
	run := &store.WorkflowRun{
		ID:                   "run_1",
		WorkflowDefinitionID: def.ID,
		Status:               store.RunPending,
		TriggeredBy:          store.TriggeredByManual,
		Parameters:           map[string]any{"namespace": "feature-flags"},
		CreatedAt:            time.Now(),
	}
	require.NoError(t, backend.CreateRun(ctx, run))
	return run
}

func TestJobStepRetryThenSuccess(t *testing.T) {
	backend := memory.New()
	clock := newTestClock()
	o := orchestrator.New(backend, orchestrator.WithClock(clock.Now))

	attempts := 0
	o.RegisterJobHandler("flaky", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient failure")
		}
		return map[string]any{"ok": true}, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{{
		StepID: "s1",
		Type:   store.StepTypeJob,
		Job:    &store.JobStepSpec{JobSlug: "flaky"},
		RetryPolicy: &store.RetryPolicySpec{
			MaxAttempts:    3,
			Strategy:       "fixed",
			InitialDelayMs: 100,
		},
	}})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err := backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.Equal(t, store.RetryScheduled, step.RetryState)
	require.Equal(t, 1, step.RetryAttempts)
	require.NotNil(t, step.NextAttemptAt)
	require.Equal(t, clock.Now().Add(100*time.Millisecond), *step.NextAttemptAt)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, got.Status)

	clock.Advance(150 * time.Millisecond)
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err = backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, step.Status)
	require.Equal(t, store.RetryCompleted, step.RetryState)
	require.Nil(t, step.NextAttemptAt)

	got, err = backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestJobStepRetryExhaustion(t *testing.T) {
	backend := memory.New()
	clock := newTestClock()
	o := orchestrator.New(backend, orchestrator.WithClock(clock.Now))

	o.RegisterJobHandler("always-fails", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		return nil, errors.New("permanent failure")
	})

	run := seedRun(t, backend, []store.StepDefinition{{
		StepID: "s1",
		Type:   store.StepTypeJob,
		Job:    &store.JobStepSpec{JobSlug: "always-fails"},
		RetryPolicy: &store.RetryPolicySpec{
			MaxAttempts:    3,
			Strategy:       "fixed",
			InitialDelayMs: 100,
		},
	}})

	ctx := context.Background()
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
		step, err := backend.GetStep(ctx, run.ID, "s1")
		require.NoError(t, err)
		require.Equal(t, store.StepPending, step.Status)
		require.Equal(t, attempt, step.RetryAttempts)
		clock.Advance(150 * time.Millisecond)
	}

	// Third failure exhausts the budget.
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
	step, err := backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Equal(t, store.RetryExhausted, step.RetryState)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
}

func TestServiceStepMissingServiceIsRetriable(t *testing.T) {
	backend := memory.New()
	clock := newTestClock()
	o := orchestrator.New(backend,
		orchestrator.WithClock(clock.Now),
		orchestrator.WithServiceResolver(missingResolver{}),
	)

	run := seedRun(t, backend, []store.StepDefinition{{
		StepID:  "s1",
		Type:    store.StepTypeService,
		Service: &store.ServiceStepSpec{ServiceSlug: "missing", Path: "/run"},
		RetryPolicy: &store.RetryPolicySpec{
			MaxAttempts:    3,
			Strategy:       "fixed",
			InitialDelayMs: 100,
		},
	}})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err := backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.Equal(t, store.RetryScheduled, step.RetryState)
	require.Equal(t, 1, step.RetryAttempts)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, got.Status)
}

func TestServiceStepSuccess(t *testing.T) {
	backend := memory.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"result":"done"}`)
	}))
	defer srv.Close()

	o := orchestrator.New(backend, orchestrator.WithServiceResolver(staticResolver{url: srv.URL}))

	run := seedRun(t, backend, []store.StepDefinition{{
		StepID: "s1",
		Type:   store.StepTypeService,
		Service: &store.ServiceStepSpec{
			ServiceSlug:  "echo",
			Path:         "/run",
			BodyTemplate: map[string]any{"namespace": "{{ parameters.namespace }}"},
		},
	}})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err := backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, step.Status)
	require.Equal(t, float64(200), toFloat(step.Output["statusCode"]))

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}

func TestDependentStepWaitsForDependency(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	var order []string
	for _, slug := range []string{"first", "second"} {
		slug := slug
		o.RegisterJobHandler(slug, func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
			order = append(order, slug)
			return map[string]any{"done": slug}, nil
		})
	}

	run := seedRun(t, backend, []store.StepDefinition{
		{StepID: "a", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "first"}},
		{StepID: "b", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "second"}, DependsOn: []string{"a"}},
	})

	ctx := context.Background()
	// First pass advances "a"; "b" is not yet eligible until "a" is
	// recorded succeeded, which happens within the same pass, so "b"
	// advances on the second pass.
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	require.Equal(t, []string{"first", "second"}, order)

	// Succeeded steps are downward-closed under the dependency relation.
	steps, err := backend.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	byID := map[string]*store.WorkflowRunStep{}
	for _, s := range steps {
		byID[s.StepID] = s
	}
	require.Equal(t, store.StepSucceeded, byID["a"].Status)
	require.Equal(t, store.StepSucceeded, byID["b"].Status)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
}

func TestFailedDependencyCascadesSkip(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	o.RegisterJobHandler("boom", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	o.RegisterJobHandler("never", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		t.Fatal("dependent step must not run after dependency failure")
		return nil, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{
		{StepID: "a", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "boom"}},
		{StepID: "b", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "never"}, DependsOn: []string{"a"}},
	})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	stepA, err := backend.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, stepA.Status)

	stepB, err := backend.GetStep(ctx, run.ID, "b")
	require.NoError(t, err)
	require.Equal(t, store.StepSkipped, stepB.Status)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
}

func TestConditionFalseSkipsStep(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	o.RegisterJobHandler("guarded", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		t.Fatal("guarded step must not run when its condition is false")
		return nil, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{{
		StepID:    "s1",
		Type:      store.StepTypeJob,
		Job:       &store.JobStepSpec{JobSlug: "guarded"},
		Condition: `parameters.namespace == "other"`,
	}})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err := backend.GetStep(ctx, run.ID, "s1")
	require.NoError(t, err)
	require.Equal(t, store.StepSkipped, step.Status)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
}

func TestFanoutStaticPartitionsCreateChildRuns(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	o.RegisterJobHandler("work", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		return map[string]any{"partition": run.PartitionKey}, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{
		{
			StepID: "fan",
			Type:   store.StepTypeFanout,
			Fanout: &store.FanoutStepSpec{
				Partitioning: store.PartitioningSpec{Type: "static", Values: []string{"alpha", "beta"}},
				BodyStepID:   "work",
			},
		},
		{StepID: "work", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "work"}},
	})

	// Each child run executes only the fanout body for its partition; the
	// parent run never executes the body step directly.
	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	runs, err := backend.ListRuns(ctx, store.RunListFilter{WorkflowDefinitionID: "def_1"})
	require.NoError(t, err)
	// Parent plus two children.
	require.Len(t, runs, 3)

	children := 0
	for _, r := range runs {
		if r.ParentRunID == run.ID {
			children++
			require.Equal(t, "fan", r.FanoutStepID)
			require.Contains(t, []string{"alpha", "beta"}, r.PartitionKey)
			require.Equal(t, store.RunSucceeded, r.Status)
		}
	}
	require.Equal(t, 2, children)

	fan, err := backend.GetStep(ctx, run.ID, "fan")
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, fan.Status)
}

func TestCancellationSkipsPendingSteps(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	o.RegisterJobHandler("work", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{
		{StepID: "a", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "work"}},
	})

	ctx := context.Background()
	// Cancel before any advancement; the single pending step must be
	// skipped rather than dispatched.
	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Status = store.RunCanceled
	require.NoError(t, backend.UpdateRun(ctx, got))

	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))

	step, err := backend.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	require.Equal(t, store.StepSkipped, step.Status)
}

func TestTerminalRunIsNoOp(t *testing.T) {
	backend := memory.New()
	o := orchestrator.New(backend)

	o.RegisterJobHandler("work", func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error) {
		t.Fatal("terminal run must not advance")
		return nil, nil
	})

	run := seedRun(t, backend, []store.StepDefinition{
		{StepID: "a", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "work"}},
	})

	ctx := context.Background()
	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Status = store.RunSucceeded
	require.NoError(t, backend.UpdateRun(ctx, got))

	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
}

func TestRecordStepOutcomeClosesDispatchedJob(t *testing.T) {
	backend := memory.New()

	type dispatched struct{ runID, stepID, jobSlug string }
	var calls []dispatched
	dispatcher := dispatchFunc(func(ctx context.Context, runID, stepID, jobSlug string, params map[string]any) error {
		calls = append(calls, dispatched{runID, stepID, jobSlug})
		return nil
	})

	o := orchestrator.New(backend, orchestrator.WithJobDispatcher(dispatcher))

	run := seedRun(t, backend, []store.StepDefinition{
		{StepID: "a", Type: store.StepTypeJob, Job: &store.JobStepSpec{JobSlug: "external"}},
	})

	ctx := context.Background()
	require.NoError(t, o.RunWorkflowOrchestration(ctx, run.ID))
	require.Len(t, calls, 1)

	// The dispatched step stays running until the worker reports back.
	step, err := backend.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	require.Equal(t, store.StepRunning, step.Status)

	require.NoError(t, o.RecordStepOutcome(ctx, run.ID, "a", map[string]any{"out": 1}, nil))

	step, err = backend.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	require.Equal(t, store.StepSucceeded, step.Status)

	got, err := backend.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, got.Status)
}

type dispatchFunc func(ctx context.Context, runID, stepID, jobSlug string, params map[string]any) error

func (f dispatchFunc) DispatchJob(ctx context.Context, runID, stepID, jobSlug string, params map[string]any) error {
	return f(ctx, runID, stepID, jobSlug, params)
}
