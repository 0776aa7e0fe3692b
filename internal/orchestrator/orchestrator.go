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

// Package orchestrator advances workflow run steps along their dependency
// DAG: dispatching job and service steps, expanding fanout steps into
// child runs, applying retry policy on failure, and recomputing run
// status, per §4.E.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/retrypolicy"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// JobDispatcher hands a job-type step off to the queue subsystem. The
// orchestrator never imports internal/queue directly; internal/daemon wires a thin
// adapter over queue.Manager that implements this interface, per the
// cross-subsystem decoupling convention established for the trigger
// processor's RunEnqueuer.
type JobDispatcher interface {
	DispatchJob(ctx context.Context, runID, stepID, jobSlug string, params map[string]any) error
}

// RetryScheduler enqueues a deferred re-invocation of RunWorkflowOrchestration
// for runID once a step's retry delay elapses. In inline mode, callers
// re-invoke the orchestrator themselves rather than relying on this.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, runID string, delay time.Duration) error
}

// ServiceResolver resolves a service slug's effective base URL. The
// registry subsystem implements this; the orchestrator depends only on
// the narrow interface it needs.
type ServiceResolver interface {
	ResolveBaseURL(ctx context.Context, slug string) (string, error)
}

// HTTPDoer is satisfied by *http.Client; accepting the interface lets
// tests substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// JobHandler executes a job step's work in-process, for inline mode
// where no external worker pool is configured.
type JobHandler func(ctx context.Context, run *store.WorkflowRun, step *store.StepDefinition, params map[string]any) (map[string]any, error)

// Orchestrator advances workflow runs. It depends on the composite
// store.Store directly, per the ownership summary in spec §3: the
// orchestrator owns WorkflowRun and WorkflowRunStep state exclusively.
type Orchestrator struct {
	store      store.Store
	jobs       JobDispatcher
	retries    RetryScheduler
	services   ServiceResolver
	http       HTTPDoer
	handlers      map[string]JobHandler
	conditions    *conditionEvaluator
	defaultPolicy retrypolicy.Policy
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics
	now        func() time.Time

	runLocks   sync.Map // runID -> *sync.Mutex
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithJobDispatcher(d JobDispatcher) Option    { return func(o *Orchestrator) { o.jobs = d } }
func WithRetryScheduler(r RetryScheduler) Option  { return func(o *Orchestrator) { o.retries = r } }
func WithServiceResolver(s ServiceResolver) Option { return func(o *Orchestrator) { o.services = s } }
func WithHTTPClient(c HTTPDoer) Option            { return func(o *Orchestrator) { o.http = c } }
func WithLogger(l *slog.Logger) Option            { return func(o *Orchestrator) { o.logger = l } }

// WithDefaultRetryPolicy installs the process-wide fallback retry policy
// applied to steps that declare none of their own (§4.E).
func WithDefaultRetryPolicy(p retrypolicy.Policy) Option {
	return func(o *Orchestrator) { o.defaultPolicy = p }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// RegisterJobHandler installs an in-process handler for jobSlug, used
// when no JobDispatcher is configured (inline mode).
func (o *Orchestrator) RegisterJobHandler(jobSlug string, handler JobHandler) {
	o.handlers[jobSlug] = handler
}

// New constructs an Orchestrator over backend.
func New(backend store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      backend,
		http:       &http.Client{Timeout: 30 * time.Second},
		handlers:   make(map[string]JobHandler),
		conditions: newConditionEvaluator(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("apphub-core/orchestrator"),
		metrics:    newMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) runLock(runID string) *sync.Mutex {
	v, _ := o.runLocks.LoadOrStore(runID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RunWorkflowOrchestration is the orchestrator's single entrypoint: it
// loads runID, materializes any missing step records, advances every
// step in the current frontier, and recomputes the run's overall
// status. It is a no-op if the run is already terminal. Multiple
// concurrent calls for the same runID serialize; calls for different
// runs proceed in parallel.
func (o *Orchestrator) RunWorkflowOrchestration(ctx context.Context, runID string) error {
	lock := o.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "orchestrator.RunWorkflowOrchestration")
	defer span.End()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Cancellation is terminal for the run but still requires one
	// bookkeeping pass: every non-terminal step transitions to skipped and
	// in-flight fanout children are cascaded (§4.E "Cancellation").
	if run.Status == store.RunCanceled {
		def, err := o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
		if err != nil {
			return err
		}
		if err := o.materializeSteps(ctx, run, def); err != nil {
			return err
		}
		steps, err := o.store.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		return o.cascadeCancellation(ctx, run, steps)
	}
	if run.IsTerminal() {
		return nil
	}

	def, err := o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return err
	}

	if err := o.materializeSteps(ctx, run, def); err != nil {
		return err
	}

	if run.Status == store.RunPending {
		now := o.now()
		run.Status = store.RunRunning
		run.StartedAt = &now
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return err
		}
		o.metrics.incRunsStarted()
	}

	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}
	byID := make(map[string]*store.WorkflowRunStep, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}
	defByID := make(map[string]*store.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		defByID[def.Steps[i].StepID] = &def.Steps[i]
	}

	for _, changed := range o.applyCascadingSkips(ctx, run, def, byID) {
		byID[changed.StepID] = changed
	}

	frontier := o.computeFrontier(def, byID)
	for _, stepDef := range frontier {
		step := byID[stepDef.StepID]
		if stepDef.Condition != "" {
			proceed, condErr := o.conditions.Evaluate(stepDef.Condition, map[string]any{
				"parameters": run.Parameters,
				"steps":      stepOutputs(ctx, o, run.ID),
			})
			if condErr != nil {
				o.logger.Error("step condition failed", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(condErr))
				if err := o.failStep(ctx, run, stepDef, step, condErr); err != nil {
					o.logger.Error("persist condition failure", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(err))
				}
				continue
			}
			if !proceed {
				step.Status = store.StepSkipped
				o.addLog(step, "info", fmt.Sprintf("step %s skipped: condition evaluated false", stepDef.StepID), nil)
				if err := o.store.UpsertStep(ctx, step); err != nil {
					o.logger.Error("persist condition skip", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(err))
				}
				continue
			}
		}
		if err := o.advanceStep(ctx, run, stepDef, step); err != nil {
			o.logger.Error("advance step failed", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(err))
		}
	}

	// A step that exhausted its retries during this pass strands its
	// dependents as pending; cascade skips again so the run's terminal
	// state reflects every unreachable step.
	o.applyCascadingSkips(ctx, run, def, byID)

	return o.recomputeRunStatus(ctx, run, def)
}

// materializeSteps idempotently creates a pending WorkflowRunStep for
// every step in def that does not already have one. A fanout child run
// materializes only the fanout body sub-step: the child executes one
// partition's slice of work, never the surrounding DAG (and never the
// fanout step itself, which would recurse).
func (o *Orchestrator) materializeSteps(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition) error {
	bodySteps := make(map[string]bool)
	for i := range def.Steps {
		if def.Steps[i].Fanout != nil && def.Steps[i].Fanout.BodyStepID != "" {
			bodySteps[def.Steps[i].Fanout.BodyStepID] = true
		}
	}

	bodyOnly := ""
	if run.FanoutStepID != "" {
		for i := range def.Steps {
			if def.Steps[i].StepID == run.FanoutStepID && def.Steps[i].Fanout != nil {
				bodyOnly = def.Steps[i].Fanout.BodyStepID
				break
			}
		}
	}
	for _, stepDef := range def.Steps {
		if bodyOnly != "" && stepDef.StepID != bodyOnly {
			continue
		}
		// Body sub-steps run only inside child runs, one per partition.
		if bodyOnly == "" && bodySteps[stepDef.StepID] {
			continue
		}
		if _, err := o.store.GetStep(ctx, run.ID, stepDef.StepID); err == nil {
			continue
		} else if !isNotFound(err) {
			return err
		}
		step := &store.WorkflowRunStep{
			RunID:      run.ID,
			StepID:     stepDef.StepID,
			Status:     store.StepPending,
			RetryState: store.RetryIdle,
		}
		if err := o.store.UpsertStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// computeFrontier returns the step definitions that are pending, not
// waiting on a future retry, and whose dependencies are all satisfied
// (succeeded or skipped). A skipped dependency satisfies its dependents
// whether or not they set continueOnSkip; that flag only stops
// applyCascadingSkips from skipping a step whose dependency failed.
func (o *Orchestrator) computeFrontier(def *store.WorkflowDefinition, byID map[string]*store.WorkflowRunStep) []*store.StepDefinition {
	var out []*store.StepDefinition
	for i := range def.Steps {
		stepDef := &def.Steps[i]
		step := byID[stepDef.StepID]
		if step == nil || step.Status != store.StepPending {
			continue
		}
		if step.RetryState == store.RetryScheduled && step.NextAttemptAt != nil && step.NextAttemptAt.After(o.now()) {
			continue
		}
		if !dependenciesSatisfied(stepDef, byID) {
			continue
		}
		out = append(out, stepDef)
	}
	return out
}

func dependenciesSatisfied(stepDef *store.StepDefinition, byID map[string]*store.WorkflowRunStep) bool {
	for _, dep := range stepDef.DependsOn {
		depStep := byID[dep]
		if depStep == nil {
			return false
		}
		switch depStep.Status {
		case store.StepSucceeded:
			continue
		case store.StepSkipped:
			continue
		default:
			return false
		}
	}
	return true
}

// applyCascadingSkips marks pending steps as skipped when a dependency
// failed and the step does not opt into continueOnSkip, so the
// frontier never tries to advance unreachable work.
func (o *Orchestrator) applyCascadingSkips(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition, byID map[string]*store.WorkflowRunStep) []*store.WorkflowRunStep {
	var changed []*store.WorkflowRunStep
	for i := range def.Steps {
		stepDef := &def.Steps[i]
		step := byID[stepDef.StepID]
		if step == nil || step.Status != store.StepPending {
			continue
		}
		blocked := false
		for _, dep := range stepDef.DependsOn {
			depStep := byID[dep]
			if depStep != nil && depStep.Status == store.StepFailed && !stepDef.ContinueOnSkip {
				blocked = true
				break
			}
		}
		if !blocked {
			continue
		}
		step.Status = store.StepSkipped
		o.addLog(step, "info", fmt.Sprintf("step %s skipped: upstream dependency failed", stepDef.StepID), nil)
		if err := o.store.UpsertStep(ctx, step); err != nil {
			o.logger.Error("persist cascading skip failed", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(err))
			continue
		}
		changed = append(changed, step)
	}
	return changed
}

// recomputeRunStatus derives the run's overall status from its steps'
// terminal state and persists the transition if it changed.
func (o *Orchestrator) recomputeRunStatus(ctx context.Context, run *store.WorkflowRun, def *store.WorkflowDefinition) error {
	steps, err := o.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	allTerminal := true
	anyFailed := false
	for _, s := range steps {
		switch s.Status {
		case store.StepSucceeded, store.StepSkipped:
			// terminal, not failing
		case store.StepFailed:
			anyFailed = true
		default:
			allTerminal = false
		}
	}

	var next store.RunStatus
	switch {
	case anyFailed:
		next = store.RunFailed
	case allTerminal:
		next = store.RunSucceeded
	default:
		next = store.RunRunning
	}

	if next == run.Status {
		return nil
	}
	run.Status = next
	if next == store.RunFailed || next == store.RunSucceeded {
		now := o.now()
		run.CompletedAt = &now
		o.metrics.incRunsCompleted(string(next))
	}
	o.logger.Info("run status transition", ilog.RunIDKey, run.ID, ilog.WorkflowKey, def.Slug, "status", string(next))
	return o.store.UpdateRun(ctx, run)
}

func isNotFound(err error) bool {
	var nf *apherrors.NotFoundError
	return apherrors.As(err, &nf)
}

// NewRunID is re-exported for callers assembling child fanout runs.
var NewRunID = ids.NewRunID
