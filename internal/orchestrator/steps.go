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

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/partitioning"
	"github.com/benediktbwimmer/apphub-core/internal/retrypolicy"
	"github.com/benediktbwimmer/apphub-core/internal/store"
)

// advanceStep dispatches step by its type and records the outcome. A
// step that succeeds or permanently fails transitions to a terminal
// status; a step that fails with retries remaining is left pending
// with a scheduled next attempt.
func (o *Orchestrator) advanceStep(ctx context.Context, run *store.WorkflowRun, stepDef *store.StepDefinition, step *store.WorkflowRunStep) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.advanceStep")
	defer span.End()

	now := o.now()
	step.Status = store.StepRunning
	step.StartedAt = &now
	o.addLog(step, "info", fmt.Sprintf("starting step %s", stepDef.StepID), map[string]any{"type": string(stepDef.Type)})
	if err := o.store.UpsertStep(ctx, step); err != nil {
		return err
	}

	var stepErr error
	switch stepDef.Type {
	case store.StepTypeJob:
		stepErr = o.advanceJobStep(ctx, run, stepDef, step)
	case store.StepTypeService:
		stepErr = o.advanceServiceStep(ctx, run, stepDef, step)
	case store.StepTypeFanout:
		stepErr = o.advanceFanoutStep(ctx, run, stepDef, step)
	default:
		stepErr = fmt.Errorf("unsupported step type %q", stepDef.Type)
	}

	// Job steps dispatched asynchronously (queue mode) report their own
	// completion later via RecordStepOutcome; here stepErr == nil means
	// "dispatched", not "succeeded". advanceJobStep signals that case by
	// leaving step.Status as StepRunning.
	if stepErr == nil && step.Status == store.StepRunning && o.jobs != nil && stepDef.Type == store.StepTypeJob {
		return o.store.UpsertStep(ctx, step)
	}

	if stepErr != nil {
		return o.failStep(ctx, run, stepDef, step, stepErr)
	}

	o.markStepSucceeded(step)
	o.addLog(step, "info", fmt.Sprintf("step %s succeeded", stepDef.StepID), nil)
	o.metrics.incStepsCompleted(string(stepDef.Type), "succeeded")
	return o.store.UpsertStep(ctx, step)
}

// markStepSucceeded finalizes a step's success, closing out any retry
// bookkeeping from earlier failed attempts.
func (o *Orchestrator) markStepSucceeded(step *store.WorkflowRunStep) {
	step.Status = store.StepSucceeded
	step.CompletedAt = timePtr(o.now())
	step.NextAttemptAt = nil
	step.ErrorMessage = ""
	if step.RetryState == store.RetryScheduled {
		step.RetryState = store.RetryCompleted
	}
}

// failStep applies the step's retry policy: if attempts remain, the
// step is left pending with a scheduled NextAttemptAt; otherwise it is
// marked permanently failed.
func (o *Orchestrator) failStep(ctx context.Context, run *store.WorkflowRun, stepDef *store.StepDefinition, step *store.WorkflowRunStep, cause error) error {
	step.ErrorMessage = cause.Error()
	o.addLog(step, "error", fmt.Sprintf("step %s failed: %v", stepDef.StepID, cause), nil)

	policy := o.stepRetryPolicy(stepDef)
	attempt := step.RetryAttempts + 1
	if retrypolicy.Exhausted(policy, attempt) {
		step.Status = store.StepFailed
		step.RetryState = store.RetryExhausted
		step.CompletedAt = timePtr(o.now())
		o.metrics.incStepsCompleted(string(stepDef.Type), "failed")
		return o.store.UpsertStep(ctx, step)
	}

	delay := retrypolicy.NextDelay(policy, attempt, nil)
	next := o.now().Add(delay)
	step.Status = store.StepPending
	step.RetryState = store.RetryScheduled
	step.RetryAttempts = attempt
	step.NextAttemptAt = &next
	o.addLog(step, "warn", fmt.Sprintf("scheduling retry %d/%d in %s", attempt, policy.MaxAttempts, delay), nil)
	if err := o.store.UpsertStep(ctx, step); err != nil {
		return err
	}
	if o.retries != nil {
		if err := o.retries.ScheduleRetry(ctx, run.ID, delay); err != nil {
			o.logger.Error("schedule step retry failed", ilog.RunIDKey, run.ID, ilog.StepIDKey, stepDef.StepID, ilog.Error(err))
		}
	}
	return nil
}

// stepRetryPolicy resolves a step's effective retry policy: its own
// declaration when present, else the process-wide default.
func (o *Orchestrator) stepRetryPolicy(stepDef *store.StepDefinition) retrypolicy.Policy {
	if stepDef.RetryPolicy == nil {
		if o.defaultPolicy.MaxAttempts > 0 {
			return o.defaultPolicy
		}
		return retrypolicy.Policy{MaxAttempts: 1, Strategy: retrypolicy.StrategyFixed}
	}
	rp := stepDef.RetryPolicy
	return retrypolicy.Policy{
		MaxAttempts:    rp.MaxAttempts,
		Strategy:       retrypolicy.Strategy(rp.Strategy),
		InitialDelayMs: rp.InitialDelayMs,
		MaxDelayMs:     rp.MaxDelayMs,
		JitterRatio:    rp.JitterRatio,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// --- job steps ---

func (o *Orchestrator) advanceJobStep(ctx context.Context, run *store.WorkflowRun, stepDef *store.StepDefinition, step *store.WorkflowRunStep) error {
	if stepDef.Job == nil {
		return fmt.Errorf("job step %s missing job spec", stepDef.StepID)
	}
	params := stepDef.Job.Params
	if o.jobs != nil {
		return o.jobs.DispatchJob(ctx, run.ID, stepDef.StepID, stepDef.Job.JobSlug, params)
	}

	handler, ok := o.handlers[stepDef.Job.JobSlug]
	if !ok {
		return fmt.Errorf("no inline handler registered for job %q", stepDef.Job.JobSlug)
	}
	output, err := handler(ctx, run, stepDef, params)
	if err != nil {
		return err
	}
	step.Output = output
	return nil
}

// RecordStepOutcome is called by the queue-mode job worker once a
// dispatched job step completes, closing the loop that advanceJobStep
// opened by leaving the step running.
func (o *Orchestrator) RecordStepOutcome(ctx context.Context, runID, stepID string, output map[string]any, stepErr error) error {
	lock := o.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	step, err := o.store.GetStep(ctx, runID, stepID)
	if err != nil {
		return err
	}
	def, err := o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return err
	}
	var stepDef *store.StepDefinition
	for i := range def.Steps {
		if def.Steps[i].StepID == stepID {
			stepDef = &def.Steps[i]
			break
		}
	}
	if stepDef == nil {
		return fmt.Errorf("unknown step %q for workflow %s", stepID, def.Slug)
	}

	if stepErr != nil {
		if err := o.failStep(ctx, run, stepDef, step, stepErr); err != nil {
			return err
		}
	} else {
		step.Output = output
		o.markStepSucceeded(step)
		o.addLog(step, "info", fmt.Sprintf("step %s succeeded", stepID), nil)
		o.metrics.incStepsCompleted(string(stepDef.Type), "succeeded")
		if err := o.store.UpsertStep(ctx, step); err != nil {
			return err
		}
	}
	return o.recomputeRunStatus(ctx, run, def)
}

// --- service steps ---

func (o *Orchestrator) advanceServiceStep(ctx context.Context, run *store.WorkflowRun, stepDef *store.StepDefinition, step *store.WorkflowRunStep) error {
	if stepDef.Service == nil {
		return fmt.Errorf("service step %s missing service spec", stepDef.StepID)
	}
	spec := stepDef.Service
	if o.services == nil {
		return fmt.Errorf("service resolver not configured")
	}
	baseURL, err := o.services.ResolveBaseURL(ctx, spec.ServiceSlug)
	if err != nil {
		return fmt.Errorf("service %q unavailable: %w", spec.ServiceSlug, err)
	}

	tmplData := map[string]any{
		"parameters": run.Parameters,
		"run": map[string]any{
			"id":           run.ID,
			"partitionKey": run.PartitionKey,
			"runKey":       run.RunKey,
			"moduleId":     run.ModuleID,
		},
		"steps": stepOutputs(ctx, o, run.ID),
	}
	body, err := renderBodyTemplate(spec.BodyTemplate, tmplData)
	if err != nil {
		return fmt.Errorf("render service step body: %w", err)
	}

	timeout := 30 * time.Second
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	url := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(spec.Path, "/")
	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("service %q unavailable: %w", spec.ServiceSlug, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("service %q returned status %d: %s", spec.ServiceSlug, resp.StatusCode, string(respBody))
	}

	out := map[string]any{"statusCode": resp.StatusCode, "body": string(respBody)}
	step.Output = out
	return nil
}

func stepOutputs(ctx context.Context, o *Orchestrator, runID string) map[string]any {
	steps, err := o.store.ListSteps(ctx, runID)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(steps))
	for _, s := range steps {
		out[s.StepID] = map[string]any{"status": string(s.Status), "output": s.Output}
	}
	return out
}

// --- fanout steps ---

func (o *Orchestrator) advanceFanoutStep(ctx context.Context, run *store.WorkflowRun, stepDef *store.StepDefinition, step *store.WorkflowRunStep) error {
	if stepDef.Fanout == nil {
		return fmt.Errorf("fanout step %s missing fanout spec", stepDef.StepID)
	}

	keys, err := partitioning.EnumeratePartitionKeys(toPartitioningSpec(stepDef.Fanout.Partitioning), partitioning.Options{Now: o.now()})
	if err != nil {
		return fmt.Errorf("enumerate partitions: %w", err)
	}
	if len(keys) == 0 {
		step.Output = map[string]any{"childRunIds": []string{}}
		return nil
	}

	childIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		existing, err := o.store.GetRunByKey(ctx, run.WorkflowDefinitionID, ids.NormalizeRunKey(fmt.Sprintf("%s-%s-%s", run.ID, stepDef.StepID, key)))
		if err == nil {
			childIDs = append(childIDs, existing.ID)
			continue
		}
		child := &store.WorkflowRun{
			ID:                   ids.NewRunID(),
			WorkflowDefinitionID: run.WorkflowDefinitionID,
			Status:               store.RunPending,
			TriggeredBy:          store.TriggeredByModule,
			Parameters:           run.Parameters,
			PartitionKey:         key,
			RunKey:               fmt.Sprintf("%s-%s-%s", run.ID, stepDef.StepID, key),
			RunKeyNormalized:     ids.NormalizeRunKey(fmt.Sprintf("%s-%s-%s", run.ID, stepDef.StepID, key)),
			ModuleID:             run.ModuleID,
			ParentRunID:          run.ID,
			FanoutStepID:         stepDef.StepID,
			CreatedAt:            o.now(),
		}
		if err := o.store.CreateRun(ctx, child); err != nil {
			return fmt.Errorf("create fanout child run for partition %q: %w", key, err)
		}
		childIDs = append(childIDs, child.ID)
		if err := o.RunWorkflowOrchestration(ctx, child.ID); err != nil {
			o.logger.Error("advance fanout child failed", ilog.RunIDKey, child.ID, ilog.Error(err))
		}
	}

	allTerminal := true
	anyFailed := false
	for _, id := range childIDs {
		child, err := o.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		if !child.IsTerminal() {
			allTerminal = false
			continue
		}
		if child.Status == store.RunFailed {
			anyFailed = true
		}
	}
	step.Output = map[string]any{"childRunIds": childIDs}
	if !allTerminal {
		step.Status = store.StepRunning
		return o.store.UpsertStep(ctx, step)
	}
	if anyFailed {
		return fmt.Errorf("one or more fanout child runs failed")
	}
	return nil
}

func toPartitioningSpec(p store.PartitioningSpec) partitioning.Spec {
	return partitioning.Spec{
		Type:        partitioning.Type(p.Type),
		Granularity: partitioning.Granularity(p.Granularity),
		Lookback:    p.Lookback,
		Values:      p.Values,
	}
}

// --- cancellation ---

// cascadeCancellation skips every non-terminal step of a canceled run
// without aborting steps already in flight, and propagates cancellation
// to any in-progress fanout child runs (§3 supplemented features).
func (o *Orchestrator) cascadeCancellation(ctx context.Context, run *store.WorkflowRun, steps []*store.WorkflowRunStep) error {
	for _, step := range steps {
		inFlight := step.Status == store.StepRunning
		if step.Status == store.StepPending || inFlight {
			step.Status = store.StepSkipped
			o.addLog(step, "info", "step skipped: run canceled", nil)
			if err := o.store.UpsertStep(ctx, step); err != nil {
				return err
			}
		}
		if inFlight && step.Output != nil {
			if childIDsAny, ok := step.Output["childRunIds"]; ok {
				for _, v := range toStringSlice(childIDsAny) {
					if child, err := o.store.GetRun(ctx, v); err == nil && !child.IsTerminal() {
						child.Status = store.RunCanceled
						_ = o.store.UpdateRun(ctx, child)
						childSteps, err := o.store.ListSteps(ctx, child.ID)
						if err == nil {
							_ = o.cascadeCancellation(ctx, child, childSteps)
						}
					}
				}
			}
		}
	}
	return nil
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
