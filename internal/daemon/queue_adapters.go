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

package daemon

import (
	"context"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/queue"
)

// Queue keys (spec §6 "logical" queue names). Each key is also the
// registered queue name. queueWorkflowJobs is a distinct queue from
// queueWorkflow: "workflow" carries run-dispatch jobs consumed in-process
// by the orchestrator, "workflow-jobs" carries job-step payloads for the
// external worker fleet.
const (
	queueWorkflow      = "workflow"
	queueWorkflowJobs  = "workflow-jobs"
	queueWorkflowRetry = "workflow-retry"
	queueEventTrigger  = "event-trigger"
)

// runEnqueuer adapts internal/queue.Manager to both internal/api.RunEnqueuer
// and internal/trigger.RunEnqueuer, which share the same narrow shape by
// convention. It is the only place in this module that bridges the queue
// manager to the orchestrator, keeping those two packages decoupled.
type runEnqueuer struct {
	mgr *queue.Manager
}

func (e *runEnqueuer) EnqueueRun(ctx context.Context, runID string) error {
	q, err := e.mgr.GetQueue(ctx, queueWorkflow)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, &queue.Job{ID: runID, Payload: map[string]any{"runId": runID}})
}

// retryScheduler adapts internal/queue.Manager to orchestrator.RetryScheduler:
// a deferred re-invocation of orchestration for a run whose step is
// waiting out a retry delay.
type retryScheduler struct {
	mgr *queue.Manager
}

func (e *retryScheduler) ScheduleRetry(ctx context.Context, runID string, delay time.Duration) error {
	q, err := e.mgr.GetQueue(ctx, queueWorkflowRetry)
	if err != nil {
		return err
	}
	return q.EnqueueDelayed(ctx, &queue.Job{ID: runID, Payload: map[string]any{"runId": runID}}, delay)
}

// jobDispatcher adapts internal/queue.Manager to orchestrator.JobDispatcher:
// job-type steps are handed to the external worker fleet via the
// "workflow-jobs" queue. This module does not implement worker execution
// itself (spec's Non-goals: "dispatches to workers that do").
type jobDispatcher struct {
	mgr *queue.Manager
}

func (e *jobDispatcher) DispatchJob(ctx context.Context, runID, stepID, jobSlug string, params map[string]any) error {
	q, err := e.mgr.GetQueue(ctx, queueWorkflowJobs)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, &queue.Job{
		ID: runID + ":" + stepID,
		Payload: map[string]any{
			"runId":   runID,
			"stepId":  stepID,
			"jobSlug": jobSlug,
			"params":  params,
		},
	})
}

// deliveryRetryEnqueuer adapts internal/queue.Manager to
// trigger.DeliveryRetryEnqueuer: a deferred re-evaluation of a throttled
// or concurrency-capped trigger delivery.
type deliveryRetryEnqueuer struct {
	mgr *queue.Manager
}

func (e *deliveryRetryEnqueuer) EnqueueDeliveryRetry(ctx context.Context, deliveryID string, delay time.Duration) error {
	q, err := e.mgr.GetQueue(ctx, queueEventTrigger)
	if err != nil {
		return err
	}
	return q.EnqueueDelayed(ctx, &queue.Job{ID: deliveryID, Payload: map[string]any{"deliveryId": deliveryID}}, delay)
}
