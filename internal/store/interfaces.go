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

package store

import (
	"context"
	"io"
	"time"
)

// EventStore persists event envelopes for the Event Envelope Bus (§4.B).
type EventStore interface {
	// InsertEvent inserts an envelope at-most-once: if an envelope with
	// the same ID already exists, inserted reports false and no error.
	InsertEvent(ctx context.Context, event *EventEnvelope) (inserted bool, err error)
	GetEvent(ctx context.Context, id string) (*EventEnvelope, error)
	ListEvents(ctx context.Context, filter EventListFilter) ([]*EventEnvelope, string, error)
}

// WorkflowDefinitionStore persists workflow definitions.
type WorkflowDefinitionStore interface {
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	UpdateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	GetDefinitionBySlug(ctx context.Context, slug string) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, moduleID string) ([]*WorkflowDefinition, error)
}

// WorkflowRunStore persists workflow runs. Owned exclusively by the
// orchestrator per the ownership summary in spec §3.
type WorkflowRunStore interface {
	CreateRun(ctx context.Context, run *WorkflowRun) error
	UpdateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	// GetRunByKey finds a non-terminal run for (definitionID, runKeyNormalized),
	// enforcing the uniqueness invariant in spec §3.
	GetRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunListFilter) ([]*WorkflowRun, error)
}

// WorkflowRunStepStore persists per-step run state.
type WorkflowRunStepStore interface {
	UpsertStep(ctx context.Context, step *WorkflowRunStep) error
	GetStep(ctx context.Context, runID, stepID string) (*WorkflowRunStep, error)
	ListSteps(ctx context.Context, runID string) ([]*WorkflowRunStep, error)
}

// EventTriggerStore persists event trigger declarations.
type EventTriggerStore interface {
	CreateTrigger(ctx context.Context, trigger *EventTrigger) error
	UpdateTrigger(ctx context.Context, trigger *EventTrigger) error
	GetTrigger(ctx context.Context, id string) (*EventTrigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggersByWorkflow(ctx context.Context, workflowDefinitionID string) ([]*EventTrigger, error)
	// ListActiveTriggersForEvent returns active triggers whose eventType
	// matches and whose eventSource is unset or matches source.
	ListActiveTriggersForEvent(ctx context.Context, eventType, source string) ([]*EventTrigger, error)
}

// TriggerDeliveryStore persists trigger delivery records. Owned
// exclusively by the trigger processor.
type TriggerDeliveryStore interface {
	CreateDelivery(ctx context.Context, delivery *TriggerDelivery) error
	UpdateDelivery(ctx context.Context, delivery *TriggerDelivery) error
	GetDelivery(ctx context.Context, id string) (*TriggerDelivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryListFilter) ([]*TriggerDelivery, error)
	// FindByIdempotencyKey returns a non-failed delivery for
	// (triggerID, idempotencyKey), if one exists.
	FindByIdempotencyKey(ctx context.Context, triggerID, idempotencyKey string) (*TriggerDelivery, error)
	// CountLaunchedInWindow counts deliveries for triggerID that reached
	// launched with CreatedAt >= since, for throttle evaluation.
	CountLaunchedInWindow(ctx context.Context, triggerID string, since time.Time) (int, error)
	// CountActiveLaunched counts deliveries for triggerID in launched
	// whose associated run is non-terminal, for concurrency gating.
	CountActiveLaunched(ctx context.Context, triggerID string) (int, error)
}

// WorkflowScheduleStore persists cron-driven workflow schedules.
type WorkflowScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *WorkflowSchedule) error
	UpdateSchedule(ctx context.Context, schedule *WorkflowSchedule) error
	GetSchedule(ctx context.Context, id string) (*WorkflowSchedule, error)
	ListSchedules(ctx context.Context, workflowDefinitionID string) ([]*WorkflowSchedule, error)
	ListAllSchedules(ctx context.Context) ([]*WorkflowSchedule, error)
}

// ServiceStore persists service manifest and record state. Owned
// exclusively by the registry.
type ServiceStore interface {
	UpsertManifest(ctx context.Context, entry *ServiceManifestEntry) error
	GetManifest(ctx context.Context, slug string) (*ServiceManifestEntry, error)
	ListManifests(ctx context.Context) ([]*ServiceManifestEntry, error)

	UpsertServiceRecord(ctx context.Context, record *ServiceRecord) error
	GetServiceRecord(ctx context.Context, slug string) (*ServiceRecord, error)
	ListServiceRecords(ctx context.Context) ([]*ServiceRecord, error)

	InsertHealthSnapshot(ctx context.Context, snapshot *HealthSnapshot) error
	GetRepositorySlug(ctx context.Context, repositoryID string) (string, error)
	BindRepositorySlug(ctx context.Context, repositoryID, slug string) error
}

// ModuleContextStore persists module-resource-context bindings (§4.G).
type ModuleContextStore interface {
	BindResource(ctx context.Context, binding *ModuleResourceContext) error
	ListResourceIDs(ctx context.Context, moduleID, resourceType string) ([]string, error)
	ModuleExists(ctx context.Context, moduleID string) (bool, error)
}

// Store composes every repository interface a full backend implements.
// Cross-subsystem access always goes through this composite rather than
// shared mutable memory, per the ownership summary in spec §3.
type Store interface {
	EventStore
	WorkflowDefinitionStore
	WorkflowRunStore
	WorkflowRunStepStore
	EventTriggerStore
	TriggerDeliveryStore
	WorkflowScheduleStore
	ServiceStore
	ModuleContextStore
	io.Closer
}
