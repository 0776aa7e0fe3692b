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

// Package memory provides an in-memory Store implementation. It is the
// default backend for tests and for single-process local runs; it
// implements every interface in internal/store with straightforward
// mutex-guarded maps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

var _ store.Store = (*Backend)(nil)

// Backend is an in-memory storage backend.
type Backend struct {
	mu sync.RWMutex

	events     map[string]*store.EventEnvelope
	eventOrder []string

	definitions     map[string]*store.WorkflowDefinition // keyed by slug
	definitionsByID map[string]*store.WorkflowDefinition // keyed by ID

	runs map[string]*store.WorkflowRun
	// runKeyIndex maps definitionID|runKeyNormalized -> runID for
	// non-terminal runs, enforcing the uniqueness invariant in spec §3.
	runKeyIndex map[string]string

	steps map[string]map[string]*store.WorkflowRunStep // runID -> stepID -> step

	triggers map[string]*store.EventTrigger

	deliveries map[string]*store.TriggerDelivery

	schedules map[string]*store.WorkflowSchedule

	manifests map[string]*store.ServiceManifestEntry
	services  map[string]*store.ServiceRecord
	repoSlugs map[string]string

	moduleResources map[string]*store.ModuleResourceContext // moduleID|resourceType|resourceID
	knownModules    map[string]bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		events:          make(map[string]*store.EventEnvelope),
		definitions:     make(map[string]*store.WorkflowDefinition),
		definitionsByID: make(map[string]*store.WorkflowDefinition),
		runs:            make(map[string]*store.WorkflowRun),
		runKeyIndex:     make(map[string]string),
		steps:           make(map[string]map[string]*store.WorkflowRunStep),
		triggers:        make(map[string]*store.EventTrigger),
		deliveries:      make(map[string]*store.TriggerDelivery),
		schedules:       make(map[string]*store.WorkflowSchedule),
		manifests:       make(map[string]*store.ServiceManifestEntry),
		services:        make(map[string]*store.ServiceRecord),
		repoSlugs:       make(map[string]string),
		moduleResources: make(map[string]*store.ModuleResourceContext),
		knownModules:    make(map[string]bool),
	}
}

func (b *Backend) Close() error { return nil }

// --- events ---

func (b *Backend) InsertEvent(ctx context.Context, event *store.EventEnvelope) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.events[event.ID]; exists {
		return false, nil
	}
	cp := *event
	b.events[event.ID] = &cp
	b.eventOrder = append(b.eventOrder, event.ID)
	return true, nil
}

func (b *Backend) GetEvent(ctx context.Context, id string) (*store.EventEnvelope, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.events[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "event", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (b *Backend) ListEvents(ctx context.Context, filter store.EventListFilter) ([]*store.EventEnvelope, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := make([]*store.EventEnvelope, 0, len(b.events))
	for _, id := range b.eventOrder {
		all = append(all, b.events[id])
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].OccurredAt.Equal(all[j].OccurredAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].OccurredAt.After(all[j].OccurredAt)
	})

	var filtered []*store.EventEnvelope
	skipping := filter.Cursor != ""
	for _, e := range all {
		cursor := encodeCursor(e.OccurredAt, e.ID)
		if skipping {
			if cursor == filter.Cursor {
				skipping = false
			}
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.Source != "" && e.Source != filter.Source {
			continue
		}
		if filter.From != nil && e.OccurredAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && e.OccurredAt.After(*filter.To) {
			continue
		}
		filtered = append(filtered, e)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var nextCursor string
	if len(filtered) > limit {
		nextCursor = encodeCursor(filtered[limit-1].OccurredAt, filtered[limit-1].ID)
		filtered = filtered[:limit]
	}

	out := make([]*store.EventEnvelope, len(filtered))
	for i, e := range filtered {
		cp := *e
		out[i] = &cp
	}
	return out, nextCursor, nil
}

func encodeCursor(t time.Time, id string) string {
	return fmt.Sprintf("%d|%s", t.UnixNano(), id)
}

// --- workflow definitions ---

func (b *Backend) CreateDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.definitions[def.Slug]; exists {
		return &apherrors.ConflictError{Resource: "workflow_definition", Key: def.Slug}
	}
	cp := *def
	b.definitions[def.Slug] = &cp
	b.definitionsByID[def.ID] = &cp
	return nil
}

func (b *Backend) UpdateDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.definitions[def.Slug]; !exists {
		return &apherrors.NotFoundError{Resource: "workflow_definition", ID: def.Slug}
	}
	cp := *def
	b.definitions[def.Slug] = &cp
	b.definitionsByID[def.ID] = &cp
	return nil
}

func (b *Backend) GetDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	def, ok := b.definitionsByID[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	cp := *def
	return &cp, nil
}

func (b *Backend) GetDefinitionBySlug(ctx context.Context, slug string) (*store.WorkflowDefinition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	def, ok := b.definitions[slug]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_definition", ID: slug}
	}
	cp := *def
	return &cp, nil
}

func (b *Backend) ListDefinitions(ctx context.Context, moduleID string) ([]*store.WorkflowDefinition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*store.WorkflowDefinition, 0, len(b.definitions))
	for _, def := range b.definitions {
		cp := *def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// --- workflow runs ---

func runKeyIndexKey(definitionID, runKeyNormalized string) string {
	return definitionID + "|" + runKeyNormalized
}

func (b *Backend) CreateRun(ctx context.Context, run *store.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &apherrors.ConflictError{Resource: "workflow_run", Key: run.ID}
	}
	if run.RunKeyNormalized != "" {
		key := runKeyIndexKey(run.WorkflowDefinitionID, run.RunKeyNormalized)
		if existingID, exists := b.runKeyIndex[key]; exists {
			if existing, ok := b.runs[existingID]; ok && !existing.IsTerminal() {
				return &apherrors.ConflictError{Resource: "workflow_run", Key: run.RunKeyNormalized, Reason: "non-terminal run with this runKey already exists"}
			}
		}
		b.runKeyIndex[key] = run.ID
	}

	cp := *run
	b.runs[run.ID] = &cp
	return nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *store.WorkflowRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.runs[run.ID]; !exists {
		return &apherrors.NotFoundError{Resource: "workflow_run", ID: run.ID}
	}
	cp := *run
	b.runs[run.ID] = &cp
	if run.RunKeyNormalized != "" {
		key := runKeyIndexKey(run.WorkflowDefinitionID, run.RunKeyNormalized)
		if run.IsTerminal() {
			// Terminal runs no longer block new runs for the same key.
			if b.runKeyIndex[key] == run.ID {
				delete(b.runKeyIndex, key)
			}
		} else {
			b.runKeyIndex[key] = run.ID
		}
	}
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	run, ok := b.runs[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (b *Backend) GetRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*store.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.runKeyIndex[runKeyIndexKey(definitionID, runKeyNormalized)]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_run", ID: runKeyNormalized}
	}
	run, ok := b.runs[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_run", ID: runKeyNormalized}
	}
	cp := *run
	return &cp, nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunListFilter) ([]*store.WorkflowRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.WorkflowRun
	for _, run := range b.runs {
		if filter.WorkflowDefinitionID != "" && run.WorkflowDefinitionID != filter.WorkflowDefinitionID {
			continue
		}
		if filter.ModuleID != "" && run.ModuleID != filter.ModuleID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- workflow run steps ---

func (b *Backend) UpsertStep(ctx context.Context, step *store.WorkflowRunStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.steps[step.RunID]; !ok {
		b.steps[step.RunID] = make(map[string]*store.WorkflowRunStep)
	}
	cp := *step
	b.steps[step.RunID][step.StepID] = &cp
	return nil
}

func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*store.WorkflowRunStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	steps, ok := b.steps[runID]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_run_step", ID: runID + "/" + stepID}
	}
	step, ok := steps[stepID]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_run_step", ID: runID + "/" + stepID}
	}
	cp := *step
	return &cp, nil
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*store.WorkflowRunStep, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	steps := b.steps[runID]
	out := make([]*store.WorkflowRunStep, 0, len(steps))
	for _, step := range steps {
		cp := *step
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// --- event triggers ---

func (b *Backend) CreateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.triggers[trigger.ID]; exists {
		return &apherrors.ConflictError{Resource: "event_trigger", Key: trigger.ID}
	}
	cp := *trigger
	b.triggers[trigger.ID] = &cp
	return nil
}

func (b *Backend) UpdateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.triggers[trigger.ID]; !exists {
		return &apherrors.NotFoundError{Resource: "event_trigger", ID: trigger.ID}
	}
	cp := *trigger
	b.triggers[trigger.ID] = &cp
	return nil
}

func (b *Backend) GetTrigger(ctx context.Context, id string) (*store.EventTrigger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.triggers[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	cp := *t
	return &cp, nil
}

func (b *Backend) DeleteTrigger(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.triggers[id]; !exists {
		return &apherrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	delete(b.triggers, id)
	return nil
}

func (b *Backend) ListTriggersByWorkflow(ctx context.Context, workflowDefinitionID string) ([]*store.EventTrigger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.EventTrigger
	for _, t := range b.triggers {
		if t.WorkflowDefinitionID == workflowDefinitionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) ListActiveTriggersForEvent(ctx context.Context, eventType, source string) ([]*store.EventTrigger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.EventTrigger
	for _, t := range b.triggers {
		if t.Status != store.TriggerActive {
			continue
		}
		if t.EventType != eventType {
			continue
		}
		if t.EventSource != "" && t.EventSource != source {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- trigger deliveries ---

func (b *Backend) CreateDelivery(ctx context.Context, delivery *store.TriggerDelivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.deliveries[delivery.ID]; exists {
		return &apherrors.ConflictError{Resource: "trigger_delivery", Key: delivery.ID}
	}
	cp := *delivery
	b.deliveries[delivery.ID] = &cp
	return nil
}

func (b *Backend) UpdateDelivery(ctx context.Context, delivery *store.TriggerDelivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.deliveries[delivery.ID]; !exists {
		return &apherrors.NotFoundError{Resource: "trigger_delivery", ID: delivery.ID}
	}
	cp := *delivery
	b.deliveries[delivery.ID] = &cp
	return nil
}

func (b *Backend) GetDelivery(ctx context.Context, id string) (*store.TriggerDelivery, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.deliveries[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "trigger_delivery", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (b *Backend) ListDeliveries(ctx context.Context, filter store.DeliveryListFilter) ([]*store.TriggerDelivery, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.TriggerDelivery
	for _, d := range b.deliveries {
		if filter.TriggerID != "" && d.TriggerID != filter.TriggerID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *Backend) FindByIdempotencyKey(ctx context.Context, triggerID, idempotencyKey string) (*store.TriggerDelivery, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, d := range b.deliveries {
		if d.TriggerID == triggerID && d.IdempotencyKey == idempotencyKey && d.Status != store.DeliveryFailed {
			cp := *d
			return &cp, nil
		}
	}
	return nil, &apherrors.NotFoundError{Resource: "trigger_delivery", ID: idempotencyKey}
}

func (b *Backend) CountLaunchedInWindow(ctx context.Context, triggerID string, since time.Time) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, d := range b.deliveries {
		if d.TriggerID == triggerID && d.Status == store.DeliveryLaunched && !d.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (b *Backend) CountActiveLaunched(ctx context.Context, triggerID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, d := range b.deliveries {
		if d.TriggerID != triggerID || d.Status != store.DeliveryLaunched || d.WorkflowRunID == "" {
			continue
		}
		run, ok := b.runs[d.WorkflowRunID]
		if ok && !run.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// --- schedules ---

func (b *Backend) CreateSchedule(ctx context.Context, schedule *store.WorkflowSchedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.schedules[schedule.ID]; exists {
		return &apherrors.ConflictError{Resource: "workflow_schedule", Key: schedule.ID}
	}
	cp := *schedule
	b.schedules[schedule.ID] = &cp
	return nil
}

func (b *Backend) UpdateSchedule(ctx context.Context, schedule *store.WorkflowSchedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.schedules[schedule.ID]; !exists {
		return &apherrors.NotFoundError{Resource: "workflow_schedule", ID: schedule.ID}
	}
	cp := *schedule
	b.schedules[schedule.ID] = &cp
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.WorkflowSchedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schedules[id]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "workflow_schedule", ID: id}
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) ListSchedules(ctx context.Context, workflowDefinitionID string) ([]*store.WorkflowSchedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*store.WorkflowSchedule
	for _, s := range b.schedules {
		if s.WorkflowDefinitionID == workflowDefinitionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) ListAllSchedules(ctx context.Context) ([]*store.WorkflowSchedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*store.WorkflowSchedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- services ---

func (b *Backend) UpsertManifest(ctx context.Context, entry *store.ServiceManifestEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *entry
	b.manifests[entry.Slug] = &cp
	return nil
}

func (b *Backend) GetManifest(ctx context.Context, slug string) (*store.ServiceManifestEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.manifests[slug]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "service_manifest", ID: slug}
	}
	cp := *m
	return &cp, nil
}

func (b *Backend) ListManifests(ctx context.Context) ([]*store.ServiceManifestEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*store.ServiceManifestEntry, 0, len(b.manifests))
	for _, m := range b.manifests {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (b *Backend) UpsertServiceRecord(ctx context.Context, record *store.ServiceRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *record
	b.services[record.Slug] = &cp
	return nil
}

func (b *Backend) GetServiceRecord(ctx context.Context, slug string) (*store.ServiceRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.services[slug]
	if !ok {
		return nil, &apherrors.NotFoundError{Resource: "service", ID: slug}
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) ListServiceRecords(ctx context.Context) ([]*store.ServiceRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*store.ServiceRecord, 0, len(b.services))
	for _, s := range b.services {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (b *Backend) InsertHealthSnapshot(ctx context.Context, snapshot *store.HealthSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.services[snapshot.Slug]
	if !ok {
		return &apherrors.NotFoundError{Resource: "service", ID: snapshot.Slug}
	}
	cp := *snapshot
	record.LatestHealth = &cp
	record.Status = snapshot.Status
	record.StatusMessage = snapshot.Message
	record.UpdatedAt = snapshot.CheckedAt
	return nil
}

func (b *Backend) GetRepositorySlug(ctx context.Context, repositoryID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	slug, ok := b.repoSlugs[repositoryID]
	if !ok {
		return "", &apherrors.NotFoundError{Resource: "repository_binding", ID: repositoryID}
	}
	return slug, nil
}

func (b *Backend) BindRepositorySlug(ctx context.Context, repositoryID, slug string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.repoSlugs[repositoryID] = slug
	return nil
}

// --- module resource contexts ---

func moduleResourceKey(moduleID, resourceType, resourceID string) string {
	return moduleID + "|" + resourceType + "|" + resourceID
}

func (b *Backend) BindResource(ctx context.Context, binding *store.ModuleResourceContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *binding
	b.moduleResources[moduleResourceKey(binding.ModuleID, binding.ResourceType, binding.ResourceID)] = &cp
	b.knownModules[binding.ModuleID] = true
	return nil
}

func (b *Backend) ListResourceIDs(ctx context.Context, moduleID, resourceType string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, binding := range b.moduleResources {
		if binding.ModuleID == moduleID && binding.ResourceType == resourceType {
			out = append(out, binding.ResourceID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) ModuleExists(ctx context.Context, moduleID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.knownModules[moduleID], nil
}
