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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

const triggerColumns = `id, workflow_definition_id, name, event_type, event_source, predicates, parameter_template,
	run_key_template, idempotency_key_expression, throttle_window_ms, throttle_count, max_concurrency,
	metadata, status, version, module_id, created_at, updated_at`

func (b *Backend) CreateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	predicates, err := marshalJSON(trigger.Predicates)
	if err != nil {
		return apherrors.Wrap(err, "marshal predicates")
	}
	params, err := marshalJSON(trigger.ParameterTemplate)
	if err != nil {
		return apherrors.Wrap(err, "marshal parameter template")
	}
	metadata, err := marshalJSON(trigger.Metadata)
	if err != nil {
		return apherrors.Wrap(err, "marshal metadata")
	}

	query := fmt.Sprintf(`INSERT INTO workflow_event_triggers
		(id, workflow_definition_id, name, event_type, event_source, predicates, parameter_template,
		 run_key_template, idempotency_key_expression, throttle_window_ms, throttle_count, max_concurrency,
		 metadata, status, version, module_id, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9),
		b.ph(10), b.ph(11), b.ph(12), b.ph(13), b.ph(14), b.ph(15), b.ph(16), b.ph(17), b.ph(18))
	_, err = b.db.ExecContext(ctx, query,
		trigger.ID, trigger.WorkflowDefinitionID, trigger.Name, trigger.EventType, trigger.EventSource,
		string(predicates), string(params), trigger.RunKeyTemplate, trigger.IdempotencyKeyExpression,
		trigger.ThrottleWindowMs, trigger.ThrottleCount, trigger.MaxConcurrency, string(metadata),
		string(trigger.Status), trigger.Version, trigger.ModuleID,
		trigger.CreatedAt.UTC().Format(time.RFC3339Nano), trigger.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &apherrors.ConflictError{Resource: "event_trigger", Key: trigger.ID}
		}
		return apherrors.Wrap(err, "insert event trigger")
	}
	return nil
}

func (b *Backend) UpdateTrigger(ctx context.Context, trigger *store.EventTrigger) error {
	predicates, err := marshalJSON(trigger.Predicates)
	if err != nil {
		return apherrors.Wrap(err, "marshal predicates")
	}
	params, err := marshalJSON(trigger.ParameterTemplate)
	if err != nil {
		return apherrors.Wrap(err, "marshal parameter template")
	}
	metadata, err := marshalJSON(trigger.Metadata)
	if err != nil {
		return apherrors.Wrap(err, "marshal metadata")
	}

	query := fmt.Sprintf(`UPDATE workflow_event_triggers SET
		name = %s, event_type = %s, event_source = %s, predicates = %s, parameter_template = %s,
		run_key_template = %s, idempotency_key_expression = %s, throttle_window_ms = %s, throttle_count = %s,
		max_concurrency = %s, metadata = %s, status = %s, version = %s, module_id = %s, updated_at = %s
		WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9),
		b.ph(10), b.ph(11), b.ph(12), b.ph(13), b.ph(14), b.ph(15), b.ph(16))
	res, err := b.db.ExecContext(ctx, query,
		trigger.Name, trigger.EventType, trigger.EventSource, string(predicates), string(params),
		trigger.RunKeyTemplate, trigger.IdempotencyKeyExpression, trigger.ThrottleWindowMs, trigger.ThrottleCount,
		trigger.MaxConcurrency, string(metadata), string(trigger.Status), trigger.Version, trigger.ModuleID,
		trigger.UpdatedAt.UTC().Format(time.RFC3339Nano), trigger.ID)
	if err != nil {
		return apherrors.Wrap(err, "update event trigger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "event_trigger", ID: trigger.ID}
	}
	return nil
}

func (b *Backend) GetTrigger(ctx context.Context, id string) (*store.EventTrigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_event_triggers WHERE id = %s`, triggerColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	return scanTrigger(row, id)
}

func scanTrigger(row scanner, lookupKey string) (*store.EventTrigger, error) {
	var (
		t                        store.EventTrigger
		status                   string
		eventSource              sql.NullString
		predicates, params       []byte
		metadata                 []byte
		createdAt, updatedAt     string
	)
	if err := row.Scan(&t.ID, &t.WorkflowDefinitionID, &t.Name, &t.EventType, &eventSource, &predicates, &params,
		&t.RunKeyTemplate, &t.IdempotencyKeyExpression, &t.ThrottleWindowMs, &t.ThrottleCount, &t.MaxConcurrency,
		&metadata, &status, &t.Version, &t.ModuleID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "event_trigger", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan event trigger")
	}
	t.EventSource = eventSource.String
	t.Status = store.TriggerStatus(status)
	if err := unmarshalJSON(predicates, &t.Predicates); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(params, &t.ParameterTemplate); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	var err error
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *Backend) DeleteTrigger(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM workflow_event_triggers WHERE id = %s`, b.ph(1))
	res, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return apherrors.Wrap(err, "delete event trigger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "event_trigger", ID: id}
	}
	return nil
}

func (b *Backend) ListTriggersByWorkflow(ctx context.Context, workflowDefinitionID string) ([]*store.EventTrigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_event_triggers WHERE workflow_definition_id = %s ORDER BY id`, triggerColumns, b.ph(1))
	rows, err := b.db.QueryContext(ctx, query, workflowDefinitionID)
	if err != nil {
		return nil, apherrors.Wrap(err, "list triggers by workflow")
	}
	defer rows.Close()
	var out []*store.EventTrigger
	for rows.Next() {
		t, err := scanTrigger(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *Backend) ListActiveTriggersForEvent(ctx context.Context, eventType, source string) ([]*store.EventTrigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_event_triggers
		WHERE status = %s AND event_type = %s AND (event_source IS NULL OR event_source = '' OR event_source = %s)
		ORDER BY id`, triggerColumns, b.ph(1), b.ph(2), b.ph(3))
	rows, err := b.db.QueryContext(ctx, query, string(store.TriggerActive), eventType, source)
	if err != nil {
		return nil, apherrors.Wrap(err, "list active triggers for event")
	}
	defer rows.Close()
	var out []*store.EventTrigger
	for rows.Next() {
		t, err := scanTrigger(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const deliveryColumns = `id, trigger_id, workflow_definition_id, event_id, status, retry_state, retry_attempts,
	next_attempt_at, workflow_run_id, idempotency_key, status_reason, created_at, updated_at`

func (b *Backend) CreateDelivery(ctx context.Context, delivery *store.TriggerDelivery) error {
	query := fmt.Sprintf(`INSERT INTO workflow_trigger_deliveries
		(id, trigger_id, workflow_definition_id, event_id, status, retry_state, retry_attempts,
		 next_attempt_at, workflow_run_id, idempotency_key, status_reason, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13))
	_, err := b.db.ExecContext(ctx, query,
		delivery.ID, delivery.TriggerID, delivery.WorkflowDefinitionID, delivery.EventID, string(delivery.Status),
		string(delivery.RetryState), delivery.RetryAttempts, nullTime(delivery.NextAttemptAt), delivery.WorkflowRunID,
		delivery.IdempotencyKey, delivery.StatusReason, delivery.CreatedAt.UTC().Format(time.RFC3339Nano),
		delivery.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &apherrors.ConflictError{Resource: "trigger_delivery", Key: delivery.ID}
		}
		return apherrors.Wrap(err, "insert trigger delivery")
	}
	return nil
}

func (b *Backend) UpdateDelivery(ctx context.Context, delivery *store.TriggerDelivery) error {
	query := fmt.Sprintf(`UPDATE workflow_trigger_deliveries SET
		status = %s, retry_state = %s, retry_attempts = %s, next_attempt_at = %s, workflow_run_id = %s,
		idempotency_key = %s, status_reason = %s, updated_at = %s
		WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9))
	res, err := b.db.ExecContext(ctx, query,
		string(delivery.Status), string(delivery.RetryState), delivery.RetryAttempts, nullTime(delivery.NextAttemptAt),
		delivery.WorkflowRunID, delivery.IdempotencyKey, delivery.StatusReason,
		delivery.UpdatedAt.UTC().Format(time.RFC3339Nano), delivery.ID)
	if err != nil {
		return apherrors.Wrap(err, "update trigger delivery")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "trigger_delivery", ID: delivery.ID}
	}
	return nil
}

func (b *Backend) GetDelivery(ctx context.Context, id string) (*store.TriggerDelivery, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_trigger_deliveries WHERE id = %s`, deliveryColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	return scanDelivery(row, id)
}

func scanDelivery(row scanner, lookupKey string) (*store.TriggerDelivery, error) {
	var (
		d                        store.TriggerDelivery
		status, retryState       string
		nextAttempt              sql.NullString
		runID, idempotencyKey    sql.NullString
		statusReason             sql.NullString
		createdAt, updatedAt     string
	)
	if err := row.Scan(&d.ID, &d.TriggerID, &d.WorkflowDefinitionID, &d.EventID, &status, &retryState, &d.RetryAttempts,
		&nextAttempt, &runID, &idempotencyKey, &statusReason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "trigger_delivery", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan trigger delivery")
	}
	d.Status = store.DeliveryStatus(status)
	d.RetryState = store.RetryState(retryState)
	d.WorkflowRunID = runID.String
	d.IdempotencyKey = idempotencyKey.String
	d.StatusReason = statusReason.String
	var err error
	if d.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (b *Backend) ListDeliveries(ctx context.Context, filter store.DeliveryListFilter) ([]*store.TriggerDelivery, error) {
	clauses := []string{}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(cond, b.ph(len(args))))
	}
	if filter.TriggerID != "" {
		add("trigger_id = %s", filter.TriggerID)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM workflow_trigger_deliveries`, deliveryColumns)
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apherrors.Wrap(err, "list trigger deliveries")
	}
	defer rows.Close()
	var out []*store.TriggerDelivery
	for rows.Next() {
		d, err := scanDelivery(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Backend) FindByIdempotencyKey(ctx context.Context, triggerID, idempotencyKey string) (*store.TriggerDelivery, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_trigger_deliveries
		WHERE trigger_id = %s AND idempotency_key = %s AND status != %s
		ORDER BY created_at DESC LIMIT 1`, deliveryColumns, b.ph(1), b.ph(2), b.ph(3))
	row := b.db.QueryRowContext(ctx, query, triggerID, idempotencyKey, string(store.DeliveryFailed))
	return scanDelivery(row, idempotencyKey)
}

func (b *Backend) CountLaunchedInWindow(ctx context.Context, triggerID string, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM workflow_trigger_deliveries
		WHERE trigger_id = %s AND status = %s AND created_at >= %s`, b.ph(1), b.ph(2), b.ph(3))
	var count int
	err := b.db.QueryRowContext(ctx, query, triggerID, string(store.DeliveryLaunched), since.UTC().Format(time.RFC3339Nano)).Scan(&count)
	if err != nil {
		return 0, apherrors.Wrap(err, "count launched deliveries")
	}
	return count, nil
}

func (b *Backend) CountActiveLaunched(ctx context.Context, triggerID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM workflow_trigger_deliveries d
		JOIN workflow_runs r ON r.id = d.workflow_run_id
		WHERE d.trigger_id = %s AND d.status = %s
		AND r.status NOT IN ('succeeded', 'failed', 'canceled', 'expired')`, b.ph(1), b.ph(2))
	var count int
	err := b.db.QueryRowContext(ctx, query, triggerID, string(store.DeliveryLaunched)).Scan(&count)
	if err != nil {
		return 0, apherrors.Wrap(err, "count active launched deliveries")
	}
	return count, nil
}
