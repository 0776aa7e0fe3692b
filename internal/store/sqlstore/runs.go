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

func (b *Backend) CreateRun(ctx context.Context, run *store.WorkflowRun) error {
	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal run parameters")
	}
	runContext, err := marshalJSON(run.Context)
	if err != nil {
		return apherrors.Wrap(err, "marshal run context")
	}

	if run.RunKeyNormalized != "" {
		existing, err := b.GetRunByKey(ctx, run.WorkflowDefinitionID, run.RunKeyNormalized)
		if err == nil && !existing.IsTerminal() {
			return &apherrors.ConflictError{Resource: "workflow_run", Key: run.RunKeyNormalized, Reason: "non-terminal run with this runKey already exists"}
		}
	}

	query := fmt.Sprintf(`INSERT INTO workflow_runs
		(id, workflow_definition_id, status, triggered_by, parameters, partition_key, run_key, run_key_normalized,
		 module_id, parent_run_id, fanout_step_id, created_at, started_at, completed_at, error_message, context)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8),
		b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13), b.ph(14), b.ph(15), b.ph(16))
	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.WorkflowDefinitionID, string(run.Status), string(run.TriggeredBy), string(params),
		run.PartitionKey, run.RunKey, run.RunKeyNormalized, run.ModuleID, run.ParentRunID, run.FanoutStepID,
		run.CreatedAt.UTC().Format(time.RFC3339Nano), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		run.ErrorMessage, string(runContext))
	if err != nil {
		if isUniqueViolation(err) {
			return &apherrors.ConflictError{Resource: "workflow_run", Key: run.ID}
		}
		return apherrors.Wrap(err, "insert workflow run")
	}
	return nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *store.WorkflowRun) error {
	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal run parameters")
	}
	runContext, err := marshalJSON(run.Context)
	if err != nil {
		return apherrors.Wrap(err, "marshal run context")
	}

	query := fmt.Sprintf(`UPDATE workflow_runs SET
		status = %s, parameters = %s, partition_key = %s, run_key = %s, run_key_normalized = %s,
		module_id = %s, started_at = %s, completed_at = %s, error_message = %s, context = %s
		WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11))
	res, err := b.db.ExecContext(ctx, query,
		string(run.Status), string(params), run.PartitionKey, run.RunKey, run.RunKeyNormalized,
		run.ModuleID, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.ErrorMessage, string(runContext), run.ID)
	if err != nil {
		return apherrors.Wrap(err, "update workflow run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "workflow_run", ID: run.ID}
	}
	return nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_runs WHERE id = %s`, runColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	return scanRun(row, id)
}

func (b *Backend) GetRunByKey(ctx context.Context, definitionID, runKeyNormalized string) (*store.WorkflowRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_runs
		WHERE workflow_definition_id = %s AND run_key_normalized = %s
		AND status NOT IN ('succeeded', 'failed', 'canceled', 'expired')
		ORDER BY created_at DESC LIMIT 1`, runColumns, b.ph(1), b.ph(2))
	row := b.db.QueryRowContext(ctx, query, definitionID, runKeyNormalized)
	return scanRun(row, runKeyNormalized)
}

const runColumns = `id, workflow_definition_id, status, triggered_by, parameters, partition_key, run_key,
	run_key_normalized, module_id, parent_run_id, fanout_step_id, created_at, started_at, completed_at,
	error_message, context`

func scanRun(row scanner, lookupKey string) (*store.WorkflowRun, error) {
	var (
		run                              store.WorkflowRun
		status, triggeredBy              string
		params, runContext               []byte
		createdAt                        string
		startedAt, completedAt           sql.NullString
	)
	if err := row.Scan(&run.ID, &run.WorkflowDefinitionID, &status, &triggeredBy, &params, &run.PartitionKey,
		&run.RunKey, &run.RunKeyNormalized, &run.ModuleID, &run.ParentRunID, &run.FanoutStepID,
		&createdAt, &startedAt, &completedAt, &run.ErrorMessage, &runContext); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "workflow_run", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan workflow run")
	}
	run.Status = store.RunStatus(status)
	run.TriggeredBy = store.TriggeredBy(triggeredBy)
	if err := unmarshalJSON(params, &run.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(runContext, &run.Context); err != nil {
		return nil, err
	}
	var err error
	run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunListFilter) ([]*store.WorkflowRun, error) {
	clauses := []string{}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(cond, b.ph(len(args))))
	}
	if filter.WorkflowDefinitionID != "" {
		add("workflow_definition_id = %s", filter.WorkflowDefinitionID)
	}
	if filter.ModuleID != "" {
		add("module_id = %s", filter.ModuleID)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	query := fmt.Sprintf(`SELECT %s FROM workflow_runs`, runColumns)
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apherrors.Wrap(err, "list workflow runs")
	}
	defer rows.Close()

	var out []*store.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apherrors.Wrap(err, "iterate workflow runs")
	}
	return out, nil
}

func (b *Backend) UpsertStep(ctx context.Context, step *store.WorkflowRunStep) error {
	output, err := marshalJSON(step.Output)
	if err != nil {
		return apherrors.Wrap(err, "marshal step output")
	}
	logs, err := marshalJSON(step.Logs)
	if err != nil {
		return apherrors.Wrap(err, "marshal step logs")
	}

	var query string
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(`INSERT INTO workflow_run_steps
			(run_id, step_id, status, retry_state, retry_attempts, next_attempt_at, started_at, completed_at, output, error_message, logs)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status, retry_state = excluded.retry_state, retry_attempts = excluded.retry_attempts,
			next_attempt_at = excluded.next_attempt_at, started_at = excluded.started_at, completed_at = excluded.completed_at,
			output = excluded.output, error_message = excluded.error_message, logs = excluded.logs`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11))
	} else {
		query = fmt.Sprintf(`INSERT INTO workflow_run_steps
			(run_id, step_id, status, retry_state, retry_attempts, next_attempt_at, started_at, completed_at, output, error_message, logs)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = EXCLUDED.status, retry_state = EXCLUDED.retry_state, retry_attempts = EXCLUDED.retry_attempts,
			next_attempt_at = EXCLUDED.next_attempt_at, started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			output = EXCLUDED.output, error_message = EXCLUDED.error_message, logs = EXCLUDED.logs`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11))
	}
	_, err = b.db.ExecContext(ctx, query,
		step.RunID, step.StepID, string(step.Status), string(step.RetryState), step.RetryAttempts,
		nullTime(step.NextAttemptAt), nullTime(step.StartedAt), nullTime(step.CompletedAt),
		string(output), step.ErrorMessage, string(logs))
	if err != nil {
		return apherrors.Wrap(err, "upsert workflow run step")
	}
	return nil
}

func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*store.WorkflowRunStep, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_run_steps WHERE run_id = %s AND step_id = %s`, stepColumns, b.ph(1), b.ph(2))
	row := b.db.QueryRowContext(ctx, query, runID, stepID)
	return scanStep(row, runID+"/"+stepID)
}

const stepColumns = `run_id, step_id, status, retry_state, retry_attempts, next_attempt_at, started_at, completed_at, output, error_message, logs`

func scanStep(row scanner, lookupKey string) (*store.WorkflowRunStep, error) {
	var (
		step                    store.WorkflowRunStep
		status, retryState      string
		nextAttempt, started    sql.NullString
		completed               sql.NullString
		output, logs            []byte
	)
	if err := row.Scan(&step.RunID, &step.StepID, &status, &retryState, &step.RetryAttempts,
		&nextAttempt, &started, &completed, &output, &step.ErrorMessage, &logs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "workflow_run_step", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan workflow run step")
	}
	step.Status = store.StepStatus(status)
	step.RetryState = store.RetryState(retryState)
	if err := unmarshalJSON(output, &step.Output); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(logs, &step.Logs); err != nil {
		return nil, err
	}
	var err error
	if step.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if step.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &step, nil
}

func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*store.WorkflowRunStep, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_run_steps WHERE run_id = %s ORDER BY step_id`, stepColumns, b.ph(1))
	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, apherrors.Wrap(err, "list workflow run steps")
	}
	defer rows.Close()

	var out []*store.WorkflowRunStep
	for rows.Next() {
		step, err := scanStep(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, apherrors.Wrap(err, "iterate workflow run steps")
	}
	return out, nil
}
