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

const scheduleColumns = `id, workflow_definition_id, name, cron_expr, parameters, timezone, enabled,
	last_run, next_run, run_count, error_count, created_at, updated_at`

func (b *Backend) CreateSchedule(ctx context.Context, schedule *store.WorkflowSchedule) error {
	params, err := marshalJSON(schedule.Parameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal schedule parameters")
	}
	query := fmt.Sprintf(`INSERT INTO workflow_schedules
		(id, workflow_definition_id, name, cron_expr, parameters, timezone, enabled, last_run, next_run,
		 run_count, error_count, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13))
	_, err = b.db.ExecContext(ctx, query,
		schedule.ID, schedule.WorkflowDefinitionID, schedule.Name, schedule.CronExpr, string(params),
		schedule.Timezone, boolToInt(schedule.Enabled), nullTime(schedule.LastRun), nullTime(schedule.NextRun),
		schedule.RunCount, schedule.ErrorCount, schedule.CreatedAt.UTC().Format(time.RFC3339Nano),
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &apherrors.ConflictError{Resource: "workflow_schedule", Key: schedule.ID}
		}
		return apherrors.Wrap(err, "insert workflow schedule")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (b *Backend) UpdateSchedule(ctx context.Context, schedule *store.WorkflowSchedule) error {
	params, err := marshalJSON(schedule.Parameters)
	if err != nil {
		return apherrors.Wrap(err, "marshal schedule parameters")
	}
	query := fmt.Sprintf(`UPDATE workflow_schedules SET
		name = %s, cron_expr = %s, parameters = %s, timezone = %s, enabled = %s, last_run = %s,
		next_run = %s, run_count = %s, error_count = %s, updated_at = %s
		WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11))
	res, err := b.db.ExecContext(ctx, query,
		schedule.Name, schedule.CronExpr, string(params), schedule.Timezone, boolToInt(schedule.Enabled),
		nullTime(schedule.LastRun), nullTime(schedule.NextRun), schedule.RunCount, schedule.ErrorCount,
		schedule.UpdatedAt.UTC().Format(time.RFC3339Nano), schedule.ID)
	if err != nil {
		return apherrors.Wrap(err, "update workflow schedule")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apherrors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &apherrors.NotFoundError{Resource: "workflow_schedule", ID: schedule.ID}
	}
	return nil
}

func (b *Backend) GetSchedule(ctx context.Context, id string) (*store.WorkflowSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_schedules WHERE id = %s`, scheduleColumns, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	return scanSchedule(row, id)
}

func scanSchedule(row scanner, lookupKey string) (*store.WorkflowSchedule, error) {
	var (
		s                      store.WorkflowSchedule
		params                 []byte
		enabled                int
		lastRun, nextRun       sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&s.ID, &s.WorkflowDefinitionID, &s.Name, &s.CronExpr, &params, &s.Timezone, &enabled,
		&lastRun, &nextRun, &s.RunCount, &s.ErrorCount, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apherrors.NotFoundError{Resource: "workflow_schedule", ID: lookupKey}
		}
		return nil, apherrors.Wrap(err, "scan workflow schedule")
	}
	s.Enabled = enabled != 0
	if err := unmarshalJSON(params, &s.Parameters); err != nil {
		return nil, err
	}
	var err error
	if s.LastRun, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if s.NextRun, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *Backend) ListSchedules(ctx context.Context, workflowDefinitionID string) ([]*store.WorkflowSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_schedules WHERE workflow_definition_id = %s ORDER BY id`, scheduleColumns, b.ph(1))
	rows, err := b.db.QueryContext(ctx, query, workflowDefinitionID)
	if err != nil {
		return nil, apherrors.Wrap(err, "list workflow schedules")
	}
	defer rows.Close()
	var out []*store.WorkflowSchedule
	for rows.Next() {
		s, err := scanSchedule(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *Backend) ListAllSchedules(ctx context.Context) ([]*store.WorkflowSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_schedules ORDER BY id`, scheduleColumns)
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apherrors.Wrap(err, "list all workflow schedules")
	}
	defer rows.Close()
	var out []*store.WorkflowSchedule
	for rows.Next() {
		s, err := scanSchedule(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
