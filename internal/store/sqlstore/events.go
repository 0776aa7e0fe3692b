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
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

func (b *Backend) InsertEvent(ctx context.Context, event *store.EventEnvelope) (bool, error) {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return false, apherrors.Wrap(err, "marshal event payload")
	}

	query := fmt.Sprintf(
		`INSERT INTO workflow_events (id, type, source, occurred_at, payload, correlation_id, ingested_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (id) DO NOTHING`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7))
	if b.dialect.Name == "sqlite" {
		query = fmt.Sprintf(
			`INSERT OR IGNORE INTO workflow_events (id, type, source, occurred_at, payload, correlation_id, ingested_at)
			 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7))
	}

	res, err := b.db.ExecContext(ctx, query,
		event.ID, event.Type, event.Source, event.OccurredAt.UTC().Format(time.RFC3339Nano),
		string(payload), event.CorrelationID, event.IngestedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, apherrors.Wrap(err, "insert event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apherrors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (b *Backend) GetEvent(ctx context.Context, id string) (*store.EventEnvelope, error) {
	query := fmt.Sprintf(`SELECT id, type, source, occurred_at, payload, correlation_id, ingested_at
		FROM workflow_events WHERE id = %s`, b.ph(1))
	row := b.db.QueryRowContext(ctx, query, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apherrors.NotFoundError{Resource: "event", ID: id}
	}
	if err != nil {
		return nil, apherrors.Wrap(err, "scan event")
	}
	return event, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*store.EventEnvelope, error) {
	var (
		event                        store.EventEnvelope
		occurredAt, ingestedAt       string
		payload                      []byte
		correlationID                sql.NullString
	)
	if err := row.Scan(&event.ID, &event.Type, &event.Source, &occurredAt, &payload, &correlationID, &ingestedAt); err != nil {
		return nil, err
	}
	var err error
	event.OccurredAt, err = time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return nil, err
	}
	event.IngestedAt, err = time.Parse(time.RFC3339Nano, ingestedAt)
	if err != nil {
		return nil, err
	}
	event.CorrelationID = correlationID.String
	if err := unmarshalJSON(payload, &event.Payload); err != nil {
		return nil, err
	}
	return &event, nil
}

func (b *Backend) ListEvents(ctx context.Context, filter store.EventListFilter) ([]*store.EventEnvelope, string, error) {
	var occurredBefore *time.Time
	var idTiebreak string
	if filter.Cursor != "" {
		t, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", &apherrors.ValidationError{Field: "cursor", Message: "malformed cursor"}
		}
		occurredBefore = &t
		idTiebreak = id
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	clauses := []string{}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(cond, b.ph(len(args))))
	}
	if occurredBefore != nil {
		clauses = append(clauses, fmt.Sprintf("(occurred_at < %s OR (occurred_at = %s AND id < %s))",
			phArg(&args, occurredBefore.UTC().Format(time.RFC3339Nano), b), phArg(&args, occurredBefore.UTC().Format(time.RFC3339Nano), b), phArg(&args, idTiebreak, b)))
	}
	if filter.CorrelationID != "" {
		add("correlation_id = %s", filter.CorrelationID)
	}
	if filter.Type != "" {
		add("type = %s", filter.Type)
	}
	if filter.Source != "" {
		add("source = %s", filter.Source)
	}
	if filter.From != nil {
		add("occurred_at >= %s", filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		add("occurred_at <= %s", filter.To.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT id, type, source, occurred_at, payload, correlation_id, ingested_at FROM workflow_events`
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += " ORDER BY occurred_at DESC, id DESC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", apherrors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []*store.EventEnvelope
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, "", apherrors.Wrap(err, "scan event row")
		}
		out = append(out, e)
		if len(out) > limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", apherrors.Wrap(err, "iterate events")
	}

	var nextCursor string
	if len(out) > limit {
		last := out[limit-1]
		nextCursor = encodeCursor(last.OccurredAt, last.ID)
		out = out[:limit]
	}
	return out, nextCursor, nil
}

func phArg(args *[]any, val any, b *Backend) string {
	*args = append(*args, val)
	return b.ph(len(*args))
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func encodeCursor(t time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", t.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		// internal/eventbus issues the unencoded "nanos|id" form.
		raw = []byte(cursor)
	}
	var nanos int64
	var id string
	if _, err := fmt.Sscanf(string(raw), "%d|%s", &nanos, &id); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos).UTC(), id, nil
}
