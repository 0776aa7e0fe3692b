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

// Package eventbus implements the Event Envelope Bus (spec §4.B): it
// validates, normalizes, and persists event envelopes at-most-once, then
// hands accepted events off to the scheduler state and trigger processor.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	"github.com/benediktbwimmer/apphub-core/internal/jq"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// SourceGate is the scheduler-state slice the bus consults before handing
// an accepted event to the trigger processor (§4.C).
type SourceGate interface {
	RegisterSourceEvent(source string) (allowed bool)
}

// Dispatcher receives every newly accepted (non-duplicate, non-paused)
// envelope. The trigger processor implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, envelope *store.EventEnvelope) error
}

// noopGate allows every event through; used when no rate limiter is wired.
type noopGate struct{}

func (noopGate) RegisterSourceEvent(string) bool { return true }

// noopDispatcher drops events silently; used when no trigger processor is
// wired (e.g. a bus-only deployment).
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *store.EventEnvelope) error { return nil }

// Bus validates, persists, and routes event envelopes.
type Bus struct {
	store      store.EventStore
	gate       SourceGate
	dispatcher Dispatcher
	jq         *jq.Executor
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithSourceGate wires the scheduler-state rate limiter.
func WithSourceGate(gate SourceGate) Option {
	return func(b *Bus) { b.gate = gate }
}

// WithDispatcher wires the event trigger processor.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Bus) { b.dispatcher = d }
}

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New constructs a Bus backed by es, applying any options.
func New(es store.EventStore, opts ...Option) *Bus {
	b := &Bus{
		store:      es,
		gate:       noopGate{},
		dispatcher: noopDispatcher{},
		jq:         jq.NewExecutor(0),
		logger:     slog.Default(),
		tracer:     otel.Tracer("apphub-core/eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest validates, assigns server-generated fields, and persists envelope
// at-most-once, then routes it through the source gate to the dispatcher.
// A duplicate by ID returns the previously stored envelope without
// re-enqueueing downstream work, per §4.B.
func (b *Bus) Ingest(ctx context.Context, envelope *store.EventEnvelope) (*store.EventEnvelope, error) {
	ctx, span := b.tracer.Start(ctx, "eventbus.Ingest")
	defer span.End()

	if err := validate(envelope); err != nil {
		return nil, err
	}

	if envelope.ID == "" {
		envelope.ID = ids.NewEventID()
	}
	envelope.OccurredAt = envelope.OccurredAt.UTC()
	envelope.IngestedAt = time.Now().UTC()

	inserted, err := b.store.InsertEvent(ctx, envelope)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if !inserted {
		existing, err := b.store.GetEvent(ctx, envelope.ID)
		if err != nil {
			return nil, fmt.Errorf("load duplicate event: %w", err)
		}
		b.logger.DebugContext(ctx, "duplicate event ingest ignored", slog.String("event_id", envelope.ID))
		return existing, nil
	}

	if !b.gate.RegisterSourceEvent(envelope.Source) {
		b.logger.InfoContext(ctx, "event source paused, skipping dispatch",
			slog.String("event_id", envelope.ID), slog.String("source", envelope.Source))
		return envelope, nil
	}

	if err := b.dispatcher.Dispatch(ctx, envelope); err != nil {
		// Dispatch failures are localized to trigger evaluation (§7): the
		// event itself is already durably accepted.
		b.logger.ErrorContext(ctx, "dispatch to trigger processor failed",
			slog.String("event_id", envelope.ID), slog.Any("error", err))
	}

	return envelope, nil
}

// ListOptions configures List.
type ListOptions struct {
	Cursor        string
	Limit         int
	JSONPath      string
	CorrelationID string
	Type          string
	Source        string
	From          *time.Time
	To            *time.Time
}

// Page is one lazily materialized cursor page of events.
type Page struct {
	Data       []*store.EventEnvelope
	NextCursor string
}

// List returns one page of events ordered by occurredAt desc, id desc,
// applying the optional server-side JSONPath predicate against each
// envelope's payload (§4.B). Because the JSONPath filter is evaluated
// above the storage layer, List may issue more than one underlying fetch
// to fill a page when the predicate is selective.
func (b *Bus) List(ctx context.Context, opts ListOptions) (*Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	cursor := opts.Cursor
	var data []*store.EventEnvelope
	for {
		filter := store.EventListFilter{
			Cursor:        cursor,
			Limit:         limit,
			CorrelationID: opts.CorrelationID,
			Type:          opts.Type,
			Source:        opts.Source,
			From:          opts.From,
			To:            opts.To,
		}
		batch, next, err := b.store.ListEvents(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}

		for _, e := range batch {
			if opts.JSONPath != "" {
				ok, err := b.matchesJSONPath(ctx, opts.JSONPath, e)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			data = append(data, e)
			if len(data) >= limit {
				return &Page{Data: data, NextCursor: encodeCursor(e)}, nil
			}
		}

		if next == "" {
			return &Page{Data: data}, nil
		}
		cursor = next
	}
}

func (b *Bus) matchesJSONPath(ctx context.Context, expr string, e *store.EventEnvelope) (bool, error) {
	v, err := b.jq.Eval(ctx, expr, map[string]any{"payload": e.Payload})
	if err != nil {
		return false, fmt.Errorf("evaluate jsonPath filter: %w", err)
	}
	return v != nil && v != false, nil
}

func encodeCursor(e *store.EventEnvelope) string {
	return fmt.Sprintf("%d|%s", e.OccurredAt.UnixNano(), e.ID)
}

func validate(e *store.EventEnvelope) error {
	if e == nil {
		return &apherrors.ValidationError{Field: "envelope", Message: "required"}
	}
	if e.Type == "" {
		return &apherrors.ValidationError{Field: "type", Message: "required"}
	}
	if e.Source == "" {
		return &apherrors.ValidationError{Field: "source", Message: "required"}
	}
	if e.OccurredAt.IsZero() {
		return &apherrors.ValidationError{Field: "occurredAt", Message: "required and must be a parsable UTC timestamp with offset"}
	}
	return nil
}
