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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/ids"
	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/store"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// RunEnqueuer hands a schedule-triggered run off for asynchronous
// orchestration, same narrow shape the trigger processor uses.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, runID string) error
}

// Store is the slice of the composite store the scheduler needs.
type Store interface {
	store.WorkflowScheduleStore
	store.WorkflowRunStore
	store.WorkflowDefinitionStore
}

// Scheduler sweeps persisted workflow schedules and launches runs as
// their cron expressions fire.
type Scheduler struct {
	store  Store
	runs   RunEnqueuer
	logger *slog.Logger
	now    func() time.Time

	sweepInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithSweepInterval overrides the sweep cadence (default one second).
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.sweepInterval = d }
}

// New constructs a Scheduler over st.
func New(st Store, runs RunEnqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		runs:          runs,
		logger:        slog.Default(),
		now:           time.Now,
		sweepInterval: time.Second,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns immediately; Stop (or ctx
// cancellation) ends the loop before its next tick.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Sweep evaluates every enabled schedule once. Schedules with an invalid
// cron expression or a failing launch record an error count and are
// retried on later sweeps; one broken schedule never blocks its
// siblings.
func (s *Scheduler) Sweep(ctx context.Context) {
	schedules, err := s.store.ListAllSchedules(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list schedules failed", ilog.Error(err))
		return
	}

	now := s.now()
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.evaluate(ctx, sched, now); err != nil {
			sched.ErrorCount++
			sched.UpdatedAt = now
			if uerr := s.store.UpdateSchedule(ctx, sched); uerr != nil {
				s.logger.ErrorContext(ctx, "persist schedule error count failed", "schedule_id", sched.ID, ilog.Error(uerr))
			}
			s.logger.ErrorContext(ctx, "schedule evaluation failed", "schedule_id", sched.ID, ilog.Error(err))
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sched *store.WorkflowSchedule, now time.Time) error {
	expr, err := ParseCron(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.CronExpr, err)
	}

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", sched.Timezone, err)
		}
	}

	if sched.NextRun == nil {
		next := expr.Next(now.In(loc))
		sched.NextRun = &next
		sched.UpdatedAt = now
		return s.store.UpdateSchedule(ctx, sched)
	}

	if sched.NextRun.After(now) {
		return nil
	}

	fireTime := *sched.NextRun
	if err := s.launch(ctx, sched, fireTime, now); err != nil {
		return err
	}

	next := expr.Next(now.In(loc))
	sched.LastRun = &fireTime
	sched.NextRun = &next
	sched.RunCount++
	sched.UpdatedAt = now
	return s.store.UpdateSchedule(ctx, sched)
}

// launch creates and enqueues one schedule-triggered run. The run key
// encodes (schedule, fire time), so a sweep raced by another instance
// collapses into a single run via the run-key uniqueness invariant.
func (s *Scheduler) launch(ctx context.Context, sched *store.WorkflowSchedule, fireTime, now time.Time) error {
	runKey := fmt.Sprintf("schedule-%s-%s", sched.ID, fireTime.UTC().Format("2006-01-02T15-04"))
	run := &store.WorkflowRun{
		ID:                   ids.NewRunID(),
		WorkflowDefinitionID: sched.WorkflowDefinitionID,
		Status:               store.RunPending,
		TriggeredBy:          store.TriggeredBySchedule,
		Parameters:           sched.Parameters,
		RunKey:               runKey,
		RunKeyNormalized:     ids.NormalizeRunKey(runKey),
		CreatedAt:            now,
		Context:              map[string]any{"scheduleId": sched.ID},
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		var conflict *apherrors.ConflictError
		if errors.As(err, &conflict) {
			// Another instance already launched this fire time.
			return nil
		}
		return fmt.Errorf("create scheduled run: %w", err)
	}

	if s.runs != nil {
		if err := s.runs.EnqueueRun(ctx, run.ID); err != nil {
			s.logger.ErrorContext(ctx, "enqueue scheduled run failed",
				slog.String(ilog.RunIDKey, run.ID), ilog.Error(err))
		}
	}
	s.logger.InfoContext(ctx, "schedule fired",
		"schedule_id", sched.ID, slog.String(ilog.RunIDKey, run.ID))
	return nil
}
