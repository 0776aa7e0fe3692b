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

package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// inlineQueue is the single-process cooperative dispatcher used exclusively
// in tests and local self-contained runs (§4.A "inline mode").
type inlineQueue struct {
	name string

	mu     sync.Mutex
	jobs   []*Job
	signal chan struct{}
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	delayed   atomic.Int64

	statsMu    sync.Mutex
	procTimes  []float64
}

const maxProcessingTimeSamples = 50

func newInlineQueue(name string) *inlineQueue {
	return &inlineQueue{
		name:   name,
		signal: make(chan struct{}, 1),
	}
}

func (q *inlineQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	job.EnqueuedAt = time.Now()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *inlineQueue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.mu.Unlock()

	q.delayed.Add(1)
	time.AfterFunc(delay, func() {
		q.delayed.Add(-1)
		_ = q.Enqueue(context.Background(), job)
	})
	return nil
}

func (q *inlineQueue) Statistics(ctx context.Context) (Statistics, error) {
	q.mu.Lock()
	waiting := len(q.jobs)
	q.mu.Unlock()

	q.statsMu.Lock()
	var sum float64
	for _, v := range q.procTimes {
		sum += v
	}
	avg := 0.0
	if len(q.procTimes) > 0 {
		avg = sum / float64(len(q.procTimes))
	}
	q.statsMu.Unlock()

	return Statistics{
		Counts: map[Bucket]int64{
			BucketWaiting:   int64(waiting),
			BucketActive:    q.active.Load(),
			BucketCompleted: q.completed.Load(),
			BucketFailed:    q.failed.Load(),
			BucketDelayed:   q.delayed.Load(),
			BucketPaused:    0,
		},
		AvgProcessingTimeMillis: avg,
	}, nil
}

func (q *inlineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

func (q *inlineQueue) dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, errQueueClosed
		}
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// run drains jobs and invokes handler until ctx is canceled. Exposed as a
// method so the manager's worker loop and direct test callers share the
// exact same dispatch path.
func (q *inlineQueue) run(ctx context.Context, handler Handler, m *metrics) {
	for {
		job, err := q.dequeue(ctx)
		if err != nil {
			return
		}
		q.active.Add(1)
		start := time.Now()
		err = handler(ctx, job)
		elapsed := float64(time.Since(start).Milliseconds())
		q.active.Add(-1)

		q.statsMu.Lock()
		q.procTimes = append(q.procTimes, elapsed)
		if len(q.procTimes) > maxProcessingTimeSamples {
			q.procTimes = q.procTimes[len(q.procTimes)-maxProcessingTimeSamples:]
		}
		q.statsMu.Unlock()

		if err != nil {
			q.failed.Add(1)
		} else {
			q.completed.Add(1)
		}
		if m != nil {
			m.observeCompletion(q.name, elapsed, err != nil)
		}
	}
}

type queueClosedError struct{}

func (queueClosedError) Error() string { return "queue is closed" }

var errQueueClosed error = queueClosedError{}
