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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisQueue backs one logical queue with a Redis Stream, using a
// consumer group for at-least-once delivery and a sorted set as the
// delayed-message staging area (§4.A "delayed-message support").
type redisQueue struct {
	client      *redis.Client
	streamKey   string
	delayedKey  string
	group       string
	consumer    string
	metrics     *metrics

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	statsMu   sync.Mutex
	procTimes []float64
}

func newRedisQueue(client *redis.Client, queueName string, m *metrics) *redisQueue {
	return &redisQueue{
		client:     client,
		streamKey:  "apphub:queue:" + queueName,
		delayedKey: "apphub:queue:" + queueName + ":delayed",
		group:      "apphub-workers",
		consumer:   "worker-1",
		metrics:    m,
	}
}

type wireJob struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
	Attempt int            `json:"attempt"`
}

func (q *redisQueue) Enqueue(ctx context.Context, job *Job) error {
	return q.xadd(ctx, job)
}

func (q *redisQueue) xadd(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(wireJob{ID: job.ID, Payload: job.Payload, Attempt: job.Attempt})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]any{"job": string(payload)},
	}).Err()
}

// EnqueueDelayed stages job in a sorted set scored by its due time; the
// promoter goroutine started by run() moves it into the stream once due.
func (q *redisQueue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	payload, err := json.Marshal(wireJob{ID: job.ID, Payload: job.Payload, Attempt: job.Attempt})
	if err != nil {
		return fmt.Errorf("marshal delayed job: %w", err)
	}
	dueAt := time.Now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(dueAt), Member: string(payload)}).Err()
}

func (q *redisQueue) Statistics(ctx context.Context) (Statistics, error) {
	waiting, err := q.client.XLen(ctx, q.streamKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Statistics{}, fmt.Errorf("xlen: %w", err)
	}
	delayedCount, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Statistics{}, fmt.Errorf("zcard: %w", err)
	}

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
			BucketWaiting:   waiting,
			BucketActive:    q.active.Load(),
			BucketCompleted: q.completed.Load(),
			BucketFailed:    q.failed.Load(),
			BucketDelayed:   delayedCount,
			BucketPaused:    0,
		},
		AvgProcessingTimeMillis: avg,
	}, nil
}

func (q *redisQueue) Close() error { return nil }

// run ensures the consumer group exists, then drains the stream and
// promotes due delayed jobs until ctx is canceled.
func (q *redisQueue) run(ctx context.Context, handler Handler, m *metrics, logger *slog.Logger) {
	if err := q.client.XGroupCreateMkStream(ctx, q.streamKey, q.group, "0").Err(); err != nil &&
		!strings.Contains(err.Error(), "BUSYGROUP") {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to create consumer group", slog.String("stream", q.streamKey), slog.Any("error", err))
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); q.promoteDelayed(ctx) }()
	go func() { defer wg.Done(); q.consume(ctx, handler, logger) }()
	wg.Wait()
}

func (q *redisQueue) promoteDelayed(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixMilli())
			due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
			if err != nil || len(due) == 0 {
				continue
			}
			for _, member := range due {
				if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.streamKey, Values: map[string]any{"job": member}}).Err(); err != nil {
					continue
				}
				q.client.ZRem(ctx, q.delayedKey, member)
			}
		}
	}
}

func (q *redisQueue) consume(ctx context.Context, handler Handler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if logger != nil {
				logger.WarnContext(ctx, "redis stream read failed", slog.Any("error", err))
			}
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *redisQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["job"].(string)
	var wire wireJob
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		q.client.XAck(ctx, q.streamKey, q.group, msg.ID)
		return
	}

	q.active.Add(1)
	start := time.Now()
	err := handler(ctx, &Job{ID: wire.ID, Payload: wire.Payload, Attempt: wire.Attempt})
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
	if q.metrics != nil {
		q.metrics.observeCompletion(q.streamKey, elapsed, err != nil)
	}
	q.client.XAck(ctx, q.streamKey, q.group, msg.ID)
}
