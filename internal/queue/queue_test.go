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

package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benediktbwimmer/apphub-core/internal/queue"
	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
	"github.com/stretchr/testify/require"
)

func inlineManager(t *testing.T) *queue.Manager {
	t.Helper()
	m, err := queue.New(queue.Config{Mode: queue.ModeInline, AllowInlineMode: true}, nil)
	require.NoError(t, err)
	return m
}

func TestNewRejectsInlineModeWithoutAllowFlag(t *testing.T) {
	_, err := queue.New(queue.Config{Mode: queue.ModeInline}, nil)
	require.Error(t, err)
	var cfgErr *apherrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRegisterQueueRejectsDuplicateKey(t *testing.T) {
	m := inlineManager(t)
	err := m.RegisterQueue("runs", "apphub-runs", queue.JobOptions{}, nil)
	require.NoError(t, err)

	err = m.RegisterQueue("runs", "apphub-runs-2", queue.JobOptions{}, nil)
	require.Error(t, err)
	var conflict *apherrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestGetQueueUnregisteredKeyIsNotFound(t *testing.T) {
	m := inlineManager(t)
	_, err := m.GetQueue(context.Background(), "missing")
	require.Error(t, err)
	var nf *apherrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestEnsureWorkerProcessesEnqueuedJobs(t *testing.T) {
	m := inlineManager(t)

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 1)

	err := m.RegisterQueue("runs", "apphub-runs", queue.JobOptions{}, func(ctx context.Context) (queue.Handler, error) {
		return func(ctx context.Context, job *queue.Job) error {
			mu.Lock()
			seen = append(seen, job.ID)
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		}, nil
	})
	require.NoError(t, err)

	require.NoError(t, m.EnsureWorker(context.Background(), "runs"))
	// A second call must be a no-op rather than re-invoking the loader.
	require.NoError(t, m.EnsureWorker(context.Background(), "runs"))

	q, err := m.GetQueue(context.Background(), "runs")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{ID: "job-1", Payload: map[string]any{"x": 1}}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"job-1"}, seen)
}

func TestGetQueueStatisticsReportsWaitingCount(t *testing.T) {
	m := inlineManager(t)
	require.NoError(t, m.RegisterQueue("runs", "apphub-runs", queue.JobOptions{}, nil))

	q, err := m.GetQueue(context.Background(), "runs")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{ID: "job-1"}))
	require.NoError(t, q.Enqueue(context.Background(), &queue.Job{ID: "job-2"}))

	stats, err := m.GetQueueStatistics(context.Background(), "runs")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Counts[queue.BucketWaiting])
}

func TestTryGetQueueInInlineModeReportsAbsence(t *testing.T) {
	m := inlineManager(t)
	require.NoError(t, m.RegisterQueue("runs", "apphub-runs", queue.JobOptions{}, nil))

	q, ok := m.TryGetQueue(context.Background(), "runs")
	require.False(t, ok)
	require.Nil(t, q)
}

func TestVerifyConnectivityInInlineModeIsNoop(t *testing.T) {
	m := inlineManager(t)
	require.NoError(t, m.VerifyConnectivity(context.Background(), time.Second))
}

func TestCloseConnectionIsIdempotent(t *testing.T) {
	m := inlineManager(t)
	require.NoError(t, m.RegisterQueue("runs", "apphub-runs", queue.JobOptions{}, nil))

	require.NoError(t, m.CloseConnection())
	require.NoError(t, m.CloseConnection())
}

func TestOnConnectionErrorCallbackFiresOnTimeout(t *testing.T) {
	m, err := queue.New(queue.Config{Mode: queue.ModeQueue, RedisAddr: "127.0.0.1:1"}, nil)
	require.NoError(t, err)

	fired := make(chan error, 1)
	m.OnConnectionError(func(err error) { fired <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = m.VerifyConnectivity(ctx, 10*time.Millisecond)

	select {
	case err := <-fired:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connection error callback was not invoked")
	}
}
