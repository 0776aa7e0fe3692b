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

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the queue manager's Prometheus instrumentation. A fresh
// registry is used per Manager instance so tests can construct several
// managers without colliding on the default registerer.
type metrics struct {
	registry         *prometheus.Registry
	registeredQueues prometheus.Gauge
	connectionErrors prometheus.Counter
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	processingTime   *prometheus.HistogramVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		registeredQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apphub_queue_registered_total",
			Help: "Number of queues currently registered with the queue manager.",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apphub_queue_connection_errors_total",
			Help: "Count of queue backend connection failures observed by the queue manager.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_queue_jobs_completed_total",
			Help: "Count of jobs a registered queue's worker completed successfully.",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_queue_jobs_failed_total",
			Help: "Count of jobs a registered queue's worker failed.",
		}, []string{"queue"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apphub_queue_job_processing_ms",
			Help:    "Per-job processing duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"queue"}),
	}
	reg.MustRegister(m.registeredQueues, m.connectionErrors, m.jobsCompleted, m.jobsFailed, m.processingTime)
	return m
}

func (m *metrics) setRegisteredQueues(n int) { m.registeredQueues.Set(float64(n)) }
func (m *metrics) incConnectionError()       { m.connectionErrors.Inc() }

func (m *metrics) observeCompletion(queueName string, ms float64, failed bool) {
	if failed {
		m.jobsFailed.WithLabelValues(queueName).Inc()
	} else {
		m.jobsCompleted.WithLabelValues(queueName).Inc()
	}
	m.processingTime.WithLabelValues(queueName).Observe(ms)
}
