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

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the orchestrator's Prometheus instrumentation. Like the
// queue manager, each Orchestrator gets its own registry so tests can
// construct several instances without colliding on the default registerer.
type metrics struct {
	registry       *prometheus.Registry
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	stepsCompleted *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apphub_workflow_runs_started_total",
			Help: "Count of workflow runs that entered the running state.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_workflow_runs_completed_total",
			Help: "Count of workflow runs that reached a terminal status.",
		}, []string{"status"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apphub_workflow_steps_completed_total",
			Help: "Count of workflow run steps that reached a terminal status.",
		}, []string{"type", "status"}),
	}
	reg.MustRegister(m.runsStarted, m.runsCompleted, m.stepsCompleted)
	return m
}

func (m *metrics) incRunsStarted() { m.runsStarted.Inc() }

func (m *metrics) incRunsCompleted(status string) {
	m.runsCompleted.WithLabelValues(status).Inc()
}

func (m *metrics) incStepsCompleted(stepType, status string) {
	m.stepsCompleted.WithLabelValues(stepType, status).Inc()
}
