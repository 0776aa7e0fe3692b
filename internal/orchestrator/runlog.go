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

import "github.com/benediktbwimmer/apphub-core/internal/store"

// maxStepLogEntries bounds the per-step narrative so a step stuck in a
// long retry loop cannot grow its record without limit.
const maxStepLogEntries = 200

// addLog appends a structured narrative entry to the step record. Entries
// are persisted alongside the step by the next UpsertStep, giving
// operators a step-by-step account of each run without tailing process
// logs.
func (o *Orchestrator) addLog(step *store.WorkflowRunStep, level, message string, fields map[string]any) {
	entry := store.RunLogEntry{
		Timestamp: o.now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	step.Logs = append(step.Logs, entry)
	if len(step.Logs) > maxStepLogEntries {
		step.Logs = step.Logs[len(step.Logs)-maxStepLogEntries:]
	}
}
