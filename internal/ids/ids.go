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

// Package ids generates the opaque identifiers used throughout the core:
// run ids, delivery ids, event ids, and service health snapshot ids.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh opaque id with the given prefix, e.g. "run_", "dlv_".
// Prefixes make ids self-describing in logs without requiring a lookup.
func New(prefix string) string {
	return prefix + uuid.NewString()
}

// NewRunID returns an opaque workflow run id.
func NewRunID() string { return New("run_") }

// NewDeliveryID returns an opaque trigger delivery id.
func NewDeliveryID() string { return New("dlv_") }

// NewEventID returns an opaque event envelope id.
func NewEventID() string { return New("evt_") }

// NewTriggerID returns an opaque event trigger id.
func NewTriggerID() string { return New("trg_") }

// NewHealthSnapshotID returns an opaque service health snapshot id.
func NewHealthSnapshotID() string { return New("hlt_") }

// NewScheduleID returns an opaque workflow schedule id.
func NewScheduleID() string { return New("sch_") }

// NormalizeRunKey lowercases a run key for uniqueness comparison, per the
// (definitionId, runKeyNormalized) invariant.
func NormalizeRunKey(runKey string) string {
	return strings.ToLower(strings.TrimSpace(runKey))
}
