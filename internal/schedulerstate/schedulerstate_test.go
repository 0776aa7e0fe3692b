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

package schedulerstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisterSourceEventPausesAfterLimitExceeded(t *testing.T) {
	s := New([]SourceLimit{{Limit: 2, IntervalMs: 1000, PauseMs: 5000}}, []string{"metastore.worker"}, 0, 0, 0)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	assert.True(t, s.RegisterSourceEvent("metastore.worker"))
	assert.True(t, s.RegisterSourceEvent("metastore.worker"))
	assert.False(t, s.RegisterSourceEvent("metastore.worker"))

	// Subsequent calls within the pause window stay disallowed, per the
	// invariant in spec §8 ("after allowed=false, subsequent calls within
	// the pause window also report allowed=false").
	assert.False(t, s.RegisterSourceEvent("metastore.worker"))

	clock = clock.Add(6 * time.Second)
	assert.True(t, s.RegisterSourceEvent("metastore.worker"))
}

func TestRegisterSourceEventUnconfiguredSourceAlwaysAllowed(t *testing.T) {
	s := New(nil, nil, 0, 0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, s.RegisterSourceEvent("anything"))
	}
}

func TestRegisterSourceEventWildcardApplies(t *testing.T) {
	s := New([]SourceLimit{{Limit: 1, IntervalMs: 1000, PauseMs: 1000}}, []string{"*"}, 0, 0, 0)
	assert.True(t, s.RegisterSourceEvent("anything"))
	assert.False(t, s.RegisterSourceEvent("anything"))
	assert.True(t, s.RegisterSourceEvent("something-else"))
	assert.False(t, s.RegisterSourceEvent("something-else"))
}

func TestTriggerFailurePausingAndClearing(t *testing.T) {
	s := New(nil, nil, 3, 60_000, 30_000)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })

	s.RecordTriggerFailure("t1")
	assert.False(t, s.TriggerPaused("t1"))
	s.RecordTriggerFailure("t1")
	assert.False(t, s.TriggerPaused("t1"))
	s.RecordTriggerFailure("t1")
	assert.True(t, s.TriggerPaused("t1"))

	s.RecordTriggerSuccess("t1")
	assert.False(t, s.TriggerPaused("t1"))
}

func TestActivePauseListings(t *testing.T) {
	s := New([]SourceLimit{{Limit: 1, IntervalMs: 1000, PauseMs: 5000}}, []string{"src"}, 1, 60_000, 30_000)
	s.RegisterSourceEvent("src")
	s.RegisterSourceEvent("src")
	s.RecordTriggerFailure("t1")

	sourcePauses := s.ActiveSourcePauses()
	assert.Len(t, sourcePauses, 1)
	assert.Equal(t, ReasonRateLimit, sourcePauses[0].Reason)

	triggerPauses := s.ActiveTriggerPauses()
	assert.Len(t, triggerPauses, 1)
	assert.Equal(t, ReasonFailureThreshold, triggerPauses[0].Reason)
}
