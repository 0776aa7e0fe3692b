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

// Package schedulerstate enforces per-source rate limits and auto-pauses
// misbehaving triggers. All state here is process-local and intentionally
// transient: a restart clears every pause, which is a feature, not a gap.
package schedulerstate

import (
	"sync"
	"time"
)

// SourceLimit configures the sliding window enforced for one event source
// (or the wildcard "*").
type SourceLimit struct {
	Limit      int
	IntervalMs int64
	PauseMs    int64
}

// PauseReason names why a source or trigger is currently paused.
type PauseReason string

const (
	ReasonRateLimit        PauseReason = "rate_limit"
	ReasonFailureThreshold PauseReason = "failure_threshold_exceeded"
)

// Pause describes an active pause, returned from the observation APIs.
type Pause struct {
	Key       string      `json:"key"`
	Reason    PauseReason `json:"reason"`
	PausedAt  time.Time   `json:"pausedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type sourceState struct {
	window    []time.Time
	pausedAt  time.Time
	expiresAt time.Time
}

type triggerState struct {
	failures  []time.Time
	pausedAt  time.Time
	expiresAt time.Time
}

// State tracks source rate-limit windows and trigger failure windows.
type State struct {
	mu sync.Mutex

	limits         map[string]SourceLimit
	wildcard       *SourceLimit
	sources        map[string]*sourceState
	errorThreshold int
	errorWindowMs  int64
	triggerPauseMs int64
	triggers       map[string]*triggerState

	now func() time.Time
}

// New constructs a State from the configured per-source rate limits and
// the process-wide trigger failure threshold settings.
func New(sourceLimits []SourceLimit, sourceKeys []string, errorThreshold int, errorWindowMs, triggerPauseMs int64) *State {
	s := &State{
		limits:         make(map[string]SourceLimit, len(sourceLimits)),
		sources:        make(map[string]*sourceState),
		triggers:       make(map[string]*triggerState),
		errorThreshold: errorThreshold,
		errorWindowMs:  errorWindowMs,
		triggerPauseMs: triggerPauseMs,
		now:            time.Now,
	}
	for i, limit := range sourceLimits {
		key := "*"
		if i < len(sourceKeys) {
			key = sourceKeys[i]
		}
		l := limit
		if key == "*" {
			s.wildcard = &l
		} else {
			s.limits[key] = l
		}
	}
	return s
}

// SetClock overrides the time source used for window and pause
// evaluation. Intended for deterministic tests only.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// RegisterSourceEvent records an event arrival for source and reports
// whether it is currently allowed through. Once a source is paused, every
// subsequent call within the pause window also reports allowed=false,
// without re-evaluating the window.
func (s *State) RegisterSourceEvent(source string) (allowed bool) {
	limit, ok := s.limitFor(source)
	if !ok {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, exists := s.sources[source]
	if !exists {
		st = &sourceState{}
		s.sources[source] = st
	}

	if now.Before(st.expiresAt) {
		return false
	}

	cutoff := now.Add(-time.Duration(limit.IntervalMs) * time.Millisecond)
	st.window = trimBefore(st.window, cutoff)
	st.window = append(st.window, now)

	if len(st.window) > limit.Limit {
		st.pausedAt = now
		st.expiresAt = now.Add(time.Duration(limit.PauseMs) * time.Millisecond)
		return false
	}
	return true
}

func (s *State) limitFor(source string) (SourceLimit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit, ok := s.limits[source]; ok {
		return limit, true
	}
	if s.wildcard != nil {
		return *s.wildcard, true
	}
	return SourceLimit{}, false
}

// RecordTriggerFailure records a trigger evaluation failure. Once the
// failure count within errorWindowMs reaches errorThreshold, the trigger
// is paused for triggerPauseMs.
func (s *State) RecordTriggerFailure(triggerID string) {
	if s.errorThreshold <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st, exists := s.triggers[triggerID]
	if !exists {
		st = &triggerState{}
		s.triggers[triggerID] = st
	}

	cutoff := now.Add(-time.Duration(s.errorWindowMs) * time.Millisecond)
	st.failures = trimBefore(st.failures, cutoff)
	st.failures = append(st.failures, now)

	if len(st.failures) >= s.errorThreshold {
		st.pausedAt = now
		st.expiresAt = now.Add(time.Duration(s.triggerPauseMs) * time.Millisecond)
	}
}

// RecordTriggerSuccess clears a trigger's failure window.
func (s *State) RecordTriggerSuccess(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, triggerID)
}

// TriggerPaused reports whether triggerID is currently paused.
func (s *State) TriggerPaused(triggerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.triggers[triggerID]
	if !ok {
		return false
	}
	return s.now().Before(st.expiresAt)
}

// ActiveSourcePauses returns every source currently paused, for operator
// observation.
func (s *State) ActiveSourcePauses() []Pause {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Pause
	for key, st := range s.sources {
		if now.Before(st.expiresAt) {
			out = append(out, Pause{Key: key, Reason: ReasonRateLimit, PausedAt: st.pausedAt, ExpiresAt: st.expiresAt})
		}
	}
	return out
}

// ActiveTriggerPauses returns every trigger currently paused, for operator
// observation.
func (s *State) ActiveTriggerPauses() []Pause {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Pause
	for key, st := range s.triggers {
		if now.Before(st.expiresAt) {
			out = append(out, Pause{Key: key, Reason: ReasonFailureThreshold, PausedAt: st.pausedAt, ExpiresAt: st.expiresAt})
		}
	}
	return out
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
