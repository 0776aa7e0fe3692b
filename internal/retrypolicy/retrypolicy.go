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

// Package retrypolicy computes step retry delays. Three strategies are
// supported: fixed, exponential, and jittered exponential.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Strategy selects a delay computation for a retry policy.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
	StrategyJittered    Strategy = "jittered"
)

// Policy is a per-step (or process-default) retry configuration.
type Policy struct {
	MaxAttempts    int
	Strategy       Strategy
	InitialDelayMs int64
	MaxDelayMs     int64
	JitterRatio    float64
}

// Default returns the process-wide fallback policy applied when a step
// declares none of its own, sourced from the daemon's retry config.
func Default(baseMs, maxMs int64, factor, jitterRatio float64) Policy {
	return Policy{
		MaxAttempts:    3,
		Strategy:       StrategyExponential,
		InitialDelayMs: baseMs,
		MaxDelayMs:     maxMs,
		JitterRatio:    jitterRatio,
	}
}

// NextDelay computes the delay before the given attempt (1-indexed: the
// delay to apply after the attempt-th failure). rng may be nil, in which
// case a package-level source is used; tests should inject a seeded rng
// for determinism.
func NextDelay(p Policy, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var ms float64
	switch p.Strategy {
	case StrategyExponential, StrategyJittered:
		ms = float64(p.InitialDelayMs) * math.Pow(2, float64(attempt-1))
	case StrategyFixed:
		fallthrough
	default:
		ms = float64(p.InitialDelayMs)
	}

	if p.MaxDelayMs > 0 && ms > float64(p.MaxDelayMs) {
		ms = float64(p.MaxDelayMs)
	}

	if p.Strategy == StrategyJittered && p.JitterRatio > 0 {
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		jitter := ms * p.JitterRatio
		// Uniform in [ms-jitter, ms+jitter], clamped to a sane floor.
		ms = ms - jitter + rng.Float64()*2*jitter
		if ms < 0 {
			ms = 0
		}
	}

	return time.Duration(ms) * time.Millisecond
}

// Exhausted reports whether attempt has consumed the policy's retry
// budget and the step must transition to failed/exhausted.
func Exhausted(p Policy, attempt int) bool {
	return attempt >= p.MaxAttempts
}
