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

package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedStrategyBoundaryExample(t *testing.T) {
	p := Policy{MaxAttempts: 3, Strategy: StrategyFixed, InitialDelayMs: 100}

	assert.Equal(t, 100*time.Millisecond, NextDelay(p, 1, nil))
	assert.False(t, Exhausted(p, 1))

	assert.Equal(t, 100*time.Millisecond, NextDelay(p, 2, nil))
	assert.False(t, Exhausted(p, 2))

	assert.True(t, Exhausted(p, 3))
}

func TestExponentialStrategyDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 5, Strategy: StrategyExponential, InitialDelayMs: 100, MaxDelayMs: 10_000}
	assert.Equal(t, 100*time.Millisecond, NextDelay(p, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextDelay(p, 2, nil))
	assert.Equal(t, 400*time.Millisecond, NextDelay(p, 3, nil))
}

func TestExponentialStrategyCapsAtMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 20, Strategy: StrategyExponential, InitialDelayMs: 1000, MaxDelayMs: 3000}
	assert.Equal(t, 3000*time.Millisecond, NextDelay(p, 10, nil))
}

func TestJitteredStrategyStaysWithinBounds(t *testing.T) {
	p := Policy{MaxAttempts: 5, Strategy: StrategyJittered, InitialDelayMs: 1000, MaxDelayMs: 60_000, JitterRatio: 0.2}
	for i := 0; i < 50; i++ {
		d := NextDelay(p, 1, nil)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestExhaustedAtMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, Exhausted(p, 2))
	assert.True(t, Exhausted(p, 3))
	assert.True(t, Exhausted(p, 4))
}
