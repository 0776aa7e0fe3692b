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

package partitioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateTimeWindowBoundaryExample(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2025-08-01T12:15:00Z")
	require.NoError(t, err)

	keys, err := EnumeratePartitionKeys(Spec{
		Type:        TypeTimeWindow,
		Granularity: GranularityHour,
		Lookback:    2,
	}, Options{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-08-01T10", "2025-08-01T11", "2025-08-01T12"}, keys)
}

func TestEnumerateDynamicIsAlwaysEmpty(t *testing.T) {
	keys, err := EnumeratePartitionKeys(Spec{Type: TypeDynamic}, Options{Now: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEnumerateStaticReturnsValuesVerbatim(t *testing.T) {
	keys, err := EnumeratePartitionKeys(Spec{
		Type:   TypeStatic,
		Values: []string{"us-east", "us-west"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east", "us-west"}, keys)
}

func TestEnumerateUnknownTypeRejected(t *testing.T) {
	_, err := EnumeratePartitionKeys(Spec{Type: "bogus"}, Options{})
	require.Error(t, err)
}

func TestEnumerateTimeWindowDailyGranularity(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2025-08-01T12:15:00Z")
	require.NoError(t, err)
	keys, err := EnumeratePartitionKeys(Spec{
		Type:        TypeTimeWindow,
		Granularity: GranularityDay,
		Lookback:    1,
	}, Options{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-07-31", "2025-08-01"}, keys)
}
