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

package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunIDHasPrefixAndIsUnique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.NotEqual(t, a, b)
}

func TestPrefixedGenerators(t *testing.T) {
	assert.True(t, strings.HasPrefix(NewDeliveryID(), "dlv_"))
	assert.True(t, strings.HasPrefix(NewEventID(), "evt_"))
	assert.True(t, strings.HasPrefix(NewTriggerID(), "trg_"))
	assert.True(t, strings.HasPrefix(NewHealthSnapshotID(), "hlt_"))
	assert.True(t, strings.HasPrefix(NewScheduleID(), "sch_"))
}

func TestNormalizeRunKey(t *testing.T) {
	assert.Equal(t, "nightly-sync", NormalizeRunKey("  Nightly-Sync  "))
	assert.Equal(t, "", NormalizeRunKey(""))
}
