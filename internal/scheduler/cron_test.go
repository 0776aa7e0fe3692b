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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"*/0 * * * *",
		"5-2 * * * *",
	} {
		_, err := ParseCron(expr)
		require.Error(t, err, "expression %q", expr)
	}
}

func TestCronNext(t *testing.T) {
	from := time.Date(2025, 8, 1, 12, 15, 30, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2025, 8, 1, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 8, 1, 12, 30, 0, 0, time.UTC)},
		{"@daily", time.Date(2025, 8, 2, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)},
		// 2025-08-01 is a Friday; next Monday 9am is the 4th.
		{"0 9 * * 1", time.Date(2025, 8, 4, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		expr, err := ParseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		require.Equal(t, tt.want, expr.Next(from), tt.expr)
	}
}
