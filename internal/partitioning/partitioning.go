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

// Package partitioning enumerates the input slices a fanout step must
// create one child run per.
package partitioning

import (
	"fmt"
	"time"

	apherrors "github.com/benediktbwimmer/apphub-core/pkg/errors"
)

// Type discriminates the three partitioning strategies a fanout step may
// declare.
type Type string

const (
	TypeTimeWindow Type = "timeWindow"
	TypeDynamic    Type = "dynamic"
	TypeStatic     Type = "static"
)

// Granularity is the boundary alignment used by timeWindow partitioning.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Spec is a fanout step's partitioning declaration.
type Spec struct {
	Type        Type
	Granularity Granularity
	Lookback    int
	Values      []string
}

// Options carries the point-in-time inputs enumeration needs.
type Options struct {
	Now      time.Time
	Lookback int
}

// EnumeratePartitionKeys returns the ordered partition keys a fanout step
// must spawn one child run per. timeWindow keys are boundary-aligned and
// run from now-lookback through now inclusive; dynamic always returns an
// empty list (resolved by the step at runtime); static returns spec.Values
// verbatim.
func EnumeratePartitionKeys(spec Spec, opts Options) ([]string, error) {
	switch spec.Type {
	case TypeTimeWindow:
		return enumerateTimeWindows(spec, opts)
	case TypeDynamic:
		return []string{}, nil
	case TypeStatic:
		return append([]string(nil), spec.Values...), nil
	default:
		return nil, &apherrors.ValidationError{
			Field:   "partitioning.type",
			Message: fmt.Sprintf("unknown partitioning type %q", spec.Type),
		}
	}
}

func enumerateTimeWindows(spec Spec, opts Options) ([]string, error) {
	lookback := spec.Lookback
	if opts.Lookback > 0 {
		lookback = opts.Lookback
	}
	if lookback < 0 {
		return nil, &apherrors.ValidationError{Field: "partitioning.lookback", Message: "must be >= 0"}
	}

	now := opts.Now.UTC()
	var step time.Duration
	var format string
	// Default granularity is hourly, matching the §8 boundary example.
	switch spec.Granularity {
	case GranularityHour, "":
		step = time.Hour
		format = "2006-01-02T15"
	case GranularityDay:
		step = 24 * time.Hour
		format = "2006-01-02"
	default:
		return nil, &apherrors.ValidationError{
			Field:   "partitioning.granularity",
			Message: fmt.Sprintf("unknown granularity %q", spec.Granularity),
		}
	}

	current := alignToBoundary(now, step)
	keys := make([]string, 0, lookback+1)
	for i := lookback; i >= 0; i-- {
		bucket := current.Add(-time.Duration(i) * step)
		keys = append(keys, bucket.Format(format))
	}
	return keys, nil
}

func alignToBoundary(t time.Time, step time.Duration) time.Time {
	switch step {
	case time.Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case 24 * time.Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(step)
	}
}
