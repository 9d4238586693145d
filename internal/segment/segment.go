// Package segment computes which parts of a video survive a set of removals.
//
// Everything here is pure: no I/O, no clocks. The same fold serves both the
// silence-derived and the explicit-cut workflows.
package segment

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidInterval is returned for intervals whose end precedes their
// start or whose bounds are negative or not finite.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a half-open time range in seconds. It is used both for ranges
// to remove and for ranges to keep.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Length returns End-Start.
func (i Interval) Length() float64 {
	return i.End - i.Start
}

func (i Interval) String() string {
	return fmt.Sprintf("[%.3f, %.3f)", i.Start, i.End)
}

// Validate reports ErrInvalidInterval when the interval is malformed.
func (i Interval) Validate() error {
	if !finite(i.Start) || !finite(i.End) {
		return fmt.Errorf("%w: non-finite bound in %s", ErrInvalidInterval, i)
	}
	if i.Start < 0 {
		return fmt.Errorf("%w: negative start %.3f", ErrInvalidInterval, i.Start)
	}
	if i.End < i.Start {
		return fmt.Errorf("%w: end %.3f before start %.3f", ErrInvalidInterval, i.End, i.Start)
	}
	return nil
}

// Cut is a caller-supplied removal where either bound may be omitted.
// A missing Start means "from the beginning", a missing End "to the end".
// An open-ended cut starting past the end removes nothing.
type Cut struct {
	Start *float64
	End   *float64
}

// ResolveCuts turns partial cuts into concrete remove intervals for a source
// of the given duration. Input order is preserved.
func ResolveCuts(cuts []Cut, duration float64) ([]Interval, error) {
	out := make([]Interval, 0, len(cuts))
	for idx, c := range cuts {
		var iv Interval
		if c.Start != nil {
			iv.Start = *c.Start
		}
		if c.End != nil {
			iv.End = *c.End
		} else {
			iv.End = max(duration, iv.Start)
		}
		if err := iv.Validate(); err != nil {
			return nil, fmt.Errorf("cut %d: %w", idx, err)
		}
		out = append(out, iv)
	}
	return out, nil
}

// ComputeKeepIntervals returns the ordered complement of removes within
// [0, duration]. The input need not be sorted or disjoint; it is copied and
// stable-sorted by Start before folding, so the result does not depend on
// input order. When removes cover the whole duration the result is empty.
func ComputeKeepIntervals(removes []Interval, duration float64) []Interval {
	sorted := make([]Interval, len(removes))
	copy(sorted, removes)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Start < sorted[b].Start
	})

	keeps := make([]Interval, 0, len(sorted)+1)
	cursor := 0.0
	for _, iv := range sorted {
		iv = clip(iv, duration)
		if iv.Start > cursor {
			keeps = append(keeps, Interval{Start: cursor, End: iv.Start})
		}
		cursor = math.Max(cursor, iv.End)
	}
	if cursor < duration {
		keeps = append(keeps, Interval{Start: cursor, End: duration})
	}
	return keeps
}

// TotalLength sums the lengths of the given intervals.
func TotalLength(intervals []Interval) float64 {
	total := 0.0
	for _, iv := range intervals {
		total += iv.Length()
	}
	return total
}

func clip(iv Interval, duration float64) Interval {
	iv.Start = math.Min(math.Max(iv.Start, 0), duration)
	iv.End = math.Min(math.Max(iv.End, 0), duration)
	return iv
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
