// Package timeindex maps between session time and frame indices of a recorded stream.
package timeindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInvalidTimestampSeries is returned for empty, non-finite or decreasing timestamps.
	ErrInvalidTimestampSeries = errors.New("invalid timestamp series")

	// ErrOutOfRange is returned when a frame index falls outside the series.
	ErrOutOfRange = errors.New("frame index out of range")
)

// Index answers frame lookups over a non-decreasing series of per-frame timestamps.
type Index struct {
	timestamps []float64
}

// New validates the timestamps and builds an index over them.
// The slice is not copied and must not be modified afterwards.
func New(timestamps []float64) (*Index, error) {
	if err := Validate(timestamps); err != nil {
		return nil, err
	}
	return &Index{timestamps: timestamps}, nil
}

// Validate checks that timestamps is non-empty, finite and non-decreasing.
func Validate(timestamps []float64) error {
	if len(timestamps) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTimestampSeries)
	}

	for i, t := range timestamps {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidTimestampSeries, i)
		}
		if i > 0 && t < timestamps[i-1] {
			return fmt.Errorf("%w: decreasing at index %d (%.6f < %.6f)",
				ErrInvalidTimestampSeries, i, t, timestamps[i-1])
		}
	}

	return nil
}

// FrameAt returns the smallest index whose timestamp is >= t.
// Times before the first timestamp map to 0, times past the last map to the last index.
func (x *Index) FrameAt(t float64) int {
	last := len(x.timestamps) - 1
	if t > x.timestamps[last] {
		return last
	}
	return sort.Search(len(x.timestamps), func(i int) bool {
		return x.timestamps[i] >= t
	})
}

// TimeAtFrame returns the timestamp of frame i.
func (x *Index) TimeAtFrame(i int) (float64, error) {
	if i < 0 || i >= len(x.timestamps) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, len(x.timestamps))
	}
	return x.timestamps[i], nil
}

// Duration is the span between the first and last timestamp.
func (x *Index) Duration() float64 {
	return x.timestamps[len(x.timestamps)-1] - x.timestamps[0]
}

// Len returns the number of frames.
func (x *Index) Len() int {
	return len(x.timestamps)
}

// Start returns the first timestamp.
func (x *Index) Start() float64 {
	return x.timestamps[0]
}

// End returns the last timestamp.
func (x *Index) End() float64 {
	return x.timestamps[len(x.timestamps)-1]
}
