package core

import (
	"fmt"
	"math"
	"time"
)

// TimeLayout is the timestamp format used throughout scenario files.
const TimeLayout = "2006-01-02 15:04:05"

// ParseSimTime parses a scenario timestamp, always UTC.
func ParseSimTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q: %v", ErrConfig, s, err)
	}
	return t, nil
}

// FormatSimTime renders t in the scenario timestamp format.
func FormatSimTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// EpochCount returns the number of epochs realized over [start, end] with
// step delta: floor((end-start)/delta) + 1.
func EpochCount(start, end time.Time, delta time.Duration) int {
	if delta <= 0 || end.Before(start) {
		return 0
	}
	return int(end.Sub(start)/delta) + 1
}

func sqrt(x float64) float64 { return math.Sqrt(x) }
