// Package scheduler implements the major-frame schedule computation and
// dispatch loop: validating that the configured major frame is a
// multiple of the LCM of partition periods, expanding each partition's
// (offset, duration, period) into non-overlapping windows, and driving
// each window through the partition-time-window sub-algorithm.
package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// PartitionTiming is the subset of a partition's config the schedule
// computation needs: its period, the fixed offset of its single window
// within that period, and the window's duration.
type PartitionTiming struct {
	Name     string
	Period   time.Duration
	Offset   time.Duration
	Duration time.Duration
}

// Window is one partition's scheduled timeframe inside a major frame,
// expressed as elapsed time since the major frame's start.
type Window struct {
	Partition string
	Start     time.Duration
	End       time.Duration
}

// Schedule is the major frame's sorted, non-overlapping sequence of
// windows, repeating every MajorFrame.
type Schedule struct {
	MajorFrame time.Duration
	Windows    []Window
}

// Build validates majorFrame against the LCM of every partition's period
// and expands each partition's single (offset, duration) pair, repeated
// every period, into the full set of windows inside one major frame, then
// sorts and checks for overlaps.
func Build(majorFrame time.Duration, timings []PartitionTiming) (*Schedule, error) {
	if len(timings) == 0 {
		return &Schedule{MajorFrame: majorFrame}, nil
	}

	periods := make([]time.Duration, len(timings))
	for i, t := range timings {
		if t.Period <= 0 {
			return nil, fmt.Errorf("scheduler: partition %q has non-positive period", t.Name)
		}
		periods[i] = t.Period
	}
	lcm := lcmAll(periods)
	if majorFrame%lcm != 0 {
		return nil, fmt.Errorf("scheduler: major frame %s is not a multiple of LCM(periods) %s", majorFrame, lcm)
	}

	var windows []Window
	for _, t := range timings {
		if t.Offset+t.Duration > t.Period {
			return nil, fmt.Errorf("scheduler: partition %q window exceeds its own period", t.Name)
		}
		for start := t.Offset; start < majorFrame; start += t.Period {
			windows = append(windows, Window{
				Partition: t.Name,
				Start:     start,
				End:       start + t.Duration,
			})
		}
	}

	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Start != windows[j].Start {
			return windows[i].Start < windows[j].Start
		}
		return windows[i].End < windows[j].End
	})

	for i := 1; i < len(windows); i++ {
		if windows[i-1].End > windows[i].Start {
			return nil, fmt.Errorf("scheduler: overlapping partition windows: %+v, %+v", windows[i-1], windows[i])
		}
	}

	return &Schedule{MajorFrame: majorFrame, Windows: windows}, nil
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b time.Duration) time.Duration {
	return a / gcd(a, b) * b
}

func lcmAll(ds []time.Duration) time.Duration {
	result := ds[0]
	for _, d := range ds[1:] {
		result = lcm(result, d)
	}
	return result
}
