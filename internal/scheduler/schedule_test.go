package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// I1: the major frame must be a multiple of LCM(periods).
func TestBuildRejectsNonMultipleMajorFrame(t *testing.T) {
	_, err := Build(250*time.Millisecond, []PartitionTiming{
		{Name: "a", Period: 100 * time.Millisecond, Duration: 10 * time.Millisecond},
		{Name: "b", Period: 150 * time.Millisecond, Duration: 10 * time.Millisecond},
	})
	assert.Error(t, err)
}

func TestBuildAcceptsLCMMultiple(t *testing.T) {
	// LCM(100ms, 150ms) = 300ms.
	s, err := Build(600*time.Millisecond, []PartitionTiming{
		{Name: "a", Period: 100 * time.Millisecond, Duration: 10 * time.Millisecond},
		{Name: "b", Period: 150 * time.Millisecond, Duration: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Windows)
}

// I2: expanded windows never overlap and are sorted by start time.
func TestBuildRejectsOverlappingWindows(t *testing.T) {
	_, err := Build(200*time.Millisecond, []PartitionTiming{
		{Name: "a", Period: 100 * time.Millisecond, Offset: 0, Duration: 60 * time.Millisecond},
		{Name: "b", Period: 100 * time.Millisecond, Offset: 50 * time.Millisecond, Duration: 10 * time.Millisecond},
	})
	assert.Error(t, err)
}

func TestBuildExpandsEachPeriodRepetition(t *testing.T) {
	s, err := Build(300*time.Millisecond, []PartitionTiming{
		{Name: "a", Period: 100 * time.Millisecond, Duration: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	require.Len(t, s.Windows, 3)
	for i, w := range s.Windows {
		assert.Equal(t, time.Duration(i)*100*time.Millisecond, w.Start)
	}
}

func TestBuildRejectsWindowLargerThanOwnPeriod(t *testing.T) {
	_, err := Build(100*time.Millisecond, []PartitionTiming{
		{Name: "a", Period: 100 * time.Millisecond, Offset: 80 * time.Millisecond, Duration: 50 * time.Millisecond},
	})
	assert.Error(t, err)
}

func TestBuildWithNoPartitionsIsEmptySchedule(t *testing.T) {
	s, err := Build(100*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Empty(t, s.Windows)
}
