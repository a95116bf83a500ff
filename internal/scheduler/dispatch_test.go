package scheduler

import (
	"errors"
	"testing"

	"github.com/cuemby/a653hv/internal/health"
	"github.com/stretchr/testify/assert"
)

func TestClassifyUnwrapsTypedError(t *testing.T) {
	err := health.NewTypedError(health.CGroup, errors.New("boom"))
	assert.Equal(t, health.CGroup, classify(err))
}

func TestClassifyUnwrapsLeveledError(t *testing.T) {
	err := health.NewTypedError(health.ApplicationError, errors.New("boom")).Upgrade(health.LevelModuleRun)
	assert.Equal(t, health.ApplicationError, classify(err))
}

func TestClassifyDefaultsToPanic(t *testing.T) {
	assert.Equal(t, health.Panic, classify(errors.New("unclassified")))
}

func TestParseModeRoundTrips(t *testing.T) {
	cases := map[string]interface{}{
		"cold_start": nil,
		"warm_start": nil,
		"normal":     nil,
		"idle":       nil,
	}
	for s := range cases {
		m, err := parseMode(s)
		assert.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
	_, err := parseMode("bogus")
	assert.Error(t, err)
}

// E6: a partition-reported panic is classified via ParseErrorKind and,
// under the default PartitionHMTable, resolves to Partition(WarmStart).
func TestDefaultPartitionHMTableRespawnsOnReportedPanic(t *testing.T) {
	kind, err := health.ParseErrorKind("panic")
	assert.NoError(t, err)
	assert.Equal(t, health.Panic, kind)

	action, known := health.DefaultPartitionHMTable().Lookup(kind)
	assert.True(t, known)
	assert.False(t, action.IsModule)
	assert.Equal(t, health.PartitionWarmStart, action.Partition)
}

// B4: a periodic-window timeout is reported as TimeDurationExceeded,
// which under the default PartitionHMTable resolves to Module(Ignore).
func TestDefaultPartitionHMTableIgnoresTimeDurationExceeded(t *testing.T) {
	action, known := health.DefaultPartitionHMTable().Lookup(health.TimeDurationExceeded)
	assert.True(t, known)
	assert.True(t, action.IsModule)
	assert.Equal(t, health.ModuleIgnore, action.Module)
}

func TestPartitionHealthErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &partitionHealthError{kind: health.Panic, action: health.Partition(health.PartitionWarmStart), err: inner}
	assert.Equal(t, inner, errors.Unwrap(err))
	assert.ErrorIs(t, err, inner)
}
