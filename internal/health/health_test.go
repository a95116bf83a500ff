package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// I8: health actions are deterministic functions of (level, error kind,
// table) — repeated lookups against the same table yield the same action.
func TestLookupIsDeterministic(t *testing.T) {
	table := DefaultPartitionHMTable()
	a1, ok1 := table.Lookup(Segmentation)
	a2, ok2 := table.Lookup(Segmentation)
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, a1, a2)
}

func TestDefaultPartitionHMTableMatchesSpec(t *testing.T) {
	table := DefaultPartitionHMTable()

	ignore := []ErrorKind{PartitionInit, TimeDurationExceeded}
	for _, kind := range ignore {
		a, ok := table.Lookup(kind)
		assert.True(t, ok)
		assert.Equal(t, Module(ModuleIgnore), a, kind)
	}

	warmStart := []ErrorKind{Segmentation, ApplicationError, Panic, FloatingPoint, CGroup}
	for _, kind := range warmStart {
		a, ok := table.Lookup(kind)
		assert.True(t, ok)
		assert.Equal(t, Partition(PartitionWarmStart), a, kind)
	}
}

func TestDefaultModuleInitHMTableIsAllShutdown(t *testing.T) {
	table := DefaultModuleInitHMTable()
	for _, kind := range []ErrorKind{Config, ModuleConfig, PartitionConfig, PartitionInit, Panic} {
		a, ok := table.Lookup(kind)
		assert.True(t, ok)
		assert.Equal(t, ModuleShutdown, a, kind)
	}
}

func TestDefaultModuleRunHMTableIsAllShutdown(t *testing.T) {
	table := DefaultModuleRunHMTable()
	for _, kind := range []ErrorKind{PartitionInit, Panic} {
		a, ok := table.Lookup(kind)
		assert.True(t, ok)
		assert.Equal(t, ModuleShutdown, a, kind)
	}
}

// Kinds with no entry in a table report ok=false; callers treat that as
// module-level Shutdown, but the table itself just signals absence.
func TestLookupMissesReportNotOK(t *testing.T) {
	_, ok := DefaultModuleInitHMTable().Lookup(Segmentation)
	assert.False(t, ok)
}

func TestTypedErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	te := NewTypedError(CGroup, cause)
	assert.ErrorIs(t, te, cause)
	assert.Contains(t, te.Error(), "cgroup")
}

func TestUpgradeAttachesLevel(t *testing.T) {
	cause := errors.New("boom")
	te := NewTypedError(Panic, cause)
	le := te.Upgrade(LevelPartition)
	assert.Equal(t, LevelPartition, le.Level)
	assert.Equal(t, Panic, le.Kind)
	assert.ErrorIs(t, le, cause)
}
