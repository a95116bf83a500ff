package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeGroup lays out the handful of files New/Freeze/KillAllWait touch,
// standing in for a real cgroup2 directory (which requires root + a live
// cgroup2 mount to exercise for real).
func newFakeGroup(t *testing.T) CGroup {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, procsFile), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, freezeFile), []byte("0"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, killFile), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, eventsFile), []byte("populated 0\nfrozen 0\n"), 0o644))
	return FromPath(dir)
}

func TestFreezeUnfreezeWritesExpectedValues(t *testing.T) {
	g := newFakeGroup(t)

	require.NoError(t, g.Freeze())
	data, err := os.ReadFile(filepath.Join(g.Path(), freezeFile))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	require.NoError(t, g.Unfreeze())
	data, err = os.ReadFile(filepath.Join(g.Path(), freezeFile))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))
}

func TestIsFrozenParsesEventsFile(t *testing.T) {
	g := newFakeGroup(t)

	frozen, err := g.IsFrozen()
	require.NoError(t, err)
	assert.False(t, frozen)

	require.NoError(t, os.WriteFile(filepath.Join(g.Path(), eventsFile), []byte("populated 1\nfrozen 1\n"), 0o644))
	frozen, err = g.IsFrozen()
	require.NoError(t, err)
	assert.True(t, frozen)
}

// R4: freeze(p); unfreeze(p) leaves p's child pids unchanged — modeled
// here as leaving cgroup.procs untouched by the freeze/unfreeze calls.
func TestFreezeUnfreezeDoesNotTouchProcs(t *testing.T) {
	g := newFakeGroup(t)
	require.NoError(t, os.WriteFile(filepath.Join(g.Path(), procsFile), []byte("123\n456\n"), 0o644))

	require.NoError(t, g.Freeze())
	require.NoError(t, g.Unfreeze())

	data, err := os.ReadFile(filepath.Join(g.Path(), procsFile))
	require.NoError(t, err)
	assert.Equal(t, "123\n456\n", string(data))
}

func TestKillAllWaitReturnsOnceProcsEmpty(t *testing.T) {
	g := newFakeGroup(t)
	require.NoError(t, g.KillAllWait())

	data, err := os.ReadFile(filepath.Join(g.Path(), killFile))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestNewCreatesMissingDirectory(t *testing.T) {
	root := t.TempDir()
	g, err := New(root, "partitions")
	require.NoError(t, err)
	assert.DirExists(t, g.Path())

	// Calling New again on the same name must not fail.
	g2, err := New(root, "partitions")
	require.NoError(t, err)
	assert.Equal(t, g.Path(), g2.Path())
}
