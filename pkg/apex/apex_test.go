package apex

import (
	"testing"
	"time"

	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPartition builds a Partition the way Init would, but from
// directly-constructed cells and an ipc.Pair instead of inherited fds,
// so tests don't need a real exec/env handoff.
func newTestPartition(t *testing.T, c constants.Constants, mode partition.Mode) (*Partition, *ipc.Receiver) {
	t.Helper()

	modeCell, err := partition.CreateModeCell(t.Name())
	require.NoError(t, err)
	require.NoError(t, modeCell.Write(mode))
	t.Cleanup(func() { modeCell.Close() })

	startCell, err := partition.CreateStartTimeCell()
	require.NoError(t, err)
	t.Cleanup(func() { startCell.Close() })

	sender, receiver, err := ipc.Pair()
	require.NoError(t, err)
	t.Cleanup(func() { receiver.Close() })

	p := &Partition{
		constants: c,
		sender:    sender,
		mode:      modeCell,
		startTime: startCell,
		ports:     make(map[string]*port),
	}
	return p, receiver
}

func TestGetPartitionStatus(t *testing.T) {
	c := constants.Constants{
		Name: "part-a", ID: 3, Period: 100 * time.Millisecond,
		Duration: 40 * time.Millisecond, StartCondition: "normal",
	}
	p, _ := newTestPartition(t, c, partition.ModeNormal)

	status := p.GetPartitionStatus()
	assert.Equal(t, int32(3), status.ID)
	assert.Equal(t, 100*time.Millisecond, status.Period)
	assert.Equal(t, 40*time.Millisecond, status.Duration)
	assert.Equal(t, "normal", status.StartCondition)
	assert.Equal(t, partition.ModeNormal, status.Mode)
}

func TestGetTimeElapsesFromSharedStart(t *testing.T) {
	p, _ := newTestPartition(t, constants.Constants{}, partition.ModeNormal)
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, p.GetTime(), time.Duration(0))
}

// ColdStart->WarmStart is rejected locally; no event reaches the
// hypervisor.
func TestSetPartitionModeRejectsColdStartToWarmStart(t *testing.T) {
	p, receiver := newTestPartition(t, constants.Constants{}, partition.ModeColdStart)

	err := p.SetPartitionMode(partition.ModeWarmStart)
	assert.Equal(t, partition.InvalidMode, err)

	_, ok, err := receiver.TryRecvTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "no transition event should have been sent")
}

// A transition to Normal sends the event and returns control to the
// caller instead of exiting.
func TestSetPartitionModeToNormalReturns(t *testing.T) {
	p, receiver := newTestPartition(t, constants.Constants{}, partition.ModeWarmStart)

	err := p.SetPartitionMode(partition.ModeNormal)
	require.NoError(t, err)

	ev, ok, err := receiver.TryRecvTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ipc.KindTransition, ev.Kind)
	assert.Equal(t, partition.ModeNormal.String(), ev.TargetMode)
}

func TestReportApplicationMessage(t *testing.T) {
	p, receiver := newTestPartition(t, constants.Constants{}, partition.ModeNormal)

	require.NoError(t, p.ReportApplicationMessage(2, "hello"))

	ev, ok, err := receiver.TryRecvTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ipc.KindMessage, ev.Kind)
	assert.Equal(t, 2, ev.LogLevel)
	assert.Equal(t, "hello", ev.Text)
}

func TestRaiseApplicationError(t *testing.T) {
	p, receiver := newTestPartition(t, constants.Constants{}, partition.ModeNormal)

	require.NoError(t, p.RaiseApplicationError())

	ev, ok, err := receiver.TryRecvTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ipc.KindError, ev.Kind)
	assert.Equal(t, "application_error", ev.ErrorKind)
}
