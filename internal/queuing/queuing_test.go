package queuing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannel(t *testing.T, name string, msgSize, capacity int) (*Source, *Destination) {
	t.Helper()
	src, err := CreateSource(name, msgSize, capacity)
	require.NoError(t, err)
	dst, err := CreateDestination(name, msgSize, capacity)
	require.NoError(t, err)
	t.Cleanup(func() {
		src.Close()
		dst.Close()
	})
	return src, dst
}

// B1: creating a queuing port with capacity 0 is rejected.
func TestCreateRejectsZeroCapacity(t *testing.T) {
	_, err := CreateSource("zero", 4, 0)
	assert.ErrorIs(t, err, ErrZeroCapacity)

	_, err = CreateDestination("zero", 4, 0)
	assert.ErrorIs(t, err, ErrZeroCapacity)
}

// R3/E3: push sequence followed by pop sequence (via Swap) returns the
// same sequence, in order.
func TestPushSwapReceiveOrder(t *testing.T) {
	src, dst := newChannel(t, "order", 4, 4)

	msgs := [][]byte{{1, 0, 0, 0}, {2, 0, 0, 0}, {3, 0, 0, 0}, {4, 0, 0, 0}}
	for _, m := range msgs {
		require.True(t, src.Push(m))
	}

	swapped := Swap(src, dst)
	assert.Equal(t, 4, swapped)

	buf := make([]byte, 4)
	for _, want := range msgs {
		n, overflowed, ok := dst.Receive(buf)
		require.True(t, ok)
		assert.False(t, overflowed)
		assert.Equal(t, want, buf[:n])
	}

	_, _, ok := dst.Receive(buf)
	assert.False(t, ok)
}

// E4 / B3: pushing when source_count+destination_count == capacity sets
// overflow and fails; the next successful push clears it.
func TestOverflowStickyUntilNextSuccessfulPush(t *testing.T) {
	src, dst := newChannel(t, "overflow", 1, 4)

	// Pre-load the destination side with 2 items via an initial swap.
	require.True(t, src.Push([]byte{0xA}))
	require.True(t, src.Push([]byte{0xB}))
	require.Equal(t, 2, Swap(src, dst))

	require.True(t, src.Push([]byte{0x1}))
	require.True(t, src.Push([]byte{0x2}))
	assert.False(t, src.Push([]byte{0x3}), "third push should overflow: 2 in dest + 2 in source == capacity 4")
	assert.True(t, src.overflowed())

	buf := make([]byte, 1)
	_, _, ok := dst.Receive(buf)
	require.True(t, ok)

	// The source's view of the destination's depth is only republished by
	// Swap, not by a bare Receive on the consumer side.
	Swap(src, dst)

	assert.True(t, src.Push([]byte{0x4}), "push after the next swap frees a slot should succeed and clear overflow")
	assert.False(t, src.overflowed())
}

// I3: source_count + destination_count never exceeds capacity.
func TestCombinedCountNeverExceedsCapacity(t *testing.T) {
	src, dst := newChannel(t, "combined", 1, 2)

	require.True(t, src.Push([]byte{1}))
	require.True(t, src.Push([]byte{2}))
	assert.False(t, src.Push([]byte{3}))
	assert.LessOrEqual(t, src.Len()+dst.Len(), uint64(2))

	Swap(src, dst)
	assert.LessOrEqual(t, src.Len()+dst.Len(), uint64(2))
}

// I6: a clear request filters only messages strictly older than the
// request, preserving FIFO order of what remains.
func TestSwapHonorsClearRequest(t *testing.T) {
	src, dst := newChannel(t, "clear", 1, 4)

	require.True(t, src.Push([]byte{1}))
	require.True(t, src.Push([]byte{2}))

	dst.RequestClear()

	require.True(t, src.Push([]byte{3}))

	swapped := Swap(src, dst)
	assert.Equal(t, 1, swapped, "entries enqueued before the clear request are dropped")

	buf := make([]byte, 1)
	n, _, ok := dst.Receive(buf)
	require.True(t, ok)
	assert.Equal(t, byte(3), buf[:n][0])
}
