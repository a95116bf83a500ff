package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChannel(t *testing.T, name string, msgSize int) (*Source, *Writer, *Destination, *Reader) {
	t.Helper()
	src, err := CreateSource(name, msgSize)
	require.NoError(t, err)
	srcFd, err := src.DuplicateFD()
	require.NoError(t, err)
	w, err := OpenWriter(srcFd, msgSize)
	require.NoError(t, err)

	dst, err := CreateDestination(name, msgSize)
	require.NoError(t, err)
	dstFd, err := dst.DuplicateFD()
	require.NoError(t, err)
	r, err := OpenReader(dstFd, msgSize)
	require.NoError(t, err)

	t.Cleanup(func() {
		src.Close()
		w.Close()
		dst.Close()
		r.Close()
	})
	return src, w, dst, r
}

// B2: reading a never-written sampling port returns NoData (length 0).
func TestReadNeverWrittenReturnsNoData(t *testing.T) {
	_, _, _, r := newChannel(t, "never-written", 32)
	status, payload := r.Read(time.Second)
	assert.Equal(t, StatusNoData, status)
	assert.Empty(t, payload)
}

// E2: write then swap then read within refresh_period is Valid; after
// refresh_period elapses it is Invalid.
func TestSwapFreshnessWindow(t *testing.T) {
	src, w, dst, r := newChannel(t, "freshness", 32)

	msg := make([]byte, 32)
	for i := range msg {
		msg[i] = 0x01
	}
	w.Write(msg)

	require.True(t, Swap(src, dst))

	status, payload := r.Read(100 * time.Millisecond)
	assert.Equal(t, StatusValid, status)
	assert.Equal(t, msg, payload)

	time.Sleep(150 * time.Millisecond)
	status, payload = r.Read(100 * time.Millisecond)
	assert.Equal(t, StatusInvalid, status)
	assert.Equal(t, msg, payload)
}

// Swap copies into the destination only when the source was written since
// the previous swap.
func TestSwapOnlyCopiesWhenSourceChanged(t *testing.T) {
	src, w, dst, _ := newChannel(t, "no-change", 8)

	w.Write([]byte("aaaaaaaa"))
	require.True(t, Swap(src, dst))
	assert.False(t, Swap(src, dst), "second swap with no new write should not copy")

	w.Write([]byte("bbbbbbbb"))
	assert.True(t, Swap(src, dst), "swap after a new write should copy")
}

func TestWritePayloadLargerThanMsgSizeIsClipped(t *testing.T) {
	_, w, _, _ := newChannel(t, "clip", 4)
	n := w.Write([]byte("0123456789"))
	assert.Equal(t, 4, n)
}
