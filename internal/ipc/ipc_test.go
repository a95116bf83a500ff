package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairSendRecvRoundTrip(t *testing.T) {
	tx, rx, err := Pair()
	require.NoError(t, err)
	defer tx.Close()
	defer rx.Close()

	want := Event{Kind: KindTransition, TargetMode: "normal"}
	require.NoError(t, tx.TrySend(want))

	got, ok, err := rx.TryRecvTimeout(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestTryRecvTimeoutOnEmptySocket(t *testing.T) {
	_, rx, err := Pair()
	require.NoError(t, err)
	defer rx.Close()

	_, ok, err := rx.TryRecvTimeout(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFIFOOrderingPerSender(t *testing.T) {
	tx, rx, err := Pair()
	require.NoError(t, err)
	defer tx.Close()
	defer rx.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, tx.TrySend(Event{Kind: KindMessage, LogLevel: i, Text: "m"}))
	}

	for i := 0; i < 5; i++ {
		got, ok, err := rx.TryRecvTimeout(100 * time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, got.LogLevel)
	}
}

func TestErrorEventRoundTrip(t *testing.T) {
	tx, rx, err := Pair()
	require.NoError(t, err)
	defer tx.Close()
	defer rx.Close()

	require.NoError(t, tx.TrySend(Event{Kind: KindError, ErrorKind: "panic"}))
	got, ok, err := rx.TryRecvTimeout(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "panic", got.ErrorKind)
}
