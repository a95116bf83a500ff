package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStartTimeCellSealsReadOnly(t *testing.T) {
	before := time.Now()
	cell, err := CreateStartTimeCell()
	require.NoError(t, err)
	defer cell.Close()

	got := cell.Read()
	assert.WithinDuration(t, before, got, time.Second)

	err = cell.Write(time.Now())
	assert.Error(t, err, "a sealed start-time cell must reject further writes")
}

func TestOpenStartTimeCellReadsDuplicatedFD(t *testing.T) {
	cell, err := CreateStartTimeCell()
	require.NoError(t, err)
	defer cell.Close()
	published := cell.Read()

	fd, err := cell.DuplicateFD()
	require.NoError(t, err)

	opened, err := OpenStartTimeCell(fd)
	require.NoError(t, err)
	defer opened.Close()

	assert.True(t, published.Equal(opened.Read()))
}

func TestStartTimeCodecRoundTrip(t *testing.T) {
	buf := make([]byte, startTimeCodec.Size)
	want := time.Unix(1700000000, 123000000)
	startTimeCodec.Encode(want, buf)
	got := startTimeCodec.Decode(buf)
	assert.True(t, want.Equal(got))
}
