package partition

import (
	"encoding/binary"
	"time"

	"github.com/cuemby/a653hv/internal/shmem"
)

// startTimeCodec stores a UnixNano timestamp in 8 bytes, published once
// by the hypervisor before any partition is spawned and read by every
// partition's get_time, which reports elapsed time since this shared
// start-time cell.
var startTimeCodec = shmem.Codec[time.Time]{
	Size: 8,
	Encode: func(v time.Time, buf []byte) {
		binary.LittleEndian.PutUint64(buf, uint64(v.UnixNano()))
	},
	Decode: func(buf []byte) time.Time {
		return time.Unix(0, int64(binary.LittleEndian.Uint64(buf)))
	},
}

// CreateStartTimeCell publishes the module's start time once, at
// hypervisor startup, then seals it read-only: every partition spawned
// afterward inherits a duplicate of its fd.
func CreateStartTimeCell() (*shmem.Cell[time.Time], error) {
	cell, err := shmem.Create("start-time", startTimeCodec)
	if err != nil {
		return nil, err
	}
	if err := cell.Write(time.Now()); err != nil {
		cell.Close()
		return nil, err
	}
	if err := cell.SealReadOnly(); err != nil {
		cell.Close()
		return nil, err
	}
	return cell, nil
}

// OpenStartTimeCell opens an inherited, read-only start-time cell fd.
func OpenStartTimeCell(fd int) (*shmem.Cell[time.Time], error) {
	return shmem.Open(fd, startTimeCodec, false)
}
