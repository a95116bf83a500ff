package partition

import "github.com/cuemby/a653hv/internal/shmem"

// Mode is a partition's ARINC 653 operating mode.
type Mode int

const (
	ModeColdStart Mode = iota
	ModeWarmStart
	ModeNormal
	ModeIdle
)

func (m Mode) String() string {
	switch m {
	case ModeColdStart:
		return "cold_start"
	case ModeWarmStart:
		return "warm_start"
	case ModeNormal:
		return "normal"
	case ModeIdle:
		return "idle"
	default:
		return "unknown"
	}
}

var modeCodec = shmem.Codec[Mode]{
	Size: 8,
	Encode: func(v Mode, buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
		buf[0] = byte(v)
	},
	Decode: func(buf []byte) Mode { return Mode(buf[0]) },
}

// CreateModeCell allocates the size-sealed mode cell a partition and the
// scheduler share: the scheduler persists mode transitions here so a
// respawned generation resumes in the right mode.
func CreateModeCell(name string) (*shmem.Cell[Mode], error) {
	return shmem.Create(name+"-mode", modeCodec)
}

// OpenModeCell opens an inherited mode cell fd with a writable mapping.
// The partition side only reads it; mode changes it requests travel to
// the scheduler as IPC transition events.
func OpenModeCell(fd int) (*shmem.Cell[Mode], error) {
	return shmem.Open(fd, modeCodec, true)
}
