// Package constants publishes and reads the sealed, read-only partition
// constants record: the single immutable handoff a spawned
// partition receives from the hypervisor, naming its identity, timing,
// and the file descriptors it needs to reach its cells and ports,
// encoded with msgpack to match the IPC package's existing wire format.
package constants

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"golang.org/x/sys/unix"
)

// EnvConstantsFD is the single environment variable a spawned partition
// reads to find its sealed constants memfd.
const EnvConstantsFD = "A653HV_CONSTANTS_FD"

// Cgroup names for a partition's two process classes.
const (
	AperiodicCgroup = "aperiodic"
	PeriodicCgroup  = "periodic"
)

// PortKind distinguishes the two channel kinds a partition may declare.
type PortKind uint8

const (
	PortSampling PortKind = iota
	PortQueuing
)

// Direction is the declared role a partition plays for one port.
type Direction uint8

const (
	DirectionSource Direction = iota
	DirectionDestination
)

// PortDescriptor names one port a partition is entitled to open, carrying
// enough information for create_sampling_port/create_queuing_port
// to validate the partition's request against what the hypervisor wired.
type PortDescriptor struct {
	Name      string
	Kind      PortKind
	Direction Direction
	MsgSize   int
	// Capacity is meaningful only when Kind == PortQueuing.
	Capacity int
	// RefreshPeriod is meaningful only when Kind == PortSampling and
	// Direction == DirectionDestination.
	RefreshPeriod time.Duration
	// FD is the child-process descriptor number this port's memfd lands
	// on, fixed by Spawn immediately before publishing the constants
	// record that names it.
	FD int
}

// Constants is the immutable record handed to a spawned partition,
// mirroring the sealed constants record every partition receives.
type Constants struct {
	Name           string
	ID             int32
	Period         time.Duration
	Duration       time.Duration
	StartCondition string
	SenderFD       int
	StartTimeFD    int
	ModeFD         int
	Ports          []PortDescriptor
}

var mh codec.MsgpackHandle

// Publish serializes c and returns a sealed, read-only memfd containing
// it, ready to be inherited by the child and named by EnvConstantsFD.
// Called once by the hypervisor per partition, immediately before clone.
func Publish(c Constants) (int, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &mh).Encode(c); err != nil {
		return -1, fmt.Errorf("constants: encode: %w", err)
	}

	fd, err := unix.MemfdCreate("constants", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("constants: memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "constants")
	if err := f.Truncate(int64(len(buf))); err != nil {
		f.Close()
		return -1, fmt.Errorf("constants: truncate: %w", err)
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		f.Close()
		return -1, fmt.Errorf("constants: write: %w", err)
	}
	// Unlike the cell/port seals (which keep SEAL_WRITE open until the
	// owner has finished publishing), the constants record is complete at
	// the moment it is serialized, so every seal is applied at once.
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_WRITE|unix.F_SEAL_SEAL); err != nil {
		f.Close()
		return -1, fmt.Errorf("constants: seal: %w", err)
	}
	return int(f.Fd()), nil
}

// Load reads and deserializes the constants record referenced by fd,
// validating the decoded record's shape. Called once by a
// partition's runtime at process start, using the fd named by
// EnvConstantsFD.
func Load(fd int) (Constants, error) {
	f := os.NewFile(uintptr(fd), "constants")
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Constants{}, fmt.Errorf("constants: stat: %w", err)
	}
	buf := make([]byte, fi.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Constants{}, fmt.Errorf("constants: read: %w", err)
	}

	var c Constants
	if err := codec.NewDecoderBytes(buf, &mh).Decode(&c); err != nil {
		return Constants{}, fmt.Errorf("constants: decode: %w", err)
	}
	return c, nil
}

// LoadFromEnv is a convenience wrapper reading the fd named by
// EnvConstantsFD from the process environment.
func LoadFromEnv() (Constants, error) {
	val, ok := os.LookupEnv(EnvConstantsFD)
	if !ok {
		return Constants{}, fmt.Errorf("constants: %s not set", EnvConstantsFD)
	}
	var fd int
	if _, err := fmt.Sscanf(val, "%d", &fd); err != nil {
		return Constants{}, fmt.Errorf("constants: parse %s=%q: %w", EnvConstantsFD, val, err)
	}
	return Load(fd)
}
