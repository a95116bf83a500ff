package shmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Codec describes how a typed cell's payload is encoded into and decoded
// out of a fixed-size byte region. Size must be constant for the lifetime
// of the cell: the backing memfd is grown to exactly Size and then sealed
// against further resizing.
type Codec[T any] struct {
	Size   int
	Encode func(v T, buf []byte)
	Decode func(buf []byte) T
}

// Cell is a fixed-size typed value published through an anonymous memory
// file (memfd) and mapped MAP_SHARED into this process. Cells created via
// Create are grown-and-size-sealed immediately; SealReadOnly additionally
// forbids future writes, matching the hypervisor's "publish then seal"
// handshake used by every shared typed cell.
type Cell[T any] struct {
	mu     sync.Mutex
	fd     int
	region []byte
	codec  Codec[T]
	sealed bool
}

// Create allocates a new sealed-size memfd named name, maps it read-write,
// and returns a Cell ready for Write. The region is zero-initialized.
func Create[T any](name string, codec Codec[T]) (*Cell[T], error) {
	if codec.Size <= 0 {
		return nil, fmt.Errorf("shmem: codec size must be positive, got %d", codec.Size)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create %q: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(codec.Size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: ftruncate %q to %d: %w", name, codec.Size, err)
	}

	// Fix the size before anyone maps it: no further grow/shrink allowed.
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: seal size of %q: %w", name, err)
	}

	region, err := unix.Mmap(fd, 0, codec.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %q: %w", name, err)
	}

	return &Cell[T]{fd: fd, region: region, codec: codec}, nil
}

// Open maps an existing cell from a file descriptor handed over by another
// process (typically inherited across exec, referenced by an environment
// variable). writable controls whether the mapping requests PROT_WRITE;
// a cell sealed with SealReadOnly still permits a writable mapping request
// to succeed for fds created before the seal was applied, but any mapping
// requested from an fd opened after F_SEAL_FUTURE_WRITE was set fails, so
// read-only consumers should always pass writable=false.
func Open[T any](fd int, codec Codec[T], writable bool) (*Cell[T], error) {
	if codec.Size <= 0 {
		return nil, fmt.Errorf("shmem: codec size must be positive, got %d", codec.Size)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	region, err := unix.Mmap(fd, 0, codec.Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap fd %d: %w", fd, err)
	}

	return &Cell[T]{fd: fd, region: region, codec: codec, sealed: !writable}, nil
}

// Write encodes v into the shared region. It fails once the cell has been
// sealed read-only.
func (c *Cell[T]) Write(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return fmt.Errorf("shmem: write to sealed cell")
	}
	c.codec.Encode(v, c.region)
	return nil
}

// Read decodes the current contents of the shared region. Any number of
// readers may call Read concurrently with each other and with the single
// writer; callers that need torn-write protection must build it into T's
// own layout (see package sampling for the seqlock-by-timestamp pattern).
func (c *Cell[T]) Read() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.Decode(c.region)
}

// SealReadOnly forbids any further mmap(PROT_WRITE) of the underlying fd
// and marks the cell so that local Write calls start failing. Used once
// the hypervisor has published a value (the start time) and
// before any partition is spawned to read it.
func (c *Cell[T]) SealReadOnly() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_ADD_SEALS, unix.F_SEAL_FUTURE_WRITE|unix.F_SEAL_SEAL); err != nil {
		return fmt.Errorf("shmem: seal read-only: %w", err)
	}
	c.sealed = true
	return nil
}

// Fd returns the raw file descriptor backing this cell.
func (c *Cell[T]) Fd() int {
	return c.fd
}

// DuplicateFD returns a new descriptor referring to the same memfd,
// suitable for handing to os/exec.Cmd.ExtraFiles or for embedding its
// number into a constants.Constants record.
func (c *Cell[T]) DuplicateFD() (int, error) {
	newFd, err := unix.Dup(c.fd)
	if err != nil {
		return -1, fmt.Errorf("shmem: dup fd %d: %w", c.fd, err)
	}
	return newFd, nil
}

// Close unmaps the region and closes the file descriptor.
func (c *Cell[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := unix.Munmap(c.region); err != nil {
		return fmt.Errorf("shmem: munmap: %w", err)
	}
	return unix.Close(c.fd)
}
