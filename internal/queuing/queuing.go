// Package queuing implements the bounded FIFO queuing port: a
// lock-free concurrent queue over shared memory, wrapped on each side by
// extra per-side state (peer message count, overflow flag, and on the
// destination side a clear-request timestamp). The hypervisor's Swap
// drains a producing partition's source queue into every consuming
// partition's destination queue between windows.
package queuing

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrZeroCapacity is returned when a queuing port is configured with
// capacity 0 (B1: rejected at creation).
var ErrZeroCapacity = errors.New("queuing: capacity must be greater than zero")

const (
	sourceHeaderSize      = 16 // numMessagesInDestination(8) + overflow(8)
	destinationHeaderSize = 32 // numMessagesInSource(8) + hasClearRequest(8) + clearRequestedAt(8) + overflow(8)
)

func createMemfd(name string, size int) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("queuing: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("queuing: ftruncate %q: %w", name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("queuing: seal size of %q: %w", name, err)
	}
	return fd, nil
}

func sealFinal(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SEAL); err != nil {
		return fmt.Errorf("queuing: seal final: %w", err)
	}
	return nil
}

// Source is the producer-side handle: a partition process pushes messages
// here (via Push); the hypervisor drains it during Swap and republishes
// the consumer's queue depth into numMessagesInDestination.
type Source struct {
	fd       int
	region   []byte
	msgSize  int
	capacity int
	ring     *ring
}

func sourceSize(msgSize, capacity int) int {
	return sourceHeaderSize + ringSize(msgSize, capacity)
}

// CreateSource allocates and seals the source-side memfd for one queuing
// channel. Called once by the hypervisor while building a partition's
// constants.
func CreateSource(name string, msgSize, capacity int) (*Source, error) {
	if capacity <= 0 {
		return nil, ErrZeroCapacity
	}
	fd, err := createMemfd(fmt.Sprintf("queuing_%s_source", name), sourceSize(msgSize, capacity))
	if err != nil {
		return nil, err
	}
	region, err := unix.Mmap(fd, 0, sourceSize(msgSize, capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("queuing: mmap source %q: %w", name, err)
	}
	if err := sealFinal(fd); err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, err
	}
	return &Source{
		fd: fd, region: region, msgSize: msgSize, capacity: capacity,
		ring: newRing(region[sourceHeaderSize:], msgSize, capacity),
	}, nil
}

// OpenSource maps an inherited source fd, used by the producing partition.
func OpenSource(fd int, msgSize, capacity int) (*Source, error) {
	region, err := unix.Mmap(fd, 0, sourceSize(msgSize, capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("queuing: mmap source: %w", err)
	}
	return &Source{
		fd: fd, region: region, msgSize: msgSize, capacity: capacity,
		ring: newRing(region[sourceHeaderSize:], msgSize, capacity),
	}, nil
}

func (s *Source) numInDestination() uint64     { return ringFieldLoad(s.region, 0) }
func (s *Source) setNumInDestination(v uint64) { ringFieldStore(s.region, 0, v) }
func (s *Source) overflowed() bool              { return ringFieldLoad(s.region, 8) != 0 }
func (s *Source) setOverflowed(v bool)          { ringFieldStore(s.region, 8, boolToU64(v)) }

// Overflowed reports the source's sticky overflow flag, as last observed
// by the producing partition's own push.
func (s *Source) Overflowed() bool { return s.overflowed() }

// FD returns the source memfd.
func (s *Source) FD() int { return s.fd }

// DuplicateFD returns a descriptor to hand to the producing partition.
func (s *Source) DuplicateFD() (int, error) { return dupFd(s.fd) }

// Push enqueues payload if source_count + destination_count < capacity
// (the combined invariant I3), setting the sticky overflow flag and
// returning false otherwise (B3). A successful push clears overflow.
func (s *Source) Push(payload []byte) bool {
	if s.ring.length()+s.numInDestination() >= uint64(s.capacity) {
		s.setOverflowed(true)
		return false
	}
	ok := s.ring.push(payload, now())
	if ok {
		s.setOverflowed(false)
	}
	return ok
}

// Len reports the current number of messages queued on this side.
func (s *Source) Len() uint64 { return s.ring.length() }

// Close unmaps and closes the source.
func (s *Source) Close() error {
	if err := unix.Munmap(s.region); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// Destination is the consumer-side handle: a partition process pops
// messages here (via Receive); the hypervisor pushes into it during Swap.
type Destination struct {
	fd       int
	region   []byte
	msgSize  int
	capacity int
	ring     *ring
}

func destinationSize(msgSize, capacity int) int {
	return destinationHeaderSize + ringSize(msgSize, capacity)
}

// CreateDestination allocates and seals the destination-side memfd for one
// consumer of a queuing channel.
func CreateDestination(name string, msgSize, capacity int) (*Destination, error) {
	if capacity <= 0 {
		return nil, ErrZeroCapacity
	}
	fd, err := createMemfd(fmt.Sprintf("queuing_%s_destination", name), destinationSize(msgSize, capacity))
	if err != nil {
		return nil, err
	}
	region, err := unix.Mmap(fd, 0, destinationSize(msgSize, capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("queuing: mmap destination %q: %w", name, err)
	}
	if err := sealFinal(fd); err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, err
	}
	return &Destination{
		fd: fd, region: region, msgSize: msgSize, capacity: capacity,
		ring: newRing(region[destinationHeaderSize:], msgSize, capacity),
	}, nil
}

// OpenDestination maps an inherited destination fd, used by the consuming
// partition.
func OpenDestination(fd int, msgSize, capacity int) (*Destination, error) {
	region, err := unix.Mmap(fd, 0, destinationSize(msgSize, capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("queuing: mmap destination: %w", err)
	}
	return &Destination{
		fd: fd, region: region, msgSize: msgSize, capacity: capacity,
		ring: newRing(region[destinationHeaderSize:], msgSize, capacity),
	}, nil
}

func (d *Destination) numInSource() uint64     { return ringFieldLoad(d.region, 0) }
func (d *Destination) setNumInSource(v uint64) { ringFieldStore(d.region, 0, v) }
func (d *Destination) hasClearRequest() bool   { return ringFieldLoad(d.region, 8) != 0 }
func (d *Destination) clearRequestedAt() int64 { return int64(ringFieldLoad(d.region, 16)) }
func (d *Destination) overflowed() bool        { return ringFieldLoad(d.region, 24) != 0 }
func (d *Destination) setOverflowed(v bool)    { ringFieldStore(d.region, 24, boolToU64(v)) }

// FD returns the destination memfd.
func (d *Destination) FD() int { return d.fd }

// DuplicateFD returns a descriptor to hand to the consuming partition.
func (d *Destination) DuplicateFD() (int, error) { return dupFd(d.fd) }

// Receive pops the front message into buf, returning the number of bytes
// written and the sticky overflow flag as last republished by Swap.
func (d *Destination) Receive(buf []byte) (n int, overflowed bool, ok bool) {
	payload, _, found := d.ring.pop()
	if !found {
		return 0, d.overflowed(), false
	}
	n = copy(buf, payload)
	return n, d.overflowed(), true
}

// Len reports the current number of messages queued on this side.
func (d *Destination) Len() uint64 { return d.ring.length() }

// RequestClear discards all currently queued messages and records the
// current time so that Swap filters out any source-side message enqueued
// strictly before it (tie-break decided in DESIGN.md: a
// message timestamped exactly equal to the clear request is kept).
func (d *Destination) RequestClear() {
	d.ring.clear()
	ringFieldStore(d.region, 8, 1)
	ringFieldStore(d.region, 16, uint64(now()))
}

// consumeClearRequest returns the pending clear-request timestamp, if any,
// and resets the flag (mem::take semantics in the original swap()).
func (d *Destination) consumeClearRequest() (int64, bool) {
	if !d.hasClearRequest() {
		return 0, false
	}
	ts := d.clearRequestedAt()
	ringFieldStore(d.region, 8, 0)
	return ts, true
}

// Close unmaps and closes the destination.
func (d *Destination) Close() error {
	if err := unix.Munmap(d.region); err != nil {
		return err
	}
	return unix.Close(d.fd)
}

// Swap drains src into dst, honoring any pending clear request, then
// republishes the source's view of the destination's queue depth and
// copies the source's overflow flag to the destination. The scheduler
// calls it once per channel between major frames. Returns the number of
// messages transferred.
func Swap(src *Source, dst *Destination) int {
	if clearAt, pending := dst.consumeClearRequest(); pending {
		for {
			_, ts, ok := src.ring.peek()
			if !ok || !(ts < clearAt) {
				break
			}
			src.ring.pop()
		}
	}

	count := 0
	for {
		payload, ts, ok := src.ring.pop()
		if !ok {
			break
		}
		if !dst.ring.push(payload, ts) {
			// Invariant I3 guarantees this cannot happen: the combined
			// count across both sides never exceeds capacity.
			break
		}
		count++
	}

	src.setNumInDestination(dst.ring.length())
	dst.setOverflowed(src.overflowed())

	return count
}

func dupFd(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, fmt.Errorf("queuing: dup fd %d: %w", fd, err)
	}
	return nfd, nil
}
