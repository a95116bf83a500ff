// Package sampling implements the overwrite-on-write, single-slot shared
// memory channel: a producing partition publishes a
// length-prefixed payload into its source memfd; the hypervisor swaps
// that value into one or more destination memfds between windows; a
// consuming partition reads the destination with a freshness deadline.
//
// The wire layout is (timestamp int64 nanoseconds, length uint32, payload
// msgSize bytes). A writer publishes the timestamp last, after the length
// and payload are in place; a reader reads the timestamp, then
// length+payload, then re-reads the timestamp and only accepts the read
// if the two timestamp reads are equal. This is the single-writer seqlock
// from the read/write sequence a sampling datagram follows, without a lock
// word because the timestamp itself serves as the generation counter.
package sampling

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	timestampSize = 8
	lengthSize    = 4
	headerSize    = timestampSize + lengthSize
)

func datagramSize(msgSize int) int {
	return headerSize + msgSize
}

// Status reports the outcome of a destination-side Read.
type Status int

const (
	// StatusNoData means the slot has never been written (I: B2).
	StatusNoData Status = iota
	// StatusValid means the payload's age is within refresh_period.
	StatusValid
	// StatusInvalid means the payload is stale (age > refresh_period).
	StatusInvalid
)

func readRaw(region []byte) (ts int64, payload []byte) {
	for {
		tsBefore := int64(binary.LittleEndian.Uint64(region[0:timestampSize]))
		length := binary.LittleEndian.Uint32(region[timestampSize : timestampSize+lengthSize])
		data := region[headerSize:]
		if int(length) > len(data) {
			length = uint32(len(data))
		}
		out := make([]byte, length)
		copy(out, data[:length])

		tsAfter := int64(binary.LittleEndian.Uint64(region[0:timestampSize]))
		if tsBefore == tsAfter {
			return tsBefore, out
		}
	}
}

func writeRaw(region []byte, payload []byte) {
	data := region[headerSize:]
	n := len(payload)
	if n > len(data) {
		n = len(data)
	}
	binary.LittleEndian.PutUint32(region[timestampSize:timestampSize+lengthSize], uint32(n))
	copy(data[:n], payload[:n])
	binary.LittleEndian.PutUint64(region[0:timestampSize], uint64(time.Now().UnixNano()))
}

func createMemfd(name string, msgSize int) (int, error) {
	size := datagramSize(msgSize)
	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("sampling: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sampling: ftruncate %q: %w", name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sampling: seal size of %q: %w", name, err)
	}
	return fd, nil
}

// Source is the hypervisor-held, read-only mapping of a producing
// partition's sampling buffer, used to detect and copy a new value during
// Swap. The underlying memfd is handed to the partition (see DuplicateFD)
// which maps it PROT_READ|PROT_WRITE in its own address space via Writer.
type Source struct {
	fd      int
	region  []byte
	msgSize int
}

// CreateSource allocates the source-side memfd for one sampling channel.
func CreateSource(name string, msgSize int) (*Source, error) {
	fd, err := createMemfd(fmt.Sprintf("sampling_%s_source", name), msgSize)
	if err != nil {
		return nil, err
	}
	region, err := unix.Mmap(fd, 0, datagramSize(msgSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sampling: mmap source %q: %w", name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SEAL); err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, fmt.Errorf("sampling: seal source %q: %w", name, err)
	}
	return &Source{fd: fd, region: region, msgSize: msgSize}, nil
}

// FD returns the source memfd.
func (s *Source) FD() int { return s.fd }

// DuplicateFD returns a descriptor to hand to the producing partition.
func (s *Source) DuplicateFD() (int, error) {
	nfd, err := unix.Dup(s.fd)
	if err != nil {
		return -1, fmt.Errorf("sampling: dup source fd: %w", err)
	}
	return nfd, nil
}

func (s *Source) snapshot() (int64, []byte) { return readRaw(s.region) }

// Close unmaps and closes the source.
func (s *Source) Close() error {
	if err := unix.Munmap(s.region); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// Writer is the producing partition's handle onto a Source's memfd,
// mapped read-write in the partition's own address space.
type Writer struct {
	region  []byte
	msgSize int
}

// OpenWriter maps fd read-write for use by the producing partition.
func OpenWriter(fd int, msgSize int) (*Writer, error) {
	region, err := unix.Mmap(fd, 0, datagramSize(msgSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sampling: mmap writer: %w", err)
	}
	return &Writer{region: region, msgSize: msgSize}, nil
}

// Write publishes payload, clipped to msgSize, stamping the current time
// last so that seqlock readers racing this write see a consistent result.
func (w *Writer) Write(payload []byte) int {
	n := len(payload)
	if n > w.msgSize {
		n = w.msgSize
	}
	writeRaw(w.region, payload[:n])
	return n
}

// Close unmaps the writer's mapping.
func (w *Writer) Close() error { return unix.Munmap(w.region) }

// Destination is the hypervisor-held, read-write mapping of a consuming
// partition's sampling buffer. The hypervisor is the only writer; the
// underlying memfd is sealed against any other writable mapping before
// it is handed to the consumer.
type Destination struct {
	fd            int
	region        []byte
	msgSize       int
	lastTimestamp int64
	everWritten   bool
}

// CreateDestination allocates one destination-side memfd for one consumer
// of a sampling channel (fan-out creates one per destination partition).
func CreateDestination(name string, msgSize int) (*Destination, error) {
	fd, err := createMemfd(fmt.Sprintf("sampling_%s_destination", name), msgSize)
	if err != nil {
		return nil, err
	}
	region, err := unix.Mmap(fd, 0, datagramSize(msgSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sampling: mmap destination %q: %w", name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_FUTURE_WRITE|unix.F_SEAL_SEAL); err != nil {
		unix.Munmap(region)
		unix.Close(fd)
		return nil, fmt.Errorf("sampling: seal destination %q: %w", name, err)
	}
	return &Destination{fd: fd, region: region, msgSize: msgSize}, nil
}

// FD returns the destination memfd.
func (d *Destination) FD() int { return d.fd }

// DuplicateFD returns a descriptor to hand to the consuming partition.
func (d *Destination) DuplicateFD() (int, error) {
	nfd, err := unix.Dup(d.fd)
	if err != nil {
		return -1, fmt.Errorf("sampling: dup destination fd: %w", err)
	}
	return nfd, nil
}

func (d *Destination) write(payload []byte) {
	writeRaw(d.region, payload)
}

// Close unmaps and closes the destination.
func (d *Destination) Close() error {
	if err := unix.Munmap(d.region); err != nil {
		return err
	}
	return unix.Close(d.fd)
}

// Swap copies src's current value into dst if src has changed since dst
// last observed it. It returns whether a copy happened. Called by the
// scheduler once per channel between major frames (a two-buffer design).
func Swap(src *Source, dst *Destination) bool {
	ts, payload := src.snapshot()
	if dst.everWritten && ts == dst.lastTimestamp {
		return false
	}
	dst.lastTimestamp = ts
	dst.everWritten = true
	dst.write(payload)
	return true
}

// Reader is the consuming partition's read-only handle onto a
// Destination's memfd.
type Reader struct {
	region  []byte
	msgSize int
}

// OpenReader maps fd read-only for use by the consuming partition.
func OpenReader(fd int, msgSize int) (*Reader, error) {
	region, err := unix.Mmap(fd, 0, datagramSize(msgSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("sampling: mmap reader: %w", err)
	}
	return &Reader{region: region, msgSize: msgSize}, nil
}

// Read returns the current payload and a Status reflecting its freshness
// against refreshPeriod (I4). StatusNoData is returned for a slot that
// has never been written (timestamp still zero, per B2).
func (r *Reader) Read(refreshPeriod time.Duration) (Status, []byte) {
	ts, payload := readRaw(r.region)
	if ts == 0 {
		return StatusNoData, payload
	}
	age := time.Duration(time.Now().UnixNano() - ts)
	if age <= refreshPeriod {
		return StatusValid, payload
	}
	return StatusInvalid, payload
}

// Close unmaps the reader's mapping.
func (r *Reader) Close() error { return unix.Munmap(r.region) }
