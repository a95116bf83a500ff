// Package ipc implements the back-channel between a partition process and
// the hypervisor dispatcher: a connected, non-blocking pair of UNIX
// datagram sockets carrying a tagged Event union (mode transition, typed
// error, application log message).
//
// Each partition holds the Sender end; the hypervisor holds the Receiver
// end and multiplexes its fd alongside the partition's cgroup.events fd
// (see package poller). Events are FIFO per sender because the underlying
// transport is a single connected datagram socket.
package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TrySend when the socket's send buffer is
// exhausted; recovery policy is per-event-kind.
var ErrWouldBlock = errors.New("ipc: send would block")

// Kind tags which variant of Event is populated.
type Kind uint8

const (
	// KindTransition carries a requested operating-mode transition.
	KindTransition Kind = iota
	// KindError carries a typed error report.
	KindError
	// KindMessage carries an application log message.
	KindMessage
)

// Event is the tagged union sent from a partition to the hypervisor.
// Exactly the fields relevant to Kind are meaningful; msgpack encodes the
// whole struct, which costs a few wasted bytes per datagram in exchange
// for a single concrete wire type and no interface-based dispatch.
type Event struct {
	Kind Kind

	// Populated when Kind == KindTransition.
	TargetMode string

	// Populated when Kind == KindError.
	ErrorKind string

	// Populated when Kind == KindMessage.
	LogLevel int
	Text     string
}

// maxDatagram bounds a single recv buffer; events are small fixed-shape
// structs, so this comfortably exceeds any msgpack encoding of Event.
const maxDatagram = 4096

var mh codec.MsgpackHandle

// Sender is the partition-held end of the back-channel.
type Sender struct {
	file *os.File
}

// Receiver is the hypervisor-held end of the back-channel.
type Receiver struct {
	file *os.File
}

// Pair creates a connected, non-blocking UNIX datagram socket pair and
// wraps each end, mirroring the socketpair(AF_UNIX, SOCK_DGRAM) call made
// once per partition at spawn time.
func Pair() (*Sender, *Receiver, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	tx := os.NewFile(uintptr(fds[0]), "ipc-tx")
	rx := os.NewFile(uintptr(fds[1]), "ipc-rx")
	return &Sender{file: tx}, &Receiver{file: rx}, nil
}

// NewSender wraps an inherited sender fd, used by a partition's process
// once it has located the fd number inside its constants cell.
func NewSender(fd int) *Sender {
	return &Sender{file: os.NewFile(uintptr(fd), "ipc-tx")}
}

// NewReceiver wraps an inherited receiver fd.
func NewReceiver(fd int) *Receiver {
	return &Receiver{file: os.NewFile(uintptr(fd), "ipc-rx")}
}

// Fd returns the sender's underlying descriptor.
func (s *Sender) Fd() int { return int(s.file.Fd()) }

// Fd returns the receiver's underlying descriptor.
func (r *Receiver) Fd() int { return int(r.file.Fd()) }

// Close releases the underlying descriptor.
func (s *Sender) Close() error { return s.file.Close() }

// Close releases the underlying descriptor.
func (r *Receiver) Close() error { return r.file.Close() }

// TrySend writes one datagram without blocking. On EAGAIN (buffer
// exhaustion) it returns ErrWouldBlock; callers discard the
// message and log, except for mode transitions, which instead sleep and
// retry indefinitely until the hypervisor drains the socket.
func (s *Sender) TrySend(ev Event) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("ipc: encode event: %w", err)
	}

	_, err := s.file.Write(buf.Bytes())
	if err == nil {
		return nil
	}
	if isWouldBlock(err) {
		return ErrWouldBlock
	}
	return fmt.Errorf("ipc: send: %w", err)
}

// SendBlocking retries TrySend until it succeeds, sleeping briefly between
// attempts. Used only for mode transitions, the one case specified as
// blocking rather than discard-on-would-block.
func (s *Sender) SendBlocking(ev Event) error {
	for {
		err := s.TrySend(ev)
		if err == nil {
			return nil
		}
		if err != ErrWouldBlock {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// TryRecvTimeout polls the receiver's fd for readability up to timeout,
// then reads at most one datagram. It returns (Event{}, false, nil) on
// timeout or would-block, never blocking past the deadline.
func (r *Receiver) TryRecvTimeout(timeout time.Duration) (Event, bool, error) {
	fds := []unix.PollFd{{Fd: int32(r.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("ipc: poll: %w", err)
	}
	if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return Event{}, false, nil
	}

	buf := make([]byte, maxDatagram)
	n2, err := r.file.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("ipc: recv: %w", err)
	}

	var ev Event
	dec := codec.NewDecoder(bytes.NewReader(buf[:n2]), &mh)
	if err := dec.Decode(&ev); err != nil {
		return Event{}, false, fmt.Errorf("ipc: decode event: %w", err)
	}
	return ev, true, nil
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
