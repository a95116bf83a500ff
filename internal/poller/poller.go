// Package poller implements the hypervisor's periodic-phase multiplexer: during
// a partition's periodic phase the hypervisor waits on two signals at
// once — the partition's periodic cgroup freezing itself (PeriodicWait)
// and an IPC event arriving on the back-channel — bounded by the
// remaining window time, watching a cgroup.events fd alongside the IPC
// receiver fd in the same poll set.
package poller

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/a653hv/internal/cgroup"
	"github.com/cuemby/a653hv/internal/ipc"
	"golang.org/x/sys/unix"
)

// Kind tags which of the three outcomes Poll returned.
type Kind int

const (
	// KindTimeout means the remaining window elapsed with no signal.
	KindTimeout Kind = iota
	// KindPeriodicFrozen means the periodic cgroup reported frozen=1:
	// the periodic process has called periodic_wait and is done this
	// frame.
	KindPeriodicFrozen
	// KindCall means one IPC event was received and decoded.
	KindCall
)

// Result is the tagged outcome of one Poll call.
type Result struct {
	Kind  Kind
	Event ipc.Event
}

// Poller multiplexes a partition's periodic cgroup.events fd and its IPC
// receiver fd for the duration of the periodic phase.
type Poller struct {
	periodicEvents *os.File
	receiver       *ipc.Receiver
}

// New opens the periodic cgroup's cgroup.events file for polling and
// pairs it with the partition's IPC receiver.
func New(periodic cgroup.CGroup, receiver *ipc.Receiver) (*Poller, error) {
	f, err := os.Open(periodic.Path() + "/cgroup.events")
	if err != nil {
		return nil, fmt.Errorf("poller: open cgroup.events: %w", err)
	}
	return &Poller{periodicEvents: f, receiver: receiver}, nil
}

// Close releases the cgroup.events fd.
func (p *Poller) Close() error { return p.periodicEvents.Close() }

// Poll waits up to timeout for either signal. cgroup.events is pollable
// for PRIORITY/ERR on change (cgroupfs marks it a "notify on change"
// file); on wakeup the poller re-reads the frozen field directly rather
// than trusting the wakeup alone, since a spurious wakeup from an
// unrelated field change is possible.
func (p *Poller) Poll(timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{Kind: KindTimeout}, nil
		}

		fds := []unix.PollFd{
			{Fd: int32(p.periodicEvents.Fd()), Events: unix.POLLPRI | unix.POLLERR},
			{Fd: int32(p.receiver.Fd()), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Result{}, fmt.Errorf("poller: poll: %w", err)
		}
		if n == 0 {
			return Result{Kind: KindTimeout}, nil
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			ev, ok, err := p.receiver.TryRecvTimeout(0)
			if err != nil {
				return Result{}, err
			}
			if ok {
				return Result{Kind: KindCall, Event: ev}, nil
			}
		}

		if fds[0].Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			frozen, err := readFrozen(p.periodicEvents)
			if err != nil {
				return Result{}, err
			}
			if frozen {
				return Result{Kind: KindPeriodicFrozen}, nil
			}
			// Not yet frozen: the change was something else (e.g.
			// populated toggling). Re-subscribe and keep waiting.
			continue
		}
	}
}

func readFrozen(f *os.File) (bool, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return false, fmt.Errorf("poller: seek cgroup.events: %w", err)
	}
	buf := make([]byte, 256)
	n, err := f.Read(buf)
	if err != nil {
		return false, fmt.Errorf("poller: read cgroup.events: %w", err)
	}
	return strings.Contains(string(buf[:n]), "frozen 1"), nil
}
