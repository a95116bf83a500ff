package apex

import (
	"fmt"
	"runtime"
	"time"

	"github.com/cuemby/a653hv/internal/cgroup"
	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/partition"
	"golang.org/x/sys/unix"
)

// ProcessAttribute describes one of a partition's two process slots.
// StackSize and BasePriority are accepted for ARINC-surface
// compatibility but have no effect: a process here is a goroutine
// locked to its own OS thread, and neither has a stack size or
// priority Go's scheduler lets a caller set.
type ProcessAttribute struct {
	Name         string
	EntryPoint   func()
	StackSize    int
	BasePriority int
	// Period selects the slot: zero (infinite) is the aperiodic slot,
	// any positive value is the periodic slot.
	Period time.Duration
}

// ProcessID names one of the two process slots a partition has.
type ProcessID int

const (
	ProcessAperiodic ProcessID = iota
	ProcessPeriodic
)

type process struct {
	attr    ProcessAttribute
	started bool
}

// CreateProcess declares attr into the slot its Period selects. Valid
// only while the mode cell reads ColdStart or WarmStart; a slot already
// declared this generation returns NoAction.
func (p *Partition) CreateProcess(attr ProcessAttribute) (ProcessID, error) {
	mode := p.mode.Read()
	if mode != partition.ModeColdStart && mode != partition.ModeWarmStart {
		return 0, partition.InvalidMode
	}

	id := ProcessPeriodic
	if attr.Period <= 0 {
		id = ProcessAperiodic
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processes == nil {
		p.processes = make(map[ProcessID]*process, 2)
	}
	if _, exists := p.processes[id]; exists {
		return 0, partition.NoAction
	}
	p.processes[id] = &process{attr: attr}
	return id, nil
}

// Start runs id's entry point on a new goroutine locked to its own OS
// thread, migrated into the matching process cgroup before the entry
// point runs so the dispatcher's periodic/aperiodic freeze cycle
// (internal/scheduler, internal/poller) reaches it independently of the
// partition's other slot.
func (p *Partition) Start(id ProcessID) error {
	p.mu.Lock()
	proc, ok := p.processes[id]
	if ok {
		if proc.started {
			ok = false
		} else {
			proc.started = true
		}
	}
	p.mu.Unlock()
	if !ok {
		return partition.InvalidParam
	}

	cgroupName := constants.PeriodicCgroup
	if id == ProcessAperiodic {
		cgroupName = constants.AperiodicCgroup
	}

	go func() {
		runtime.LockOSThread()
		defer p.recoverPanic()
		if err := cgroup.FromPath(cgroupMount + "/" + cgroupName).AddThread(unix.Gettid()); err != nil {
			panic(fmt.Sprintf("apex: start: joining %s cgroup: %v", cgroupName, err))
		}
		proc.attr.EntryPoint()
	}()
	return nil
}

// PeriodicWait freezes the calling process's periodic cgroup, yielding
// to the dispatcher until the next window unfreezes it.
func (p *Partition) PeriodicWait() error {
	return cgroup.FromPath(cgroupMount + "/" + constants.PeriodicCgroup).Freeze()
}

// recoverPanic is the partition-side panic hook: a process slot that
// panics is reported to the hypervisor as a health.Panic IPC error
// rather than taking the whole partition process down silently.
func (p *Partition) recoverPanic() {
	if r := recover(); r != nil {
		_ = p.sender.TrySend(ipc.Event{Kind: ipc.KindError, ErrorKind: health.Panic.String(), Text: fmt.Sprint(r)})
	}
}
