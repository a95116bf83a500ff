package apex

import (
	"os"
	"time"

	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/partition"
)

// Status is the result of GetPartitionStatus: the partition's static
// identity and timing alongside its live operating mode.
type Status struct {
	Period         time.Duration
	Duration       time.Duration
	ID             int32
	Mode           partition.Mode
	StartCondition string
}

// GetPartitionStatus returns the partition's identity, timing and
// current operating mode, reading the mode cell the hypervisor
// maintains across respawns.
func (p *Partition) GetPartitionStatus() Status {
	return Status{
		Period:         p.constants.Period,
		Duration:       p.constants.Duration,
		ID:             p.constants.ID,
		Mode:           p.mode.Read(),
		StartCondition: p.constants.StartCondition,
	}
}

// GetTime returns elapsed time since the module's shared start-time
// cell, published once by the hypervisor before any partition spawns.
func (p *Partition) GetTime() time.Duration {
	return time.Since(p.startTime.Read())
}

// SetPartitionMode requests a transition per the partition runtime's
// mode-transition rules (internal/partition.RequestTransition):
// ColdStart->WarmStart is rejected locally as InvalidMode without ever
// reaching the hypervisor. Every other target is sent as a blocking
// Transition event; the hypervisor alone decides the outcome and
// performs any respawn, since only it holds this partition's *Partition
// object and owns freeze/kill.
//
// A transition to Normal returns once the event is sent: the calling
// process keeps running. Any other accepted target (Idle, ColdStart,
// WarmStart) ends this generation, so the call exits the process instead
// of returning — the hypervisor kills what's left of this generation's
// cgroup once it processes the event.
func (p *Partition) SetPartitionMode(target partition.Mode) error {
	if p.mode.Read() == partition.ModeColdStart && target == partition.ModeWarmStart {
		return partition.InvalidMode
	}

	if err := p.sender.SendBlocking(ipc.Event{Kind: ipc.KindTransition, TargetMode: target.String()}); err != nil {
		return err
	}

	if target == partition.ModeNormal {
		return nil
	}
	os.Exit(0)
	return nil
}
