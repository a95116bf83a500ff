// Package apex implements the partition-side APEX surface: the library a
// partition image links against to discover its identity, declare and
// use sampling/queuing ports, create periodic/aperiodic processes,
// request mode transitions, and report application-level events back to
// the hypervisor.
//
// A partition process locates its state entirely through the
// environment variable internal/constants.EnvConstantsFD; everything
// else (the IPC sender, the mode and start-time cells, every declared
// port) is reached by duplicating file descriptors named inside that
// sealed constants record. Init must be called exactly once, before any
// other call in this package.
package apex

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/a653hv/internal/cgroup"
	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/partition"
	"github.com/cuemby/a653hv/internal/queuing"
	"github.com/cuemby/a653hv/internal/sampling"
	"github.com/cuemby/a653hv/internal/shmem"
)

// cgroupMount is the cgroup2 mount point every partition's ContainerInit
// sets up before the exec, inside the partition's own cgroup namespace —
// so "periodic"/"aperiodic" here name this partition's own two
// process-class cgroups, not the hypervisor's view of them.
const cgroupMount = "/sys/fs/cgroup"

// Partition is a spawned partition process's handle onto its own APEX
// state: its sealed constants, the mode and start-time cells it reads,
// the IPC sender it reports through, and the ports it has opened so far.
type Partition struct {
	constants constants.Constants
	sender    *ipc.Sender
	mode      *shmem.Cell[partition.Mode]
	startTime *shmem.Cell[time.Time]

	mu        sync.Mutex
	ports     map[string]*port
	order     []string
	processes map[ProcessID]*process
}

// port is one opened sampling or queuing handle, exactly one of whose
// fields is non-nil depending on the descriptor's Kind and Direction.
type port struct {
	descriptor constants.PortDescriptor

	samplingWriter *sampling.Writer
	samplingReader *sampling.Reader
	queuingSource  *queuing.Source
	queuingDest    *queuing.Destination
}

// Init reads the sealed constants record named by
// internal/constants.EnvConstantsFD, moves the calling process into its
// own periodic cgroup (the default process class for a partition's
// entry point), and opens the IPC sender and the mode and start-time
// cells. Called once, at partition process start, before any other
// call in this package.
func Init() (*Partition, error) {
	c, err := constants.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("apex: init: %w", err)
	}

	if err := joinCgroup(constants.PeriodicCgroup); err != nil {
		return nil, fmt.Errorf("apex: init: joining periodic cgroup: %w", err)
	}

	mode, err := partition.OpenModeCell(c.ModeFD)
	if err != nil {
		return nil, fmt.Errorf("apex: init: opening mode cell: %w", err)
	}
	startTime, err := partition.OpenStartTimeCell(c.StartTimeFD)
	if err != nil {
		return nil, fmt.Errorf("apex: init: opening start-time cell: %w", err)
	}

	return &Partition{
		constants: c,
		sender:    ipc.NewSender(c.SenderFD),
		mode:      mode,
		startTime: startTime,
		ports:     make(map[string]*port),
	}, nil
}

// joinCgroup moves the calling process into name's cgroup beneath this
// partition's own cgroup namespace root.
func joinCgroup(name string) error {
	return cgroup.FromPath(cgroupMount + "/" + name).AddProcess(os.Getpid())
}

// findPortDescriptor looks up name in the partition's declared port
// table, returning InvalidConfig if it was never declared to this
// partition.
func (p *Partition) findPortDescriptor(name string) (constants.PortDescriptor, error) {
	for _, d := range p.constants.Ports {
		if d.Name == name {
			return d, nil
		}
	}
	return constants.PortDescriptor{}, partition.InvalidConfig
}
