// Package partition implements the per-partition runtime: the
// object the scheduler drives once per window, owning a partition's two
// process-class cgroups, its chroot working directory, its sealed
// constants and mode cells, and its IPC receiver.
package partition

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/a653hv/internal/cgroup"
	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/shmem"
	"github.com/cuemby/a653hv/pkg/log"
	"golang.org/x/sys/unix"
)

// ReexecSentinel is the argv[0]-adjacent subcommand the hypervisor's own
// binary recognizes as "I am the cloned child, run ContainerInit instead
// of the normal entry point." Namespaces in Linux are only entered by a
// cloned process that then execs; since os/exec always execs immediately
// after clone, the mount/pivot_root setup that used to run in the forked
// child (pre-exec, in the original) instead runs here, in a re-exec of
// this same binary, before it execs the partition image.
const ReexecSentinel = "__partition_init"

// Config is static, per-partition configuration supplied once at
// construction — the parts of a partition's module config that do not change
// across respawns.
type Config struct {
	Name        string
	ID          int32
	Period      time.Duration
	Duration    time.Duration
	Offset      time.Duration
	ImagePath   string
	DeviceMounts []string
	BindMounts   []string
	HMTable      health.PartitionHMTable
}

// Partition owns the resources of one configured partition across
// however many generations (spawn/respawn cycles) it lives through.
type Partition struct {
	cfg         Config
	cgroupRoot  cgroup.CGroup
	periodicCG  cgroup.CGroup
	aperiodicCG cgroup.CGroup

	startTimeFD int
	modeCell    *shmem.Cell[Mode]

	generation int
	pid        int
	sender     *ipc.Sender
	receiver   *ipc.Receiver
	workDir    string
}

// New builds a Partition's cgroups and mode cell. Called once at module
// init for every partition named in the configuration.
func New(cg cgroup.CGroup, cfg Config, startTimeFD int) (*Partition, error) {
	periodic, err := cgroup.New(cg.Path(), constants.PeriodicCgroup)
	if err != nil {
		return nil, health.NewTypedError(health.CGroup, err)
	}
	aperiodic, err := cgroup.New(cg.Path(), constants.AperiodicCgroup)
	if err != nil {
		return nil, health.NewTypedError(health.CGroup, err)
	}
	modeCell, err := CreateModeCell(cfg.Name)
	if err != nil {
		return nil, health.NewTypedError(health.PartitionInit, err)
	}
	if err := modeCell.Write(ModeColdStart); err != nil {
		return nil, health.NewTypedError(health.PartitionInit, err)
	}

	return &Partition{
		cfg:         cfg,
		cgroupRoot:  cg,
		periodicCG:  periodic,
		aperiodicCG: aperiodic,
		startTimeFD: startTimeFD,
		modeCell:    modeCell,
	}, nil
}

// Name returns the partition's configured name.
func (p *Partition) Name() string { return p.cfg.Name }

// HMTable returns this partition's health-monitor table, consulted for
// every error raised at partition scope during its window.
func (p *Partition) HMTable() health.PartitionHMTable { return p.cfg.HMTable }

// Mode returns the partition's currently persisted operating mode.
func (p *Partition) Mode() Mode { return p.modeCell.Read() }

// SetMode persists a new operating mode, surviving a respawn.
func (p *Partition) SetMode(m Mode) error { return p.modeCell.Write(m) }

// Freeze suspends the whole partition (both process classes).
func (p *Partition) Freeze() error { return p.cgroupRoot.Freeze() }

// Unfreeze resumes the whole partition.
func (p *Partition) Unfreeze() error { return p.cgroupRoot.Unfreeze() }

// PeriodicCGroup exposes the periodic-process cgroup for the scheduler's
// periodic-phase handling (unfreeze / poll-for-freeze).
func (p *Partition) PeriodicCGroup() cgroup.CGroup { return p.periodicCG }

// AperiodicCGroup exposes the aperiodic-process cgroup.
func (p *Partition) AperiodicCGroup() cgroup.CGroup { return p.aperiodicCG }

// Receiver returns the IPC receiver for the current generation, or nil
// before the first spawn.
func (p *Partition) Receiver() *ipc.Receiver { return p.receiver }

// Pid returns the current generation's child pid, or 0 before the first
// spawn.
func (p *Partition) Pid() int { return p.pid }

// Spawn implements the partition spawn procedure: freeze, reap the previous
// generation, publish start condition and mode, clone a namespaced child
// placed directly into the partition cgroup, and exec the partition image
// inside it. Called on cold_start/warm_start transitions.
func (p *Partition) Spawn(startCondition string, ports []constants.PortDescriptor) error {
	logger := log.WithPartition(p.cfg.Name)

	if err := p.Freeze(); err != nil {
		return health.NewTypedError(health.CGroup, err)
	}
	if err := p.cgroupRoot.KillAllWait(); err != nil {
		return health.NewTypedError(health.CGroup, err)
	}
	if p.sender != nil {
		p.sender.Close()
	}
	if p.receiver != nil {
		p.receiver.Close()
	}

	sender, receiver, err := ipc.Pair()
	if err != nil {
		return health.NewTypedError(health.PartitionInit, err)
	}

	workDir, err := os.MkdirTemp("", "a653hv-"+p.cfg.Name+"-")
	if err != nil {
		sender.Close()
		receiver.Close()
		return health.NewTypedError(health.PartitionInit, err)
	}

	senderDupFD, err := unix.Dup(sender.Fd())
	if err != nil {
		sender.Close()
		receiver.Close()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}
	senderFile := os.NewFile(uintptr(senderDupFD), "ipc-sender")
	modeFD, err := p.modeCell.DuplicateFD()
	if err != nil {
		sender.Close()
		receiver.Close()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}
	modeFile := os.NewFile(uintptr(modeFD), "mode-cell")

	startTimeDupFD, err := unix.Dup(p.startTimeFD)
	if err != nil {
		sender.Close()
		receiver.Close()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}
	startTimeFile := os.NewFile(uintptr(startTimeDupFD), "start-time")

	// ExtraFiles appear in the child starting at fd 3, in order: sender,
	// mode cell, start-time cell, constants, then one entry per declared
	// port. The constants record itself must be published after these fd
	// numbers are fixed, since it names them.
	extraFiles := []*os.File{senderFile, modeFile, startTimeFile}
	closeExtra := func() {
		for _, f := range extraFiles {
			f.Close()
		}
	}

	resolvedPorts := make([]constants.PortDescriptor, len(ports))
	for i, port := range ports {
		dupFD, err := unix.Dup(port.FD)
		if err != nil {
			closeExtra()
			os.RemoveAll(workDir)
			return health.NewTypedError(health.PartitionInit, err)
		}
		portFile := os.NewFile(uintptr(dupFD), fmt.Sprintf("port-%s", port.Name))
		extraFiles = append(extraFiles, portFile)
		port.FD = 6 + i + 1
		resolvedPorts[i] = port
	}

	c := constants.Constants{
		Name:           p.cfg.Name,
		ID:             p.cfg.ID,
		Period:         p.cfg.Period,
		Duration:       p.cfg.Duration,
		StartCondition: startCondition,
		SenderFD:       3,
		ModeFD:         4,
		StartTimeFD:    5,
		Ports:          resolvedPorts,
	}
	constFD, err := constants.Publish(c)
	if err != nil {
		closeExtra()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}
	constFile := os.NewFile(uintptr(constFD), "constants")
	extraFiles = append([]*os.File{extraFiles[0], extraFiles[1], extraFiles[2], constFile}, extraFiles[3:]...)

	cgFile, err := p.cgroupRoot.FD()
	if err != nil {
		closeExtra()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.CGroup, err)
	}
	defer cgFile.Close()

	self, err := os.Executable()
	if err != nil {
		closeExtra()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}

	cmd := exec.Command(self, ReexecSentinel, workDir, p.cfg.ImagePath, p.cfg.Name)
	cmd.ExtraFiles = extraFiles
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", constants.EnvConstantsFD, 6),
		envExtraMounts+"="+encodeExtraMounts(p.cfg.DeviceMounts, p.cfg.BindMounts),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNS |
			syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWCGROUP,
		UseCgroupFD: true,
		CgroupFD:    int(cgFile.Fd()),
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}

	if err := cmd.Start(); err != nil {
		closeExtra()
		os.RemoveAll(workDir)
		return health.NewTypedError(health.PartitionInit, err)
	}

	// The child now holds its own duplicates of every extra file; the
	// parent's copies served only to fix their fd numbers in
	// cmd.ExtraFiles.
	closeExtra()

	p.generation++
	p.pid = cmd.Process.Pid
	p.sender = sender
	p.receiver = receiver
	p.workDir = workDir

	logger.Info().Int("pid", p.pid).Int("generation", p.generation).Msg("spawned partition generation")

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}

// envExtraMounts carries a partition's configured device mounts and extra
// bind mounts (the per-partition device mounts and extra bind mounts)
// across the re-exec, since ContainerInit has no other channel to its
// static configuration before it execs the partition image.
const envExtraMounts = "A653HV_EXTRA_MOUNTS"

// extraMount is one configured bind mount: a host path made visible at
// the same path inside the partition's root, read-only unless RW is set.
type extraMount struct {
	Path string
	RW   bool
}

func encodeExtraMounts(deviceMounts, bindMounts []string) string {
	entries := make([]string, 0, len(deviceMounts)+len(bindMounts))
	for _, p := range deviceMounts {
		entries = append(entries, p+"|rw")
	}
	for _, p := range bindMounts {
		entries = append(entries, p+"|ro")
	}
	return strings.Join(entries, ";")
}

func decodeExtraMounts(encoded string) []extraMount {
	if encoded == "" {
		return nil
	}
	var mounts []extraMount
	for _, entry := range strings.Split(encoded, ";") {
		fields := strings.SplitN(entry, "|", 2)
		if len(fields) != 2 {
			continue
		}
		mounts = append(mounts, extraMount{Path: fields[0], RW: fields[1] == "rw"})
	}
	return mounts
}

// ContainerInit is the re-exec entry point run inside the freshly cloned
// child, before it execs the partition image: mount a tmpfs working
// directory, bind-mount the image as /bin, mount proc and cgroup2, bind
// in any configured device/extra mounts, then pivot_root and exec.
// Invoked by cmd/a653hv when argv[1]==ReexecSentinel.
func ContainerInit(workDir, imagePath, name string) error {
	if err := syscall.Mount("", workDir, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("partition: mount tmpfs: %w", err)
	}

	bin := filepath.Join(workDir, "bin")
	if f, err := os.Create(bin); err != nil {
		return fmt.Errorf("partition: create bin stub: %w", err)
	} else {
		f.Close()
	}
	if err := syscall.Mount(imagePath, bin, "", syscall.MS_BIND|syscall.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("partition: bind mount image: %w", err)
	}

	for _, m := range decodeExtraMounts(os.Getenv(envExtraMounts)) {
		dst := filepath.Join(workDir, m.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("partition: mkdir %q: %w", dst, err)
		}
		if f, err := os.Create(dst); err != nil {
			return fmt.Errorf("partition: create mount point %q: %w", dst, err)
		} else {
			f.Close()
		}
		flags := uintptr(syscall.MS_BIND)
		if !m.RW {
			flags |= syscall.MS_RDONLY
		}
		if err := syscall.Mount(m.Path, dst, "", flags, ""); err != nil {
			return fmt.Errorf("partition: bind mount %q: %w", m.Path, err)
		}
	}

	proc := filepath.Join(workDir, "proc")
	if err := os.Mkdir(proc, 0o755); err != nil {
		return fmt.Errorf("partition: mkdir proc: %w", err)
	}
	if err := syscall.Mount("proc", proc, "proc", 0, ""); err != nil {
		return fmt.Errorf("partition: mount proc: %w", err)
	}

	cg := filepath.Join(workDir, "sys", "fs", "cgroup")
	if err := os.MkdirAll(cg, 0o755); err != nil {
		return fmt.Errorf("partition: mkdir cgroup mountpoint: %w", err)
	}
	if err := syscall.Mount("cgroup2", cg, "cgroup2", 0, ""); err != nil {
		return fmt.Errorf("partition: mount cgroup2: %w", err)
	}

	if err := syscall.Chdir(workDir); err != nil {
		return fmt.Errorf("partition: chdir: %w", err)
	}
	if err := syscall.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("partition: pivot_root: %w", err)
	}
	if err := syscall.Unmount(".", syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("partition: detach old root: %w", err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("partition: chdir to new root: %w", err)
	}

	return syscall.Exec("/bin", []string{"/bin", name}, os.Environ())
}

// Cleanup tears down a partition's generation and cgroups, used on module
// shutdown.
func (p *Partition) Cleanup() error {
	if p.sender != nil {
		p.sender.Close()
	}
	if p.receiver != nil {
		p.receiver.Close()
	}
	if p.workDir != "" {
		os.RemoveAll(p.workDir)
	}
	if err := p.periodicCG.Delete(); err != nil {
		return err
	}
	if err := p.aperiodicCG.Delete(); err != nil {
		return err
	}
	return p.cgroupRoot.Delete()
}
