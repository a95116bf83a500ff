package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/ipc"
	"github.com/cuemby/a653hv/internal/partition"
	"github.com/cuemby/a653hv/internal/poller"
	"github.com/cuemby/a653hv/internal/queuing"
	"github.com/cuemby/a653hv/internal/sampling"
	"github.com/cuemby/a653hv/pkg/events"
	"github.com/cuemby/a653hv/pkg/log"
)

// Channel is one configured inter-partition channel: the dispatcher calls
// Swap on every configured channel between major frames.
type Channel interface {
	Swap()
}

// SamplingChannel broadcasts one producer to every declared consumer.
type SamplingChannel struct {
	Source       *sampling.Source
	Destinations []*sampling.Destination
}

// Swap copies Source's latest sample into every destination.
func (c *SamplingChannel) Swap() {
	for _, d := range c.Destinations {
		sampling.Swap(c.Source, d)
	}
}

// QueuingChannel drains one producer's queue into every declared
// consumer's queue.
type QueuingChannel struct {
	Name         string
	Source       *queuing.Source
	Destinations []*queuing.Destination
	Events       *events.Broker
}

// Swap drains Source into every destination, publishing a port-overflow
// event if the source's sticky overflow flag is set.
func (c *QueuingChannel) Swap() {
	for _, d := range c.Destinations {
		queuing.Swap(c.Source, d)
	}
	if c.Events != nil && c.Source.Overflowed() {
		c.Events.Publish(&events.Event{Type: events.EventPortOverflow, Message: c.Name})
	}
}

// PartitionPorts supplies the port descriptor list a partition's
// constants record advertises at spawn time, keyed by partition name.
type PartitionPorts map[string][]constants.PortDescriptor

// Dispatcher is the single-threaded, cooperative major-frame dispatcher
// of the major-frame dispatch loop: it owns the computed schedule, every partition runtime,
// every configured channel, and the module-run health-monitor table.
type Dispatcher struct {
	schedule   *Schedule
	partitions map[string]*partition.Partition
	ports      PartitionPorts
	channels   []Channel
	moduleRun  health.ModuleRunHMTable
	events     *events.Broker
}

// New builds a dispatcher over an already-computed schedule and a set of
// constructed (but not yet spawned) partition runtimes.
func New(schedule *Schedule, partitions map[string]*partition.Partition, ports PartitionPorts, channels []Channel, moduleRun health.ModuleRunHMTable) *Dispatcher {
	return &Dispatcher{
		schedule:   schedule,
		partitions: partitions,
		ports:      ports,
		channels:   channels,
		moduleRun:  moduleRun,
	}
}

// WithEvents attaches a broker the dispatcher publishes domain events to.
// Optional: a nil broker (the zero value) means publish is a no-op.
func (d *Dispatcher) WithEvents(broker *events.Broker) *Dispatcher {
	d.events = broker
	return d
}

func (d *Dispatcher) publish(ev *events.Event) {
	if d.events != nil {
		d.events.Publish(ev)
	}
}

// Schedule returns the computed major-frame schedule.
func (d *Dispatcher) Schedule() *Schedule { return d.schedule }

// PartitionNames returns every partition name the dispatcher drives, in
// no particular order.
func (d *Dispatcher) PartitionNames() []string {
	names := make([]string, 0, len(d.partitions))
	for name := range d.partitions {
		names = append(names, name)
	}
	return names
}

// PartitionStatus reports a partition's current mode and pid. ok is false
// if name is not one of the dispatcher's configured partitions.
func (d *Dispatcher) PartitionStatus(name string) (mode string, pid int, ok bool) {
	p, ok := d.partitions[name]
	if !ok {
		return "", 0, false
	}
	return p.Mode().String(), p.Pid(), true
}

// Run drives the dispatch loop until totalDuration has elapsed (zero
// means run indefinitely), or until a module-run health action demands a
// clean shutdown.
func (d *Dispatcher) Run(totalDuration time.Duration) error {
	logger := log.WithComponent("scheduler")
	moduleStart := time.Now()

	for frameSeq := uint64(0); ; frameSeq++ {
		if totalDuration > 0 && time.Since(moduleStart) >= totalDuration {
			logger.Info().Msg("module lifetime elapsed, shutting down")
			return nil
		}

		frameLogger := log.WithFrame(frameSeq)
		frameStart := time.Now()

		for _, window := range d.schedule.Windows {
			windowStart := frameStart.Add(window.Start)
			windowEnd := frameStart.Add(window.End)

			sleepUntil(windowStart)

			if err := d.runWindow(window.Partition, windowEnd); err != nil {
				kind := classify(err)
				level := health.LevelModuleRun
				var action health.ModuleAction
				var phe *partitionHealthError
				if errors.As(err, &phe) {
					level = health.LevelPartition
					action = phe.action.Module
				} else {
					var known bool
					action, known = d.moduleRun.Lookup(kind)
					if !known {
						action = health.ModuleShutdown
					}
				}
				frameLogger.Error().Err(err).Str("partition", window.Partition).Str("action", action.String()).Msg("partition window failed")
				d.publish(&events.Event{
					Type:      events.EventHealthAction,
					Partition: window.Partition,
					Message:   err.Error(),
					Metadata: map[string]string{
						"level":  level.String(),
						"action": action.String(),
						"kind":   kind.String(),
					},
				})
				switch action {
				case health.ModuleShutdown:
					return err
				case health.ModuleReset:
					continue
				case health.ModuleIgnore:
					continue
				}
			}
		}

		sleepUntil(frameStart.Add(d.schedule.MajorFrame))

		for _, ch := range d.channels {
			ch.Swap()
		}
	}
}

func sleepUntil(t time.Time) {
	if d := time.Until(t); d > 0 {
		time.Sleep(d)
	}
}

// errPeriodicOverrun reports a periodic process that never called
// PeriodicWait before its window ran out.
var errPeriodicOverrun = errors.New("periodic process did not freeze before window end")

func classify(err error) health.ErrorKind {
	var te *health.TypedError
	if errors.As(err, &te) {
		return te.Kind
	}
	var le *health.LeveledError
	if errors.As(err, &le) {
		return le.Kind
	}
	return health.Panic
}

// partitionHealthError carries a RecoveryAction a partition's own
// health-monitor table has already resolved to a module-scope action,
// so Run's top-level loop applies it directly instead of re-deriving
// one from the module-run table.
type partitionHealthError struct {
	kind   health.ErrorKind
	action health.RecoveryAction
	err    error
}

func (e *partitionHealthError) Error() string { return e.err.Error() }

func (e *partitionHealthError) Unwrap() error { return e.err }

// reportPartitionError classifies a partition-execution error through
// p's own health-monitor table. A Partition(Idle/ColdStart/WarmStart)
// action is carried out immediately (SetMode/Spawn) and reported here;
// a Module(...) action is handed back wrapped for Run to report and
// apply. A kind absent from p's table is returned unchanged, falling
// back to the module-run table exactly as an unclassified error would.
func (d *Dispatcher) reportPartitionError(p *partition.Partition, err error) error {
	kind := classify(err)
	action, known := p.HMTable().Lookup(kind)
	if !known {
		return err
	}
	if action.IsModule {
		return &partitionHealthError{kind: kind, action: action, err: err}
	}

	log.WithPartition(p.Name()).Error().Err(err).Str("action", action.String()).Msg("partition health action")
	d.publish(&events.Event{
		Type:      events.EventHealthAction,
		Partition: p.Name(),
		Message:   err.Error(),
		Metadata: map[string]string{
			"level":  health.LevelPartition.String(),
			"action": action.String(),
			"kind":   kind.String(),
		},
	})

	switch action.Partition {
	case health.PartitionIdle:
		return p.SetMode(partition.ModeIdle)
	case health.PartitionColdStart:
		return p.Spawn(partition.ModeColdStart.String(), d.ports[p.Name()])
	case health.PartitionWarmStart:
		return p.Spawn(partition.ModeWarmStart.String(), d.ports[p.Name()])
	}
	return nil
}

// runWindow drives one partition's window, ending no later than
// deadline, and routes any error the window raises through that
// partition's own health-monitor table before it can reach Run's
// module-run fallback.
func (d *Dispatcher) runWindow(name string, deadline time.Time) error {
	p := d.partitions[name]
	if err := d.execWindow(p, deadline); err != nil {
		return d.reportPartitionError(p, err)
	}
	return nil
}

// execWindow drives the partition-time-window sub-algorithm for one
// partition's window, ending no later than deadline.
func (d *Dispatcher) execWindow(p *partition.Partition, deadline time.Time) error {
	name := p.Name()

	if p.Pid() == 0 {
		if err := p.Spawn("normal_start", d.ports[name]); err != nil {
			return err
		}
		d.publish(&events.Event{Type: events.EventPartitionRespawned, Partition: name, Message: "normal_start"})
	} else {
		d.publish(&events.Event{Type: events.EventPartitionTransitioned, Partition: name, Message: p.Mode().String()})
	}

	if time.Now().After(deadline) {
		return nil
	}

	if p.Mode() == partition.ModeNormal {
		if done, err := d.runPeriodicPhase(p, deadline); err != nil {
			return err
		} else if done {
			// Transitioned to Idle mid-periodic-phase; nothing more to
			// do for this window.
			return nil
		}
	}

	if time.Now().Before(deadline) {
		if err := d.runPostPeriodicPhase(p, deadline); err != nil {
			return err
		}
	}

	if err := p.AperiodicCGroup().Freeze(); err != nil {
		return health.NewTypedError(health.CGroup, err)
	}
	if err := p.Freeze(); err != nil {
		return health.NewTypedError(health.CGroup, err)
	}

	return nil
}

// runPeriodicPhase unfreezes the periodic process cgroup and polls until
// it freezes itself (PeriodicWait), a transition arrives, or the window
// elapses. Returns done=true if a transition to Idle ended the window
// early.
func (d *Dispatcher) runPeriodicPhase(p *partition.Partition, deadline time.Time) (bool, error) {
	if err := p.PeriodicCGroup().Unfreeze(); err != nil {
		return false, health.NewTypedError(health.CGroup, err)
	}
	pl, err := poller.New(p.PeriodicCGroup(), p.Receiver())
	if err != nil {
		return false, health.NewTypedError(health.CGroup, err)
	}
	defer pl.Close()

	if err := p.Unfreeze(); err != nil {
		return false, health.NewTypedError(health.CGroup, err)
	}

	for time.Now().Before(deadline) {
		result, err := pl.Poll(time.Until(deadline))
		if err != nil {
			return false, health.NewTypedError(health.Panic, err)
		}
		switch result.Kind {
		case poller.KindTimeout:
			return false, health.NewTypedError(health.TimeDurationExceeded, errPeriodicOverrun)
		case poller.KindPeriodicFrozen:
			if err := p.AperiodicCGroup().Unfreeze(); err != nil {
				return false, health.NewTypedError(health.CGroup, err)
			}
			return false, nil
		case poller.KindCall:
			done, err := d.handleEvent(p, result.Event, deadline)
			if err != nil || done {
				return done, err
			}
		}
	}
	return false, nil
}

// runPostPeriodicPhase unfreezes the aperiodic process and processes IPC
// events until the window elapses.
func (d *Dispatcher) runPostPeriodicPhase(p *partition.Partition, deadline time.Time) error {
	if p.Mode() == partition.ModeIdle {
		time.Sleep(time.Until(deadline))
		return nil
	}

	if err := p.Unfreeze(); err != nil {
		return health.NewTypedError(health.CGroup, err)
	}

	for time.Now().Before(deadline) {
		ev, ok, err := p.Receiver().TryRecvTimeout(time.Until(deadline))
		if err != nil {
			return health.NewTypedError(health.Panic, err)
		}
		if !ok {
			continue
		}
		done, err := d.handleEvent(p, ev, deadline)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// handleEvent applies one IPC event's effect: logging for Message, a
// typed error for health monitoring for Error, or the partition runtime's
// mode-transition rules for Transition. Returns done=true when the window
// should end early (a reported Error or a transition to Idle).
func (d *Dispatcher) handleEvent(p *partition.Partition, ev ipc.Event, deadline time.Time) (bool, error) {
	logger := log.WithPartition(p.Name())

	switch ev.Kind {
	case ipc.KindMessage:
		logger.Info().Int("level", ev.LogLevel).Msg(ev.Text)
		return false, nil
	case ipc.KindError:
		kind, perr := health.ParseErrorKind(ev.ErrorKind)
		if perr != nil {
			kind = health.Panic
		}
		logger.Error().Str("kind", ev.ErrorKind).Str("text", ev.Text).Msg("partition reported error")
		return true, health.NewTypedError(kind, fmt.Errorf("partition reported %s: %s", ev.ErrorKind, ev.Text))
	case ipc.KindTransition:
		target, err := parseMode(ev.TargetMode)
		if err != nil {
			return false, health.NewTypedError(health.PartitionInit, err)
		}
		outcome, err := p.RequestTransition(target)
		if err != nil {
			// InvalidMode is rejected silently; the partition's request
			// simply has no effect.
			return false, nil
		}
		switch outcome {
		case partition.OutcomeIdle:
			time.Sleep(time.Until(deadline))
			return true, nil
		case partition.OutcomeRespawn:
			if err := p.Spawn(target.String(), d.ports[p.Name()]); err != nil {
				return false, err
			}
			return false, nil
		default:
			return false, nil
		}
	}
	return false, nil
}

func parseMode(s string) (partition.Mode, error) {
	switch s {
	case "cold_start":
		return partition.ModeColdStart, nil
	case "warm_start":
		return partition.ModeWarmStart, nil
	case "normal":
		return partition.ModeNormal, nil
	case "idle":
		return partition.ModeIdle, nil
	default:
		return 0, fmt.Errorf("scheduler: unknown target mode %q", s)
	}
}
