// Package config loads a hypervisor module's YAML configuration file:
// the major frame, the cgroup mount point, the partition list, the
// inter-partition channel list, and the two module-scope health-monitor
// tables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/scheduler"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v3"
)

// Duration parses the same strings time.ParseDuration accepts ("1s",
// "500ms"); Go's duration grammar is already the ambient format the rest
// of the module uses, so no extra dependency is needed here.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ByteSize parses go-bytesize strings ("32B", "4KiB").
type ByteSize int

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := bytesize.Parse(value.Value)
	if err != nil {
		return fmt.Errorf("config: parse byte size %q: %w", value.Value, err)
	}
	*b = ByteSize(parsed)
	return nil
}

// PortRef names one endpoint of a channel: the partition and port name
// it binds to.
type PortRef struct {
	Partition string `yaml:"partition"`
	Port      string `yaml:"port"`
	// RefreshPeriod applies only to a sampling channel's destination
	// entries and is published in that port's descriptor. pkg/apex's
	// ReadSamplingMessage does not consult it: it checks freshness
	// against the period its caller passes.
	RefreshPeriod Duration `yaml:"refresh_period,omitempty"`
}

// HMTable is the YAML shape of a partition's health-monitor table
// overrides; an absent field keeps the built-in default.
type HMTable struct {
	PartitionInit        string `yaml:"partition_init,omitempty"`
	Segmentation         string `yaml:"segmentation,omitempty"`
	TimeDurationExceeded string `yaml:"time_duration_exceeded,omitempty"`
	ApplicationError     string `yaml:"application_error,omitempty"`
	Panic                string `yaml:"panic,omitempty"`
	FloatingPoint        string `yaml:"floating_point,omitempty"`
	CGroup               string `yaml:"cgroup,omitempty"`
}

// Resolve merges overrides onto the default PartitionHMTable.
func (h HMTable) Resolve() (health.PartitionHMTable, error) {
	table := health.DefaultPartitionHMTable()
	overrides := map[string]*health.RecoveryAction{
		h.PartitionInit:        &table.PartitionInit,
		h.Segmentation:         &table.Segmentation,
		h.TimeDurationExceeded: &table.TimeDurationExceeded,
		h.ApplicationError:     &table.ApplicationError,
		h.Panic:                &table.Panic,
		h.FloatingPoint:        &table.FloatingPoint,
		h.CGroup:               &table.CGroup,
	}
	for raw, slot := range overrides {
		if raw == "" {
			continue
		}
		action, err := parseRecoveryAction(raw)
		if err != nil {
			return table, err
		}
		*slot = action
	}
	return table, nil
}

func parseRecoveryAction(s string) (health.RecoveryAction, error) {
	switch s {
	case "module_ignore":
		return health.Module(health.ModuleIgnore), nil
	case "module_shutdown":
		return health.Module(health.ModuleShutdown), nil
	case "module_reset":
		return health.Module(health.ModuleReset), nil
	case "partition_idle":
		return health.Partition(health.PartitionIdle), nil
	case "partition_cold_start":
		return health.Partition(health.PartitionColdStart), nil
	case "partition_warm_start":
		return health.Partition(health.PartitionWarmStart), nil
	default:
		return health.RecoveryAction{}, fmt.Errorf("config: unknown recovery action %q", s)
	}
}

// ModuleHMTable is the YAML shape of a module-scope health-monitor table
// (hm_init_table/hm_run_table): every entry is a bare ModuleAction name,
// since module scope has no partition-level recovery actions to choose
// from.
type ModuleHMTable struct {
	Config          string `yaml:"config,omitempty"`
	ModuleConfig    string `yaml:"module_config,omitempty"`
	PartitionConfig string `yaml:"partition_config,omitempty"`
	PartitionInit   string `yaml:"partition_init,omitempty"`
	Panic           string `yaml:"panic,omitempty"`
}

func parseModuleAction(s string) (health.ModuleAction, error) {
	switch s {
	case "ignore":
		return health.ModuleIgnore, nil
	case "shutdown":
		return health.ModuleShutdown, nil
	case "reset":
		return health.ModuleReset, nil
	default:
		return 0, fmt.Errorf("config: unknown module action %q", s)
	}
}

// ResolveInit merges overrides onto the default ModuleInitHMTable.
func (h ModuleHMTable) ResolveInit() (health.ModuleInitHMTable, error) {
	table := health.DefaultModuleInitHMTable()
	overrides := map[string]*health.ModuleAction{
		h.Config:          &table.Config,
		h.ModuleConfig:    &table.ModuleConfig,
		h.PartitionConfig: &table.PartitionConfig,
		h.PartitionInit:   &table.PartitionInit,
		h.Panic:           &table.Panic,
	}
	for raw, slot := range overrides {
		if raw == "" {
			continue
		}
		action, err := parseModuleAction(raw)
		if err != nil {
			return table, err
		}
		*slot = action
	}
	return table, nil
}

// ResolveRun merges overrides onto the default ModuleRunHMTable.
func (h ModuleHMTable) ResolveRun() (health.ModuleRunHMTable, error) {
	table := health.DefaultModuleRunHMTable()
	overrides := map[string]*health.ModuleAction{
		h.PartitionInit: &table.PartitionInit,
		h.Panic:         &table.Panic,
	}
	for raw, slot := range overrides {
		if raw == "" {
			continue
		}
		action, err := parseModuleAction(raw)
		if err != nil {
			return table, err
		}
		*slot = action
	}
	return table, nil
}

// PartitionConfig is one partition's YAML declaration.
type PartitionConfig struct {
	ID       int32    `yaml:"id"`
	Name     string   `yaml:"name"`
	Period   Duration `yaml:"period"`
	Offset   Duration `yaml:"offset"`
	Duration Duration `yaml:"duration"`
	Image    string   `yaml:"image"`
	Devices  []string `yaml:"devices,omitempty"`
	Mounts   []string `yaml:"mounts,omitempty"`
	HMTable  HMTable  `yaml:"hm_table,omitempty"`
}

// ChannelConfig is one inter-partition channel's YAML declaration.
// Kind is either "sampling" (one source, many destinations) or
// "queuing" (one source, one destination); Capacity only applies to
// queuing channels.
type ChannelConfig struct {
	Kind         string    `yaml:"kind"`
	Name         string    `yaml:"name"`
	MsgSize      ByteSize  `yaml:"msg_size"`
	Capacity     int       `yaml:"capacity,omitempty"`
	Source       PortRef   `yaml:"source"`
	Destination  PortRef   `yaml:"destination,omitempty"`
	Destinations []PortRef `yaml:"destinations,omitempty"`
}

// Config is a module's complete parsed configuration.
type Config struct {
	MajorFrame  Duration          `yaml:"major_frame"`
	CgroupRoot  string            `yaml:"cgroup"`
	Partitions  []PartitionConfig `yaml:"partitions"`
	Channels    []ChannelConfig   `yaml:"channel"`
	HMInitTable ModuleHMTable     `yaml:"hm_init_table,omitempty"`
	HMRunTable  ModuleHMTable     `yaml:"hm_run_table,omitempty"`
}

// Load reads and parses a module configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.CgroupRoot == "" {
		cfg.CgroupRoot = "/a653hv"
	}
	return &cfg, nil
}

// Timings projects every partition's scheduling-relevant fields into the
// shape scheduler.Build expects.
func (c *Config) Timings() []scheduler.PartitionTiming {
	timings := make([]scheduler.PartitionTiming, len(c.Partitions))
	for i, p := range c.Partitions {
		timings[i] = scheduler.PartitionTiming{
			Name:     p.Name,
			Period:   p.Period.AsDuration(),
			Offset:   p.Offset.AsDuration(),
			Duration: p.Duration.AsDuration(),
		}
	}
	return timings
}

// Ports builds the declared port list for each partition from the
// channel section, the shape a partition's constants record advertises
// at spawn time.
func (c *Config) Ports() (scheduler.PartitionPorts, error) {
	ports := make(scheduler.PartitionPorts)
	for _, ch := range c.Channels {
		switch ch.Kind {
		case "sampling":
			ports[ch.Source.Partition] = append(ports[ch.Source.Partition], constants.PortDescriptor{
				Name: ch.Source.Port, Kind: constants.PortSampling,
				Direction: constants.DirectionSource, MsgSize: int(ch.MsgSize),
			})
			for _, dst := range ch.Destinations {
				ports[dst.Partition] = append(ports[dst.Partition], constants.PortDescriptor{
					Name: dst.Port, Kind: constants.PortSampling,
					Direction: constants.DirectionDestination, MsgSize: int(ch.MsgSize),
					RefreshPeriod: dst.RefreshPeriod.AsDuration(),
				})
			}
		case "queuing":
			ports[ch.Source.Partition] = append(ports[ch.Source.Partition], constants.PortDescriptor{
				Name: ch.Source.Port, Kind: constants.PortQueuing,
				Direction: constants.DirectionSource, MsgSize: int(ch.MsgSize), Capacity: ch.Capacity,
			})
			ports[ch.Destination.Partition] = append(ports[ch.Destination.Partition], constants.PortDescriptor{
				Name: ch.Destination.Port, Kind: constants.PortQueuing,
				Direction: constants.DirectionDestination, MsgSize: int(ch.MsgSize), Capacity: ch.Capacity,
			})
		default:
			return nil, fmt.Errorf("config: channel %q has unknown kind %q", ch.Name, ch.Kind)
		}
	}
	return ports, nil
}
