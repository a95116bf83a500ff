package main

import (
	"fmt"
	"net/http"

	"github.com/cuemby/a653hv/internal/cgroup"
	"github.com/cuemby/a653hv/internal/constants"
	"github.com/cuemby/a653hv/internal/health"
	"github.com/cuemby/a653hv/internal/partition"
	"github.com/cuemby/a653hv/internal/queuing"
	"github.com/cuemby/a653hv/internal/sampling"
	"github.com/cuemby/a653hv/internal/scheduler"
	"github.com/cuemby/a653hv/pkg/api"
	"github.com/cuemby/a653hv/pkg/config"
	"github.com/cuemby/a653hv/pkg/events"
	"github.com/cuemby/a653hv/pkg/log"
	"github.com/cuemby/a653hv/pkg/metrics"
	"github.com/spf13/cobra"
)

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run <config-file>",
	Short: "Run a hypervisor module from a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cgroupOverride, _ := cmd.Flags().GetString("cgroup")
		durationFlag, _ := cmd.Flags().GetDuration("duration")
		listenSocket, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		if cgroupOverride != "" {
			cfg.CgroupRoot = cgroupOverride
		}

		module, err := buildModule(cfg)
		if err != nil {
			return err
		}
		defer module.cleanup()

		metrics.SetVersion(Version)

		if listenSocket != "" {
			srv, err := api.NewServer(module.dispatcher, module.broker)
			if err != nil {
				return err
			}
			if err := srv.Listen(listenSocket); err != nil {
				return err
			}
			defer srv.Stop()
			go func() {
				if err := srv.Serve(); err != nil {
					metrics.UpdateComponent("api", false, err.Error())
					log.WithComponent("api").Error().Err(err).Msg("introspection server stopped")
				}
			}()
			metrics.RegisterComponent("api", true, "introspection server listening on "+listenSocket)
		}

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer httpSrv.Close()
		}

		return module.dispatcher.Run(durationFlag)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Parse a configuration file and validate its computed schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		sched, err := scheduler.Build(cfg.MajorFrame.AsDuration(), cfg.Timings())
		if err != nil {
			return err
		}
		if _, err := cfg.Ports(); err != nil {
			return err
		}
		fmt.Printf("OK: %d partitions, %d windows per %s major frame\n",
			len(cfg.Partitions), len(sched.Windows), cfg.MajorFrame.AsDuration())
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("cgroup", "g", "", "Override the configured cgroup mount point")
	runCmd.Flags().DurationP("duration", "d", 0, "Module lifetime; 0 runs indefinitely")
	runCmd.Flags().String("listen", "", "UNIX socket path for the read-only introspection gRPC service; empty disables it")
	runCmd.Flags().String("metrics-addr", "", "HTTP address for /metrics, /health, /ready, /live; empty disables it")
}

// module bundles every resource buildModule constructs, so run's RunE can
// tear it all down in one deferred call regardless of how Run returns.
type module struct {
	dispatcher *scheduler.Dispatcher
	partitions map[string]*partition.Partition
	startTime  interface{ Close() error }
	broker     *events.Broker
	collector  *metrics.Collector
}

func (m *module) cleanup() {
	metrics.UpdateComponent("scheduler", false, "module shutting down")
	for _, p := range m.partitions {
		_ = p.Cleanup()
	}
	if m.startTime != nil {
		_ = m.startTime.Close()
	}
	if m.collector != nil {
		m.collector.Stop()
	}
	if m.broker != nil {
		m.broker.Stop()
	}
}

// buildModule wires a loaded config into a running Dispatcher: the
// module-root cgroup, every partition's cgroups and constants, every
// configured channel's shared memory, and the computed schedule.
// Order matters: cgroup, then start time, then the computed schedule,
// then every partition, then every channel, all before any partition
// is spawned.
func buildModule(cfg *config.Config) (*module, error) {
	logger := log.WithComponent("init")

	root, err := cgroup.New(cfg.CgroupRoot, "")
	if err != nil {
		return nil, health.NewTypedError(health.Config, err)
	}

	startTime, err := partition.CreateStartTimeCell()
	if err != nil {
		return nil, health.NewTypedError(health.Config, err)
	}

	sched, err := scheduler.Build(cfg.MajorFrame.AsDuration(), cfg.Timings())
	if err != nil {
		startTime.Close()
		return nil, health.NewTypedError(health.ModuleConfig, err)
	}

	partitions := make(map[string]*partition.Partition, len(cfg.Partitions))
	for _, pc := range cfg.Partitions {
		hmTable, err := pc.HMTable.Resolve()
		if err != nil {
			startTime.Close()
			return nil, health.NewTypedError(health.PartitionConfig, err)
		}

		partRoot, err := cgroup.New(root.Path(), pc.Name)
		if err != nil {
			startTime.Close()
			return nil, health.NewTypedError(health.CGroup, err)
		}

		startTimeFD, err := startTime.DuplicateFD()
		if err != nil {
			startTime.Close()
			return nil, health.NewTypedError(health.Config, err)
		}

		p, err := partition.New(partRoot, partition.Config{
			Name:         pc.Name,
			ID:           pc.ID,
			Period:       pc.Period.AsDuration(),
			Duration:     pc.Duration.AsDuration(),
			Offset:       pc.Offset.AsDuration(),
			ImagePath:    pc.Image,
			DeviceMounts: pc.Devices,
			BindMounts:   pc.Mounts,
			HMTable:      hmTable,
		}, startTimeFD)
		if err != nil {
			startTime.Close()
			return nil, err
		}
		partitions[pc.Name] = p
		logger.Info().Str("partition", pc.Name).Msg("partition runtime constructed")
	}

	broker := events.NewBroker()
	broker.Start()

	channels, ports, err := buildChannels(cfg, broker)
	if err != nil {
		startTime.Close()
		broker.Stop()
		return nil, err
	}

	moduleRun, err := cfg.HMRunTable.ResolveRun()
	if err != nil {
		startTime.Close()
		broker.Stop()
		return nil, err
	}

	dispatcher := scheduler.New(sched, partitions, ports, channels, moduleRun).WithEvents(broker)
	metrics.RegisterComponent("scheduler", true, "dispatcher constructed")

	collector := metrics.NewCollector(broker)
	collector.Start()

	return &module{dispatcher: dispatcher, partitions: partitions, startTime: startTime, broker: broker, collector: collector}, nil
}

// buildChannels constructs the shared-memory sampling/queuing ports a
// configured channel list describes, wraps them as scheduler.Channel
// instances the dispatcher swaps between major frames, and returns the
// per-partition port descriptor list each side's constants record
// advertises at spawn time. A descriptor's FD names a duplicate of the
// same memfd backing the hypervisor's own Source/Destination handle;
// Partition.Spawn consumes it and fixes the child-side descriptor
// number before publishing the constants record.
func buildChannels(cfg *config.Config, broker *events.Broker) ([]scheduler.Channel, scheduler.PartitionPorts, error) {
	var channels []scheduler.Channel
	ports := make(scheduler.PartitionPorts)

	for _, ch := range cfg.Channels {
		switch ch.Kind {
		case "sampling":
			source, err := sampling.CreateSource(ch.Name, int(ch.MsgSize))
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			sourceFD, err := source.DuplicateFD()
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			ports[ch.Source.Partition] = append(ports[ch.Source.Partition], constants.PortDescriptor{
				Name: ch.Source.Port, Kind: constants.PortSampling,
				Direction: constants.DirectionSource, MsgSize: int(ch.MsgSize), FD: sourceFD,
			})

			sc := &scheduler.SamplingChannel{Source: source}
			for _, d := range ch.Destinations {
				dst, err := sampling.CreateDestination(ch.Name, int(ch.MsgSize))
				if err != nil {
					return nil, nil, health.NewTypedError(health.ModuleConfig, err)
				}
				dstFD, err := dst.DuplicateFD()
				if err != nil {
					return nil, nil, health.NewTypedError(health.ModuleConfig, err)
				}
				ports[d.Partition] = append(ports[d.Partition], constants.PortDescriptor{
					Name: d.Port, Kind: constants.PortSampling,
					Direction: constants.DirectionDestination, MsgSize: int(ch.MsgSize),
					RefreshPeriod: d.RefreshPeriod.AsDuration(), FD: dstFD,
				})
				sc.Destinations = append(sc.Destinations, dst)
			}
			channels = append(channels, sc)
		case "queuing":
			source, err := queuing.CreateSource(ch.Name, int(ch.MsgSize), ch.Capacity)
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			sourceFD, err := source.DuplicateFD()
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			ports[ch.Source.Partition] = append(ports[ch.Source.Partition], constants.PortDescriptor{
				Name: ch.Source.Port, Kind: constants.PortQueuing,
				Direction: constants.DirectionSource, MsgSize: int(ch.MsgSize), Capacity: ch.Capacity, FD: sourceFD,
			})

			dst, err := queuing.CreateDestination(ch.Name, int(ch.MsgSize), ch.Capacity)
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			dstFD, err := dst.DuplicateFD()
			if err != nil {
				return nil, nil, health.NewTypedError(health.ModuleConfig, err)
			}
			ports[ch.Destination.Partition] = append(ports[ch.Destination.Partition], constants.PortDescriptor{
				Name: ch.Destination.Port, Kind: constants.PortQueuing,
				Direction: constants.DirectionDestination, MsgSize: int(ch.MsgSize), Capacity: ch.Capacity, FD: dstFD,
			})

			channels = append(channels, &scheduler.QueuingChannel{Name: ch.Name, Source: source, Destinations: []*queuing.Destination{dst}, Events: broker})
		default:
			return nil, nil, health.NewTypedError(health.ModuleConfig, fmt.Errorf("channel %q: unknown kind %q", ch.Name, ch.Kind))
		}
	}
	return channels, ports, nil
}
