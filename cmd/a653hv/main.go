// Command a653hv is the hypervisor module binary: it loads a YAML
// configuration, computes the major-frame schedule, spawns every
// configured partition, and drives the dispatch loop until the
// configured module lifetime elapses or a health action demands
// shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/a653hv/internal/partition"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// A cloned partition child re-execs this same binary to run its
	// mount/pivot_root setup before exec'ing the partition image (see
	// partition.ReexecSentinel). This must be checked before any cobra
	// parsing, logging init, or anything else that assumes a normal
	// invocation, since the clone(2) flags in partition.Spawn placed this
	// process into fresh namespaces expecting exactly this code path next.
	if len(os.Args) > 1 && os.Args[1] == partition.ReexecSentinel {
		if len(os.Args) != 5 {
			fmt.Fprintln(os.Stderr, "a653hv: internal re-exec requires workdir, image path, name")
			os.Exit(1)
		}
		if err := partition.ContainerInit(os.Args[2], os.Args[3], os.Args[4]); err != nil {
			fmt.Fprintf(os.Stderr, "a653hv: container init failed: %v\n", err)
			os.Exit(1)
		}
		// ContainerInit ends in syscall.Exec; reaching here means it failed
		// silently, which should not happen.
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "a653hv",
	Short:   "a653hv - a user-space ARINC 653 partitioning hypervisor",
	Long:    `a653hv runs a fixed set of partitions under a static major-frame schedule, each spatially isolated by Linux namespaces and cgroups and temporally isolated by cooperative freeze/unfreeze.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"a653hv version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
