package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/coreinit/pkg/manager"
	"github.com/cuemby/coreinit/pkg/metrics"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coreinit",
	Short:   "coreinit is a single-host unit supervision manager",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coreinit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reexecCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	ulog.Init(ulog.Config{
		Level:      ulog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// noopLoader satisfies graph.Loader for a bare "coreinit run" with no
// unit directory wired up yet; every unit name resolves NotFound until a
// real directory-scanning collaborator replaces it.
type noopLoader struct{}

func (noopLoader) Load(name string) (*types.UnitConfig, error) {
	return nil, &types.LoadErr{Unit: name, Kind: types.LoadErrNotFound}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the manager and block until interrupted",
	Long: `Start the manager: open durable storage, restore state (from a
re-exec memfd if present, otherwise from disk), and run the event loop
until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		cgroupRoot, _ := cmd.Flags().GetString("cgroup-root")
		nodeID, _ := cmd.Flags().GetString("node-id")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		binaryPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own binary path: %w", err)
		}

		mgr, err := manager.New(manager.Config{
			DataDir:    dataDir,
			CgroupRoot: cgroupRoot,
			NodeID:     nodeID,
			BinaryPath: binaryPath,
			Loader:     noopLoader{},
		})
		if err != nil {
			return fmt.Errorf("start manager: %w", err)
		}

		metrics.SetVersion(Version)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil && err != http.ErrServerClosed {
				ulog.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		ulog.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		go mgr.Run()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		ulog.Logger.Info().Msg("shutting down")
		mgr.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().String("data-dir", "/var/lib/coreinit", "Durable storage directory")
	runCmd.Flags().String("cgroup-root", "/sys/fs/cgroup/coreinit", "Root cgroup v2 path this manager owns")
	runCmd.Flags().String("node-id", "coreinit-local", "Identifier for this manager's re-exec raft group")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP endpoints")
}

var reexecCmd = &cobra.Command{
	Use:   "reexec",
	Short: "Placeholder that refuses to run; re-exec goes through the manager's IPC surface",
	Long: `reexec is a hidden placeholder: the manager performs its own
re-exec in response to an operator action on its own IPC surface
(Manager.Reexecute), not by shelling out to this subcommand. Invoking it
only returns an error saying so.`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("reexec must be triggered through the manager's own IPC surface, not invoked directly")
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coreinit version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
