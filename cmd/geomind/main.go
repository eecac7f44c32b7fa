// Command geomind executes geoprocessing instructions against the configured
// backend and hands the resulting artifacts off for persistence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/geomind/core"
	_ "github.com/itsneelabh/geomind/plugins/synthetic"
	"github.com/itsneelabh/geomind/telemetry"
)

var (
	// Global flags
	configFile string
	backendURL string
	plugin     string
	outputDir  string
	verbose    bool
	timeout    time.Duration

	cfg      *core.Config
	logger   core.Logger
	shutdown telemetry.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "geomind",
	Short: "Instruction execution engine for conversational geoprocessing",
	Long: `geomind validates geoprocessing instructions, dispatches each action to
the configured raster backend, reassembles tiled output into one GeoTIFF
and hands every artifact off to the configured sinks (PostGIS, Redis).

Exactly one backend is active: the remote HTTP service (--backend-url) or a
registered in-process plugin (--plugin synthetic).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var opts []core.Option
		if configFile != "" {
			opts = append(opts, core.WithConfigFile(configFile))
		}
		if backendURL != "" {
			opts = append(opts, core.WithBackendURL(backendURL))
		}
		if plugin != "" {
			opts = append(opts, core.WithInProcessPlugin(plugin))
		}
		if outputDir != "" {
			opts = append(opts, core.WithOutputDir(outputDir))
		}
		if verbose {
			opts = append(opts, core.WithLogLevel("debug"))
		}

		var err error
		cfg, err = core.NewConfig(opts...)
		if err != nil {
			return err
		}
		zl, err := core.NewZapLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = zl

		shutdown, err = telemetry.Setup(cmd.Context(), cfg.Telemetry, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if shutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}
		if zl, ok := logger.(*core.ZapLogger); ok {
			_ = zl.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "remote backend base URL")
	rootCmd.PersistentFlags().StringVar(&plugin, "plugin", "", "in-process backend plugin name")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "directory for materialized artifacts")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "overall deadline (0 = none)")

	rootCmd.AddCommand(runCmd, validateCmd, sessionCmd, nameCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// commandContext applies --timeout to the command's context.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
