package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataforeman/connectivity/internal/app/config"
	"github.com/dataforeman/connectivity/internal/app/gateway"
	"github.com/dataforeman/connectivity/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "df-connectivity",
	Short: "DataForeman connectivity gateway",
	Long: `df-connectivity bridges PLCs and OPC UA servers to the DataForeman
message bus: it polls subscribed tags, publishes telemetry and status,
and answers discovery, browse and tag enumeration requests.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("df-connectivity %s (%s)\n", Version, Commit))

	runCmd.Flags().String("config", "", "Path to an optional YAML configuration file")
	validateCmd.Flags().String("config", "", "Path to the YAML configuration file to validate")
	statsCmd.Flags().String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the gateway. Settings come from the optional --config file
overlaid by the environment (NATS_URL, PGHOST, LOG_LEVEL, ...).

SIGINT and SIGTERM shut down gracefully; SIGHUP reopens LOG_FILE.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			File:       cfg.Log.File,
		}); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}

		ctx, stop := gateway.NotifyContext(context.Background())
		defer stop()

		g, err := gateway.New(ctx, cfg)
		if err != nil {
			return err
		}
		return g.Run(ctx)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate configuration without starting the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("config ok: service=%s listen=%s nats=%s reconcile=%s historian=%t\n",
			cfg.ServiceID, cfg.ListenAddr(), cfg.NATS.URL, cfg.EffectiveReconcileInterval(), cfg.Historian.Enabled())
		return nil
	},
}
