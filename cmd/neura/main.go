// Neura daemon - runs the context event pipeline behind a local API
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neura/neura/internal/config"
	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/telemetry"
)

var (
	configPath string
	dataDir    string
	debug      bool

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "neura",
		Short: "Neura - context event daemon",
		Long: `Neura samples device context (location, foreground app, sensors and
the wake phrase), throttles it, sends what matters to the backend and
pushes the replies to presentation clients over WebSocket.

The host shell feeds platform readings through the local API.`,
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.neura)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(initConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if dataDir != "" {
		// Load resolves the default file location from the environment.
		os.Setenv(config.EnvPrefix+"DATA_DIR", dataDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if debug {
		level = logging.DEBUG
	}
	logging.SetLevel(level)
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logging.Component("neura")
	log.Info("Starting Neura %s (data dir %s)", version, cfg.DataDir)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	d, err := newDaemon(cfg)
	if err != nil {
		shutdownTracer(context.Background())
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	if err := d.start(ctx, serverErr); err != nil {
		d.close()
		shutdownTracer(context.Background())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received %s, shutting down", sig)
	case err = <-serverErr:
		log.Error("API server failed: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	d.stop(stopCtx)
	cancel()
	d.close()
	if terr := shutdownTracer(stopCtx); terr != nil {
		log.Warn("Tracer shutdown: %v", terr)
	}

	log.Info("Goodbye")
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("neura %s\n", version)
		},
	}
}

func initConfigCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the effective configuration to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			path := configPath
			if path == "" {
				path = config.DefaultPath(cfg.DataDir)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
