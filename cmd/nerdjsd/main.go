package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerdjs/sandboxd/internal/config"
	"github.com/nerdjs/sandboxd/internal/daemon"
	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/logging"
	"github.com/nerdjs/sandboxd/internal/metrics"
	"github.com/nerdjs/sandboxd/internal/observability"
	"github.com/spf13/cobra"
)

var buildVersion = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nerdjsd",
		Short: "nerdjsd - sandboxed JavaScript execution daemon",
		Long:  "A daemon that evaluates JavaScript in isolated v8 contexts over a Unix-socket bridge protocol",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional, flags override)")

	rootCmd.AddCommand(
		serveCmd(),
		statsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		socketPath  string
		maxIsolates int
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon, accepting bridge connections on a Unix socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("socket") {
				cfg.Daemon.SocketPath = socketPath
			}
			if cmd.Flags().Changed("max-isolates") {
				cfg.Runtime.MaxIsolates = maxIsolates
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			d := daemon.New(daemon.Config{
				SocketPath:  cfg.Daemon.SocketPath,
				MaxIsolates: cfg.Runtime.MaxIsolates,
			}, engine.NewV8Engine())

			logging.Op().Info("nerdjsd starting",
				"socket", cfg.Daemon.SocketPath,
				"max_isolates", cfg.Runtime.MaxIsolates,
				"log_level", cfg.Daemon.LogLevel)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			serveErr := make(chan error, 1)
			go func() { serveErr <- d.Serve(ctx) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-sigCh:
				logging.Op().Info("shutdown signal received")
			case err := <-serveErr:
				if err != nil {
					logging.Op().Error("daemon stopped unexpectedly", "error", err)
					return err
				}
				return nil
			}

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			d.Shutdown(shutdownCtx)

			<-serveErr
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default from config, or /run/sandboxd/sandboxd.sock)")
	cmd.Flags().IntVar(&maxIsolates, "max-isolates", 0, "registry LRU bound")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query the running daemon's getStats payload over its Unix socket",
		Long:  "Connects to the daemon's socket as a bridge client, issues a getStats call, and prints the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return queryStats(cfg.Daemon.SocketPath)
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the nerdjsd build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("nerdjsd " + buildVersion)
			return nil
		},
	}
}
