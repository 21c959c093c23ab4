package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/config"
	"github.com/tapscribe/tapscribe/internal/daemon"
	"github.com/tapscribe/tapscribe/internal/health"
	"github.com/tapscribe/tapscribe/internal/logger"
	"github.com/tapscribe/tapscribe/internal/store"
)

var (
	backgroundFlag      bool
	backgroundChildFlag bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the tapscribe capture daemon",
	Long: `Manage the tapscribe capture daemon.

The daemon runs the capture-and-respond pipeline and exposes health,
conversation, recovery, and session-control endpoints over HTTP.

Enable the daemon in your config:
  settings:
    daemon:
      enabled: true
      port: 8762

Commands:
  start  - Start the daemon (foreground or background)
  stop   - Stop the running daemon
  status - Check if the daemon is running`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the capture daemon",
	Long: `Start the tapscribe capture daemon.

By default, runs in the foreground. Use --background to run as a background process.

Example:
  tapscribe daemon start              # Run in foreground
  tapscribe daemon start --background # Run in background`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  runDaemonStatus,
}

func init() {
	daemonStartCmd.Flags().BoolVarP(&backgroundFlag, "background", "b", false, "Run daemon in background")
	daemonStartCmd.Flags().BoolVar(&backgroundChildFlag, "background-child", false, "Internal flag for background process")
	_ = daemonStartCmd.Flags().MarkHidden("background-child")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// loadDaemonConfig loads daemon configuration: global config only, so
// project-specific settings never leak into the shared daemon.
func loadDaemonConfig() *config.Config {
	loader, err := config.NewLoader("")
	if err != nil {
		return config.DefaultConfig()
	}

	var cfg *config.Config
	if configFile != "" {
		cfg, err = loader.LoadFromFile(configFile)
	} else {
		cfg, err = loader.LoadGlobalOnly()
	}
	if err != nil {
		return config.DefaultConfig()
	}
	return cfg
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg := loadDaemonConfig()

	if verbose {
		_ = logger.Init("debug", cfg.Settings.LogFile)
	} else {
		_ = logger.Init(cfg.Settings.LogLevel, cfg.Settings.LogFile)
	}

	lifecycle := daemon.NewLifecycle(cfg.Settings.Daemon)

	// If --background flag is set, start in background and exit
	if backgroundFlag && !backgroundChildFlag {
		if lifecycle.IsRunning() {
			fmt.Println("Daemon is already running")
			return nil
		}

		if err := lifecycle.StartInBackground(); err != nil {
			return fmt.Errorf("failed to start daemon in background: %w", err)
		}

		fmt.Printf("Daemon started on http://127.0.0.1:%d\n", lifecycle.Port())
		return nil
	}

	if !backgroundChildFlag && lifecycle.IsRunning() {
		return fmt.Errorf("daemon is already running (PID file: %s)", lifecycle.PIDFile())
	}

	agg := health.New(5 * time.Minute)

	recoveryWindow := time.Duration(cfg.Store.RecoveryWindowHours) * time.Hour
	st, storeErr := store.NewSQLiteStore(cfg.Store.DBPath, recoveryWindow, agg)
	if storeErr != nil {
		logger.Warn().Err(storeErr).Msg("Failed to initialize conversation store, running without persistence")
	}
	if st != nil {
		if err := st.RecoverInterrupted(); err != nil {
			logger.Warn().Err(err).Msg("Failed to reclassify interrupted conversations")
		}
	}

	broadcaster := daemon.NewSSEBroadcaster()

	var persister capture.Persister
	if st != nil {
		persister = st
	}
	manager := capture.NewManager(cfg, agg, persister, broadcaster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)

	server := daemon.NewServer(cfg, manager, agg, st, broadcaster, Version)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if !backgroundChildFlag {
		fmt.Printf("Pipeline API running at http://127.0.0.1:%d\n", server.Port())
		fmt.Println("Press Ctrl+C to stop")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Graceful shutdown: drain pipeline flushes before closing the store.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	manager.Stop()
	agg.Shutdown()

	if st != nil {
		_ = st.Close()
	}

	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg := loadDaemonConfig()
	lifecycle := daemon.NewLifecycle(cfg.Settings.Daemon)

	if !lifecycle.IsRunning() {
		fmt.Println("Daemon is not running")
		return nil
	}

	pid, _ := lifecycle.GetPID()
	if err := lifecycle.Stop(); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	fmt.Printf("Daemon stopped (was PID %d)\n", pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg := loadDaemonConfig()
	lifecycle := daemon.NewLifecycle(cfg.Settings.Daemon)

	if lifecycle.IsRunning() {
		pid, _ := lifecycle.GetPID()
		fmt.Printf("Daemon is running (PID %d, port %d)\n", pid, lifecycle.Port())
		return nil
	}

	fmt.Println("Daemon is not running")
	return nil
}
