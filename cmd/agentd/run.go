package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agentd/internal/config"
	"agentd/internal/daemon"
	"agentd/internal/events"
	"agentd/internal/health"
	"agentd/internal/ipc"
	"agentd/internal/store"
	"agentd/internal/supervisor"
)

// defaultPIDPath is where the daemon records its identity for control
// clients and staleness checks.
func defaultPIDPath() string {
	return filepath.Join(xdg.StateHome, "agentd", "agentd.pid")
}

func defaultDBPath() string {
	return filepath.Join(xdg.DataHome, "agentd", "agentd.db")
}

func defaultDebugLogPath() string {
	return filepath.Join(xdg.StateHome, "agentd", "debug.log")
}

func newRunCmd() *cobra.Command {
	var (
		dbPath     string
		pidPath    string
		port       int
		projectDir string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), dbPath, pidPath, port, projectDir)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "SQLite database path")
	cmd.Flags().StringVar(&pidPath, "pid-file", defaultPIDPath(), "PID file path")
	cmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on (0 uses config)")
	cmd.Flags().StringVar(&projectDir, "project-dir", "", "Project working directory for agents (default: cwd)")

	return cmd
}

func runDaemon(parent context.Context, dbPath, pidPath string, port int, projectDir string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgManager, err := config.NewManager(config.GlobalPath(), config.ProjectPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Current()

	level := slog.LevelInfo
	if cfg.Daemon.Development {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if port == 0 {
		port = cfg.Daemon.Port
	}
	if projectDir == "" {
		if projectDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve project dir: %w", err)
		}
	}
	cfgManager.SetProjectDir(projectDir)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// The output callback reaches back into the daemon, which does not
	// exist yet when the supervisor is built. d is assigned before any
	// subprocess can produce output.
	var d *daemon.Daemon
	sup := supervisor.New(
		func(agent string) int { return cfgManager.Current().AgentCapacity(agent) },
		func(taskID, line string) {
			if d != nil {
				d.StreamOutputLine(taskID, line)
			}
		},
		logger,
	)

	healthCfg := health.DefaultConfig()
	healthCfg.MaxRetries = func(agent string) int { return cfgManager.Current().AgentMaxAttempts(agent) }
	tracker := health.NewTracker(healthCfg, logger)
	bus := events.NewBus()

	transport, err := ipc.Listen(fmt.Sprintf("127.0.0.1:%d", port), cfg.Daemon.ClientBufferSize, logger)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	d = daemon.New(daemon.Options{
		Store:      st,
		Supervisor: sup,
		Health:     tracker,
		Config:     cfgManager,
		Transport:  transport,
		Bus:        bus,
		Logger:     logger,
		PIDPath:    pidPath,
		DebugLog:   defaultDebugLogPath(),
	})

	if err := d.Lifecycle().WritePIDFile(port); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	// The daemon starts paused; operators resume it once clients are ready.
	logger.Info("daemon started",
		"port", port, "db", dbPath, "instance", d.Lifecycle().InstanceID(), "paused", true)

	g, gctx := errgroup.WithContext(ctx)
	// A stop command ends Run with a nil error; the watcher must not keep
	// the group alive past that.
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()
	g.Go(func() error {
		defer stopWatch()
		return d.Run(gctx)
	})
	g.Go(func() error {
		return cfgManager.Watch(watchCtx, logger, d.NotifyConfigChanged)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
