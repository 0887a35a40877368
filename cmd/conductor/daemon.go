package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/conductor/internal/audit"
	"github.com/fentz26/conductor/internal/config"
	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/events"
	"github.com/fentz26/conductor/internal/gateway"
	"github.com/fentz26/conductor/internal/locks"
	"github.com/fentz26/conductor/internal/logging"
	"github.com/fentz26/conductor/internal/orchestrator"
	"github.com/fentz26/conductor/internal/registry"
	"github.com/fentz26/conductor/internal/scheduler"
	"github.com/fentz26/conductor/internal/store"
	"github.com/fentz26/conductor/internal/tasks"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Conductor daemon",
	Long:  `Starts the Conductor daemon: the HTTP API, the dispatch loop and the machine gateway.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Server.DBPath = config.ExpandHome(dbPath)
	}

	logger, closeLog, err := logging.New(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closeLog()

	s, err := store.New(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("database close failed", "error", err)
		}
	}()

	service, sched, err := buildService(s, cfg, logger)
	if err != nil {
		return err
	}
	server := controlplane.NewServer(service, cfg.Server.Listen, version, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildService wires the coordination components over one store.
func buildService(s *store.Store, cfg *config.Config, logger *slog.Logger) (*controlplane.Service, *scheduler.Scheduler, error) {
	bus := events.NewBus(logger)
	pdr := audit.NewPDRWriter(s, logger)
	pdr.Attach(bus)

	ts := tasks.New(s, bus, logger)
	lm := locks.NewManager(s, bus, cfg.Locks.LockTTL(), logger)
	reg := registry.New(s, ts, lm, bus, registry.Config{
		ContextCeilingPercent: cfg.Instances.ContextCeilingPercent,
		MaxContextTokens:      cfg.Instances.MaxContextTokens,
		StaleAfter:            cfg.Instances.StaleAfter(),
	}, logger)

	purgers := []scheduler.Purger{scheduler.PurgeFunc(lm.Purge)}
	var queue gateway.Queue
	switch cfg.Gateway.Backend {
	case config.BackendMemory:
		queue = gateway.NewMemoryQueue(nil)
	case config.BackendSQLite:
		mq := s.MessageQueue(cfg.Gateway.ReplyPoll())
		purgers = append(purgers, scheduler.PurgeFunc(mq.PurgeExpiredMessages))
		queue = mq
	default:
		return nil, nil, fmt.Errorf("unknown gateway backend %q", cfg.Gateway.Backend)
	}
	bridge := gateway.NewBridge(queue, nil, gateway.Config{
		MessageTTL:     cfg.Gateway.MessageTTL(),
		RequestTimeout: cfg.Gateway.RequestTimeout(),
	}, logger)

	orch := orchestrator.New(ts, reg, bridge, bus, logger)
	sched := scheduler.New(scheduler.Deps{
		Dispatcher: orch,
		Projects:   ts,
		Reaper:     reg,
		Purgers:    purgers,
	}, &scheduler.Config{Interval: cfg.Scheduler.Interval()}, logger)

	service := controlplane.NewService(controlplane.Service{
		DB:           s,
		Tasks:        ts,
		Registry:     reg,
		Orchestrator: orch,
		Locks:        lm,
		Gateway:      bridge,
		Audit:        pdr,
		Scheduler:    sched,
	}, logger)

	logger.Info("components ready",
		"gateway_backend", cfg.Gateway.Backend,
		"lock_ttl", cfg.Locks.LockTTL(),
		"dispatch_interval", cfg.Scheduler.Interval())
	return service, sched, nil
}
