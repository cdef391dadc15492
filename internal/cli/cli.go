// Package cli implements the controller's Cobra command tree: a single
// executable with no positional arguments, a "run" command that starts the
// HTTPS server, and a "status" command that inspects the on-disk recovery
// log offline. Grounded on the teacher's internal/cli/cli.go:
// root-command-plus-subcommands structure and signal.Notify-based graceful
// shutdown in runControllerNode. No flags are defined: configuration comes
// from the environment (internal/config).
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cranklabs/crank-controller/internal/config"
	"github.com/cranklabs/crank-controller/internal/httpservice"
	"github.com/cranklabs/crank-controller/internal/metrics"
	"github.com/cranklabs/crank-controller/internal/reaper"
	"github.com/cranklabs/crank-controller/internal/recoverylog"
	"github.com/cranklabs/crank-controller/internal/registry"
	"github.com/cranklabs/crank-controller/internal/tracing"
)

// BuildCLI builds the root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "crank-controller",
		Short: "Crank capability controller",
		Args:  cobra.NoArgs,
	}
	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())
	return root
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the controller HTTPS server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context())
		},
	}
}

func runController(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup failure:", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logPath := filepath.Join(cfg.StateDir, "registry.jsonl")
	rlog, err := recoverylog.Open(logPath, 64, 200*time.Millisecond, logger)
	if err != nil {
		logger.Error("cannot open recovery log", zap.Error(err))
		os.Exit(1)
	}

	reg := registry.New(registry.Config{StaleTimeout: cfg.StaleTimeout()}, rlog, logger)

	// Replay before serving any request: an unknown file starts empty,
	// and each loaded worker keeps its logged last_heartbeat_at so it is
	// marked "needs verification" rather than freshly healthy.
	err = recoverylog.Replay(logPath, logger, func(ev recoverylog.Event) error {
		switch ev.Type {
		case recoverylog.EventRegister:
			if ev.Record != nil {
				reg.RestoreRegister(*ev.Record)
			}
		case recoverylog.EventHeartbeat:
			reg.RestoreHeartbeat(ev.WorkerID, ev.TS)
		case recoverylog.EventDeregister:
			reg.RestoreDeregister(ev.WorkerID)
		}
		return nil
	})
	if err != nil {
		logger.Error("recovery log replay failed", zap.Error(err))
		os.Exit(1)
	}

	tracer, err := tracing.New(ctx, "crank-controller", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("cannot start tracer", zap.Error(err))
		os.Exit(1)
	}

	coll, promReg := metrics.New()
	reg.SetMetrics(coll)

	svc, err := httpservice.New(httpservice.Config{
		Addr:            cfg.Addr(),
		CertPath:        cfg.CertPath,
		KeyPath:         cfg.KeyPath,
		CACertPath:      cfg.CACertPath,
		RequestDeadline: cfg.RequestDeadline,
		StaleTimeout:    cfg.StaleTimeout(),
	}, reg, tracer, coll, logger)
	if err != nil {
		logger.Error("cannot load TLS credentials", zap.Error(err))
		os.Exit(1)
	}

	r := reaper.New(reg, cfg.ReapInterval(), logger)
	r.SetMetrics(coll)
	reaperCtx, cancelReaper := context.WithCancel(ctx)
	r.Start(reaperCtx)

	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr()))
		if err := metrics.Serve(cfg.MetricsAddr(), promReg); err != nil {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("controller listening", zap.String("addr", cfg.Addr()))
		serveErrCh <- svc.ListenAndServeTLS()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("listener failed", zap.Error(err))
			os.Exit(2)
		}
	}

	// Graceful shutdown order: stop accepting, drain in-flight, stop the
	// reaper, flush the log, exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	} else {
		logger.Info("listener closed, in-flight requests drained")
	}
	cancelReaper()
	r.Stop()
	logger.Info("reaper stopped")
	if err := rlog.Close(); err != nil {
		logger.Warn("recovery log close failed", zap.Error(err))
	} else {
		logger.Info("recovery log flushed")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Inspect the on-disk recovery log without a live controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

// showStatus replays the recovery log into a scratch registry and prints a
// worker/capability summary, grounded on the teacher's offline "status"
// command reading local state directly.
func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logPath := filepath.Join(cfg.StateDir, "registry.jsonl")

	reg := registry.New(registry.Config{StaleTimeout: cfg.StaleTimeout()}, nil, nil)
	err = recoverylog.Replay(logPath, nil, func(ev recoverylog.Event) error {
		switch ev.Type {
		case recoverylog.EventRegister:
			if ev.Record != nil {
				reg.RestoreRegister(*ev.Record)
			}
		case recoverylog.EventHeartbeat:
			reg.RestoreHeartbeat(ev.WorkerID, ev.TS)
		case recoverylog.EventDeregister:
			reg.RestoreDeregister(ev.WorkerID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	workers := reg.GetAllWorkers(now)
	caps := reg.GetAllCapabilities(now)

	fmt.Printf("state dir:    %s\n", cfg.StateDir)
	fmt.Printf("workers:      %d\n", len(workers))
	for _, w := range workers {
		fmt.Printf("  - %s  %s  healthy=%v\n", w.WorkerID, w.WorkerURL, w.IsHealthy(now, cfg.StaleTimeout()))
	}
	fmt.Printf("capabilities: %d\n", len(caps))
	for _, c := range caps {
		fmt.Printf("  - %s:%s  workers=%d healthy=%d\n", c.Verb, c.Name, len(c.Workers), c.HealthyWorkers)
	}
	return nil
}
