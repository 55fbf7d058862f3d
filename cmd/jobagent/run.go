// ABOUTME: The run subcommand: connect, drain the backlog, then process jobs until signalled
// ABOUTME: A broker that cannot be reached at startup ends the process without running anything

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/jobagent/internal/actions"
	"github.com/2389/jobagent/internal/agent"
	"github.com/2389/jobagent/internal/config"
	"github.com/2389/jobagent/internal/dedupe"
	"github.com/2389/jobagent/internal/dispatch"
	"github.com/2389/jobagent/internal/guard"
	"github.com/2389/jobagent/internal/health"
	"github.com/2389/jobagent/internal/jobs"
	"github.com/2389/jobagent/internal/journal"
	"github.com/2389/jobagent/internal/transport"
)

func runAgent(cmd *cobra.Command, _ []string) error {
	configPath := getConfigPath(cmd)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Thing:     %s\n", cfg.Device.ThingName)
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s:%d\n", cfg.Broker.Endpoint, cfg.Broker.Port)
	if cfg.Health.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Health.Addr)
	}
	if cfg.Journal.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Journal:   %s\n", cfg.Journal.Path)
	}
	fmt.Println()

	logger.Info("starting jobagent",
		"config", configPath,
		"thing_name", cfg.Device.ThingName,
		"endpoint", cfg.Broker.Endpoint,
	)

	return run(cmd.Context(), cfg, logger, nil)
}

// run serves the health endpoint next to the agent lifecycle. A nil dial
// connects over MQTT.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, dial transport.DialFunc) error {
	hs := health.NewServer(logger)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Health.Addr != "" {
		g.Go(func() error {
			return hs.Serve(gctx, cfg.Health.Addr)
		})
	}
	g.Go(func() error {
		return lifecycle(gctx, cfg, logger, dial, hs)
	})
	return g.Wait()
}

func lifecycle(ctx context.Context, cfg *config.Config, logger *slog.Logger, dial transport.DialFunc, hs *health.Server) error {
	defer hs.SetPhase(health.PhaseStopped)

	dispatcher := dispatch.New(logger)
	if err := actions.Register(dispatcher, cfg.Actions, logger); err != nil {
		return err
	}

	jrnl := openJournal(cfg.Journal, logger)
	defer jrnl.Close()

	var recent *dedupe.Cache
	if cfg.Jobs.RecentTTL > 0 {
		recent = dedupe.New(cfg.Jobs.RecentTTL)
		defer recent.Close()
	}

	hs.SetPhase(health.PhaseConnecting)
	manager := transport.NewManager(transport.ManagerParams{
		Broker:  cfg.Broker,
		Connect: cfg.Connect,
		Dial:    dial,
		Logger:  logger,
	})
	session, err := manager.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("cannot connect to broker, not processing jobs", "error", err)
		return err
	}
	defer session.Disconnect()

	client := jobs.NewClient(jobs.ClientParams{
		ThingName:      cfg.Device.ThingName,
		Transport:      session,
		RequestTimeout: cfg.Jobs.RequestTimeout,
		Logger:         logger,
	})
	reporter := jobs.NewReporter(jobs.ReporterParams{
		ThingName: cfg.Device.ThingName,
		Transport: session,
		Logger:    logger,
	})

	hs.SetPhase(health.PhaseDraining)
	drainer := agent.NewDrainer(agent.DrainerParams{
		Jobs:       client,
		Reporter:   reporter,
		Dispatcher: dispatcher,
		Recent:     recent,
		Journal:    jrnl,
		Logger:     logger,
	})
	if _, err := drainer.Drain(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("startup drain stopped early, continuing with live jobs", "error", err)
	}

	runner := agent.NewRunner(agent.RunnerParams{
		Jobs:       client,
		Reporter:   reporter,
		Dispatcher: dispatcher,
		Guard:      guard.New(logger),
		Recent:     recent,
		Journal:    jrnl,
		Logger:     logger,
	})
	if err := runner.Start(ctx); err != nil {
		return err
	}
	hs.SetPhase(health.PhaseRunning)

	<-ctx.Done()
	logger.Info("shutting down", "grace", cfg.Jobs.ShutdownGrace)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace(cfg.Jobs.ShutdownGrace))
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		logger.Warn("runner did not stop cleanly", "error", err, "deferred", runner.Deferred())
	}
	return nil
}

func openJournal(cfg config.JournalConfig, logger *slog.Logger) journal.Journal {
	if cfg.Path == "" {
		return journal.Nop{}
	}
	j, err := journal.Open(cfg.Path, logger)
	if err != nil {
		logger.Warn("journal unavailable, executions will not be recorded", "path", cfg.Path, "error", err)
		return journal.Nop{}
	}
	return j
}

// shutdownGrace treats zero as no wait at all.
func shutdownGrace(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
