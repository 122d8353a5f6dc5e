package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattjoyce/migration-factory/internal/api"
	"github.com/mattjoyce/migration-factory/internal/changefeed"
	"github.com/mattjoyce/migration-factory/internal/config"
	"github.com/mattjoyce/migration-factory/internal/events"
	"github.com/mattjoyce/migration-factory/internal/gateway"
	"github.com/mattjoyce/migration-factory/internal/lifecycle"
	"github.com/mattjoyce/migration-factory/internal/lock"
	"github.com/mattjoyce/migration-factory/internal/log"
	"github.com/mattjoyce/migration-factory/internal/logingest"
	"github.com/mattjoyce/migration-factory/internal/notify"
	"github.com/mattjoyce/migration-factory/internal/orchestrator"
	"github.com/mattjoyce/migration-factory/internal/queue"
	"github.com/mattjoyce/migration-factory/internal/runner"
	"github.com/mattjoyce/migration-factory/internal/storage"
	"github.com/mattjoyce/migration-factory/internal/store"
	"github.com/mattjoyce/migration-factory/internal/telemetry"
	"github.com/mattjoyce/migration-factory/internal/template"
)

// service is the assembled process: every long-running component plus the
// resources they share.
type service struct {
	cfg       *config.Config
	bus       *events.Bus
	gateway   *gateway.Gateway
	jobs      *queue.Queue
	pollers   []*changefeed.Poller
	runner    *runner.Runner
	fanout    *notify.FanOut
	apiServer *api.Server
	logger    *slog.Logger
}

// buildService wires the components over an open database. It starts nothing.
func buildService(cfg *config.Config, db *sql.DB) (*service, error) {
	join, err := orchestrator.BarrierFor(cfg.Orchestrator.JoinMode)
	if err != nil {
		return nil, err
	}

	pipelines := store.NewPipelines(db)
	tasks := store.NewTaskExecutions(db)
	templates := store.NewTemplates(db)
	conns := store.NewConnections(db)

	bus := events.NewBus(cfg.Notify.BusCapacity)
	publisher := notify.NewPublisher(bus)
	gw := gateway.New(conns, cfg.API.AllowedOrigins, log.WithComponent("gateway"))
	jobs := queue.New(db)

	ingester := logingest.New(tasks, publisher, cfg.Ingest.MaxRetries, log.WithComponent("logingest"))
	executor := runner.NewExecutor(jobs, log.WithComponent("executor"))
	orch := orchestrator.New(tasks, pipelines, executor, publisher, join, log.WithComponent("orchestrator"))
	provisioner := lifecycle.NewProvisioner(templates, tasks, pipelines, log.WithComponent("provisioner"))
	reaper := lifecycle.NewReaper(tasks, log.WithComponent("reaper"))

	interval, batch := cfg.Service.PollInterval, cfg.Service.BatchSize
	pollers := []*changefeed.Poller{
		changefeed.NewPoller(db, changefeed.Consumer{
			Name:    "provisioner",
			Tables:  []string{store.TablePipelines},
			Handler: provisioner,
		}, interval, batch),
		changefeed.NewPoller(db, changefeed.Consumer{
			Name:    "reaper",
			Tables:  []string{store.TablePipelines},
			Handler: reaper,
		}, interval, batch),
		changefeed.NewPoller(db, changefeed.Consumer{
			Name:    "orchestrator",
			Tables:  []string{store.TablePipelines, store.TableTaskExecutions},
			Handler: orch,
		}, interval, batch),
	}

	svc := &service{
		cfg:     cfg,
		bus:     bus,
		gateway: gw,
		jobs:    jobs,
		pollers: pollers,
		runner:  runner.New(jobs, cfg.Automations, ingester, interval, log.WithComponent("runner")),
		fanout:  notify.NewFanOut(conns, gw, cfg.Notify.PageSize, log.WithComponent("fanout")),
		logger:  log.WithComponent("main"),
	}

	if cfg.API.Enabled {
		svc.apiServer = api.New(api.Config{
			Listen:            cfg.API.Listen,
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
		}, api.Deps{
			Pipelines: pipelines,
			Tasks:     tasks,
			Templates: templates,
			Importer:  template.NewImporter(templates, log.WithComponent("templates")),
			Ingester:  ingester,
			Publisher: publisher,
			Events:    bus,
			Jobs:      jobs,
			Gateway:   gw,
		}, log.WithComponent("api"))
	}
	return svc, nil
}

// run starts every component and blocks until ctx ends or one fails.
func (s *service) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recovered, err := s.jobs.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("requeued interrupted automation jobs", "count", recovered)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.pollers)+3)
	launch := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	for i, p := range s.pollers {
		launch(fmt.Sprintf("poller %d", i), p.Start)
	}
	launch("runner", s.runner.Start)
	launch("fanout", func(ctx context.Context) error { return s.fanout.Run(ctx, s.bus) })
	if s.apiServer != nil {
		launch("api", s.apiServer.Start)
		s.logger.Info("API server enabled", "listen", s.cfg.API.Listen)
	}

	// Components stop on cancel; wait so none touches the db after close.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()
	wg.Wait()
	return runErr
}

// close releases what buildService allocated.
func (s *service) close() {
	s.gateway.Close()
	s.bus.Close()
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("mfactory starting", "version", currentVersionInfo().Version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open state database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if cfg.TemplatesDir != "" {
		if _, statErr := os.Stat(cfg.TemplatesDir); statErr == nil {
			importer := template.NewImporter(store.NewTemplates(db), log.WithComponent("templates"))
			report, err := importer.ImportPath(ctx, cfg.TemplatesDir)
			if err != nil {
				logger.Error("failed to import templates", "dir", cfg.TemplatesDir, "error", err)
				return 1
			}
			logger.Info("templates loaded", "imported", len(report.Imported), "unchanged", len(report.Unchanged))
		} else {
			logger.Warn("templates directory not found, skipping import", "dir", cfg.TemplatesDir)
		}
	}

	svc, err := buildService(cfg, db)
	if err != nil {
		logger.Error("failed to assemble service", "error", err)
		return 1
	}
	defer svc.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.run(ctx) }()

	logger.Info("mfactory running (press Ctrl+C to stop)", "automations", len(cfg.Automations))

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("component failed", "error", err)
			return 1
		}
	}

	logger.Info("mfactory stopped")
	return 0
}
