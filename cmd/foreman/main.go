package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/chat"
	"github.com/basket/foreman/internal/config"
	"github.com/basket/foreman/internal/cron"
	"github.com/basket/foreman/internal/engine"
	"github.com/basket/foreman/internal/jobstore"
	"github.com/basket/foreman/internal/metrics"
	otelPkg "github.com/basket/foreman/internal/otel"
	"github.com/basket/foreman/internal/resilience"
	"github.com/basket/foreman/internal/telemetry"
	"github.com/basket/foreman/internal/tool"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Run the scheduler daemon
  %s status                   Show job counts and recent ledger entries
  %s submit [options] <goal>  Enqueue a job
                              Options: -mode standard|cautious, -agent <type>
  %s cancel <job-id>          Request cooperative cancellation
  %s resume <job-id>          Resume a job parked in waiting_human
  %s schedule <action>        Manage recurring schedules
                              Actions: add, list, enable, disable, remove
  %s version                  Print version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FOREMAN_HOME            Data directory (default: ~/.foreman)
  FOREMAN_LOG_LEVEL       Log level override (debug, info, warn, error)
  FOREMAN_DB_PATH         SQLite database path override
  FOREMAN_CHAT_ENDPOINT   Chat collaborator endpoint override
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Println("foreman", Version)
	case "serve":
		os.Exit(runServe(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "submit":
		os.Exit(runSubmitCommand(ctx, args))
	case "cancel":
		os.Exit(runCancelCommand(ctx, args))
	case "resume":
		os.Exit(runResumeCommand(ctx, args))
	case "schedule":
		os.Exit(runScheduleCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	// Event bus first so every component can announce on it.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := jobstore.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetMaxQueueDepth(cfg.MaxQueueDepth)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Jobs orphaned by the last shutdown have stale heartbeats; requeue them
	// before workers start so nothing waits a full reclaim cycle.
	recovered, err := store.ReclaimStale(ctx, cfg.ReclaimThreshold())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	breakers := resilience.NewBreakerSet(
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.CooldownSeconds)*time.Second,
	)
	breakers.OnTransition = func(name string, state resilience.BreakerState, failures int) {
		ev := bus.BreakerEvent{Name: name, State: string(state), Failures: failures}
		switch state {
		case resilience.StateOpen:
			eventBus.Publish(ctx, bus.TopicBreakerOpened, ev)
		case resilience.StateHalfOpen:
			eventBus.Publish(ctx, bus.TopicBreakerHalfOpen, ev)
		case resilience.StateClosed:
			eventBus.Publish(ctx, bus.TopicBreakerClosed, ev)
		}
	}
	wrapper := resilience.NewWrapper(
		breakers,
		resilience.DefaultStrategy(cfg.Retry.MaxRetries, time.Duration(cfg.Retry.BaseDelayMS)*time.Millisecond),
		logger,
	)
	wrapper.OnRetry = func(name string, attempt int, delay time.Duration, err error) {
		eventBus.Publish(ctx, bus.TopicRetryScheduled, bus.RetryScheduledEvent{
			Operation: name, Attempt: attempt, Delay: delay, Reason: err.Error(),
		})
	}

	inst, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	agg := metrics.NewAggregator()
	collector := metrics.NewCollector(eventBus, agg, inst)
	go collector.Run(ctx)
	go agg.Flush(ctx, time.Duration(cfg.MetricsFlushSeconds)*time.Second, func(window map[string]metrics.Stat) {
		for name, stat := range window {
			logger.Debug("metrics window", "metric", name,
				"count", stat.Count, "sum", stat.Sum, "min", stat.Min, "max", stat.Max)
		}
	})

	registry := tool.NewRegistry()

	runner := engine.NewRunner(engine.RunnerConfig{
		Chat:     chat.NewJSONClient(cfg.ChatEndpoint),
		Registry: registry,
		Wrapper:  wrapper,
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		Durations: map[jobstore.Mode]time.Duration{
			jobstore.ModeStandard: time.Duration(cfg.Budgets.Standard.MaxDurationSeconds) * time.Second,
			jobstore.ModeCautious: time.Duration(cfg.Budgets.Cautious.MaxDurationSeconds) * time.Second,
		},
		ResultLimit: cfg.ToolResultLimitBytes,
	})

	eng := engine.New(cfg, store, runner, eventBus, logger)
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.WorkerCount)

	scheduler := cron.NewScheduler(cron.Config{
		Store:    store,
		Creator:  eng,
		Logger:   logger,
		Interval: time.Duration(cfg.CronIntervalSeconds) * time.Second,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Relay.URL != "" {
		relay := bus.NewRelay(eventBus, bus.WSTransport{}, cfg.Relay.URL, cfg.Relay.Topics, logger)
		go relay.Run(ctx)
		logger.Info("event relay enabled", "url", cfg.Relay.URL)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				// Only queue backpressure is safe to apply live; everything
				// else takes effect on restart.
				store.SetMaxQueueDepth(fresh.MaxQueueDepth)
				logger.Info("config reloaded", "max_queue_depth", fresh.MaxQueueDepth)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown requested, draining")
	remaining := eng.Drain(time.Duration(cfg.DrainTimeoutSeconds) * time.Second)
	if remaining > 0 {
		logger.Warn("drain timeout, jobs will be reclaimed on next start", "in_flight", remaining)
	}
	eng.Wait()
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"foreman","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
