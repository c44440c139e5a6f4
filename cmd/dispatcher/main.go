// Command dispatcher runs the Outpost outbox dispatch worker: the domain
// loop plus the configured integration strategy against one Postgres
// database. Deployments embed their event type, handler, and subscriber
// registrations through the register hooks below before building.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tidewater/outpost/config"
	dbmigrations "github.com/tidewater/outpost/db/migrations"
	"github.com/tidewater/outpost/internal/dispatch"
	"github.com/tidewater/outpost/internal/domain/envelope"
	"github.com/tidewater/outpost/internal/infra/persistence"
	"github.com/tidewater/outpost/internal/infra/persistence/migrations"
	"github.com/tidewater/outpost/internal/infra/persistence/postgres"
	infrarelay "github.com/tidewater/outpost/internal/infra/relay"
	"github.com/tidewater/outpost/internal/observability"
	"github.com/tidewater/outpost/internal/telemetry"
)

const (
	defaultConfigPath        = "config/outpost.yaml"
	dispatcherLoggerPrefix   = "dispatcher "
	shutdownTimeout          = 30 * time.Second
	loopShutdownTimeout      = 10 * time.Second
	publisherShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateBootTimeout       = 60 * time.Second
	parkedReportLimit        = 256
)

func main() {
	cfgPath, inspectParked := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, dispatcherLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, os.Getenv("OUTPOST_DEBUG") == "true"))

	cfg, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, strategy=%s", cfg.Environment, cfg.Integration.Strategy)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	if cfg.Database.MigrateOnBoot {
		migrateCtx, migrateCancel := context.WithTimeout(ctx, migrateBootTimeout)
		err := migrations.ApplyFS(migrateCtx, cfg.Database.DSN, dbmigrations.Files, logger)
		migrateCancel()
		if err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	pool, err := persistence.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	postgres.ObservePoolMetrics(pool, "outbox")
	store := postgres.New(pool)

	if inspectParked {
		if err := reportParked(ctx, logger, store, cfg.Dispatch.MaxAttempts); err != nil {
			logger.Fatalf("inspect parked: %v", err)
		}
		return
	}

	types := envelope.NewRegistry()
	handlers := dispatch.NewHandlerRegistry()
	subscribers := dispatch.NewSubscriberRegistry()
	if err := register(types, handlers, subscribers); err != nil {
		logger.Fatalf("register event types: %v", err)
	}

	policy := dispatch.NewBackoffPolicy(cfg.Dispatch.BackoffCap.Std(), cfg.Dispatch.BackoffExponent)
	opts := loopOptions(cfg.Dispatch)

	domainLoop := dispatch.NewDomainLoop(store.Outbox(), types, handlers, policy, opts)
	logger.Printf("domain loop owner: %s", domainLoop.Owner())

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { runLoop(logger, "domain", func() error { return domainLoop.Run(ctx) }) })

	var publisher *infrarelay.KafkaPublisher
	switch cfg.Integration.Strategy {
	case config.StrategyRelay:
		publisher, err = infrarelay.NewKafkaPublisher(cfg.Integration.Relay.Brokers)
		if err != nil {
			logger.Fatalf("initialise kafka publisher: %v", err)
		}
		relayLoop := dispatch.NewRelayLoop(store.Outbox(), publisher, policy, cfg.Integration.Relay.TopicPrefix, opts)
		lifecycle.Go(func() { runLoop(logger, "relay", func() error { return relayLoop.Run(ctx) }) })
	default:
		integrationLoop := dispatch.NewIntegrationLoop(store.Deliveries(), types, subscribers, policy, opts)
		lifecycle.Go(func() { runLoop(logger, "integration", func() error { return integrationLoop.Run(ctx) }) })
	}

	logger.Print("dispatcher started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, cancel, &lifecycle, publisher, telemetryProvider)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// register is the deployment hook: bind event payload factories, domain
// handlers, and integration subscribers here. An empty registration set is a
// valid deployment that only relays raw envelopes.
func register(types *envelope.Registry, handlers *dispatch.HandlerRegistry, subscribers *dispatch.SubscriberRegistry) error {
	_ = types
	_ = handlers
	_ = subscribers
	return nil
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", defaultConfigPath, "Path to dispatcher configuration file")
	parked := flag.Bool("parked", false, "List parked messages and deliveries, then exit")
	flag.Parse()
	return *cfgPath, *parked
}

// reportParked prints rows that silently stopped being due: poisoned
// messages, messages at the attempts cap, and deliveries at the cap.
func reportParked(ctx context.Context, logger *log.Logger, store *postgres.Store, maxAttempts int) error {
	inspector := dispatch.NewParkedInspector(store.Outbox(), store.Deliveries())
	report, err := inspector.Report(ctx, maxAttempts, parkedReportLimit)
	if err != nil {
		return err
	}
	if report.Empty() {
		logger.Print("no parked messages or deliveries")
		return nil
	}
	for _, msg := range report.DomainMessages {
		logger.Printf("parked domain message: id=%s name=%s.v%d tenant=%s attempts=%d poisoned=%t",
			msg.ID, msg.Name, msg.Version, msg.TenantID, msg.Attempts, msg.Poisoned)
	}
	for _, msg := range report.IntegrationMessages {
		logger.Printf("parked integration message: id=%s name=%s.v%d tenant=%s attempts=%d poisoned=%t",
			msg.ID, msg.Name, msg.Version, msg.TenantID, msg.Attempts, msg.Poisoned)
	}
	for _, d := range report.Deliveries {
		logger.Printf("parked delivery: id=%s message=%s subscriber=%s attempts=%d",
			d.ID, d.MessageID, d.Subscriber, d.Attempts)
	}
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func loopOptions(cfg config.DispatchSettings) dispatch.LoopOptions {
	return dispatch.LoopOptions{
		BatchSize:     cfg.BatchSize,
		PollInterval:  cfg.PollInterval.Std(),
		BatchDelay:    cfg.BatchDelay.Std(),
		MaxAttempts:   cfg.MaxAttempts,
		LeaseDuration: cfg.LeaseDuration.Std(),
		PollRateLimit: cfg.PollRateLimit,
	}
}

func runLoop(logger *log.Logger, name string, run func() error) {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("%s loop stopped: %v", name, err)
	}
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, mainCancel context.CancelFunc, lifecycle *conc.WaitGroup, publisher *infrarelay.KafkaPublisher, telemetryProvider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	mainCancel()

	shutdownStep("waiting for dispatch loops", loopShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for loops: %w", stepCtx.Err())
		}
	})

	if publisher != nil {
		shutdownStep("closing kafka publisher", publisherShutdownTimeout, func(context.Context) error {
			return publisher.Close()
		})
	}

	if telemetryProvider != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return telemetryProvider.Shutdown(stepCtx)
		})
	}
}
