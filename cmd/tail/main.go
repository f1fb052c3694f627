// Package main runs the tail harness: many producers appending to their own streams and a few
// consumers following the global feed, against PostgreSQL or the in-memory backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowchartsman/retry"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AntonStoeckl/eventstore-tail/config"
	"github.com/AntonStoeckl/eventstore-tail/eventstore"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/memengine"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/oteladapters"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/postgresengine"
	"github.com/AntonStoeckl/eventstore-tail/harness"
)

const (
	serviceName    = "eventstore-tail"
	serviceVersion = "dev"

	backendPostgres = "postgres"
	backendMemory   = "memory"

	defaultProducers   = 100
	defaultConsumers   = 0
	defaultMinDelay    = 100 * time.Millisecond
	defaultMaxDelay    = 5000 * time.Millisecond
	defaultStatsEvery  = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
	pingAttempts       = 10
	pingInitialBackoff = 200 * time.Millisecond
	pingMaxBackoff     = 5 * time.Second
)

// Config holds the parsed command line.
type Config struct {
	Producers            int
	Consumers            int
	Backend              string
	Mode                 harness.Mode
	SingularPolicy       harness.SingularPolicy
	MinDelay             time.Duration
	MaxDelay             time.Duration
	Provision            bool
	ObservabilityEnabled bool
	OTLPEndpoint         string
	RunFor               time.Duration
	StatsEvery           time.Duration
	MemoryFailureRate    float64
	Verbose              bool
}

// ObservabilityConfig holds the observability adapters for the event store and the harness.
type ObservabilityConfig struct {
	Logger           eventstore.Logger
	ContextualLogger eventstore.ContextualLogger
	MetricsCollector eventstore.MetricsCollector
	TracingCollector eventstore.TracingCollector
}

// closer releases one resource on shutdown.
type closer func(context.Context) error

func main() {
	cfg := parseFlags()

	if err := run(cfg); err != nil {
		log.Fatalf("tail failed: %v", err)
	}
}

func run(cfg Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.RunFor > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, cfg.RunFor)
		defer cancelRun()
	}

	var closers []closer
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](shutdownCtx); err != nil {
				log.Printf("Error during shutdown: %v", err)
			}
		}
	}()

	obsConfig, shutdownObservability, err := newObservabilityConfig(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, shutdownObservability)

	backend, closeBackend, err := newBackend(ctx, cfg, obsConfig)
	if err != nil {
		return err
	}
	closers = append(closers, closeBackend)

	h, err := harness.New(backend, harnessOptions(cfg, obsConfig)...)
	if err != nil {
		return fmt.Errorf("creating harness: %w", err)
	}

	log.Printf("Starting %d producers and %d consumers (backend=%s, mode=%s, singular-policy=%s, delay=%s..%s)",
		cfg.Producers, cfg.Consumers, cfg.Backend, cfg.Mode, cfg.SingularPolicy, cfg.MinDelay, cfg.MaxDelay)
	h.Start()
	log.Printf("Started. Press Ctrl+C to stop...")

	reportStats(ctx, h, cfg.StatsEvery)

	log.Printf("Stopping producers and consumers ...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := h.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping harness: %w", err)
	}

	logStats(h.Stats())
	log.Printf("Stopped.")

	return nil
}

func parseFlags() Config {
	var (
		producers      = flag.Int("producers", defaultProducers, "Number of producers, each appending to its own stream")
		consumers      = flag.Int("consumers", defaultConsumers, "Number of consumers following the global feed")
		backend        = flag.String("backend", backendPostgres, "Backend to drive: postgres or memory")
		mode           = flag.String("mode", harness.Batched.String(), "Producer mode: batched or singular")
		singularPolicy = flag.String("singular-policy", harness.SingularRepeatBatch.String(), "Singular mode policy: repeat-batch or one-per-call")
		minDelay       = flag.Duration("min-delay", defaultMinDelay, "Lower bound of the random delay between appends")
		maxDelay       = flag.Duration("max-delay", defaultMaxDelay, "Upper bound of the random delay between appends")
		provision      = flag.Bool("provision", false, "Start a throwaway PostgreSQL container instead of using "+config.EnvPostgresDSN)
		observability  = flag.Bool("observability-enabled", false, "Enable OpenTelemetry observability")
		otlpEndpoint   = flag.String("otlp-endpoint", config.DefaultOTLPEndpoint, "OTLP gRPC endpoint for traces and metrics")
		runFor         = flag.Duration("run-for", 0, "Stop after this duration, 0 runs until interrupted")
		statsEvery     = flag.Duration("stats-every", defaultStatsEvery, "Interval of the statistics log line, 0 disables it")
		failureRate    = flag.Float64("memory-failure-rate", 0, "Share of appends the memory backend fails on purpose, 0..1")
		verbose        = flag.Bool("verbose", false, "Log every append and subscription step")
	)

	flag.Parse()

	parsedMode, err := harness.ParseMode(*mode)
	if err != nil {
		log.Fatalf("Invalid mode '%s': %v", *mode, err)
	}

	parsedPolicy, err := harness.ParseSingularPolicy(*singularPolicy)
	if err != nil {
		log.Fatalf("Invalid singular policy '%s': %v", *singularPolicy, err)
	}

	if *backend != backendPostgres && *backend != backendMemory {
		log.Fatalf("Invalid backend '%s': expected %s or %s", *backend, backendPostgres, backendMemory)
	}

	return Config{
		Producers:            *producers,
		Consumers:            *consumers,
		Backend:              *backend,
		Mode:                 parsedMode,
		SingularPolicy:       parsedPolicy,
		MinDelay:             *minDelay,
		MaxDelay:             *maxDelay,
		Provision:            *provision,
		ObservabilityEnabled: *observability,
		OTLPEndpoint:         *otlpEndpoint,
		RunFor:               *runFor,
		StatsEvery:           *statsEvery,
		MemoryFailureRate:    *failureRate,
		Verbose:              *verbose,
	}
}

func harnessOptions(cfg Config, obsConfig ObservabilityConfig) []harness.Option {
	options := []harness.Option{
		harness.WithProducers(cfg.Producers),
		harness.WithConsumers(cfg.Consumers),
		harness.WithMode(cfg.Mode),
		harness.WithSingularPolicy(cfg.SingularPolicy),
		harness.WithDelayRange(cfg.MinDelay, cfg.MaxDelay),
	}

	if obsConfig.Logger != nil {
		options = append(options, harness.WithLogger(obsConfig.Logger))
	}

	if obsConfig.ContextualLogger != nil {
		options = append(options, harness.WithContextualLogger(obsConfig.ContextualLogger))
	}

	if obsConfig.MetricsCollector != nil {
		options = append(options, harness.WithMetrics(obsConfig.MetricsCollector))
	}

	return options
}

// newObservabilityConfig always provides a stderr logger. With observability enabled it adds the
// OpenTelemetry adapters and a contextual logger bridged into OpenTelemetry.
func newObservabilityConfig(ctx context.Context, cfg Config) (ObservabilityConfig, closer, error) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	obsConfig := ObservabilityConfig{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}

	if !cfg.ObservabilityEnabled {
		return obsConfig, func(context.Context) error { return nil }, nil
	}

	providers, err := config.NewObservabilityProviders(ctx, serviceName, serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		return ObservabilityConfig{}, nil, fmt.Errorf("creating observability providers: %w", err)
	}

	obsConfig.MetricsCollector = oteladapters.NewMetricsCollector(otel.Meter(serviceName))
	obsConfig.TracingCollector = oteladapters.NewTracingCollector(otel.Tracer(serviceName))
	obsConfig.ContextualLogger = oteladapters.NewSlogBridgeLogger(serviceName)

	log.Printf("Observability enabled: metrics=%v, tracing=%v, logging=%v, endpoint=%s",
		obsConfig.MetricsCollector != nil,
		obsConfig.TracingCollector != nil,
		obsConfig.Logger != nil || obsConfig.ContextualLogger != nil,
		cfg.OTLPEndpoint)

	return obsConfig, func(context.Context) error { return providers.Shutdown() }, nil
}

func newBackend(ctx context.Context, cfg Config, obsConfig ObservabilityConfig) (eventstore.Backend, closer, error) {
	if cfg.Backend == backendMemory {
		store, err := memengine.NewEventStore(
			memengine.WithLogger(obsConfig.Logger),
			memengine.WithFailureRate(cfg.MemoryFailureRate),
		)
		if err != nil {
			return nil, nil, err
		}

		return store, func(context.Context) error { store.Close(); return nil }, nil
	}

	return newPostgresBackend(ctx, cfg, obsConfig)
}

func newPostgresBackend(ctx context.Context, cfg Config, obsConfig ObservabilityConfig) (eventstore.Backend, closer, error) {
	var closers []closer
	closeAll := func(ctx context.Context) error {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i](ctx))
		}

		return err
	}

	dsn, replicaDSN, closeContainer, err := resolveDSNs(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeContainer)

	adapter, err := config.AdapterFromEnv()
	if err != nil {
		_ = closeAll(ctx)
		return nil, nil, err
	}

	es, closeDB, err := newPostgresEventStore(ctx, adapter, dsn, replicaDSN, eventStoreOptions(obsConfig))
	if err != nil {
		_ = closeAll(ctx)
		return nil, nil, err
	}
	closers = append(closers, closeDB)

	log.Printf("Creating stream store schema ...")
	if err := es.CreateSchema(ctx); err != nil {
		_ = closeAll(ctx)
		return nil, nil, err
	}
	log.Printf("Created.")

	return es, closeAll, nil
}

// resolveDSNs either provisions a container or reads the DSNs from the environment.
func resolveDSNs(ctx context.Context, cfg Config) (string, string, closer, error) {
	if cfg.Provision {
		log.Printf("Creating postgres container ...")
		container, err := config.ProvisionPostgres(ctx)
		if err != nil {
			return "", "", nil, err
		}
		log.Printf("Created. DSN=%s", container.DSN())

		return container.DSN(), "", func(ctx context.Context) error {
			log.Printf("Removing postgres container ...")
			return container.Terminate(ctx)
		}, nil
	}

	dsn, ok := config.PostgresDSNFromEnv()
	if !ok {
		return "", "", nil, fmt.Errorf("%s is not set, use -provision or -backend=%s", config.EnvPostgresDSN, backendMemory)
	}

	replicaDSN, _ := config.PostgresReplicaDSNFromEnv()

	return dsn, replicaDSN, func(context.Context) error { return nil }, nil
}

func eventStoreOptions(obsConfig ObservabilityConfig) []postgresengine.Option {
	var options []postgresengine.Option

	if obsConfig.Logger != nil {
		options = append(options, postgresengine.WithLogger(obsConfig.Logger))
	}

	if obsConfig.ContextualLogger != nil {
		options = append(options, postgresengine.WithContextualLogger(obsConfig.ContextualLogger))
	}

	if obsConfig.MetricsCollector != nil {
		options = append(options, postgresengine.WithMetrics(obsConfig.MetricsCollector))
	}

	if obsConfig.TracingCollector != nil {
		options = append(options, postgresengine.WithTracing(obsConfig.TracingCollector))
	}

	return options
}

// newPostgresEventStore opens the connections selected by DB_ADAPTER and waits until every node answers.
func newPostgresEventStore(
	ctx context.Context,
	adapter config.Adapter,
	dsn string,
	replicaDSN string,
	options []postgresengine.Option,
) (*postgresengine.EventStore, closer, error) {

	var (
		es      *postgresengine.EventStore
		closeDB closer
		err     error
	)

	switch adapter {
	case config.AdapterSQLDB:
		es, closeDB, err = openSQLDB(dsn, replicaDSN, options)
	case config.AdapterSQLX:
		es, closeDB, err = openSQLX(dsn, replicaDSN, options)
	default:
		es, closeDB, err = openPGX(ctx, dsn, replicaDSN, options)
	}

	if err != nil {
		return nil, nil, err
	}

	log.Printf("Using %s adapter, nodes: %v", adapter, es.Nodes())

	if err := waitForDatabases(ctx, es); err != nil {
		_ = closeDB(ctx)
		return nil, nil, err
	}

	return es, closeDB, nil
}

func openPGX(
	ctx context.Context,
	dsn string,
	replicaDSN string,
	options []postgresengine.Option,
) (*postgresengine.EventStore, closer, error) {

	primary, err := config.NewPGXPool(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	if replicaDSN == "" {
		es, err := postgresengine.NewEventStoreFromPGXPool(primary, options...)
		if err != nil {
			primary.Close()
			return nil, nil, err
		}

		return es, func(context.Context) error { primary.Close(); return nil }, nil
	}

	replica, err := config.NewPGXPool(ctx, replicaDSN)
	if err != nil {
		primary.Close()
		return nil, nil, err
	}

	closeDB := func(context.Context) error { replica.Close(); primary.Close(); return nil }

	es, err := postgresengine.NewEventStoreFromPGXPoolAndReplica(primary, replica, options...)
	if err != nil {
		_ = closeDB(ctx)
		return nil, nil, err
	}

	return es, closeDB, nil
}

func openSQLDB(dsn string, replicaDSN string, options []postgresengine.Option) (*postgresengine.EventStore, closer, error) {
	primary, err := config.NewSQLDB(dsn)
	if err != nil {
		return nil, nil, err
	}

	if replicaDSN == "" {
		es, err := postgresengine.NewEventStoreFromSQLDB(primary, options...)
		if err != nil {
			return nil, nil, errors.Join(err, primary.Close())
		}

		return es, func(context.Context) error { return primary.Close() }, nil
	}

	replica, err := config.NewSQLDB(replicaDSN)
	if err != nil {
		return nil, nil, errors.Join(err, primary.Close())
	}

	closeDB := func(context.Context) error { return errors.Join(replica.Close(), primary.Close()) }

	es, err := postgresengine.NewEventStoreFromSQLDBAndReplica(primary, replica, options...)
	if err != nil {
		return nil, nil, errors.Join(err, closeDB(context.Background()))
	}

	return es, closeDB, nil
}

func openSQLX(dsn string, replicaDSN string, options []postgresengine.Option) (*postgresengine.EventStore, closer, error) {
	primary, err := config.NewSQLX(dsn)
	if err != nil {
		return nil, nil, err
	}

	if replicaDSN == "" {
		es, err := postgresengine.NewEventStoreFromSQLX(primary, options...)
		if err != nil {
			return nil, nil, errors.Join(err, primary.Close())
		}

		return es, func(context.Context) error { return primary.Close() }, nil
	}

	replica, err := config.NewSQLX(replicaDSN)
	if err != nil {
		return nil, nil, errors.Join(err, primary.Close())
	}

	closeDB := func(context.Context) error { return errors.Join(replica.Close(), primary.Close()) }

	es, err := postgresengine.NewEventStoreFromSQLXAndReplica(primary, replica, options...)
	if err != nil {
		return nil, nil, errors.Join(err, closeDB(context.Background()))
	}

	return es, closeDB, nil
}

// waitForDatabases pings all nodes in parallel, each with exponential backoff.
func waitForDatabases(ctx context.Context, es *postgresengine.EventStore) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, node := range es.Nodes() {
		g.Go(func() error {
			retrier := retry.NewRetrier(pingAttempts, pingInitialBackoff, pingMaxBackoff)

			err := retrier.RunContext(gctx, func(ctx context.Context) error {
				return es.Ping(ctx, node)
			})
			if err != nil {
				return fmt.Errorf("waiting for %s database: %w", node, err)
			}

			return nil
		})
	}

	return g.Wait()
}

func reportStats(ctx context.Context, h *harness.Harness, every time.Duration) {
	if every <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(h.Stats())
		}
	}
}

func logStats(stats harness.Stats) {
	log.Printf("appends=%d messages=%d conflicts=%d failures=%d received=%d violations=%d drops=%d pending=%d",
		stats.AppendCalls, stats.MessagesAppended, stats.Conflicts, stats.AppendFailures,
		stats.MessagesReceived, stats.OrderingViolations, stats.SubscriptionDrops, stats.PendingActions)
}
