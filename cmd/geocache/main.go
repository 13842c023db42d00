// Package main is the geocache maintenance CLI. It assembles the cache
// engine from configuration and runs maintenance passes, either once or
// on a loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"geocache/config"
	"geocache/internal/codec"
	"geocache/internal/core"
	"geocache/internal/invalidation"
	"geocache/internal/maintenance"
	"geocache/internal/provider"
	"geocache/internal/schedule"
	"geocache/internal/stats"
	"geocache/internal/storage"
	"geocache/internal/store"
	"geocache/internal/warming"
)

func main() {
	configPath := flag.String("config", "geocache.yaml", "Path to the YAML configuration file")
	dryRun := flag.Bool("dry-run", false, "Report what a pass would do without writing anything")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	once := flag.Bool("once", true, "Run a single pass and exit")
	interval := flag.Duration("interval", 5*time.Minute, "Pass interval when running as a loop (implies -once=false)")
	flag.Parse()

	// Passing -interval switches to loop mode.
	runOnce := *once
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "interval" {
			runOnce = false
		}
	})

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log, *verbose)

	if err := run(cfg, *dryRun, runOnce, *interval); err != nil {
		slog.Error("geocache failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig, verbose bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	useTint := cfg.Format == "text" ||
		(cfg.Format != "json" && term.IsTerminal(int(os.Stderr.Fd())))
	if useTint {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg config.Config, dryRun, once bool, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := build(ctx, cfg, dryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	if once {
		sum, err := runner.Run(ctx)
		if err != nil {
			return err
		}
		if len(sum.PhaseErrs) > 0 {
			return fmt.Errorf("%d maintenance phases failed", len(sum.PhaseErrs))
		}
		return nil
	}

	slog.Info("running maintenance loop", "interval", interval)
	for {
		if _, err := runner.Run(ctx); err != nil {
			slog.Error("pass failed", "error", err)
		}
		// Sleep to the next wall-clock multiple of the interval so the
		// warming cadence, which checks boundary alignment, can fire.
		next := time.Now().Truncate(interval).Add(interval)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("shutting down")
			return nil
		case <-timer.C:
		}
	}
}

// build assembles the engine from configuration. The returned cleanup
// closes every connection the build opened.
func build(ctx context.Context, cfg config.Config, dryRun bool) (*maintenance.Runner, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("cleanup failed", "error", err)
			}
		}
	}
	fail := func(err error) (*maintenance.Runner, func(), error) {
		cleanup()
		return nil, nil, err
	}

	primary, err := storage.New(ctx, storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.Storage.SQLitePath},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgresURL},
	})
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	closers = append(closers, primary.Close)

	enc := codec.New(cfg.Cache.CompressionThreshold)

	// Layer stack: memory always, edge and shared when configured,
	// persistent from the primary store.
	backends := []store.Backend{store.NewMemoryBackend()}
	if cfg.Edge.Dir != "" {
		edge, err := store.NewEdgeBackend(cfg.Edge.Dir, enc)
		if err != nil {
			return fail(fmt.Errorf("open edge layer: %w", err))
		}
		backends = append(backends, edge)
	}

	stores, err := buildStores(primary, enc, cfg.Warming.MaxAttempts)
	if err != nil {
		return fail(fmt.Errorf("initialize schema: %w", err))
	}
	backends = append(backends, stores.persistent)
	queue, records, buckets, locks := stores.queue, stores.records, stores.buckets, stores.locks

	if cfg.Redis.URL != "" {
		shared, err := store.NewRedisBackend(store.RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
		}, enc)
		if err != nil {
			return fail(fmt.Errorf("open shared layer: %w", err))
		}
		backends = append(backends, shared)
	}

	// Optional MongoDB archive for invalidation records.
	if cfg.Storage.MongoURL != "" {
		archive, err := storage.New(ctx, storage.Config{
			Type: storage.TypeMongoDB,
			MongoDB: storage.MongoDBConfig{
				URL:      cfg.Storage.MongoURL,
				Database: cfg.Storage.MongoDatabase,
			},
		})
		if err != nil {
			return fail(fmt.Errorf("open record archive: %w", err))
		}
		closers = append(closers, archive.Close)
		records, err = invalidation.NewMongoRecordStore(archive.MongoDatabase())
		if err != nil {
			return fail(fmt.Errorf("initialize record archive: %w", err))
		}
	}

	st, err := store.New(backends, core.SystemClock{})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, st.Close)

	var providerClient core.ProviderClient
	var oracle core.SeverityOracle
	if cfg.Provider.BaseURL != "" {
		httpCfg := provider.DefaultHTTPConfig()
		if cfg.Provider.Timeout > 0 {
			httpCfg.Timeout = cfg.Provider.Timeout
		}
		client, err := provider.New(provider.Config{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			HTTP:    provider.NewHTTPClient(&httpCfg),
		}, nil)
		if err != nil {
			return fail(err)
		}
		providerClient = client
		oracle = client
	} else {
		if !dryRun {
			slog.Warn("no provider configured, warming calls will fail")
		}
		providerClient = unconfiguredProvider{}
	}

	gate := provider.NewGate(provider.BudgetConfig{
		CallsPerSecond: cfg.Budget.CallsPerSecond,
		Burst:          cfg.Budget.Burst,
		DailyBudget:    cfg.Budget.DailyBudget,
	}, nil)

	engine := invalidation.New(st, records, oracle, nil, nil, invalidation.Config{
		ConfidenceThreshold:    cfg.Invalidation.ConfidenceThreshold,
		TrafficFreshnessWindow: cfg.Invalidation.TrafficFreshnessWindow,
	})
	executor := warming.NewExecutor(queue, st, providerClient, gate, nil, nil, warming.ExecutorConfig{
		Concurrency:  cfg.Warming.Concurrency,
		BatchSize:    cfg.Warming.BatchSize,
		FetchTimeout: cfg.Warming.FetchTimeout,
		RetryBase:    cfg.Warming.RetryBase,
		DefaultTTL:   time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
	})
	aggregator := stats.New(st, buckets, nil)

	sched := schedule.Default()
	if cfg.Schedule.RushInterval > 0 {
		sched.RushInterval = cfg.Schedule.RushInterval
	}
	if cfg.Schedule.BusinessInterval > 0 {
		sched.BusinessInterval = cfg.Schedule.BusinessInterval
	}
	if cfg.Schedule.OffInterval > 0 {
		sched.OffInterval = cfg.Schedule.OffInterval
	}
	if len(cfg.Schedule.RushWindows) > 0 {
		rush := make([]schedule.Window, 0, len(cfg.Schedule.RushWindows))
		for _, w := range cfg.Schedule.RushWindows {
			win, err := schedule.ParseWindow(w)
			if err != nil {
				return fail(fmt.Errorf("rush window: %w", err))
			}
			rush = append(rush, win)
		}
		sched.Rush = rush
	}
	if cfg.Schedule.BusinessWindow != "" {
		win, err := schedule.ParseWindow(cfg.Schedule.BusinessWindow)
		if err != nil {
			return fail(fmt.Errorf("business window: %w", err))
		}
		sched.Business = win
	}

	runner := maintenance.NewRunner(locks, engine, executor, queue, records, aggregator, buckets,
		core.SystemClock{}, nil, maintenance.Config{
			PassTimeBudget:  cfg.Maintenance.PassTimeBudget,
			RecordRetention: time.Duration(cfg.Maintenance.RecordRetentionDays) * 24 * time.Hour,
			JobRetention:    time.Duration(cfg.Maintenance.JobRetentionDays) * 24 * time.Hour,
			StatsRetention:  time.Duration(cfg.Maintenance.StatsRetentionDays) * 24 * time.Hour,
			DryRun:          dryRun,
			Schedule:        sched,
		})
	return runner, cleanup, nil
}

// engineStores groups the persistence handles built on the primary
// connection.
type engineStores struct {
	persistent store.Backend
	queue      warming.Queue
	records    invalidation.RecordStore
	buckets    stats.BucketStore
	locks      maintenance.LockStore
}

// buildStores creates every table-backed store on the primary connection.
func buildStores(primary *storage.Handles, enc *codec.Codec, maxAttempts int) (engineStores, error) {
	var s engineStores
	var err error
	switch primary.Type() {
	case storage.TypeSQLite:
		db := primary.SQLiteDB()
		if s.persistent, err = store.NewSQLiteBackend(db, enc); err != nil {
			return s, err
		}
		q, err := warming.NewSQLiteQueue(db)
		if err != nil {
			return s, err
		}
		q.DefaultMaxAttempts = maxAttempts
		s.queue = q
		if s.records, err = invalidation.NewSQLiteRecordStore(db); err != nil {
			return s, err
		}
		if s.buckets, err = stats.NewSQLiteBucketStore(db); err != nil {
			return s, err
		}
		s.locks, err = maintenance.NewSQLiteLockStore(db)
		return s, err
	case storage.TypePostgreSQL:
		pool := primary.PostgresPool()
		if s.persistent, err = store.NewPostgresBackend(pool, enc); err != nil {
			return s, err
		}
		q, err := warming.NewPostgresQueue(pool)
		if err != nil {
			return s, err
		}
		q.DefaultMaxAttempts = maxAttempts
		s.queue = q
		if s.records, err = invalidation.NewPostgresRecordStore(pool); err != nil {
			return s, err
		}
		if s.buckets, err = stats.NewPostgresBucketStore(pool); err != nil {
			return s, err
		}
		s.locks, err = maintenance.NewPostgresLockStore(pool)
		return s, err
	default:
		return s, fmt.Errorf("storage type %s cannot serve as the primary store", primary.Type())
	}
}

// unconfiguredProvider fails every fetch; jobs retry and eventually fail
// with a clear message instead of panicking on a nil client.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Fetch(context.Context, core.RequestType, []byte) (*core.ProviderResult, error) {
	return nil, core.NewProviderError(core.KindProviderInvalid, "provider.fetch",
		"no provider base URL configured", nil)
}
