// Command paygate runs the idempotent payment API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"paygate"
	"paygate/admin"
	"paygate/api"
	"paygate/circuit"
	circuitmem "paygate/circuit/memory"
	"paygate/event"
	"paygate/lock"
	redislock "paygate/lock/redis"
	prommetrics "paygate/metrics/prometheus"
	"paygate/provider"
	"paygate/provider/asyncsim"
	"paygate/provider/syncsim"
	"paygate/recovery"
	memstore "paygate/store/memory"
	"paygate/store/sqlstore"
	"paygate/tracing"
)

func main() {
	lookup, err := withEnvFile(os.LookupEnv, getEnvOrDefault(os.LookupEnv, "PAYGATE_ENV_FILE", ".env"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: %v\n", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(lookup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paygate: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("paygate stopped with error", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.New(prommetrics.Config{Namespace: "paygate", Registry: reg})
	bus := event.NewMemoryEventBus(event.WithLogger(logger))
	eventLog := admin.NewEventStore(1000)
	if err := bus.SubscribeAll(eventLog.EventHandler()); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	engineCfg := paygate.ApplyOptions(paygate.WithIdempotencyTTL(cfg.IdempotencyTTL))

	breakerCfg := engineCfg.ToBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		metrics.CircuitStateChanged(name, to)
		typ := event.EventCircuitClosed
		if to == circuit.StateOpen {
			typ = event.EventCircuitOpened
		}
		_ = bus.Publish(context.Background(), event.NewEvent(typ).
			WithProvider(name).
			WithData("from", from.String()).
			WithData("to", to.String()))
		logger.Warn("provider circuit changed state",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	dispatcher, err := provider.NewDispatcher(
		[]provider.Strategy{
			syncsim.New(syncsim.WithLogger(logger)),
			asyncsim.New(asyncsim.WithLogger(logger)),
		},
		provider.WithBreaker(circuitmem.NewMemoryBreakerWithConfig(breakerCfg), breakerCfg),
		provider.WithTimeout(engineCfg.ChargeTimeout),
		provider.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	engine, err := paygate.NewEngine(
		paygate.WithEngineStore(store),
		paygate.WithEngineDispatcher(dispatcher),
		paygate.WithEngineEventBus(bus),
		paygate.WithEngineMetrics(metrics),
		paygate.WithEngineTracer(tracing.NewOTelTracer(tracing.DefaultConfig())),
		paygate.WithEngineLogger(logger),
		paygate.WithEngineConfig(engineCfg),
	)
	if err != nil {
		return err
	}

	worker, err := recovery.NewWorker(
		recovery.WithStore(store),
		recovery.WithSweeper(engine),
		recovery.WithLocker(locker),
		recovery.WithEventBus(bus),
		recovery.WithMetrics(metrics),
		recovery.WithConfig(recovery.ConfigFromEngine(engineCfg)),
		recovery.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop()

	if cfg.APIKey == "" {
		logger.Warn("PAYGATE_API_KEY is not set, payment routes will reject every request")
	}
	server := api.NewServer(engine,
		api.WithAPIKey(cfg.APIKey),
		api.WithMaxBodyBytes(cfg.MaxBodyBytes),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		api.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ops, err := admin.NewAdmin(
		admin.WithStore(store),
		admin.WithSweeper(engine),
		admin.WithBreakers(dispatcher),
		admin.WithRecovery(worker),
		admin.WithEventStore(eventLog),
		admin.WithConfig(engineCfg),
		admin.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	adminServer := admin.NewAdminServer(ops,
		admin.WithAddr(cfg.AdminAddr),
		admin.WithServerEventStore(eventLog),
		admin.WithServerAPIKey(cfg.APIKey),
		admin.WithServerLogger(logger),
	)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("paygate listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := adminServer.Start(); err != nil {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := adminServer.Stop(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown failed", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// openStore connects the SQL store, or an in-memory store when no DSN is set.
func openStore(ctx context.Context, cfg config, logger *zap.Logger) (paygate.RecordStore, func(), error) {
	if cfg.DBDSN == "" {
		logger.Warn("PAYGATE_DB_DSN is not set, using the in-memory store")
		return memstore.New(), func() {}, nil
	}

	db, err := sql.Open(cfg.DBDialect.DriverName(), cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	store := sqlstore.New(db, cfg.DBDialect)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("database schema ensured", zap.String("dialect", string(cfg.DBDialect)))
	}
	return store, func() { _ = db.Close() }, nil
}

// openLocker connects the Redis leader lock, or an in-process lock when no
// Redis address is set.
func openLocker(ctx context.Context, cfg config, logger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("PAYGATE_REDIS_ADDR is not set, recovery lock is local to this process")
		return lock.NewLocalLocker(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return redislock.NewRedisLocker(client), func() { _ = client.Close() }, nil
}
