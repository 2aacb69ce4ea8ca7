package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"bookable/engine/internal/abuse"
	"bookable/engine/internal/availability"
	"bookable/engine/internal/booking"
	"bookable/engine/internal/config"
	"bookable/engine/internal/conflict"
	"bookable/engine/internal/event"
	"bookable/engine/internal/policy"
	"bookable/engine/internal/series"
	"bookable/engine/internal/store"
	"bookable/engine/internal/store/memory"
	"bookable/engine/internal/store/postgres"
	transport "bookable/engine/internal/transport/http"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "bookable-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "bookable-server"),
	)
	slog.SetDefault(log)

	log.Info("starting", slog.String("http_addr", cfg.HTTPAddr), slog.String("log_level", cfg.LogLevel))

	var st store.Store
	if cfg.DatabaseURL == "memory" {
		// Single-process mode for local development and smoke tests.
		log.Warn("using in-memory store; data is not persisted")
		st = memory.New(cfg.LockTimeout)
	} else {
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			os.Exit(1)
		}
		defer func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}()
		st = postgres.NewRepo(db, cfg.LockTimeout)
	}

	defaults := policy.Rules{
		MinLeadTime:  cfg.MinLeadTime,
		MaxAdvance:   cfg.MaxAdvance,
		SlotStep:     cfg.SlotStep,
		BufferBefore: cfg.BufferBefore,
		BufferAfter:  cfg.BufferAfter,
	}

	var publisher event.Publisher = event.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer func() {
			if err := kp.Close(); err != nil {
				log.Warn("kafka publisher close failed", slog.Any("err", err))
			}
		}()
		publisher = kp
	}

	coordinator := booking.NewCoordinator(st, defaults, publisher, log)
	calculator := availability.NewCalculator(st, conflict.NewDetector(st), defaults)
	planner := series.NewPlanner(st, coordinator, log)

	var counters abuse.CounterStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		counters = abuse.NewRedisCounterStore(rdb)
	} else {
		log.Warn("using in-process abuse counters; limits are per instance")
		counters = abuse.NewMemoryCounterStore()
	}
	guard := abuse.NewGuard(counters, cfg.AbuseSoftThreshold, cfg.AbuseHardThreshold, cfg.AbuseWindow)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := event.NewPaymentConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaPaymentsTopic, coordinator, log)
		go consumer.Run(ctx)
	}

	handler := transport.NewHandler(calculator, coordinator, planner, st, guard, log)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: transport.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, srv, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func shutdown(log *slog.Logger, srv *http.Server, timeout time.Duration) {
	log.Info("shutting down http server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed; forcing close", slog.Any("err", err))
		_ = srv.Close()
		return
	}
	log.Info("http server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
