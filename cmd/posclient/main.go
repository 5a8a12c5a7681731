package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kasirinaja/tabclient/internal/cache"
	"kasirinaja/tabclient/internal/cashbox"
	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/config"
	"kasirinaja/tabclient/internal/domain"
	"kasirinaja/tabclient/internal/httpapi"
	"kasirinaja/tabclient/internal/ledger"
	"kasirinaja/tabclient/internal/ledger/httpledger"
	"kasirinaja/tabclient/internal/ledger/memory"
	"kasirinaja/tabclient/internal/observability/logger"
	"kasirinaja/tabclient/internal/observability/metrics"
	"kasirinaja/tabclient/internal/offline"
	"kasirinaja/tabclient/internal/queue"
	queuemem "kasirinaja/tabclient/internal/queue/memory"
	pgqueue "kasirinaja/tabclient/internal/queue/postgres"
	"kasirinaja/tabclient/internal/queue/redisqueue"
	"kasirinaja/tabclient/internal/queue/sqlite"
	"kasirinaja/tabclient/internal/session"
	"kasirinaja/tabclient/internal/settlement"
	"kasirinaja/tabclient/internal/xid"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-pin" {
		os.Exit(runHashPIN(os.Args[2:], os.Stdout, os.Stderr))
	}

	cfg := config.Load()
	log, err := logger.New(logger.Config{
		ServiceName: "posclient",
		Environment: cfg.Environment,
		DeviceID:    cfg.DeviceID,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("posclient stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("posclient stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	clk := clock.SystemClock{}
	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Warn("close error", zap.Error(err))
			}
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var client ledger.Client
	sessions := session.NewHolder(session.Options{
		Clock:         clk,
		CheckInterval: cfg.SessionCheckInterval(),
		Validate: func(ctx context.Context) error {
			_, err := client.CashBoxStatus(ctx, cfg.CashBoxCode)
			return err
		},
		Log: log.Named("session"),
	})
	defer sessions.End()

	if cfg.LedgerBaseURL != "" {
		remote, err := httpledger.New(httpledger.Options{
			BaseURL:  cfg.LedgerBaseURL,
			Timeout:  cfg.LedgerTimeout(),
			DeviceID: cfg.DeviceID,
			Tokens:   sessions,
			Metrics:  m,
			Log:      log.Named("ledger"),
			Clock:    clk,
		})
		if err != nil {
			return err
		}
		client = remote
		log.Info("ledger: remote", zap.String("base_url", cfg.LedgerBaseURL))
	} else {
		client = memory.NewSeeded(log.Named("ledger"))
		log.Warn("ledger: in-memory demo, LEDGER_BASE_URL is not set")
	}

	q, closeQueue, err := openQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, closeQueue)

	splitCache := cache.SplitStatusCache(cache.NewMemorySplitStatusCache(clk))
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSplitStatusCache(redisqueue.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "posclient:")
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-process split cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			splitCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("split cache: redis")
		}
	}

	ids, err := xid.NewGenerator(cfg.NodeID)
	if err != nil {
		return err
	}
	var limiter *rate.Limiter
	if cfg.DrainRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DrainRatePerSecond), 1)
	}
	sales, err := offline.NewManager(offline.ManagerParams{
		Queue:   q,
		Ledger:  client,
		IDs:     ids,
		Limiter: limiter,
		Metrics: m,
		Log:     log.Named("offline"),
		Clock:   clk,
	})
	if err != nil {
		return err
	}
	monitor := offline.NewMonitor(sales, cfg.DrainInterval(), log.Named("offline"))
	events := make(chan domain.ConnectivityEvent, 8)
	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(ctx, events) }()

	engine := settlement.NewEngine(settlement.EngineParams{
		Ledger:  client,
		Split:   settlement.NewSplitCoordinator(client, splitCache, log.Named("split")),
		Items:   settlement.NewItemTracker(client, log.Named("items")),
		Metrics: m,
		Log:     log.Named("settlement"),
		Clock:   clk,
	})

	api := httpapi.New(httpapi.Params{
		Ledger:         client,
		Sessions:       sessions,
		Engine:         engine,
		Sales:          sales,
		Monitor:        monitor,
		CashBoxes:      cashbox.New(client, log.Named("cashbox")),
		Connectivity:   events,
		ManagerPINHash: cfg.ManagerPINHash,
		DefaultCashBox: cfg.CashBoxCode,
		AllowedOrigin:  cfg.AllowedOrigin,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Log:            log.Named("http"),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// ledger round trips for close can take two timeouts
		WriteTimeout: 2*cfg.LedgerTimeout() + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("posclient listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	if err := <-monitorDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("connectivity monitor stopped", zap.Error(err))
	}
	return nil
}

// openQueue picks the durable queue backend. A configured backend that
// cannot be reached is fatal: silently capturing into memory would lose
// sales on restart.
func openQueue(ctx context.Context, cfg config.Config, log *zap.Logger) (queue.Queue, func() error, error) {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.QueueDriver {
	case config.QueueDriverSQLite:
		q, err := sqlite.Open(openCtx, cfg.QueuePath, logger.NewGormLogger(log.Named("queue")))
		if err != nil {
			return nil, nil, err
		}
		log.Info("offline queue: sqlite", zap.String("path", cfg.QueuePath))
		return q, q.Close, nil
	case config.QueueDriverPostgres:
		q, err := pgqueue.New(openCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres queue: %w", err)
		}
		log.Info("offline queue: postgres")
		return q, q.Close, nil
	case config.QueueDriverRedis:
		q := redisqueue.New(redisqueue.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "posclient:"+cfg.DeviceID+":")
		if err := q.Ping(openCtx); err != nil {
			_ = q.Close()
			return nil, nil, fmt.Errorf("redis queue: %w", err)
		}
		log.Info("offline queue: redis", zap.String("addr", cfg.RedisAddr))
		return q, q.Close, nil
	case config.QueueDriverMemory:
		log.Warn("offline queue: memory, queued sales do not survive a restart")
		return queuemem.New(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}

func validateConfig(cfg config.Config) error {
	if !httpapi.IsPINHash(cfg.ManagerPINHash) {
		return errors.New("MANAGER_PIN_HASH must be a bcrypt hash; generate one with `posclient hash-pin <pin>`")
	}
	if cfg.DeviceID == "" {
		return errors.New("DEVICE_ID must be set")
	}
	if cfg.NodeID < 0 || cfg.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023, got %d", cfg.NodeID)
	}
	if cfg.IsProduction() && cfg.LedgerBaseURL == "" {
		return errors.New("LEDGER_BASE_URL must be set in production")
	}
	switch cfg.QueueDriver {
	case config.QueueDriverSQLite:
		if strings.TrimSpace(cfg.QueuePath) == "" {
			return errors.New("QUEUE_PATH must be set for the sqlite queue")
		}
	case config.QueueDriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set for the postgres queue")
		}
	case config.QueueDriverRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set for the redis queue")
		}
	case config.QueueDriverMemory:
		if cfg.IsProduction() {
			return errors.New("the memory queue is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
	return nil
}

func runHashPIN(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: posclient hash-pin <pin>")
		return 2
	}
	pin := strings.TrimSpace(args[0])
	if len(pin) < 6 || strings.Trim(pin, "0123456789") != "" {
		fmt.Fprintln(stderr, "PIN must be at least 6 digits")
		return 1
	}
	if err := validatePINStrength(pin); err != nil {
		fmt.Fprintf(stderr, "PIN is too weak: %v\n", err)
		return 1
	}
	hash, err := httpapi.HashPIN(pin)
	if err != nil {
		fmt.Fprintf(stderr, "hash PIN: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "101010": true, "696969": true,
	}
	if known[pin] {
		return errors.New("common PIN not allowed")
	}

	if strings.Count(pin, pin[:1]) == len(pin) {
		return errors.New("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return errors.New("sequential PIN not allowed")
	}
	return nil
}
