// Command latchd serves lock-guarded HTTP endpoints: GET /books is guarded
// by a Redis lock per token and POST /jobs by the coordination lock. Lock
// events stream on /events (SSE) and /events/ws, metrics on /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/config"
	"github.com/mirkobrombin/go-latch/v1/coord"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/logging"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	"github.com/mirkobrombin/go-latch/v1/watchbus"
)

var (
	backend = flag.String("backend", "redis", "Lock backends: redis (Redis + ZooKeeper) or memory (embedded)")
	addr    = flag.String("addr", "", "Listen address, overrides LATCH_HTTP_ADDR")
	traced  = flag.Bool("trace", false, "Export spans to stdout")
)

const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	logger := logging.New("latchd", cfg.LogLevel)
	if cfg.LogPretty {
		logger = logging.NewPretty("latchd", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("latchd stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *traced {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	var (
		rdb         redis.UniversalClient
		coordClient coord.Client
	)
	switch *backend {
	case "memory":
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("embedded redis: %w", err)
		}
		defer mr.Close()
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		coordClient = coord.NewMemoryStore().NewSession()
		logger.Info().Str("redis", mr.Addr()).Msg("using embedded backends")
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		zkc, err := coord.DialZK(ctx, coord.ZKOptions{
			Servers:        cfg.ZKServers,
			SessionTimeout: cfg.ZKSessionTimeout,
			Namespace:      cfg.ZKNamespace,
			RetryInterval:  cfg.ZKRetryInterval,
			MaxRetries:     cfg.ZKMaxRetries,
			Logger:         logging.Component(logger, "zookeeper"),
		})
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("zookeeper: %w", err)
		}
		coordClient = zkc
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	defer func() { _ = rdb.Close() }()
	defer func() { _ = coordClient.Close() }()

	bus, closeBus, err := newBus(cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("bus %s: %w", cfg.Bus, err)
	}
	defer closeBus()
	breaker := syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)

	var watch watchbus.WatchBus = watchbus.NewRedisWatchBus(rdb)
	if *backend == "memory" {
		watch = watchbus.NewInMemory()
	}

	sched := lock.NewScheduler(cfg.ReleaseWorkers, logger)
	books := lock.NewRedis(rdb,
		lock.WithBus(breaker),
		lock.WithWatchBus(watch),
		lock.WithLogger(logger),
		lock.WithScheduler(sched),
	)
	jobs, err := lock.NewCoordinated(ctx, coordClient,
		lock.WithWatchBus(watch),
		lock.WithLogger(logger),
		lock.WithMaxAttempts(cfg.AcquireMaxAttempts),
	)
	if err != nil {
		return err
	}

	srv := newServer(server{
		books:        books,
		jobs:         jobs,
		watch:        watch,
		bus:          breaker,
		registry:     reg,
		lease:        cfg.LeaseDuration,
		releaseDelay: cfg.ReleaseDelay,
		logger:       logging.Component(logger, "http"),
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("backend", *backend).Str("bus", cfg.Bus).Msg("latchd listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = jobs.Close()
	if cerr := sched.Close(sctx); cerr != nil {
		logger.Warn().Err(cerr).Msg("delayed releases dropped")
	}
	_ = books.Close(sctx)
	logger.Info().Msg("latchd stopped")
	return err
}

// newBus builds the release notification bus selected by cfg.Bus.
func newBus(cfg *config.Config, rdb redis.UniversalClient, logger zerolog.Logger) (syncbus.Bus, func(), error) {
	switch cfg.Bus {
	case "redis":
		b := syncbus.NewRedisBus(syncbus.RedisBusOptions{
			Client: rdb,
			Logger: logging.Component(logger, "redis_bus"),
		})
		return b, func() { _ = b.Close() }, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("latchd"))
		if err != nil {
			return nil, nil, err
		}
		return syncbus.NewNATSBus(nc), nc.Close, nil
	case "kafka":
		scfg := sarama.NewConfig()
		scfg.ClientID = "latchd"
		b, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, syncbus.DefaultKafkaTopic, scfg)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return syncbus.NewInMemoryBus(), func() {}, nil
	}
}
