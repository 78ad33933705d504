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

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"bleattend/internal/attendance"
	"bleattend/internal/auth"
	"bleattend/internal/config"
	"bleattend/internal/device"
	"bleattend/internal/hardware"
	"bleattend/internal/httpapi"
	"bleattend/internal/httpmiddleware"
	"bleattend/internal/ingest"
	"bleattend/internal/livecache"
	"bleattend/internal/metrics"
	"bleattend/internal/queue"
	"bleattend/internal/scan"
	"bleattend/internal/schedule"
	"bleattend/internal/store"
	"bleattend/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if cfg.Env == "dev" {
		logger = logger.Leveled(slog.LevelDebug)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(cfg, os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	for _, w := range cfg.Warnings {
		logger.Warn(ctx, "config", slog.F("warning", w))
	}
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "server failed", slog.Error(err))
	}
}

// mintToken prints a signed token for a gateway or an operator.
func mintToken(cfg config.App, args []string, w io.Writer) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.String("subject", "", "token subject, e.g. a gateway id")
	role := fs.String("role", auth.RoleGateway, "gateway or admin")
	ttl := fs.Duration("ttl", cfg.AccessTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return xerrors.New("--subject is required")
	}
	tok, exp, err := auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, *ttl, nil).Issue(*subject, *role)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
	return err
}

func run(ctx context.Context, cfg config.App, logger slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return xerrors.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	clock := quartz.NewReal()
	m := metrics.New(prometheus.DefaultRegisterer)

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return xerrors.Errorf("migrate: %w", err)
	}

	rdb, err := store.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		if cfg.QueueBackend == "redis" {
			return err
		}
		logger.Warn(ctx, "redis unavailable, live cache disabled", slog.Error(err))
	} else {
		defer rdb.Close()
	}

	var sink telemetry.Sink = telemetry.Nop{}
	if cfg.MongoURI != "" {
		client, err := telemetry.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		mongoSink, err := telemetry.NewMongoSink(ctx, client, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer mongoSink.Close()
		sink = mongoSink
		logger.Info(ctx, "telemetry enabled", slog.F("database", cfg.MongoDatabase))
	}

	inbound, outbound, closeQueues, err := openQueues(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeQueues()

	monitor := hardware.NewMonitor(hardware.Options{
		Sampler:         hardware.NewHostSampler(nil),
		Clock:           clock,
		Logger:          logger,
		Metrics:         m,
		Interval:        cfg.SampleInterval,
		CPUThreshold:    cfg.CPUThreshold,
		MemoryThreshold: cfg.MemoryThreshold,
	})

	attRepo := attendance.NewRepository(db.Client)
	trackerOpts := attendance.Options{
		Store:     attRepo,
		Matcher:   schedule.NewMatcher(attRepo, loc, cfg.ScheduleBuffer),
		Location:  loc,
		Clock:     clock,
		Logger:    logger,
		Metrics:   m,
		Telemetry: sink,
		Notifier:  ingest.SignalPublisher{Queue: outbound},
		Settings: attendance.Settings{
			LateThresholdMinutes:    cfg.LateThresholdMinutes,
			AbsentThresholdMinutes:  cfg.AbsentThresholdMinutes,
			AutoMarkAbsentEnabled:   cfg.AutoMarkAbsent,
			MinimumPresenceDuration: cfg.MinimumPresenceDuration,
			MaxSessionGapMinutes:    cfg.MaxSessionGapMinutes,
			MinConfidence:           cfg.MinConfidence,
		},
	}
	var live *livecache.Cache
	if rdb != nil {
		live = livecache.New(rdb.Client)
		trackerOpts.Live = live
	}
	tracker := attendance.NewTracker(trackerOpts)
	sweeper := attendance.NewSweeper(tracker, attRepo, logger, cfg.SweepInterval)

	registry := device.NewRegistry(device.Options{
		Store:         device.NewRepository(db.Client),
		Load:          monitor,
		Clock:         clock,
		Logger:        logger,
		Metrics:       m,
		DeviceTimeout: cfg.DeviceTimeout,
		DrainInterval: cfg.DrainInterval,
		MaxQueueSize:  cfg.MaxQueueSize,
	})
	scans := scan.NewController(scan.Options{
		Requester:     scan.QueueRequester{Queue: outbound},
		Load:          monitor,
		Clock:         clock,
		Logger:        logger,
		Metrics:       m,
		Interval:      cfg.ScanInterval,
		MaxConcurrent: cfg.MaxConcurrentScan,
	})
	consumer := ingest.NewConsumer(inbound, tracker, registry, logger)

	health := map[string]httpapi.HealthCheck{"db": db.Healthy}
	if rdb != nil {
		health["redis"] = rdb.Healthy
	}
	var latest httpapi.LatestReader
	if live != nil {
		latest = live
	}
	router := httpapi.New(httpapi.Options{
		Tracker:  tracker,
		Registry: registry,
		Scanner:  scans,
		Load:     monitor,
		Sweeper:  sweeper,
		Resolver: consumer,
		Latest:   latest,
		Signer:   auth.NewSigner(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.AccessTTL, clock),
		Limiter:  httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, clock),
		Health:   health,
		Location: loc,
		Clock:    clock,
		Logger:   logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	waiters := []quartz.Waiter{
		monitor.Start(ctx),
		registry.Start(ctx),
		sweeper.Start(ctx),
		clock.TickerFunc(ctx, cfg.CleanupInterval, func() error {
			if n := registry.CleanupInactive(); n > 0 {
				logger.Debug(ctx, "evicted inactive devices", slog.F("count", n))
			}
			return nil
		}, "device_cleanup"),
	}
	for _, w := range waiters {
		eg.Go(func() error {
			if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error { return consumer.Run(ctx) })
	if mem, ok := outbound.(*queue.InMemory); ok {
		eg.Go(func() error { return logOutbound(ctx, mem, logger) })
	}
	eg.Go(func() error {
		logger.Info(ctx, "http server listening", slog.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("listen: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info(context.Background(), "shutting down")
		scans.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// openQueues returns the queue detections arrive on and the queue scan
// requests and session signals leave on.
func openQueues(cfg config.App, rdb *store.Redis, logger slog.Logger) (queue.Queue, queue.Queue, func(), error) {
	switch strings.ToLower(cfg.QueueBackend) {
	case "memory":
		return queue.NewInMemory(256), queue.NewInMemory(256), func() {}, nil
	case "redis":
		return queue.NewRedisQueue(rdb.Client, cfg.QueueKey, logger),
			queue.NewRedisQueue(rdb.Client, cfg.QueueKey+":outbound", logger),
			func() {}, nil
	case "kafka":
		in, err := queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		out, err := queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic+".outbound", cfg.KafkaGroup, logger)
		if err != nil {
			_ = in.Close()
			return nil, nil, nil, err
		}
		return in, out, func() {
			_ = out.Close()
			_ = in.Close()
		}, nil
	}
	return nil, nil, nil, xerrors.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// logOutbound stands in for the radio driver when everything runs in process.
func logOutbound(ctx context.Context, q *queue.InMemory, logger slog.Logger) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		logger.Debug(ctx, "outbound message", slog.F("type", msg.Type), slog.F("key", msg.Key))
	}
	return nil
}
