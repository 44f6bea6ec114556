// Command server starts the StreamForge ingest and delivery control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oyerindedaniel/stream-forge/internal/api"
	"github.com/oyerindedaniel/stream-forge/internal/bus"
	"github.com/oyerindedaniel/stream-forge/internal/collector"
	"github.com/oyerindedaniel/stream-forge/internal/fanout"
	"github.com/oyerindedaniel/stream-forge/internal/lifecycle"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/observability/logging"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/queue"
	"github.com/oyerindedaniel/stream-forge/internal/server"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	storeDriver := flag.String("store-driver", "", "metadata store driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection")

	busDriver := flag.String("bus-driver", "", "event bus driver (memory or redis)")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the bus and queue")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")

	maxFileSize := flag.Int64("max-file-size", 0, "maximum accepted upload size in bytes")
	multipartThreshold := flag.Int64("multipart-threshold", 0, "size in bytes above which uploads go multipart")
	multipartChunkBytes := flag.Int64("multipart-chunk-bytes", 0, "multipart part size in bytes")
	maxMultipartParts := flag.Int("max-multipart-parts", 0, "provider multipart part ceiling")
	presignTTL := flag.Duration("presign-ttl", 0, "presigned URL validity window")
	validationParallelism := flag.Int("validation-parallelism", 0, "concurrent part reads during checksum validation")
	validationWall := flag.Duration("validation-wall", 0, "wall-clock bound for checksum validation per video")

	abandonedTTL := flag.Duration("abandoned-ttl", 0, "age after which incomplete multipart uploads are aborted")
	collectorCadence := flag.String("collector-cadence", "", "collector schedule (cron spec or @every duration)")

	queueAttempts := flag.Int("queue-attempts", 0, "transcode job retry budget")
	queueBackoff := flag.Duration("queue-backoff", 0, "base delay for exponential job retry backoff")
	subscriberQueueDepth := flag.Int("subscriber-queue-depth", 0, "fan-out backpressure buffer per subscriber")

	rateGlobalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	rateGlobalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound for graceful shutdown")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := strings.ToLower(firstNonEmpty(*mode, os.Getenv("STREAMFORGE_MODE"), "development"))
	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMFORGE_ADDR"), ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("STREAMFORGE_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("STREAMFORGE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("STREAMFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("STREAMFORGE_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("STREAMFORGE_OBJECT_BUCKET")),
		UseSSL:         envBool(*objectUseSSL, "STREAMFORGE_OBJECT_USE_SSL", logger),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("STREAMFORGE_OBJECT_PUBLIC_ENDPOINT")),
	})
	if err != nil {
		logger.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}

	repo, err := openRepository(ctx, repositoryOptions{
		Driver:          strings.ToLower(firstNonEmpty(*storeDriver, os.Getenv("STREAMFORGE_STORE_DRIVER"), "memory")),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("STREAMFORGE_POSTGRES_DSN")),
		MaxConns:        int32(*postgresMaxConns),
		MinConns:        int32(*postgresMinConns),
		MaxConnLifetime: *postgresMaxConnLifetime,
		MaxConnIdleTime: *postgresMaxConnIdle,
		AcquireTimeout:  *postgresAcquireTimeout,
	})
	if err != nil {
		logger.Error("failed to initialise metadata store", "error", err)
		os.Exit(1)
	}
	defer closeWithTimeout(repo.Close, logger, "metadata store")

	redis := redisSettings{
		Addr:     firstNonEmpty(*redisAddr, os.Getenv("STREAMFORGE_REDIS_ADDR")),
		Username: firstNonEmpty(*redisUsername, os.Getenv("STREAMFORGE_REDIS_USERNAME")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("STREAMFORGE_REDIS_PASSWORD")),
	}

	eventBus, err := openBus(strings.ToLower(firstNonEmpty(*busDriver, os.Getenv("STREAMFORGE_BUS_DRIVER"), "memory")), redis, logger)
	if err != nil {
		logger.Error("failed to initialise event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()

	attempts := envInt(*queueAttempts, "STREAMFORGE_QUEUE_ATTEMPTS", logger)
	if attempts <= 0 {
		if serverMode == "production" {
			attempts = 3
		} else {
			attempts = 1
		}
	}
	jobOptions := queue.Options{
		Attempts:    attempts,
		BackoffBase: durationOr(*queueBackoff, os.Getenv("STREAMFORGE_QUEUE_BACKOFF"), 5*time.Second, logger),
	}
	producer, err := openQueue(strings.ToLower(firstNonEmpty(*queueDriver, os.Getenv("STREAMFORGE_QUEUE_DRIVER"), "memory")), redis, jobOptions, logger)
	if err != nil {
		logger.Error("failed to initialise job queue", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	sessions := upload.NewManager(upload.Config{
		Store:                 repo,
		Objects:               objects,
		Logger:                logging.WithComponent(logger, "upload"),
		MaxFileSize:           envInt64(*maxFileSize, "STREAMFORGE_MAX_FILE_SIZE", logger),
		MultipartThreshold:    envInt64(*multipartThreshold, "STREAMFORGE_MULTIPART_THRESHOLD", logger),
		ChunkBytes:            envInt64(*multipartChunkBytes, "STREAMFORGE_MULTIPART_CHUNK_BYTES", logger),
		MaxMultipartParts:     envInt(*maxMultipartParts, "STREAMFORGE_MAX_MULTIPART_PARTS", logger),
		PresignTTL:            durationOr(*presignTTL, os.Getenv("STREAMFORGE_PRESIGN_TTL"), time.Hour, logger),
		ValidationParallelism: envInt(*validationParallelism, "STREAMFORGE_VALIDATION_PARALLELISM", logger),
		ValidationWall:        durationOr(*validationWall, os.Getenv("STREAMFORGE_VALIDATION_WALL"), 120*time.Second, logger),
	})

	controller := lifecycle.NewController(lifecycle.ControllerConfig{
		Store:    repo,
		Objects:  objects,
		Sessions: sessions,
		Logger:   logging.WithComponent(logger, "lifecycle"),
	})

	hub := fanout.NewHub(fanout.HubConfig{
		Logger:            logging.WithComponent(logger, "fanout"),
		Metrics:           recorder,
		QueueDepth:        envInt(*subscriberQueueDepth, "STREAMFORGE_SUBSCRIBER_QUEUE_DEPTH", logger),
		HeartbeatInterval: 30 * time.Second,
	})
	defer hub.Close()

	consumer := lifecycle.NewConsumer(lifecycle.ConsumerConfig{
		Store:  repo,
		Bus:    eventBus,
		Fanout: hub,
		Logger: logging.WithComponent(logger, "consumer"),
	})
	consumer.Start(ctx)
	defer consumer.Stop()

	relay := queue.NewRelay(queue.RelayConfig{
		Store:    repo,
		Producer: producer,
		Logger:   logging.WithComponent(logger, "relay"),
	})
	relay.Start(ctx)
	defer relay.Stop()

	sweeper := collector.New(collector.Config{
		Store:   repo,
		Objects: objects,
		Logger:  logging.WithComponent(logger, "collector"),
		Metrics: recorder,
		TTL:     durationOr(*abandonedTTL, os.Getenv("STREAMFORGE_ABANDONED_TTL"), 24*time.Hour, logger),
	})
	cadence := firstNonEmpty(*collectorCadence, os.Getenv("STREAMFORGE_COLLECTOR_CADENCE"), "@every 6h")
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cadence, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if err := sweeper.Sweep(sweepCtx); err != nil {
			logger.Error("collector sweep failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid collector cadence", "cadence", cadence, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := &api.Handler{
		Controller: controller,
		Hub:        hub,
		Store:      repo,
		Objects:    objects,
		Logger:     logging.WithComponent(logger, "api"),
		Metrics:    recorder,
	}
	srv := server.New(handler, server.Config{
		Addr: listenAddr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   envFloat(*rateGlobalRPS, "STREAMFORGE_RATE_GLOBAL_RPS", logger),
			GlobalBurst: envInt(*rateGlobalBurst, "STREAMFORGE_RATE_GLOBAL_BURST", logger),
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})

	logger.Info("server starting", "addr", listenAddr, "mode", serverMode)
	if err := srv.Run(ctx, durationOr(*shutdownTimeout, os.Getenv("STREAMFORGE_SHUTDOWN_TIMEOUT"), 10*time.Second, logger)); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envBool(flagValue bool, envName string, logger *slog.Logger) bool {
	if flagValue {
		return true
	}
	raw, ok := os.LookupEnv(envName)
	if !ok {
		return false
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("invalid boolean environment value", "name", envName, "value", raw, "error", err)
		return false
	}
	return value
}

func envInt(flagValue int, envName string, logger *slog.Logger) int {
	if flagValue != 0 {
		return flagValue
	}
	raw, ok := os.LookupEnv(envName)
	if !ok {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		logger.Warn("invalid integer environment value", "name", envName, "value", raw, "error", err)
		return 0
	}
	return value
}

func envInt64(flagValue int64, envName string, logger *slog.Logger) int64 {
	if flagValue != 0 {
		return flagValue
	}
	raw, ok := os.LookupEnv(envName)
	if !ok {
		return 0
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		logger.Warn("invalid integer environment value", "name", envName, "value", raw, "error", err)
		return 0
	}
	return value
}

func envFloat(flagValue float64, envName string, logger *slog.Logger) float64 {
	if flagValue != 0 {
		return flagValue
	}
	raw, ok := os.LookupEnv(envName)
	if !ok {
		return 0
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		logger.Warn("invalid float environment value", "name", envName, "value", raw, "error", err)
		return 0
	}
	return value
}

func durationOr(flagValue time.Duration, envValue string, fallback time.Duration, logger *slog.Logger) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if trimmed := strings.TrimSpace(envValue); trimmed != "" {
		value, err := time.ParseDuration(trimmed)
		if err != nil {
			logger.Warn("invalid duration value", "value", trimmed, "error", err)
		} else if value > 0 {
			return value
		}
	}
	return fallback
}

type repositoryOptions struct {
	Driver          string
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
}

func openRepository(ctx context.Context, opts repositoryOptions) (store.Repository, error) {
	switch opts.Driver {
	case "", "memory":
		return store.NewMemoryRepository(), nil
	case "postgres":
		return store.NewPostgresRepository(ctx, store.PostgresConfig{
			DSN:             opts.DSN,
			MaxConnections:  opts.MaxConns,
			MinConnections:  opts.MinConns,
			MaxConnLifetime: opts.MaxConnLifetime,
			MaxConnIdleTime: opts.MaxConnIdleTime,
			AcquireTimeout:  opts.AcquireTimeout,
			ApplicationName: "streamforge-server",
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

type redisSettings struct {
	Addr     string
	Username string
	Password string
}

func openBus(driver string, redis redisSettings, logger *slog.Logger) (bus.Bus, error) {
	switch driver {
	case "", "memory":
		return bus.NewMemoryBus(0), nil
	case "redis":
		return bus.NewRedisBus(bus.RedisBusConfig{
			Addr:     redis.Addr,
			Username: redis.Username,
			Password: redis.Password,
			Logger:   logging.WithComponent(logger, "bus"),
		})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", driver)
	}
}

func openQueue(driver string, redis redisSettings, opts queue.Options, logger *slog.Logger) (queue.Producer, error) {
	switch driver {
	case "", "memory":
		return queue.NewMemoryQueue(opts), nil
	case "redis":
		return queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:     redis.Addr,
			Username: redis.Username,
			Password: redis.Password,
			Logger:   logging.WithComponent(logger, "queue"),
			Options:  opts,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", driver)
	}
}

func closeWithTimeout(close func(context.Context) error, logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := close(ctx); err != nil {
		logger.Warn("close failed", "component", name, "error", err)
	}
}
