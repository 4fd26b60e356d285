// Command server starts the VodForge API HTTP service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/api"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/server"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/worker"
)

const defaultAddr = ":8080"

func main() {
	// A missing .env file is not an error; explicit env always wins.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore for the memory driver")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. https://<account>.r2.cloudflarestorage.com)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPublicURL := flag.String("object-public-url", "", "public base URL used for playback links")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style object storage addressing")
	queueDriver := flag.String("queue-driver", "", "job queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueReclaimIdle := flag.Duration("queue-reclaim-idle", 0, "idle time before an unacked job may be claimed by another worker")
	progressDriver := flag.String("progress-store", "", "progress store driver (memory or redis)")
	progressRedisAddr := flag.String("progress-redis-addr", "", "Redis address for the progress store")
	progressTTL := flag.Duration("progress-ttl", 0, "lifetime of an untouched progress record")
	runWorker := flag.Bool("worker", false, "run an in-process transcoding worker pool")
	workerCount := flag.Int("worker-count", 0, "transcoding workers in the in-process pool")
	jobTimeout := flag.Duration("job-timeout", 0, "bound on a single transcode job")
	workDir := flag.String("work-dir", "", "directory for per-job scratch space")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	corsOrigins := flag.String("cors-origins", "", "comma separated allowed CORS origins")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})

	store, err := openStore(storeSettings{
		Driver:   firstNonEmpty(*storageDriver, os.Getenv("VODFORGE_STORAGE_DRIVER")),
		DataPath: firstNonEmpty(*dataPath, os.Getenv("VODFORGE_DATA")),
		DSN:      firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns: resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS"),
		MinConns: resolveInt(*postgresMinConns, "VODFORGE_POSTGRES_MIN_CONNS"),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	publicURL := firstNonEmpty(*objectPublicURL, os.Getenv("VODFORGE_OBJECT_PUBLIC_URL"))
	var objects objectstore.Gateway
	bucket := firstNonEmpty(*objectBucket, os.Getenv("VODFORGE_OBJECT_BUCKET"))
	if bucket != "" {
		objects, err = objectstore.NewS3Gateway(context.Background(), objectstore.S3Config{
			Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VODFORGE_OBJECT_ENDPOINT")),
			Region:         firstNonEmpty(*objectRegion, os.Getenv("VODFORGE_OBJECT_REGION")),
			Bucket:         bucket,
			AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VODFORGE_OBJECT_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VODFORGE_OBJECT_SECRET_KEY")),
			PublicBaseURL:  publicURL,
			ForcePathStyle: resolveBool(*objectPathStyle, "VODFORGE_OBJECT_PATH_STYLE"),
		})
		if err != nil {
			logger.Error("failed to configure object storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("object storage bucket not configured, using in-memory gateway")
		objects = objectstore.NewMemoryGateway(publicURL)
	}

	redisQueueAddr := firstNonEmpty(*queueRedisAddr, os.Getenv("VODFORGE_QUEUE_REDIS_ADDR"))
	queueDriverValue := strings.ToLower(firstNonEmpty(*queueDriver, os.Getenv("VODFORGE_QUEUE_DRIVER")))
	if queueDriverValue == "" {
		if redisQueueAddr != "" {
			queueDriverValue = "redis"
		} else {
			queueDriverValue = "memory"
		}
	}
	var jobs queue.Queue
	switch queueDriverValue {
	case "memory":
		jobs = queue.NewMemoryQueue(64)
	case "redis":
		jobs, err = queue.NewRedisQueue(queue.RedisQueueConfig{
			Addr:        redisQueueAddr,
			Username:    firstNonEmpty(*queueRedisUsername, os.Getenv("VODFORGE_QUEUE_REDIS_USERNAME")),
			Password:    firstNonEmpty(*queueRedisPassword, os.Getenv("VODFORGE_QUEUE_REDIS_PASSWORD")),
			Stream:      firstNonEmpty(*queueRedisStream, os.Getenv("VODFORGE_QUEUE_REDIS_STREAM")),
			Group:       firstNonEmpty(*queueRedisGroup, os.Getenv("VODFORGE_QUEUE_REDIS_GROUP")),
			ReclaimIdle: resolveDuration(*queueReclaimIdle, "VODFORGE_QUEUE_RECLAIM_IDLE", 0),
			Logger:      logging.WithComponent(logger, "queue"),
		})
		if err != nil {
			logger.Error("failed to configure job queue", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported queue driver", "driver", queueDriverValue)
		os.Exit(1)
	}

	progressStore, err := openProgressStore(
		firstNonEmpty(*progressDriver, os.Getenv("VODFORGE_PROGRESS_STORE")),
		firstNonEmpty(*progressRedisAddr, os.Getenv("VODFORGE_PROGRESS_REDIS_ADDR"), redisQueueAddr),
		resolveDuration(*progressTTL, "VODFORGE_PROGRESS_TTL", 0),
	)
	if err != nil {
		logger.Error("failed to configure progress store", "error", err)
		os.Exit(1)
	}
	notifier := progress.NewNotifier(16)

	handler := api.NewHandler(store, objects, jobs, progressStore, notifier, logging.WithComponent(logger, "api"))

	// The memory queue has no external consumers, so the worker pool always
	// runs in-process there. With Redis the pool is opt-in; standalone
	// workers are the expected deployment.
	var processor *worker.Processor
	if queueDriverValue == "memory" || resolveBool(*runWorker, "VODFORGE_WORKER") {
		engine := transcode.NewFFmpegEngine(logging.WithComponent(logger, "transcode"))
		if path := firstNonEmpty(*ffmpegPath, os.Getenv("VODFORGE_FFMPEG_PATH")); path != "" {
			engine.FFmpegPath = path
		}
		if path := firstNonEmpty(*ffprobePath, os.Getenv("VODFORGE_FFPROBE_PATH")); path != "" {
			engine.FFprobePath = path
		}
		processor = worker.NewProcessor(worker.Config{
			Store:    store,
			Objects:  objects,
			Queue:    jobs,
			Progress: progressStore,
			Notifier: notifier,
			Engine:   engine,
			Workers:  resolveInt(*workerCount, "VODFORGE_WORKER_COUNT"),
			Timeout:  resolveDuration(*jobTimeout, "VODFORGE_JOB_TIMEOUT", 0),
			WorkDir:  firstNonEmpty(*workDir, os.Getenv("VODFORGE_WORK_DIR")),
			Logger:   logging.WithComponent(logger, "worker"),
		})
		processor.Start()
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("VODFORGE_ADDR"), defaultAddr)
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODFORGE_TLS_KEY")),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VODFORGE_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: metrics.Default(),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("vodforge api listening", "addr", listenAddr, "storage", storeDriverName(store), "queue", queueDriverValue)
	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if processor != nil {
		if err := processor.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop worker pool", "error", err)
		}
	}
	if err := jobs.Close(); err != nil {
		logger.Warn("failed to close job queue", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("vodforge api stopped")
}

type storeSettings struct {
	Driver   string
	DataPath string
	DSN      string
	MaxConns int
	MinConns int
}

func openStore(settings storeSettings) (storage.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return storage.NewStorage(settings.DataPath)
	case "postgres":
		return storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:            settings.DSN,
			MaxConnections: int32(settings.MaxConns),
			MinConnections: int32(settings.MinConns),
		})
	default:
		return nil, errUnsupportedDriver(driver)
	}
}

type errUnsupportedDriver string

func (e errUnsupportedDriver) Error() string {
	return "unsupported storage driver " + strconv.Quote(string(e))
}

func storeDriverName(store storage.Repository) string {
	if _, ok := store.(*storage.Storage); ok {
		return "memory"
	}
	return "postgres"
}

func openProgressStore(driver, redisAddr string, ttl time.Duration) (progress.Store, error) {
	resolved := strings.ToLower(strings.TrimSpace(driver))
	if resolved == "" {
		if redisAddr != "" {
			resolved = "redis"
		} else {
			resolved = "memory"
		}
	}
	switch resolved {
	case "memory":
		return progress.NewMemoryStore(ttl), nil
	case "redis":
		return progress.NewRedisStore(progress.RedisStoreConfig{Addr: redisAddr, TTL: ttl})
	default:
		return nil, errUnsupportedDriver(resolved)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
