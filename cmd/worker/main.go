// Command worker runs a standalone transcoding worker pool. It consumes the
// Redis Streams job queue and shares the datastore, object storage, and
// progress store with the API service. A small HTTP listener exposes health
// and metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/serverutil"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
	"vodforge/internal/worker"
)

const defaultAdminAddr = ":8081"

func main() {
	_ = godotenv.Load()

	adminAddr := flag.String("admin-addr", "", "health and metrics listen address")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectPublicURL := flag.String("object-public-url", "", "public base URL used for playback links")
	objectPathStyle := flag.Bool("object-path-style", false, "use path-style object storage addressing")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueReclaimIdle := flag.Duration("queue-reclaim-idle", 0, "idle time before an unacked job may be claimed by another worker")
	progressRedisAddr := flag.String("progress-redis-addr", "", "Redis address for the progress store")
	progressTTL := flag.Duration("progress-ttl", 0, "lifetime of an untouched progress record")
	workerCount := flag.Int("worker-count", 0, "transcoding workers in the pool")
	jobTimeout := flag.Duration("job-timeout", 0, "bound on a single transcode job")
	workDir := flag.String("work-dir", "", "directory for per-job scratch space")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.WithComponent(logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	}), "worker")

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("a standalone worker requires a Postgres DSN; the memory datastore cannot be shared across processes")
		os.Exit(1)
	}
	store, err := storage.NewPostgresRepository(storage.PostgresConfig{
		DSN:            dsn,
		MaxConnections: int32(resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	bucket := firstNonEmpty(*objectBucket, os.Getenv("VODFORGE_OBJECT_BUCKET"))
	if bucket == "" {
		logger.Error("object storage bucket is required")
		os.Exit(1)
	}
	objects, err := objectstore.NewS3Gateway(context.Background(), objectstore.S3Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VODFORGE_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("VODFORGE_OBJECT_REGION")),
		Bucket:         bucket,
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VODFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VODFORGE_OBJECT_SECRET_KEY")),
		PublicBaseURL:  firstNonEmpty(*objectPublicURL, os.Getenv("VODFORGE_OBJECT_PUBLIC_URL")),
		ForcePathStyle: resolveBool(*objectPathStyle, "VODFORGE_OBJECT_PATH_STYLE"),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	redisAddr := firstNonEmpty(*queueRedisAddr, os.Getenv("VODFORGE_QUEUE_REDIS_ADDR"))
	if redisAddr == "" {
		logger.Error("a standalone worker requires a Redis job queue address")
		os.Exit(1)
	}
	jobs, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Addr:        redisAddr,
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

	progressStore, err := progress.NewRedisStore(progress.RedisStoreConfig{
		Addr: firstNonEmpty(*progressRedisAddr, os.Getenv("VODFORGE_PROGRESS_REDIS_ADDR"), redisAddr),
		TTL:  resolveDuration(*progressTTL, "VODFORGE_PROGRESS_TTL", 0),
	})
	if err != nil {
		logger.Error("failed to configure progress store", "error", err)
		os.Exit(1)
	}

	engine := transcode.NewFFmpegEngine(logging.WithComponent(logger, "transcode"))
	if path := firstNonEmpty(*ffmpegPath, os.Getenv("VODFORGE_FFMPEG_PATH")); path != "" {
		engine.FFmpegPath = path
	}
	if path := firstNonEmpty(*ffprobePath, os.Getenv("VODFORGE_FFPROBE_PATH")); path != "" {
		engine.FFprobePath = path
	}

	processor := worker.NewProcessor(worker.Config{
		Store:    store,
		Objects:  objects,
		Queue:    jobs,
		Progress: progressStore,
		Notifier: progress.NewNotifier(1),
		Engine:   engine,
		Workers:  resolveInt(*workerCount, "VODFORGE_WORKER_COUNT"),
		Timeout:  resolveDuration(*jobTimeout, "VODFORGE_JOB_TIMEOUT", 0),
		WorkDir:  firstNonEmpty(*workDir, os.Getenv("VODFORGE_WORK_DIR")),
		Logger:   logger,
	})
	processor.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "datastore unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})

	adminHandler := logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(mux)

	listenAddr := firstNonEmpty(*adminAddr, os.Getenv("VODFORGE_WORKER_ADMIN_ADDR"), defaultAdminAddr)
	adminServer := &http.Server{
		Addr:              listenAddr,
		Handler:           adminHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("vodforge worker running", "admin_addr", listenAddr, "queue_redis", redisAddr)
	runErr := serverutil.Run(ctx, serverutil.Config{Server: adminServer})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop worker pool", "error", err)
	}
	if err := jobs.Close(); err != nil {
		logger.Warn("failed to close job queue", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	if runErr != nil {
		logger.Error("admin server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("vodforge worker stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
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
