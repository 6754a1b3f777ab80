// Package main provides the worker application entry point.
// The worker consumes pixtools's operation, metadata, finalize, and dead
// letter queues from Kafka/Redpanda and runs the codec/archive/webhook
// pipeline behind each job.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pixtools/pixtools/internal/adapter/blob"
	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/adapter/queue/kafka"
	"github.com/pixtools/pixtools/internal/adapter/repo/postgres"
	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/maintenance"
	"github.com/pixtools/pixtools/internal/pipeline/codec"
	"github.com/pixtools/pixtools/internal/pipeline/dag"
	"github.com/pixtools/pixtools/internal/pipeline/finalize"
	"github.com/pixtools/pixtools/internal/webhook"
	"github.com/pixtools/pixtools/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape job-queue metrics.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	blobStore, err := blob.New(ctx, cfg)
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Transactional ID distinct from the HTTP server's producer: two
	// kgo.Clients cannot share one transactional ID across processes.
	producer, err := kafka.NewProducerWithTransactionalID(cfg.KafkaBrokers, "pixtools-worker-producer")
	if err != nil {
		slog.Error("kafka producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	baseRetryCfg := domain.DefaultRetryConfig()
	maxRetries, initialDelay, maxDelay, multiplier, jitter := cfg.GetRetryConfig()
	retryCfg := domain.RetryConfig{
		MaxRetries:         maxRetries,
		InitialDelay:       initialDelay,
		MaxDelay:           maxDelay,
		Multiplier:         multiplier,
		Jitter:             jitter,
		RetryableErrors:    baseRetryCfg.RetryableErrors,
		NonRetryableErrors: baseRetryCfg.NonRetryableErrors,
	}
	retryManager := kafka.NewRetryManager(producer, retryCfg)

	metaMaxRetries, metaInitialDelay, metaMaxDelay, metaMultiplier, metaJitter := cfg.GetMetadataRetryConfig()
	metadataRetryCfg := domain.RetryConfig{
		MaxRetries:         metaMaxRetries,
		InitialDelay:       metaInitialDelay,
		MaxDelay:           metaMaxDelay,
		Multiplier:         metaMultiplier,
		Jitter:             metaJitter,
		RetryableErrors:    baseRetryCfg.RetryableErrors,
		NonRetryableErrors: baseRetryCfg.NonRetryableErrors,
	}

	dispatcher := dag.NewDispatcher(producer, rdb, 0)

	limits := codec.Limits{MaxWidth: cfg.MaxImageWidth, MaxHeight: cfg.MaxImageHeight}

	defaultOpHandler := &worker.OperationHandler{
		Blobs: blobStore, Barrier: dispatcher, Failures: retryManager,
		QueueName: kafka.TopicDefault, Limits: limits,
	}
	// ml_inference_queue is pinned to its own handler/consumer group so its
	// concurrency can be dialed down independently: denoise is the
	// long-tailed operation, mirroring the original worker's solo pool for
	// model-backed tasks.
	mlOpHandler := &worker.OperationHandler{
		Blobs: blobStore, Barrier: dispatcher, Failures: retryManager,
		QueueName: kafka.TopicMLInference, Limits: limits,
	}
	metadataHandler := &worker.MetadataHandler{Blobs: blobStore, Jobs: jobRepo, Queue: producer, Config: metadataRetryCfg}
	defaultRouter := &worker.DefaultQueueRouter{Operations: defaultOpHandler, Metadata: metadataHandler}

	deliverer := webhook.NewDeliverer(cfg.WebhookTimeout, cfg.WebhookCBFailThreshold, cfg.WebhookCBResetTimeout)
	finalizer := finalize.NewFinalizer(jobRepo, blobStore, dispatcher, deliverer, cfg.PresignedURLExpiry)
	finalizeHandler := &worker.FinalizeHandler{
		Finalizer: finalizer, Jobs: jobRepo, Barrier: dispatcher, Queue: producer, Config: retryCfg,
	}

	dlqConsumer, err := kafka.NewDLQConsumer(cfg.KafkaBrokers, "pixtools-dlq", jobRepo, rdb)
	if err != nil {
		slog.Error("dlq consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlqConsumer.Close()

	scheduler := maintenance.NewScheduler(jobRepo, cfg.JobRetention, cfg.CleanupInterval, cfg.StuckJobMaxAge, cfg.StuckJobSweep)
	go scheduler.RunRetention(ctx)
	go scheduler.RunStuckJobSweep(ctx)

	// Each Consumer owns a single kgo.Client polling loop: concurrency within
	// a topic comes from running N Consumer instances in the same consumer
	// group (one goroutine, one partition assignment each), not from
	// sharing one Consumer's Run loop across goroutines.
	for i := 0; i < cfg.ConsumerMaxConcurrency; i++ {
		c, cerr := kafka.NewConsumer(cfg.KafkaBrokers, "pixtools-default", kafka.TopicDefault, cfg.TaskSoftTimeout, cfg.TaskTimeout)
		if cerr != nil {
			slog.Error("default queue consumer failed", slog.Any("error", cerr))
			os.Exit(1)
		}
		defer c.Close()
		go runConsumer(ctx, "default_queue", c, defaultRouter.Handle)
	}
	for i := 0; i < cfg.MLConsumerConcurrency; i++ {
		c, cerr := kafka.NewConsumer(cfg.KafkaBrokers, "pixtools-ml-inference", kafka.TopicMLInference, cfg.TaskSoftTimeout, cfg.TaskTimeout)
		if cerr != nil {
			slog.Error("ml inference queue consumer failed", slog.Any("error", cerr))
			os.Exit(1)
		}
		defer c.Close()
		go runConsumer(ctx, "ml_inference_queue", c, mlOpHandler.Handle)
	}
	finalizeConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, "pixtools-finalize", kafka.TopicFinalize, cfg.TaskSoftTimeout, cfg.TaskTimeout)
	if err != nil {
		slog.Error("finalize queue consumer failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer finalizeConsumer.Close()
	go runConsumer(ctx, "finalize_queue", finalizeConsumer, finalizeHandler.Handle)
	go func() {
		if err := dlqConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dlq consumer stopped", slog.Any("error", err))
		}
	}()

	slog.Info("worker started successfully, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight tasks")
}

func runConsumer(ctx context.Context, name string, c *kafka.Consumer, handle func(ctx context.Context, record *kgo.Record) error) {
	if err := c.Run(ctx, handle); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.String("topic", name), slog.Any("error", err))
	}
}
