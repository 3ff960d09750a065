package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/thumbnailer/internal/config"
	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/dunamismax/thumbnailer/internal/queue"
	"github.com/dunamismax/thumbnailer/internal/ratelimit"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const throttleSubject = "generate"

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (domain.OutputFileInfo, error)
}

type Server struct {
	logger    *zap.Logger
	server    *asynq.Server
	processor processor
	throttle  ratelimit.Allower
	redis     *redis.Client
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	proc processor,
) (*Server, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	logger = logger.Named("worker")

	s := &Server{
		logger:    logger,
		processor: proc,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("thumbnailer/worker"),
	}

	if workerCfg.ThrottleCapacity > 0 {
		client, ok := queueCfg.RedisClientOpt().MakeRedisClient().(*redis.Client)
		if !ok {
			return nil, errors.New("unexpected redis client type for throttle")
		}
		bucket, err := ratelimit.NewRedisTokenBucket(client, workerCfg.ThrottleCapacity, workerCfg.ThrottleWindow, "thumbnailer:throttle")
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("initialize throttle: %w", err)
		}
		s.redis = client
		s.throttle = bucket
		logger.Info("throttle enabled",
			zap.Int("capacity", workerCfg.ThrottleCapacity),
			zap.Duration("window", workerCfg.ThrottleWindow),
		)
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Bool("permanent", errors.Is(err, asynq.SkipRetry)),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

// Run blocks until the process receives SIGTERM or SIGINT.
func (s *Server) Run() error {
	defer s.close()

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerateThumbnail, s.handleGenerateThumbnail)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("throttle redis close failed", zap.Error(err))
		}
	}
}

func (s *Server) handleGenerateThumbnail(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	status := domain.TaskStatusFailed
	failure := domain.FailureUnknown

	payload, err := queue.ParseThumbnailPayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues(status, string(failure)).Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	fileTask := payload.FileTask()
	logger := s.logger.With(zap.String("run_id", payload.RunID), zap.String("file", fileTask.Name()))

	ctx, span := s.tracer.Start(ctx, "worker.generate_thumbnail", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("run.id", payload.RunID),
		attribute.String("task.input", fileTask.InputPath),
		attribute.Int("task.target_size", payload.Spec.TargetSize),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(status).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(status, string(failure)).Inc()
	}()

	s.metrics.activeTasks.Inc()
	defer s.metrics.activeTasks.Dec()

	if err := s.waitForThrottle(ctx, logger); err != nil {
		failure = domain.FailureCanceled
		span.RecordError(err)
		span.SetStatus(codes.Error, "throttle wait aborted")
		return fmt.Errorf("wait for throttle: %w", err)
	}

	info, err := s.processor.Process(ctx, pipeline.Request{
		RunID: payload.RunID,
		Task:  fileTask,
		Spec:  payload.Spec,
	})
	if err != nil {
		failure = pipeline.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(failure))

		switch failure {
		case domain.FailureDecode, domain.FailureUnsupportedFormat:
			logger.Warn("thumbnail failed permanently", zap.String("reason", string(failure)), zap.Error(err))
			return fmt.Errorf("generate thumbnail %s: %v: %w", fileTask.Name(), err, asynq.SkipRetry)
		default:
			logger.Warn("thumbnail failed", zap.String("reason", string(failure)), zap.Error(err))
			return fmt.Errorf("generate thumbnail %s: %w", fileTask.Name(), err)
		}
	}

	status = domain.TaskStatusSucceeded
	failure = domain.FailureNone
	s.metrics.outputBytesTotal.Add(float64(info.Bytes))
	s.metrics.pixelsWrittenTotal.Add(float64(info.Width * info.Height))
	span.SetStatus(codes.Ok, "processed")

	logger.Info("thumbnail written",
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Bool("has_alpha", info.Flattened),
		zap.Int64("bytes", info.Bytes),
		zap.String("object_key", info.ObjectKey),
	)
	return nil
}

// waitForThrottle fails open: a broken throttle never stops thumbnails.
func (s *Server) waitForThrottle(ctx context.Context, logger *zap.Logger) error {
	if s.throttle == nil {
		return nil
	}

	waited, err := ratelimit.Wait(ctx, s.throttle, throttleSubject)
	s.metrics.throttleWaitTotal.Add(waited.Seconds())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("throttle unavailable, continuing", zap.Error(err))
	}
	return nil
}
