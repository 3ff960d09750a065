package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbnailer/internal/batch"
	"github.com/dunamismax/thumbnailer/internal/config"
	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/dunamismax/thumbnailer/internal/queue"
	"github.com/dunamismax/thumbnailer/internal/report"
	"github.com/dunamismax/thumbnailer/internal/storage"
	"github.com/dunamismax/thumbnailer/internal/store"
	"github.com/dunamismax/thumbnailer/internal/telemetry"
	"github.com/dunamismax/thumbnailer/internal/watch"
	"github.com/dunamismax/thumbnailer/internal/webhook"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	exitOK           = 0
	exitFatal        = 1
	exitFileFailures = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.NewFlagSet("thumbnail")
	cfg, err := config.Load(flags, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "thumbnail: %v\n", err)
		return exitFatal
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thumbnail: %v\n", err)
		return exitFatal
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitFatal
	}
	spec, err := cfg.TargetSpec()
	if err != nil {
		logger.Error("invalid target spec", zap.Error(err))
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Error("tracing setup failed", zap.Error(err))
		return exitFatal
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if cfg.ShowRun != "" {
		return showRun(ctx, cfg, logger)
	}

	if err := pipeline.Startup(); err != nil {
		logger.Error("image backend startup failed", zap.Error(err))
		return exitFatal
	}
	defer pipeline.Shutdown()

	processor, err := newProcessor(ctx, cfg.Storage)
	if err != nil {
		logger.Error("processor setup failed", zap.Error(err))
		return exitFatal
	}

	opts := batch.Options{
		InputDir:        cfg.InputDir,
		OutputDir:       cfg.OutputDir,
		Spec:            spec,
		Workers:         cfg.Workers,
		ReportPath:      cfg.ReportPath,
		MetricsTextfile: cfg.MetricsTextfile,
		WebhookURL:      cfg.Webhook.URL,
	}
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresRunStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Error("run store setup failed", zap.Error(err))
			return exitFatal
		}
		defer func() { _ = pg.Close() }()
		opts.RunStore = pg
	}
	if cfg.Webhook.URL != "" {
		opts.Webhook = webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
	}

	runner, err := batch.NewRunner(opts, processor, logger)
	if err != nil {
		logger.Error("runner setup failed", zap.Error(err))
		return exitFatal
	}

	if cfg.Enqueue {
		return enqueue(ctx, cfg, runner, logger)
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		logger.Error("batch failed", zap.Error(err))
		return exitFatal
	}
	if ctx.Err() != nil {
		logger.Warn("batch interrupted", zap.Int("skipped", summary.Skipped))
		return exitFatal
	}

	if code := completedExit(cfg, summary); code != exitOK || !cfg.Watch {
		return code
	}
	return watchInput(ctx, cfg, runner, logger)
}

// completedExit decides the status of a batch that ran to completion. Failures
// under fail_on_error end the process before watch mode starts.
func completedExit(cfg config.Config, summary domain.Summary) int {
	if cfg.FailOnError && summary.Failed > 0 {
		return exitFileFailures
	}
	return exitOK
}

func showRun(ctx context.Context, cfg config.Config, logger *zap.Logger) int {
	runs, err := store.NewPostgresRunStore(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("run store setup failed", zap.Error(err))
		return exitFatal
	}
	defer func() { _ = runs.Close() }()

	if err := report.PrintRun(ctx, runs, cfg.ShowRun, "yaml", os.Stdout); err != nil {
		logger.Error("show run failed", zap.String("run_id", cfg.ShowRun), zap.Error(err))
		return exitFatal
	}
	return exitOK
}

func newProcessor(ctx context.Context, cfg config.StorageConfig) (*pipeline.Processor, error) {
	if !cfg.Enabled {
		return pipeline.NewLocalProcessor()
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return pipeline.NewMirrorProcessor(client, cfg.Prefix)
}

func enqueue(ctx context.Context, cfg config.Config, runner *batch.Runner, logger *zap.Logger) int {
	client := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	res, err := runner.Enqueue(ctx, client)
	if err != nil {
		logger.Error("enqueue failed",
			zap.String("run_id", res.RunID),
			zap.Int("enqueued", res.Enqueued),
			zap.Error(err),
		)
		return exitFatal
	}
	return exitOK
}

func watchInput(ctx context.Context, cfg config.Config, runner *batch.Runner, logger *zap.Logger) int {
	w := watch.New(cfg.InputDir, cfg.WatchDebounce, func(ctx context.Context, path string) {
		res := runner.ProcessFile(ctx, path)
		if res.Status == domain.TaskStatusSkipped {
			return
		}
		if err := runner.WriteMetrics(); err != nil {
			logger.Warn("write metrics failed", zap.Error(err))
		}
	}, logger)

	if err := w.Run(ctx); err != nil {
		logger.Error("watch failed", zap.Error(err))
		return exitFatal
	}
	return exitOK
}
