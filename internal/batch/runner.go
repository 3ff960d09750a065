package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/id"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/dunamismax/thumbnailer/internal/report"
	"github.com/dunamismax/thumbnailer/internal/store"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const EventBatchCompleted = "batch.completed"

type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (domain.OutputFileInfo, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Options struct {
	InputDir        string
	OutputDir       string
	Spec            domain.TargetSpec
	Workers         int
	ReportPath      string
	MetricsTextfile string
	WebhookURL      string

	// Optional collaborators; nil disables them.
	RunStore store.RunStore
	Webhook  webhookSender
}

type Runner struct {
	opts      Options
	processor Processor
	logger    *zap.Logger
	metrics   *metrics
	tracer    trace.Tracer
	sessionID string
}

func NewRunner(opts Options, processor Processor, logger *zap.Logger) (*Runner, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if err := opts.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target spec: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Workers = max(1, opts.Workers)

	return &Runner{
		opts:      opts,
		processor: processor,
		logger:    logger.Named("batch"),
		metrics:   newMetrics(),
		tracer:    otel.Tracer("thumbnailer/batch"),
		sessionID: id.NewRun(),
	}, nil
}

// Run thumbnails every file of the input directory once. Per-file failures
// are recorded in the summary; only a missing input directory or an unusable
// output directory is returned as an error. Once ctx is done no new file is
// started and the remaining ones are reported as skipped.
func (r *Runner) Run(ctx context.Context) (domain.Summary, error) {
	summary := domain.Summary{
		RunID:      id.NewRun(),
		InputDir:   r.opts.InputDir,
		OutputDir:  r.opts.OutputDir,
		TargetSize: r.opts.Spec.TargetSize,
		StartedAt:  time.Now().UTC(),
	}
	logger := r.logger.With(zap.String("run_id", id.Short(summary.RunID)))

	ctx, span := r.tracer.Start(ctx, "batch.run")
	span.SetAttributes(
		attribute.String("batch.run_id", summary.RunID),
		attribute.String("batch.input_dir", r.opts.InputDir),
		attribute.Int("batch.workers", r.opts.Workers),
	)
	defer span.End()

	tasks, err := r.prepare()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch setup failed")
		return summary, err
	}
	span.SetAttributes(attribute.Int("batch.files", len(tasks)))

	logger.Info("batch started",
		zap.String("input_dir", r.opts.InputDir),
		zap.String("output_dir", r.opts.OutputDir),
		zap.Int("files", len(tasks)),
		zap.Int("target_size", r.opts.Spec.TargetSize),
		zap.Int("workers", r.opts.Workers),
		zap.String("backend", pipeline.Backend),
	)

	results := make([]domain.TaskResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for i, task := range tasks {
		if ctx.Err() != nil {
			results[i] = skipped(task)
			continue
		}
		g.Go(func() error {
			results[i] = r.processTask(ctx, logger, summary.RunID, task)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		r.metrics.observe(res)
		summary.Add(res)
	}
	summary.FinishedAt = time.Now().UTC()
	r.metrics.observeRun(summary)

	span.SetAttributes(
		attribute.Int("batch.succeeded", summary.Succeeded),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Int("batch.skipped", summary.Skipped),
	)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "batch interrupted")
	} else {
		span.SetStatus(codes.Ok, "batch completed")
	}

	// Post-run outputs are still written for an interrupted batch.
	r.finish(context.WithoutCancel(ctx), logger, summary)

	logger.Info("batch finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration()),
	)
	return summary, nil
}

// ProcessFile thumbnails a single file from the input directory outside of a
// batch run. Watch mode calls it for each new or changed file.
func (r *Runner) ProcessFile(ctx context.Context, inputPath string) domain.TaskResult {
	task := domain.NewFileTask(inputPath, r.opts.OutputDir)
	res := r.processTask(ctx, r.logger.With(zap.String("session", id.Short(r.sessionID))), r.sessionID, task)
	r.metrics.observe(res)
	return res
}

// WriteMetrics flushes the runner's counters to the configured textfile.
func (r *Runner) WriteMetrics() error {
	if r.opts.MetricsTextfile == "" {
		return nil
	}
	return r.metrics.writeTextfile(r.opts.MetricsTextfile)
}

func (r *Runner) prepare() ([]domain.FileTask, error) {
	info, err := os.Stat(r.opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInputDirectoryMissing, r.opts.InputDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInputDirectoryMissing, r.opts.InputDir)
	}

	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputDirectory, err)
	}
	if same, err := sameFile(r.opts.InputDir, r.opts.OutputDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputDirectory, err)
	} else if same {
		return nil, fmt.Errorf("%w: %s is also the input directory", ErrOutputDirectory, r.opts.OutputDir)
	}

	return Enumerate(r.opts.InputDir, r.opts.OutputDir)
}

func (r *Runner) processTask(ctx context.Context, logger *zap.Logger, runID string, task domain.FileTask) domain.TaskResult {
	if ctx.Err() != nil {
		return skipped(task)
	}

	startedAt := time.Now()
	info, err := r.processor.Process(ctx, pipeline.Request{
		RunID: runID,
		Task:  task,
		Spec:  r.opts.Spec,
	})
	res := domain.TaskResult{
		Task:     task,
		Duration: time.Since(startedAt),
	}

	if err != nil {
		res.Failure = pipeline.Classify(err)
		res.Error = err.Error()
		if res.Failure == domain.FailureCanceled {
			res.Status = domain.TaskStatusSkipped
			logger.Debug("thumbnail canceled", zap.String("file", task.Name()))
			return res
		}
		res.Status = domain.TaskStatusFailed
		logger.Warn("thumbnail failed",
			zap.String("file", task.Name()),
			zap.String("reason", string(res.Failure)),
			zap.Error(err),
		)
		return res
	}

	res.Status = domain.TaskStatusSucceeded
	res.Output = &info
	logger.Info("thumbnail written",
		zap.String("file", task.Name()),
		zap.String("source", dims(info.SourceWidth, info.SourceHeight)),
		zap.String("output", dims(info.Width, info.Height)),
		zap.Bool("has_alpha", info.Flattened),
		zap.String("size", humanize.Bytes(uint64(info.Bytes))),
		zap.Duration("took", res.Duration),
	)
	return res
}

func (r *Runner) finish(ctx context.Context, logger *zap.Logger, summary domain.Summary) {
	if r.opts.RunStore != nil {
		if err := r.opts.RunStore.RecordRun(ctx, summary); err != nil {
			logger.Error("record run failed", zap.Error(err))
		}
	}

	if r.opts.Webhook != nil && r.opts.WebhookURL != "" {
		if err := r.opts.Webhook.Send(ctx, r.opts.WebhookURL, EventBatchCompleted, webhookBody(summary)); err != nil {
			logger.Error("webhook delivery failed", zap.String("event", EventBatchCompleted), zap.Error(err))
		}
	}

	if r.opts.ReportPath != "" {
		if err := report.Write(r.opts.ReportPath, summary); err != nil {
			logger.Error("write report failed", zap.String("path", r.opts.ReportPath), zap.Error(err))
		} else {
			logger.Debug("report written", zap.String("path", r.opts.ReportPath))
		}
	}

	if err := r.WriteMetrics(); err != nil {
		logger.Error("write metrics failed", zap.String("path", r.opts.MetricsTextfile), zap.Error(err))
	}
}

func webhookBody(s domain.Summary) map[string]any {
	failures := make([]map[string]string, 0, s.Failed)
	for _, f := range s.Failures() {
		failures = append(failures, map[string]string{
			"file":   f.Task.Name(),
			"reason": string(f.Failure),
			"error":  f.Error,
		})
	}

	return map[string]any{
		"run_id":      s.RunID,
		"input_dir":   s.InputDir,
		"output_dir":  s.OutputDir,
		"target_size": s.TargetSize,
		"started_at":  s.StartedAt,
		"finished_at": s.FinishedAt,
		"succeeded":   s.Succeeded,
		"failed":      s.Failed,
		"skipped":     s.Skipped,
		"failures":    failures,
	}
}

func skipped(task domain.FileTask) domain.TaskResult {
	return domain.TaskResult{
		Task:    task,
		Status:  domain.TaskStatusSkipped,
		Failure: domain.FailureCanceled,
	}
}

func sameFile(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(infoA, infoB), nil
}

func dims(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}
