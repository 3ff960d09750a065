package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrDecode            = errors.New("decode source image")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrEncode            = errors.New("encode output image")
	ErrWrite             = errors.New("write output file")
)

type Request struct {
	RunID string
	Task  domain.FileTask
	Spec  domain.TargetSpec
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, r Rendition) (domain.OutputFileInfo, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer Transformer
	emitter     Emitter
	tracer      trace.Tracer
}

func NewLocalProcessor() (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{})
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}

	transformer, err := newTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:     fetcher,
		transformer: transformer,
		emitter:     emitter,
		tracer:      otel.Tracer("thumbnailer/pipeline"),
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (domain.OutputFileInfo, error) {
	if err := req.Task.Validate(); err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("invalid task: %w", err)
	}
	if err := req.Spec.Validate(); err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("invalid target spec: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("task.input", req.Task.InputPath),
		attribute.String("task.output", req.Task.OutputPath),
		attribute.Int("task.target_size", req.Spec.TargetSize),
	)
	defer span.End()

	info, err := p.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Classify(err)))
		return domain.OutputFileInfo{}, err
	}

	span.SetAttributes(
		attribute.Int("output.width", info.Width),
		attribute.Int("output.height", info.Height),
		attribute.Int64("output.bytes", info.Bytes),
		attribute.Bool("output.flattened", info.Flattened),
	)
	span.SetStatus(codes.Ok, "processed")
	return info, nil
}

func (p *Processor) process(ctx context.Context, req Request) (domain.OutputFileInfo, error) {
	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("fetch stage: %w", err)
	}

	rendition, err := p.transformer.Transform(ctx, sourceBytes, req)
	if err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("transform stage: %w", err)
	}

	select {
	case <-ctx.Done():
		return domain.OutputFileInfo{}, ctx.Err()
	default:
	}

	info, err := p.emitter.Emit(ctx, req, rendition)
	if err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("emit stage: %w", err)
	}
	return info, nil
}

// Classify maps a Process error onto the failure taxonomy reported per task.
func Classify(err error) domain.FailureKind {
	switch {
	case err == nil:
		return domain.FailureNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.FailureCanceled
	case errors.Is(err, ErrDecode):
		return domain.FailureDecode
	case errors.Is(err, ErrUnsupportedFormat):
		return domain.FailureUnsupportedFormat
	case errors.Is(err, ErrEncode), errors.Is(err, ErrWrite):
		return domain.FailureWrite
	default:
		return domain.FailureUnknown
	}
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.Task.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read input file %s: %v", ErrDecode, req.Task.InputPath, err)
	}
	return data, nil
}

type LocalFileEmitter struct{}

func (LocalFileEmitter) Emit(_ context.Context, req Request, r Rendition) (domain.OutputFileInfo, error) {
	dir := filepath.Dir(req.Task.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("%w: create output dir: %v", ErrWrite, err)
	}

	if err := writeFileAtomic(req.Task.OutputPath, r.Data, 0o644); err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return outputInfo(req, r), nil
}

func outputInfo(req Request, r Rendition) domain.OutputFileInfo {
	sum := blake3.Sum256(r.Data)
	return domain.OutputFileInfo{
		InputPath:    req.Task.InputPath,
		OutputPath:   req.Task.OutputPath,
		Format:       r.Format.Name,
		SourceWidth:  r.SourceWidth,
		SourceHeight: r.SourceHeight,
		Width:        r.Width,
		Height:       r.Height,
		Flattened:    r.Flattened,
		Bytes:        int64(len(r.Data)),
		Digest:       hex.EncodeToString(sum[:]),
	}
}

// writeFileAtomic writes into a hidden temp file next to path and renames it
// into place, so readers never observe a partially written thumbnail.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// IsTempFile reports whether name looks like an in-flight atomic write.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return len(base) > 1 && base[0] == '.' && filepath.Ext(base) == ".tmp"
}
