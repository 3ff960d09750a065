package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/thumbnailer/internal/domain"
)

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// MirrorEmitter writes through Local first and then uploads the same bytes to
// an object store. A failed upload fails the task; the local file stays.
type MirrorEmitter struct {
	Local        Emitter
	Storage      objectWriter
	OutputPrefix string
}

func (e MirrorEmitter) Emit(ctx context.Context, req Request, r Rendition) (domain.OutputFileInfo, error) {
	if e.Local == nil {
		return domain.OutputFileInfo{}, errors.New("local emitter is required")
	}
	if e.Storage == nil {
		return domain.OutputFileInfo{}, errors.New("storage client is required")
	}

	info, err := e.Local.Emit(ctx, req, r)
	if err != nil {
		return domain.OutputFileInfo{}, err
	}

	objectKey := ObjectKey(e.OutputPrefix, req.RunID, req.Task.OutputPath)
	if err := e.Storage.WriteObject(ctx, objectKey, r.Data, r.Format.ContentType); err != nil {
		return domain.OutputFileInfo{}, fmt.Errorf("%w: mirror to object store: %v", ErrWrite, err)
	}

	info.ObjectKey = objectKey
	return info, nil
}

// NewMirrorProcessor reads local files and writes every thumbnail both to disk
// and to storage under prefix.
func NewMirrorProcessor(storage objectWriter, prefix string) (*Processor, error) {
	if storage == nil {
		return nil, errors.New("storage client is required")
	}
	return NewProcessor(LocalFileFetcher{}, MirrorEmitter{
		Local:        LocalFileEmitter{},
		Storage:      storage,
		OutputPrefix: prefix,
	})
}

func ObjectKey(prefix, runID, outputPath string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(runID),
		path.Base(strings.ReplaceAll(outputPath, "\\", "/")),
	)
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "thumbnails"
	}
	return prefix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
