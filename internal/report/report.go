package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/store"
	"gopkg.in/yaml.v3"
)

// Report is the on-disk form of a batch summary.
type Report struct {
	RunID      string      `json:"run_id" yaml:"run_id"`
	InputDir   string      `json:"input_dir" yaml:"input_dir"`
	OutputDir  string      `json:"output_dir" yaml:"output_dir"`
	TargetSize int         `json:"target_size" yaml:"target_size"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time   `json:"finished_at" yaml:"finished_at"`
	Duration   string      `json:"duration" yaml:"duration"`
	Totals     Totals      `json:"totals" yaml:"totals"`
	Files      []FileEntry `json:"files" yaml:"files"`
}

type Totals struct {
	Files     int `json:"files" yaml:"files"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Skipped   int `json:"skipped" yaml:"skipped"`
}

type FileEntry struct {
	Name       string `json:"name" yaml:"name"`
	Status     string `json:"status" yaml:"status"`
	Output     string `json:"output,omitempty" yaml:"output,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	Source     string `json:"source,omitempty" yaml:"source,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty" yaml:"thumbnail,omitempty"`
	Flattened  bool   `json:"flattened,omitempty" yaml:"flattened,omitempty"`
	Bytes      int64  `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Digest     string `json:"digest,omitempty" yaml:"digest,omitempty"`
	ObjectKey  string `json:"object_key,omitempty" yaml:"object_key,omitempty"`
	Failure    string `json:"failure,omitempty" yaml:"failure,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS int64  `json:"duration_ms" yaml:"duration_ms"`
}

func FromSummary(s domain.Summary) Report {
	r := Report{
		RunID:      s.RunID,
		InputDir:   s.InputDir,
		OutputDir:  s.OutputDir,
		TargetSize: s.TargetSize,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Duration:   s.Duration().String(),
		Totals: Totals{
			Files:     s.Total(),
			Succeeded: s.Succeeded,
			Failed:    s.Failed,
			Skipped:   s.Skipped,
		},
		Files: make([]FileEntry, 0, len(s.Results)),
	}

	for _, res := range s.Results {
		entry := FileEntry{
			Name:       res.Task.Name(),
			Status:     res.Status,
			Failure:    string(res.Failure),
			Error:      res.Error,
			DurationMS: res.Duration.Milliseconds(),
		}
		if out := res.Output; out != nil {
			entry.Output = out.OutputPath
			entry.Format = out.Format
			entry.Source = fmt.Sprintf("%dx%d", out.SourceWidth, out.SourceHeight)
			entry.Thumbnail = fmt.Sprintf("%dx%d", out.Width, out.Height)
			entry.Flattened = out.Flattened
			entry.Bytes = out.Bytes
			entry.Digest = out.Digest
			entry.ObjectKey = out.ObjectKey
		}
		r.Files = append(r.Files, entry)
	}
	return r
}

// Write renders s to path as YAML or JSON depending on the extension.
func Write(path string, s domain.Summary) error {
	encode, err := encoderFor(filepath.Ext(path))
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := encode(f, FromSummary(s)); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	return nil
}

type runReader interface {
	GetRun(ctx context.Context, runID string) (domain.Summary, bool, error)
}

// PrintRun renders a recorded run to w. format is "yaml" or "json".
func PrintRun(ctx context.Context, runs runReader, runID, format string, w io.Writer) error {
	if runs == nil {
		return errors.New("run store is required")
	}
	encode, err := encoderFor("." + format)
	if err != nil {
		return err
	}

	summary, ok, err := runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	return encode(w, FromSummary(summary))
}

func encoderFor(ext string) (func(io.Writer, Report) error, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return func(w io.Writer, r Report) error {
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(r); err != nil {
				return err
			}
			return enc.Close()
		}, nil
	case ".json":
		return func(w io.Writer, r Report) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported report format %q", ext)
	}
}
