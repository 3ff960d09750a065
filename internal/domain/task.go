package domain

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultTargetSize  = 150
	DefaultJPEGQuality = 100
	DefaultFilter      = "lanczos"

	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusSkipped   = "skipped"
)

// DefaultBackground is the opaque color transparent pixels are flattened onto.
var DefaultBackground = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureDecode            FailureKind = "decode"
	FailureUnsupportedFormat FailureKind = "unsupported_format"
	FailureWrite             FailureKind = "write"
	FailureCanceled          FailureKind = "canceled"
	FailureUnknown           FailureKind = "unknown"
)

// TargetSpec drives a single resize. TargetSize bounds the longer side.
type TargetSpec struct {
	TargetSize   int         `json:"target_size" yaml:"target_size"`
	AllowUpscale bool        `json:"allow_upscale" yaml:"allow_upscale"`
	Background   color.NRGBA `json:"background" yaml:"background"`
	Filter       string      `json:"filter" yaml:"filter"`
	JPEGQuality  int         `json:"jpeg_quality" yaml:"jpeg_quality"`
	AutoOrient   bool        `json:"auto_orient" yaml:"auto_orient"`
}

func DefaultTargetSpec() TargetSpec {
	return TargetSpec{
		TargetSize:   DefaultTargetSize,
		AllowUpscale: true,
		Background:   DefaultBackground,
		Filter:       DefaultFilter,
		JPEGQuality:  DefaultJPEGQuality,
		AutoOrient:   true,
	}
}

func (s TargetSpec) Validate() error {
	if s.TargetSize <= 0 {
		return fmt.Errorf("target_size must be positive, got %d", s.TargetSize)
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be within 1..100, got %d", s.JPEGQuality)
	}
	if s.Background.A != 255 {
		return errors.New("background color must be opaque")
	}
	return nil
}

// FileTask pairs one source file with the path its thumbnail is written to.
type FileTask struct {
	InputPath  string `json:"input_path" yaml:"input_path"`
	OutputPath string `json:"output_path" yaml:"output_path"`
}

// NewFileTask keeps the base name of inputPath inside outputDir.
func NewFileTask(inputPath, outputDir string) FileTask {
	return FileTask{
		InputPath:  inputPath,
		OutputPath: filepath.Join(outputDir, filepath.Base(inputPath)),
	}
}

func (t FileTask) Name() string {
	return filepath.Base(t.InputPath)
}

func (t FileTask) Validate() error {
	if strings.TrimSpace(t.InputPath) == "" {
		return errors.New("input_path is required")
	}
	if strings.TrimSpace(t.OutputPath) == "" {
		return errors.New("output_path is required")
	}
	if filepath.Clean(t.InputPath) == filepath.Clean(t.OutputPath) {
		return fmt.Errorf("output_path must differ from input_path: %s", t.InputPath)
	}
	return nil
}

type OutputFileInfo struct {
	InputPath    string `json:"input_path" yaml:"input_path"`
	OutputPath   string `json:"output_path" yaml:"output_path"`
	ObjectKey    string `json:"object_key,omitempty" yaml:"object_key,omitempty"`
	Format       string `json:"format" yaml:"format"`
	SourceWidth  int    `json:"source_width" yaml:"source_width"`
	SourceHeight int    `json:"source_height" yaml:"source_height"`
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	Flattened    bool   `json:"flattened" yaml:"flattened"`
	Bytes        int64  `json:"bytes" yaml:"bytes"`
	Digest       string `json:"digest" yaml:"digest"`
}

type TaskResult struct {
	Task     FileTask        `json:"task" yaml:"task"`
	Status   string          `json:"status" yaml:"status"`
	Output   *OutputFileInfo `json:"output,omitempty" yaml:"output,omitempty"`
	Failure  FailureKind     `json:"failure,omitempty" yaml:"failure,omitempty"`
	Error    string          `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration   `json:"duration" yaml:"duration"`
}

type Summary struct {
	RunID      string       `json:"run_id" yaml:"run_id"`
	InputDir   string       `json:"input_dir" yaml:"input_dir"`
	OutputDir  string       `json:"output_dir" yaml:"output_dir"`
	TargetSize int          `json:"target_size" yaml:"target_size"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at" yaml:"finished_at"`
	Succeeded  int          `json:"succeeded" yaml:"succeeded"`
	Failed     int          `json:"failed" yaml:"failed"`
	Skipped    int          `json:"skipped" yaml:"skipped"`
	Results    []TaskResult `json:"results" yaml:"results"`
}

// Add appends r and keeps the counters in step with Results.
func (s *Summary) Add(r TaskResult) {
	switch r.Status {
	case TaskStatusSucceeded:
		s.Succeeded++
	case TaskStatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

func (s Summary) Total() int {
	return len(s.Results)
}

// Failures returns the failed results in the order they were recorded.
func (s Summary) Failures() []TaskResult {
	out := make([]TaskResult, 0, s.Failed)
	for _, r := range s.Results {
		if r.Status == TaskStatusFailed {
			out = append(out, r)
		}
	}
	return out
}

func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
