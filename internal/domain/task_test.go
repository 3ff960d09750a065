package domain

import (
	"image/color"
	"path/filepath"
	"testing"
)

func TestTargetSpecValidate(t *testing.T) {
	valid := DefaultTargetSpec()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected default spec to be valid, got error: %v", err)
	}

	zeroSize := DefaultTargetSpec()
	zeroSize.TargetSize = 0
	if err := zeroSize.Validate(); err == nil {
		t.Fatal("expected validation error for target_size=0")
	}

	badQuality := DefaultTargetSpec()
	badQuality.JPEGQuality = 101
	if err := badQuality.Validate(); err == nil {
		t.Fatal("expected validation error for jpeg_quality=101")
	}

	translucent := DefaultTargetSpec()
	translucent.Background = color.NRGBA{R: 255, G: 255, B: 255, A: 128}
	if err := translucent.Validate(); err == nil {
		t.Fatal("expected validation error for translucent background")
	}
}

func TestNewFileTaskKeepsBaseName(t *testing.T) {
	task := NewFileTask(filepath.Join("originals", "photo.PNG"), "output")
	if task.OutputPath != filepath.Join("output", "photo.PNG") {
		t.Fatalf("unexpected output path %q", task.OutputPath)
	}
	if task.Name() != "photo.PNG" {
		t.Fatalf("unexpected name %q", task.Name())
	}
	if err := task.Validate(); err != nil {
		t.Fatalf("expected valid task, got %v", err)
	}

	same := FileTask{InputPath: "a/b.png", OutputPath: "a/./b.png"}
	if err := same.Validate(); err == nil {
		t.Fatal("expected validation error when output overwrites input")
	}
}

func TestSummaryCounters(t *testing.T) {
	var s Summary
	s.Add(TaskResult{Status: TaskStatusSucceeded})
	s.Add(TaskResult{Status: TaskStatusFailed, Failure: FailureDecode})
	s.Add(TaskResult{Status: TaskStatusSkipped, Failure: FailureCanceled})
	s.Add(TaskResult{Status: TaskStatusFailed, Failure: FailureWrite})

	if s.Succeeded != 1 || s.Failed != 2 || s.Skipped != 1 {
		t.Fatalf("unexpected counters succeeded=%d failed=%d skipped=%d", s.Succeeded, s.Failed, s.Skipped)
	}
	if s.Total() != 4 {
		t.Fatalf("expected 4 results, got %d", s.Total())
	}

	failures := s.Failures()
	if len(failures) != 2 || failures[0].Failure != FailureDecode || failures[1].Failure != FailureWrite {
		t.Fatalf("unexpected failures %+v", failures)
	}
}
