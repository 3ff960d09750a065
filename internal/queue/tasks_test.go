package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/hibiken/asynq"
)

func TestThumbnailTaskCarriesSpec(t *testing.T) {
	spec := domain.DefaultTargetSpec()
	spec.TargetSize = 320
	spec.AllowUpscale = false

	payload := ThumbnailPayload{
		RunID:       "run-123",
		InputPath:   "originals/photo.png",
		OutputPath:  "output/photo.png",
		Spec:        spec,
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewThumbnailTask(payload)
	if err != nil {
		t.Fatalf("NewThumbnailTask returned error: %v", err)
	}
	if task.Type() != TypeGenerateThumbnail {
		t.Fatalf("unexpected task type %q", task.Type())
	}

	parsed, err := ParseThumbnailPayload(task)
	if err != nil {
		t.Fatalf("ParseThumbnailPayload returned error: %v", err)
	}
	if parsed.Spec != spec {
		t.Fatalf("spec changed in transit: %+v", parsed.Spec)
	}
	if parsed.FileTask() != payload.FileTask() {
		t.Fatalf("file task changed in transit: %+v", parsed.FileTask())
	}
}

func TestThumbnailTaskID(t *testing.T) {
	payload := ThumbnailPayload{RunID: "run-1", InputPath: "/data/originals/icon.jpg"}
	if got := payload.TaskID(); got != "run-1:icon.jpg" {
		t.Fatalf("unexpected task id %q", got)
	}
}

func TestParseThumbnailPayloadRejectsIncompleteTasks(t *testing.T) {
	tests := map[string]string{
		"not json":       `{`,
		"missing run":    `{"input_path":"a.png","output_path":"out/a.png"}`,
		"missing output": `{"run_id":"r","input_path":"a.png"}`,
		"same paths":     `{"run_id":"r","input_path":"a.png","output_path":"a.png"}`,
	}
	for name, body := range tests {
		if _, err := ParseThumbnailPayload(asynq.NewTask(TypeGenerateThumbnail, []byte(body))); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
