package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeGenerateThumbnail = "thumbnail:generate"

type ThumbnailPayload struct {
	RunID       string            `json:"run_id"`
	InputPath   string            `json:"input_path"`
	OutputPath  string            `json:"output_path"`
	Spec        domain.TargetSpec `json:"spec"`
	RequestedAt time.Time         `json:"requested_at"`
}

func (p ThumbnailPayload) FileTask() domain.FileTask {
	return domain.FileTask{InputPath: p.InputPath, OutputPath: p.OutputPath}
}

// TaskID makes enqueueing idempotent per run and file name.
func (p ThumbnailPayload) TaskID() string {
	return p.RunID + ":" + filepath.Base(p.InputPath)
}

func NewThumbnailTask(payload ThumbnailPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal thumbnail payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateThumbnail, body), nil
}

func ParseThumbnailPayload(task *asynq.Task) (ThumbnailPayload, error) {
	var payload ThumbnailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ThumbnailPayload{}, fmt.Errorf("unmarshal thumbnail payload: %w", err)
	}
	if payload.RunID == "" {
		return ThumbnailPayload{}, errors.New("thumbnail payload is missing run_id")
	}
	if err := payload.FileTask().Validate(); err != nil {
		return ThumbnailPayload{}, fmt.Errorf("thumbnail payload: %w", err)
	}
	return payload, nil
}
