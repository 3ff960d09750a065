package store

import (
	"context"
	"errors"

	"github.com/dunamismax/thumbnailer/internal/domain"
)

var ErrRunNotFound = errors.New("run not found")

// RunStore keeps the history of finished batch runs.
type RunStore interface {
	RecordRun(ctx context.Context, summary domain.Summary) error
	GetRun(ctx context.Context, runID string) (domain.Summary, bool, error)
}
