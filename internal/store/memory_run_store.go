package store

import (
	"context"
	"sync"

	"github.com/dunamismax/thumbnailer/internal/domain"
)

type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Summary
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]domain.Summary),
	}
}

func (s *MemoryRunStore) RecordRun(_ context.Context, summary domain.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary.Results = append([]domain.TaskResult(nil), summary.Results...)
	s.runs[summary.RunID] = summary
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (domain.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.runs[runID]
	return summary, ok, nil
}
