package id

import (
	"strings"

	"github.com/google/uuid"
)

// NewRun returns a time-ordered run identifier; runs sort by creation time.
func NewRun() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// Short trims a run id to its last group for log lines. The leading groups of
// a v7 id only carry the creation time and repeat across nearby runs.
func Short(runID string) string {
	if i := strings.LastIndexByte(runID, '-'); i >= 0 {
		return runID[i+1:]
	}
	return runID
}
