package batch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
)

var (
	ErrInputDirectoryMissing = errors.New("input directory missing or unreadable")
	ErrOutputDirectory       = errors.New("output directory unusable")
)

// Enumerate lists the regular files directly inside dir, sorted by name, as
// tasks writing into outputDir. Sub-directories are not descended into.
func Enumerate(dir, outputDir string) ([]domain.FileTask, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInputDirectoryMissing, dir, err)
	}

	tasks := make([]domain.FileTask, 0, len(entries))
	for _, entry := range entries {
		if pipeline.IsTempFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if !isRegularFile(entry, path) {
			continue
		}
		tasks = append(tasks, domain.NewFileTask(path, outputDir))
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].InputPath < tasks[j].InputPath
	})
	return tasks, nil
}

// Symlinks count when they resolve to a regular file.
func isRegularFile(entry os.DirEntry, path string) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
