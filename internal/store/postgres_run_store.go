package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	_ "github.com/lib/pq"
)

const runSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	input_dir TEXT NOT NULL,
	output_dir TEXT NOT NULL,
	target_size INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_files (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	input_path TEXT NOT NULL,
	output_path TEXT NOT NULL,
	status TEXT NOT NULL,
	failure TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	source_width INTEGER NOT NULL DEFAULT 0,
	source_height INTEGER NOT NULL DEFAULT 0,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	flattened BOOLEAN NOT NULL DEFAULT FALSE,
	bytes BIGINT NOT NULL DEFAULT 0,
	digest TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, input_path)
);
`

type PostgresRunStore struct {
	db *sql.DB
}

func NewPostgresRunStore(ctx context.Context, dsn string) (*PostgresRunStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresRunStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runSchemaSQL); err != nil {
		return fmt.Errorf("ensure runs schema: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Close() error {
	return s.db.Close()
}

// RecordRun writes the run and all of its files in one transaction. Recording
// the same run id again replaces the earlier rows.
func (s *PostgresRunStore) RecordRun(ctx context.Context, summary domain.Summary) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, summary.RunID); err != nil {
		return fmt.Errorf("replace run: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO runs (id, input_dir, output_dir, target_size, succeeded, failed, skipped, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		summary.RunID,
		summary.InputDir,
		summary.OutputDir,
		summary.TargetSize,
		summary.Succeeded,
		summary.Failed,
		summary.Skipped,
		summary.StartedAt,
		summary.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO run_files (run_id, input_path, output_path, status, failure, error, format,
			source_width, source_height, width, height, flattened, bytes, digest, object_key, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
	)
	if err != nil {
		return fmt.Errorf("prepare run file insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range summary.Results {
		out := res.Output
		if out == nil {
			out = &domain.OutputFileInfo{OutputPath: res.Task.OutputPath}
		}
		if _, err = stmt.ExecContext(
			ctx,
			summary.RunID,
			res.Task.InputPath,
			out.OutputPath,
			res.Status,
			string(res.Failure),
			res.Error,
			out.Format,
			out.SourceWidth,
			out.SourceHeight,
			out.Width,
			out.Height,
			out.Flattened,
			out.Bytes,
			out.Digest,
			out.ObjectKey,
			res.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert run file %s: %w", res.Task.InputPath, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (domain.Summary, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, input_dir, output_dir, target_size, succeeded, failed, skipped, started_at, finished_at
		 FROM runs
		 WHERE id = $1`,
		runID,
	)

	var summary domain.Summary
	if err := row.Scan(
		&summary.RunID,
		&summary.InputDir,
		&summary.OutputDir,
		&summary.TargetSize,
		&summary.Succeeded,
		&summary.Failed,
		&summary.Skipped,
		&summary.StartedAt,
		&summary.FinishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Summary{}, false, nil
		}
		return domain.Summary{}, false, fmt.Errorf("query run: %w", err)
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT input_path, output_path, status, failure, error, format,
			source_width, source_height, width, height, flattened, bytes, digest, object_key, duration_ms
		 FROM run_files
		 WHERE run_id = $1
		 ORDER BY input_path`,
		runID,
	)
	if err != nil {
		return domain.Summary{}, false, fmt.Errorf("query run files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res        domain.TaskResult
			out        domain.OutputFileInfo
			failure    string
			durationMS int64
		)
		if err := rows.Scan(
			&res.Task.InputPath,
			&res.Task.OutputPath,
			&res.Status,
			&failure,
			&res.Error,
			&out.Format,
			&out.SourceWidth,
			&out.SourceHeight,
			&out.Width,
			&out.Height,
			&out.Flattened,
			&out.Bytes,
			&out.Digest,
			&out.ObjectKey,
			&durationMS,
		); err != nil {
			return domain.Summary{}, false, fmt.Errorf("scan run file: %w", err)
		}

		res.Failure = domain.FailureKind(failure)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		if res.Status == domain.TaskStatusSucceeded {
			out.InputPath = res.Task.InputPath
			out.OutputPath = res.Task.OutputPath
			res.Output = &out
		}
		summary.Results = append(summary.Results, res)
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, false, fmt.Errorf("iterate run files: %w", err)
	}

	return summary, true, nil
}
