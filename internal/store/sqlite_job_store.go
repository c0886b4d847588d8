package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	format TEXT NOT NULL,
	status TEXT NOT NULL,
	identifiers TEXT NOT NULL,
	total_count INTEGER NOT NULL,
	processed_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	original_header TEXT,
	result_column TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	merge INTEGER NOT NULL DEFAULT 0,
	webhook_url TEXT NOT NULL DEFAULT '',
	avg_batch_millis INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS export_jobs_owner_created_idx ON export_jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS export_jobs_parent_idx ON export_jobs (parent_id);
`

// SQLiteJobStore is the single-node backend. Same contract as postgres, file
// or in-memory DSN.
type SQLiteJobStore struct {
	db *sql.DB
}

func NewSQLiteJobStore(ctx context.Context, dsn string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Claim CAS and partial updates serialize through a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure export_jobs schema: %w", err)
	}

	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobStore) Create(ctx context.Context, job domain.Job) error {
	identifiersJSON, err := json.Marshal(job.Identifiers)
	if err != nil {
		return fmt.Errorf("marshal identifiers: %w", err)
	}
	var headerJSON []byte
	if job.OriginalHeader != nil {
		headerJSON, err = json.Marshal(job.OriginalHeader)
		if err != nil {
			return fmt.Errorf("marshal original header: %w", err)
		}
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO export_jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.Kind,
		job.Format,
		job.Status,
		identifiersJSON,
		job.TotalCount,
		job.ProcessedCount,
		job.SkippedCount,
		headerJSON,
		job.ResultColumn,
		job.ObjectKey,
		job.ParentID,
		job.ChunkIndex,
		job.ChunkCount,
		job.Merge,
		job.WebhookURL,
		job.AvgBatchMillis,
		job.ErrorMessage,
		job.CancelRequested,
		job.CreatedAt,
		job.UpdatedAt,
		job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id, ownerID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = ? AND owner_id = ?`,
		id,
		ownerID,
	)
	return scanJob(row)
}

func (s *SQLiteJobStore) GetAny(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`,
		id,
	)
	return scanJob(row)
}

func (s *SQLiteJobStore) Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error) {
	assignments := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	appendSet := func(column string, value any) {
		assignments = append(assignments, column+" = ?")
		args = append(args, value)
	}
	if update.Status != nil {
		appendSet("status", *update.Status)
	}
	if update.ProcessedCount != nil {
		appendSet("processed_count", *update.ProcessedCount)
	}
	if update.SkippedCount != nil {
		appendSet("skipped_count", *update.SkippedCount)
	}
	if update.AvgBatchMillis != nil {
		appendSet("avg_batch_millis", *update.AvgBatchMillis)
	}
	if update.ObjectKey != nil {
		appendSet("object_key", *update.ObjectKey)
	}
	if update.ExpiresAt != nil {
		appendSet("expires_at", *update.ExpiresAt)
	}
	if update.ErrorMessage != nil {
		appendSet("error_message", *update.ErrorMessage)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE export_jobs SET %s WHERE id = ?", strings.Join(assignments, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return domain.Job{}, fmt.Errorf("update export job: %w", err)
	}

	job, ok, err := s.GetAny(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *SQLiteJobStore) Claim(ctx context.Context, id string) (domain.Job, ClaimResult, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND cancel_requested = 0`,
		domain.JobStatusProcessing,
		now,
		id,
		domain.JobStatusPending,
	)
	if err != nil {
		return domain.Job{}, AlreadyTaken, fmt.Errorf("claim export job: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 1 {
		job, ok, err := s.GetAny(ctx, id)
		if err != nil {
			return domain.Job{}, AlreadyTaken, err
		}
		if !ok {
			return domain.Job{}, AlreadyTaken, ErrJobNotFound
		}
		return job, Claimed, nil
	}

	result, err = s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND cancel_requested = 1`,
		domain.JobStatusCancelled,
		now,
		id,
		domain.JobStatusPending,
	)
	if err != nil {
		return domain.Job{}, AlreadyTaken, fmt.Errorf("cancel pending export job: %w", err)
	}

	job, ok, getErr := s.GetAny(ctx, id)
	if getErr != nil {
		return domain.Job{}, AlreadyTaken, getErr
	}
	if !ok {
		return domain.Job{}, AlreadyTaken, ErrJobNotFound
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 1 {
		return job, CancelledBeforeStart, nil
	}
	return job, AlreadyTaken, nil
}

func (s *SQLiteJobStore) RequestCancel(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND status IN (?, ?)`,
		time.Now().UTC(),
		id,
		ownerID,
		domain.JobStatusPending,
		domain.JobStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 1 {
		return nil
	}

	if _, ok, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	} else if !ok {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadyTerminal
}

func (s *SQLiteJobStore) List(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE owner_id = ? ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteJobStore) Children(ctx context.Context, parentID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE parent_id = ? ORDER BY chunk_index ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteJobStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE expires_at IS NOT NULL AND expires_at <= ? LIMIT ?`,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete export job: %w", err)
	}
	return nil
}
