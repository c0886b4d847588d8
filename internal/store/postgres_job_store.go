package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	format TEXT NOT NULL,
	status TEXT NOT NULL,
	identifiers JSONB NOT NULL,
	total_count INTEGER NOT NULL,
	processed_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	original_header JSONB,
	result_column TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	merge BOOLEAN NOT NULL DEFAULT FALSE,
	webhook_url TEXT NOT NULL DEFAULT '',
	avg_batch_millis BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS export_jobs_owner_created_idx ON export_jobs (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS export_jobs_parent_idx ON export_jobs (parent_id) WHERE parent_id <> '';
`

const jobColumns = `id, owner_id, kind, format, status, identifiers, total_count,
	processed_count, skipped_count, original_header, result_column, object_key,
	parent_id, chunk_index, chunk_count, merge, webhook_url, avg_batch_millis,
	error_message, cancel_requested, created_at, updated_at, expires_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure export_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
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

func (s *PostgresJobStore) Get(ctx context.Context, id, ownerID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = $1 AND owner_id = $2`,
		id,
		ownerID,
	)
	return scanJob(row)
}

func (s *PostgresJobStore) GetAny(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = $1`,
		id,
	)
	return scanJob(row)
}

func (s *PostgresJobStore) Update(ctx context.Context, id string, update JobUpdate) (domain.Job, error) {
	assignments := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	appendSet := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
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
	query := fmt.Sprintf(
		"UPDATE export_jobs SET %s WHERE id = $%d",
		strings.Join(assignments, ", "),
		len(args),
	)
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

func (s *PostgresJobStore) Claim(ctx context.Context, id string) (domain.Job, ClaimResult, error) {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4 AND cancel_requested = FALSE`,
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

	// Claim lost: either the job already left pending, or cancellation beat
	// us to it. Resolve the pending+cancel case atomically.
	result, err = s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = $4 AND cancel_requested = TRUE`,
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

func (s *PostgresJobStore) RequestCancel(ctx context.Context, id, ownerID string) error {
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET cancel_requested = TRUE, updated_at = $1
		 WHERE id = $2 AND owner_id = $3 AND status IN ($4, $5)`,
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

func (s *PostgresJobStore) List(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresJobStore) Children(ctx context.Context, parentID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE parent_id = $1 ORDER BY chunk_index ASC`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresJobStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE expires_at IS NOT NULL AND expires_at <= $1 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete export job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(scanner rowScanner) (domain.Job, error) {
	var (
		job             domain.Job
		identifiersJSON []byte
		headerJSON      []byte
		expiresAt       sql.NullTime
	)
	err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Kind,
		&job.Format,
		&job.Status,
		&identifiersJSON,
		&job.TotalCount,
		&job.ProcessedCount,
		&job.SkippedCount,
		&headerJSON,
		&job.ResultColumn,
		&job.ObjectKey,
		&job.ParentID,
		&job.ChunkIndex,
		&job.ChunkCount,
		&job.Merge,
		&job.WebhookURL,
		&job.AvgBatchMillis,
		&job.ErrorMessage,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
		&expiresAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	if err := json.Unmarshal(identifiersJSON, &job.Identifiers); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal identifiers: %w", err)
	}
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &job.OriginalHeader); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal original header: %w", err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		job.ExpiresAt = &t
	}
	return job, nil
}

func scanJob(row *sql.Row) (domain.Job, bool, error) {
	job, err := scanJobRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query export job: %w", err)
	}
	return job, true, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}
	return jobs, nil
}
