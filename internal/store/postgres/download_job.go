package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// InsertDownloadJob persists a newly submitted job.
func (s *Store) InsertDownloadJob(ctx context.Context, job *models.DownloadJob) error {
	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("postgres: marshal download target: %w", err)
	}
	lastErr, err := marshalSourceError(job.LastError)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO download_job (
			id, kind, target, client_id, external_id, status, bytes_total,
			bytes_done, started_at, updated_at, completed_at, attempts, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Kind, target, job.ClientID, job.ExternalID, job.Status,
		job.BytesTotal, job.BytesDone, job.StartedAt, job.UpdatedAt,
		nullableTime(job.CompletedAt), job.Attempts, lastErr,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert download job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateDownloadJob persists a job's mutable fields after a transition.
func (s *Store) UpdateDownloadJob(ctx context.Context, job *models.DownloadJob) error {
	lastErr, err := marshalSourceError(job.LastError)
	if err != nil {
		return err
	}

	query := `
		UPDATE download_job SET
			client_id = $2, external_id = $3, status = $4, bytes_total = $5,
			bytes_done = $6, updated_at = $7, completed_at = $8, attempts = $9,
			last_error = $10
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query,
		job.ID, job.ClientID, job.ExternalID, job.Status, job.BytesTotal,
		job.BytesDone, job.UpdatedAt, nullableTime(job.CompletedAt), job.Attempts, lastErr,
	)
	if err != nil {
		return fmt.Errorf("postgres: update download job %s: %w", job.ID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("postgres: download job not found: %s", job.ID)
	}
	return nil
}

// GetDownloadJob retrieves one job by id.
func (s *Store) GetDownloadJob(ctx context.Context, id string) (*models.DownloadJob, error) {
	query := `
		SELECT id, kind, target, client_id, external_id, status, bytes_total,
			   bytes_done, started_at, updated_at, completed_at, attempts, last_error
		FROM download_job WHERE id = $1`

	job, err := scanDownloadJobRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: download job not found: %s", id)
		}
		return nil, fmt.Errorf("postgres: get download job %s: %w", id, err)
	}
	return job, nil
}

// ListDownloadJobs returns a paged, optionally kind/state-filtered job
// list, newest first.
func (s *Store) ListDownloadJobs(ctx context.Context, kind models.JobKind, state models.JobState, page, limit int) ([]models.DownloadJob, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	offset := (page - 1) * limit

	query := `
		SELECT id, kind, target, client_id, external_id, status, bytes_total,
			   bytes_done, started_at, updated_at, completed_at, attempts, last_error
		FROM download_job
		WHERE ($1 = '' OR kind = $1) AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, string(kind), string(state), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list download jobs: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadJob
	for rows.Next() {
		job, err := scanDownloadJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ActiveOrQueuedDownloadJobs returns every job in the active or queued
// state (pending jobs are not included), used by §4.6's restart
// reconciliation.
func (s *Store) ActiveOrQueuedDownloadJobs(ctx context.Context) ([]models.DownloadJob, error) {
	query := `
		SELECT id, kind, target, client_id, external_id, status, bytes_total,
			   bytes_done, started_at, updated_at, completed_at, attempts, last_error
		FROM download_job WHERE status IN ('active', 'queued')`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active/queued download jobs: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadJob
	for rows.Next() {
		job, err := scanDownloadJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownloadJobRow(row rowScanner) (*models.DownloadJob, error) {
	var job models.DownloadJob
	var target []byte
	var lastErr []byte
	var completedAt sqlNullTime

	if err := row.Scan(
		&job.ID, &job.Kind, &target, &job.ClientID, &job.ExternalID, &job.Status,
		&job.BytesTotal, &job.BytesDone, &job.StartedAt, &job.UpdatedAt, &completedAt,
		&job.Attempts, &lastErr,
	); err != nil {
		return nil, err
	}

	if len(target) > 0 {
		if err := json.Unmarshal(target, &job.Target); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal download target: %w", err)
		}
	}
	var err error
	if job.LastError, err = unmarshalSourceError(lastErr); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	return &job, nil
}
