package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// UpsertSourceStatus writes a source's operational record, owned
// exclusively by the Health Monitor (§5 shared-resource policy).
func (s *Store) UpsertSourceStatus(ctx context.Context, st *models.SourceStatus) error {
	lastErr, err := marshalSourceError(st.LastError)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO source_status (
			source_id, status, last_probe, last_success, response_time_ms,
			consecutive_failures, total_probes, successful_probes, last_error,
			enabled, check_interval_min, failure_threshold
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (source_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_probe = EXCLUDED.last_probe,
			last_success = EXCLUDED.last_success,
			response_time_ms = EXCLUDED.response_time_ms,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_probes = EXCLUDED.total_probes,
			successful_probes = EXCLUDED.successful_probes,
			last_error = EXCLUDED.last_error,
			enabled = EXCLUDED.enabled,
			check_interval_min = EXCLUDED.check_interval_min,
			failure_threshold = EXCLUDED.failure_threshold`

	_, err = s.pool.Exec(ctx, query,
		st.SourceID, st.Status, st.LastProbe, st.LastSuccess, st.ResponseTimeMS,
		st.ConsecutiveFailures, st.TotalProbes, st.SuccessfulProbes, lastErr,
		st.Enabled, st.CheckIntervalMin, st.FailureThreshold,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert source status %s: %w", st.SourceID, err)
	}
	return nil
}

// GetSourceStatus retrieves one source's operational record.
func (s *Store) GetSourceStatus(ctx context.Context, sourceID string) (*models.SourceStatus, error) {
	query := `
		SELECT source_id, status, last_probe, last_success, response_time_ms,
			   consecutive_failures, total_probes, successful_probes, last_error,
			   enabled, check_interval_min, failure_threshold
		FROM source_status WHERE source_id = $1`

	var st models.SourceStatus
	var lastErr []byte
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&st.SourceID, &st.Status, &st.LastProbe, &st.LastSuccess, &st.ResponseTimeMS,
		&st.ConsecutiveFailures, &st.TotalProbes, &st.SuccessfulProbes, &lastErr,
		&st.Enabled, &st.CheckIntervalMin, &st.FailureThreshold,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: source status not found: %s", sourceID)
		}
		return nil, fmt.Errorf("postgres: get source status %s: %w", sourceID, err)
	}
	if st.LastError, err = unmarshalSourceError(lastErr); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSourceStatuses returns every source's operational record, ordered by
// source id.
func (s *Store) ListSourceStatuses(ctx context.Context) ([]models.SourceStatus, error) {
	query := `
		SELECT source_id, status, last_probe, last_success, response_time_ms,
			   consecutive_failures, total_probes, successful_probes, last_error,
			   enabled, check_interval_min, failure_threshold
		FROM source_status ORDER BY source_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list source statuses: %w", err)
	}
	defer rows.Close()

	var out []models.SourceStatus
	for rows.Next() {
		var st models.SourceStatus
		var lastErr []byte
		if err := rows.Scan(
			&st.SourceID, &st.Status, &st.LastProbe, &st.LastSuccess, &st.ResponseTimeMS,
			&st.ConsecutiveFailures, &st.TotalProbes, &st.SuccessfulProbes, &lastErr,
			&st.Enabled, &st.CheckIntervalMin, &st.FailureThreshold,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan source status: %w", err)
		}
		if st.LastError, err = unmarshalSourceError(lastErr); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func marshalSourceError(e *models.SourceError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal source error: %w", err)
	}
	return data, nil
}

func unmarshalSourceError(data []byte) (*models.SourceError, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var e models.SourceError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal source error: %w", err)
	}
	return &e, nil
}
