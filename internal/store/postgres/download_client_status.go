package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// UpsertDownloadClientStatus writes a configured client's health record,
// owned exclusively by the client health poller (§6, additive) the same
// way SourceStatus is owned by the Health Monitor.
func (s *Store) UpsertDownloadClientStatus(ctx context.Context, st *models.DownloadClientStatus) error {
	query := `
		INSERT INTO download_client_status (client_id, healthy, last_checked, consecutive_failures)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (client_id) DO UPDATE SET
			healthy = EXCLUDED.healthy,
			last_checked = EXCLUDED.last_checked,
			consecutive_failures = EXCLUDED.consecutive_failures`

	_, err := s.pool.Exec(ctx, query, st.ClientID, st.Healthy, st.LastChecked, st.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("postgres: upsert download client status %s: %w", st.ClientID, err)
	}
	return nil
}

// GetDownloadClientStatus retrieves one client's health record.
func (s *Store) GetDownloadClientStatus(ctx context.Context, clientID string) (*models.DownloadClientStatus, error) {
	var st models.DownloadClientStatus
	err := s.pool.QueryRow(ctx, `
		SELECT client_id, healthy, last_checked, consecutive_failures
		FROM download_client_status WHERE client_id = $1`, clientID,
	).Scan(&st.ClientID, &st.Healthy, &st.LastChecked, &st.ConsecutiveFailures)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: download client status not found: %s", clientID)
		}
		return nil, fmt.Errorf("postgres: get download client status %s: %w", clientID, err)
	}
	return &st, nil
}
