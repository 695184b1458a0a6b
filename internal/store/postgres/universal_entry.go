package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// UpsertUniversalEntry writes a fused entry keyed by its synthetic id, and
// refreshes the CrossSourceReference rows pointing every (source-id,
// native-id) pair at it (§6's logical schema).
func (s *Store) UpsertUniversalEntry(ctx context.Context, fingerprint string, e *models.UniversalEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert entry: %w", err)
	}
	defer tx.Rollback(ctx)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("postgres: marshal universal entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO universal_entry (id, title_fingerprint, data_completeness, payload)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			title_fingerprint = EXCLUDED.title_fingerprint,
			data_completeness = EXCLUDED.data_completeness,
			payload = EXCLUDED.payload`,
		e.ID, fingerprint, e.DataCompleteness, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert universal entry %s: %w", e.ID, err)
	}

	for _, origin := range e.SourceOrigins {
		_, err = tx.Exec(ctx, `
			INSERT INTO cross_source_reference (source_id, source_native_id, entry_id)
			VALUES ($1,$2,$3)
			ON CONFLICT (source_id, source_native_id) DO UPDATE SET entry_id = EXCLUDED.entry_id`,
			origin.SourceID, origin.SourceNativeID, e.ID,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert cross-source reference %s/%s: %w", origin.SourceID, origin.SourceNativeID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetUniversalEntry retrieves a fused entry by synthetic id.
func (s *Store) GetUniversalEntry(ctx context.Context, id string) (*models.UniversalEntry, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM universal_entry WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: universal entry not found: %s", id)
		}
		return nil, fmt.Errorf("postgres: get universal entry %s: %w", id, err)
	}
	var e models.UniversalEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal universal entry %s: %w", id, err)
	}
	return &e, nil
}

// FindByFingerprint looks up an entry by its title-fingerprint secondary
// index, returning (nil, nil) when no entry has that fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*models.UniversalEntry, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM universal_entry WHERE title_fingerprint = $1`, fingerprint).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: find by fingerprint %s: %w", fingerprint, err)
	}
	var e models.UniversalEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal universal entry: %w", err)
	}
	return &e, nil
}

// EntryIDForOrigin resolves a (source-id, native-id) pair to its fused
// entry id via CrossSourceReference.
func (s *Store) EntryIDForOrigin(ctx context.Context, sourceID, sourceNativeID string) (string, error) {
	var entryID string
	err := s.pool.QueryRow(ctx, `
		SELECT entry_id FROM cross_source_reference WHERE source_id = $1 AND source_native_id = $2`,
		sourceID, sourceNativeID,
	).Scan(&entryID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("postgres: entry id for origin %s/%s: %w", sourceID, sourceNativeID, err)
	}
	return entryID, nil
}
