package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func TestUpsertAndGetUniversalEntry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &models.UniversalEntry{
		ID:               "entry-1",
		Title:            "Solo Leveling",
		Type:             models.EntryManhwa,
		Status:           models.PubOngoing,
		DataCompleteness: 0.8,
		SourceOrigins: []models.SourceOrigin{
			{SourceID: "mangadex", SourceNativeID: "md-123", Confidence: 0.95},
			{SourceID: "webtoon", SourceNativeID: "wt-456", Confidence: 0.7},
		},
	}
	require.NoError(t, store.UpsertUniversalEntry(ctx, "solo-leveling", entry))

	got, err := store.GetUniversalEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Equal(t, entry.Title, got.Title)
	require.Len(t, got.SourceOrigins, 2)

	byFingerprint, err := store.FindByFingerprint(ctx, "solo-leveling")
	require.NoError(t, err)
	require.NotNil(t, byFingerprint)
	require.Equal(t, "entry-1", byFingerprint.ID)

	id, err := store.EntryIDForOrigin(ctx, "mangadex", "md-123")
	require.NoError(t, err)
	require.Equal(t, "entry-1", id)
}

func TestFindByFingerprintReturnsNilWhenAbsent(t *testing.T) {
	store := setupTestStore(t)
	got, err := store.FindByFingerprint(context.Background(), "nothing-here")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEntryIDForOriginReturnsEmptyWhenAbsent(t *testing.T) {
	store := setupTestStore(t)
	id, err := store.EntryIDForOrigin(context.Background(), "mangadex", "nope")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestUpsertUniversalEntryReplacesOriginsOnReupsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &models.UniversalEntry{
		ID:    "entry-2",
		Title: "Tower of God",
		SourceOrigins: []models.SourceOrigin{
			{SourceID: "mangadex", SourceNativeID: "md-999", Confidence: 0.5},
		},
	}
	require.NoError(t, store.UpsertUniversalEntry(ctx, "tower-of-god", entry))

	entry.SourceOrigins = append(entry.SourceOrigins, models.SourceOrigin{
		SourceID: "batoto", SourceNativeID: "bt-777", Confidence: 0.6,
	})
	require.NoError(t, store.UpsertUniversalEntry(ctx, "tower-of-god", entry))

	got, err := store.GetUniversalEntry(ctx, "entry-2")
	require.NoError(t, err)
	require.Len(t, got.SourceOrigins, 2)

	id, err := store.EntryIDForOrigin(ctx, "batoto", "bt-777")
	require.NoError(t, err)
	require.Equal(t, "entry-2", id)
}
