package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func TestUpsertAndGetDownloadClientStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := &models.DownloadClientStatus{
		ClientID:            "qbittorrent-1",
		Healthy:             true,
		LastChecked:         time.Now().UTC().Truncate(time.Millisecond),
		ConsecutiveFailures: 0,
	}
	require.NoError(t, store.UpsertDownloadClientStatus(ctx, st))

	got, err := store.GetDownloadClientStatus(ctx, "qbittorrent-1")
	require.NoError(t, err)
	require.True(t, got.Healthy)
	require.Equal(t, 0, got.ConsecutiveFailures)

	st.Healthy = false
	st.ConsecutiveFailures = 3
	require.NoError(t, store.UpsertDownloadClientStatus(ctx, st))

	got, err = store.GetDownloadClientStatus(ctx, "qbittorrent-1")
	require.NoError(t, err)
	require.False(t, got.Healthy)
	require.Equal(t, 3, got.ConsecutiveFailures)
}

func TestGetDownloadClientStatusNotFoundErrors(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetDownloadClientStatus(context.Background(), "missing")
	require.Error(t, err)
}
