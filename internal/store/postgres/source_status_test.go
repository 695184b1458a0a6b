package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func TestUpsertAndGetSourceStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := &models.SourceStatus{
		SourceID:            "mangadex",
		Status:              models.StateActive,
		LastProbe:           time.Now().UTC().Truncate(time.Millisecond),
		LastSuccess:         time.Now().UTC().Truncate(time.Millisecond),
		ResponseTimeMS:      120.5,
		ConsecutiveFailures: 0,
		TotalProbes:         10,
		SuccessfulProbes:    9,
		Enabled:             true,
		CheckIntervalMin:    5,
		FailureThreshold:    3,
	}
	require.NoError(t, store.UpsertSourceStatus(ctx, st))

	got, err := store.GetSourceStatus(ctx, "mangadex")
	require.NoError(t, err)
	require.Equal(t, st.SourceID, got.SourceID)
	require.Equal(t, st.Status, got.Status)
	require.Equal(t, st.TotalProbes, got.TotalProbes)
	require.Nil(t, got.LastError)

	// upsert again as degraded, with a last error
	st.Status = models.StateDegraded
	st.ConsecutiveFailures = 2
	st.LastError = &models.SourceError{Kind: "transport", Message: "dial tcp: timeout"}
	require.NoError(t, store.UpsertSourceStatus(ctx, st))

	got, err = store.GetSourceStatus(ctx, "mangadex")
	require.NoError(t, err)
	require.Equal(t, models.StateDegraded, got.Status)
	require.Equal(t, 2, got.ConsecutiveFailures)
	require.NotNil(t, got.LastError)
	require.Equal(t, "transport", got.LastError.Kind)
}

func TestGetSourceStatusNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetSourceStatus(context.Background(), "nonexistent")
	require.Error(t, err)
}

func TestListSourceStatusesOrdersBySourceID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mu"} {
		require.NoError(t, store.UpsertSourceStatus(ctx, &models.SourceStatus{
			SourceID:  id,
			Status:    models.StateActive,
			LastProbe: time.Now().UTC(),
			Enabled:   true,
		}))
	}

	all, err := store.ListSourceStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, []string{"alpha", "mu", "zeta"}, []string{all[0].SourceID, all[1].SourceID, all[2].SourceID})
}
