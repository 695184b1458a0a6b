package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func newTestJob(id string, kind models.JobKind) *models.DownloadJob {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.DownloadJob{
		ID:         id,
		Kind:       kind,
		Target:     models.DownloadTarget{ExternalDescriptor: "magnet:?xt=urn:btih:" + id},
		ClientID:   "qbittorrent-1",
		Status:     models.JobPending,
		BytesTotal: 0,
		BytesDone:  0,
		StartedAt:  now,
		UpdatedAt:  now,
		Attempts:   0,
	}
}

func TestInsertGetUpdateDownloadJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-1", models.JobTorrent)
	require.NoError(t, store.InsertDownloadJob(ctx, job))

	got, err := store.GetDownloadJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, job.Kind, got.Kind)
	require.Equal(t, job.Target.ExternalDescriptor, got.Target.ExternalDescriptor)
	require.Equal(t, models.JobPending, got.Status)
	require.True(t, got.CompletedAt.IsZero())
	require.Nil(t, got.LastError)

	got.Status = models.JobActive
	got.ExternalID = "qbt-external-42"
	got.BytesTotal = 1024
	got.BytesDone = 256
	got.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.UpdateDownloadJob(ctx, got))

	updated, err := store.GetDownloadJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobActive, updated.Status)
	require.Equal(t, "qbt-external-42", updated.ExternalID)
	require.Equal(t, int64(256), updated.BytesDone)

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	updated.Status = models.JobCompleted
	updated.CompletedAt = completedAt
	updated.LastError = &models.SourceError{Kind: "client_error", Message: "tracker timeout"}
	require.NoError(t, store.UpdateDownloadJob(ctx, updated))

	done, err := store.GetDownloadJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, done.Status)
	require.WithinDuration(t, completedAt, done.CompletedAt, time.Second)
	require.NotNil(t, done.LastError)
	require.Equal(t, "client_error", done.LastError.Kind)
}

func TestUpdateDownloadJobNotFoundErrors(t *testing.T) {
	store := setupTestStore(t)
	job := newTestJob("missing", models.JobDirect)
	err := store.UpdateDownloadJob(context.Background(), job)
	require.Error(t, err)
}

func TestGetDownloadJobNotFoundErrors(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetDownloadJob(context.Background(), "missing")
	require.Error(t, err)
}

func TestListDownloadJobsFiltersAndPaginates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertDownloadJob(ctx, newTestJob("t1", models.JobTorrent)))
	require.NoError(t, store.InsertDownloadJob(ctx, newTestJob("t2", models.JobTorrent)))
	require.NoError(t, store.InsertDownloadJob(ctx, newTestJob("n1", models.JobNZB)))

	torrents, err := store.ListDownloadJobs(ctx, models.JobTorrent, "", 1, 50)
	require.NoError(t, err)
	require.Len(t, torrents, 2)

	nzbs, err := store.ListDownloadJobs(ctx, models.JobNZB, "", 1, 50)
	require.NoError(t, err)
	require.Len(t, nzbs, 1)

	all, err := store.ListDownloadJobs(ctx, "", "", 1, 50)
	require.NoError(t, err)
	require.Len(t, all, 3)

	page1, err := store.ListDownloadJobs(ctx, "", "", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
}

func TestActiveOrQueuedDownloadJobsExcludesTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	active := newTestJob("active-1", models.JobDirect)
	active.Status = models.JobActive
	require.NoError(t, store.InsertDownloadJob(ctx, active))

	queued := newTestJob("queued-1", models.JobDirect)
	queued.Status = models.JobQueued
	require.NoError(t, store.InsertDownloadJob(ctx, queued))

	completed := newTestJob("completed-1", models.JobDirect)
	completed.Status = models.JobCompleted
	require.NoError(t, store.InsertDownloadJob(ctx, completed))

	open, err := store.ActiveOrQueuedDownloadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	ids := []string{open[0].ID, open[1].ID}
	require.ElementsMatch(t, []string{"active-1", "queued-1"}, ids)
}
