package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/registry"
)

type fakePostProcessor struct {
	calls int
	err   error
}

func (p *fakePostProcessor) OnDownloadComplete(ctx context.Context, job models.DownloadJob, files []string) error {
	p.calls++
	return p.err
}

type nilSourceLister struct{}

func (nilSourceLister) Get(id string) (registry.Source, bool) { return nil, false }

func newTestScheduler(t *testing.T, reg *ClientRegistry, post PostProcessor) *Scheduler {
	t.Helper()
	s := New(Config{
		DirectWorkers:    1,
		TorrentWorkers:   1,
		NZBWorkers:       1,
		ProgressInterval: 20 * time.Millisecond,
		OutputDir:        t.TempDir(),
	}, nilSourceLister{}, &registry.Dispatcher{}, reg, post, nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)
	return s
}

func TestSubmitTorrentJobTransitionsToQueued(t *testing.T) {
	reg := NewClientRegistry(time.Hour, time.Second)
	reg.Register(models.DownloadClientConfig{ID: "qbit", Kind: models.ProtocolTorrent, Enabled: true}, &fakeClient{healthy: true})

	s := newTestScheduler(t, reg, nil)
	job, err := s.Submit(context.Background(), models.JobTorrent, models.DownloadTarget{ExternalDescriptor: "magnet:?xt=urn:btih:abc"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := s.Job(job.ID)
		return ok && snap.Status == models.JobQueued
	}, time.Second, 10*time.Millisecond)
}

func TestCancelTransitionsToCancelledIdempotently(t *testing.T) {
	reg := NewClientRegistry(time.Hour, time.Second)
	reg.Register(models.DownloadClientConfig{ID: "qbit", Kind: models.ProtocolTorrent, Enabled: true}, &fakeClient{healthy: true})

	s := newTestScheduler(t, reg, nil)
	job, err := s.Submit(context.Background(), models.JobTorrent, models.DownloadTarget{ExternalDescriptor: "magnet:?xt=urn:btih:abc"}, "")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), job.ID))
	require.NoError(t, s.Cancel(context.Background(), job.ID))

	snap, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, models.JobCancelled, snap.Status)
}

type completingClient struct{ fakeClient }

func (c *completingClient) Status(ctx context.Context, externalID string) (ClientStatus, error) {
	return ClientStatus{State: models.JobCompleted, BytesDone: 100, BytesTotal: 100}, nil
}

func TestPollActiveInvokesPostProcessorOnCompletion(t *testing.T) {
	reg := NewClientRegistry(time.Hour, time.Second)
	reg.Register(models.DownloadClientConfig{ID: "qbit", Kind: models.ProtocolTorrent, Enabled: true}, &completingClient{})

	post := &fakePostProcessor{}
	s := newTestScheduler(t, reg, post)
	job, err := s.Submit(context.Background(), models.JobTorrent, models.DownloadTarget{ExternalDescriptor: "magnet:?xt=urn:btih:abc"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return post.calls > 0
	}, 2*time.Second, 20*time.Millisecond)

	snap, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, models.JobCompleted, snap.Status)
}

func TestListFiltersByKindAndState(t *testing.T) {
	reg := NewClientRegistry(time.Hour, time.Second)
	reg.Register(models.DownloadClientConfig{ID: "qbit", Kind: models.ProtocolTorrent, Enabled: true}, &fakeClient{healthy: true})

	s := newTestScheduler(t, reg, nil)
	_, err := s.Submit(context.Background(), models.JobTorrent, models.DownloadTarget{ExternalDescriptor: "magnet:1"}, "")
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), models.JobTorrent, models.DownloadTarget{ExternalDescriptor: "magnet:2"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.List(models.JobTorrent, models.JobQueued, 1, 10)) == 2
	}, time.Second, 10*time.Millisecond)
}
