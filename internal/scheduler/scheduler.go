package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Futs/kuroibara-sub003/internal/errs"
	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/registry"
	"github.com/Futs/kuroibara-sub003/internal/workers"
)

// PostProcessor is invoked on every completed job with its local file list,
// per §6's external post-processor hook. Implementations must be
// idempotent; the scheduler retries a failed call up to 3 times (1s, 2s, 4s
// backoff) before failing the job.
type PostProcessor interface {
	OnDownloadComplete(ctx context.Context, job models.DownloadJob, files []string) error
}

// Config controls per-kind worker pool sizing and poll cadence.
type Config struct {
	DirectWorkers    int
	TorrentWorkers   int
	NZBWorkers       int
	ProgressInterval time.Duration
	OutputDir        string
}

// Scheduler is the Download Scheduler component.
type Scheduler struct {
	cfg     Config
	log     *logging.Logger
	clients *ClientRegistry
	direct  *directClient
	store   *store
	post    PostProcessor

	pools map[models.JobKind]*workers.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Scheduler. dispatcher is the same registry.Dispatcher
// instance the Source Adapter Registry uses, so direct image fetches are
// gated by the same Rate Controller and Proxy Pool as every other request
// to that source.
func New(cfg Config, sources SourceLister, dispatcher *registry.Dispatcher, clients *ClientRegistry, post PostProcessor, log *logging.Logger) *Scheduler {
	if cfg.DirectWorkers <= 0 {
		cfg.DirectWorkers = 4
	}
	if cfg.TorrentWorkers <= 0 {
		cfg.TorrentWorkers = 2
	}
	if cfg.NZBWorkers <= 0 {
		cfg.NZBWorkers = 2
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./downloads"
	}
	if log == nil {
		log = logging.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		log:     log.WithComponent("scheduler"),
		clients: clients,
		direct:  newDirectClient(sources, dispatcher, cfg.OutputDir),
		store:   newStore(256),
		post:    post,
		pools:   make(map[models.JobKind]*workers.Pool),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.pools[models.JobDirect] = workers.NewPool(workers.Config{WorkerCount: cfg.DirectWorkers})
	s.pools[models.JobTorrent] = workers.NewPool(workers.Config{WorkerCount: cfg.TorrentWorkers})
	s.pools[models.JobNZB] = workers.NewPool(workers.Config{WorkerCount: cfg.NZBWorkers})
	return s
}

// Start launches worker pools, the client registry poller, and the
// progress poller.
func (s *Scheduler) Start() error {
	for kind, pool := range s.pools {
		if err := pool.Start(); err != nil {
			return fmt.Errorf("start %s pool: %w", kind, err)
		}
	}
	s.clients.Start()

	s.wg.Add(1)
	go s.progressLoop()
	return nil
}

// Shutdown stops every pool and the progress poller, LIFO relative to
// Start.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
	s.clients.Shutdown()
	for _, pool := range s.pools {
		_ = pool.Shutdown()
	}
}

// Events exposes the job-transition feed for the additive WebSocket push.
func (s *Scheduler) Events() <-chan Event { return s.store.Events() }

func protocolForKind(kind models.JobKind) models.DownloadClientProtocol {
	switch kind {
	case models.JobTorrent:
		return models.ProtocolTorrent
	case models.JobNZB:
		return models.ProtocolUsenet
	default:
		return ""
	}
}

// Submit accepts a new job: direct jobs must carry a Target.Chapter;
// torrent/nzb jobs must carry Target.ExternalDescriptor. The job is
// persisted pending, then handed to its kind's worker pool; if the pool's
// queue is full the job remains pending (§4.6 backpressure: excess jobs
// remain pending, not rejected). Nothing dispatches such a job again later.
func (s *Scheduler) Submit(ctx context.Context, kind models.JobKind, target models.DownloadTarget, clientID string) (*models.DownloadJob, error) {
	job := &models.DownloadJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		ClientID:  clientID,
		Status:    models.JobPending,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.store.put(job)
	s.dispatch(job.ID)
	return job, nil
}

func (s *Scheduler) dispatch(jobID string) {
	job, ok := s.store.get(jobID)
	if !ok {
		return
	}
	pool := s.pools[job.Kind]
	if pool == nil {
		return
	}
	task := &jobTask{s: s, jobID: jobID}
	if err := pool.Submit(task); err != nil {
		s.log.WithField("job_id", jobID).Debug("dispatch deferred: pool at capacity")
	}
}

// jobTask adapts one DownloadJob dispatch attempt into a workers.Task.
type jobTask struct {
	s     *Scheduler
	jobID string
}

func (t *jobTask) ID() string { return t.jobID }

func (t *jobTask) Execute(ctx context.Context) (interface{}, error) {
	t.s.runJob(ctx, t.jobID)
	return nil, nil
}

func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, ok := s.store.snapshot(jobID)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	s.store.transition(jobID, func(j *models.DownloadJob) {
		j.Status = models.JobActive
		j.Attempts++
	})

	var externalID string
	var resolvedClientID string
	var err error

	switch job.Kind {
	case models.JobDirect:
		if job.Target.Chapter == nil {
			err = errs.New(errs.InvalidArgument, "direct job requires a chapter target")
			break
		}
		externalID, err = s.direct.addChapter(ctx, job.Target.Chapter.SourceID, job.Target.Chapter.SourceNativeID, 0)
	default:
		rec, rerr := s.clients.resolve(protocolForKind(job.Kind), job.ClientID)
		if rerr != nil {
			err = errs.Wrap(errs.ClientError, job.ClientID, rerr)
			break
		}
		resolvedClientID = rec.cfg.ID
		externalID, err = rec.client.Add(ctx, job.Target.ExternalDescriptor)
	}

	if err != nil {
		s.failJob(jobID, err)
		return
	}

	s.store.transition(jobID, func(j *models.DownloadJob) {
		j.Status = models.JobQueued
		j.ExternalID = externalID
		if resolvedClientID != "" {
			j.ClientID = resolvedClientID
		}
	})
}

func (s *Scheduler) failJob(jobID string, cause error) {
	kind := errs.Classify(cause)
	s.store.transition(jobID, func(j *models.DownloadJob) {
		j.Status = models.JobFailed
		j.CompletedAt = time.Now()
		j.LastError = &models.SourceError{Kind: string(kind), Message: cause.Error()}
	})
}

// Cancel transitions a non-terminal job to cancelled and asks its client to
// remove the underlying work without deleting files. Idempotent.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, ok := s.store.snapshot(jobID)
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	switch job.Kind {
	case models.JobDirect:
		_ = s.direct.Remove(ctx, job.ExternalID, false)
	default:
		if rec, err := s.clients.resolve(protocolForKind(job.Kind), job.ClientID); err == nil {
			_ = rec.client.Remove(ctx, job.ExternalID, false)
		}
	}

	s.store.transition(jobID, func(j *models.DownloadJob) {
		j.Status = models.JobCancelled
		j.CompletedAt = time.Now()
	})
	return nil
}

// Job returns a consistent snapshot of one job.
func (s *Scheduler) Job(id string) (models.DownloadJob, bool) {
	return s.store.snapshot(id)
}

// List returns a filtered, paginated snapshot of the job table.
func (s *Scheduler) List(kind models.JobKind, state models.JobState, page, limit int) []models.DownloadJob {
	return s.store.list(kind, state, page, limit)
}

// progressLoop polls every active job's client every ProgressInterval and
// persists bytes/state transitions, invoking the post-processor on
// completion (§4.6).
func (s *Scheduler) progressLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pollActive()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) pollActive() {
	active := s.store.list("", models.JobQueued, 0, 0)
	active = append(active, s.store.list("", models.JobActive, 0, 0)...)

	for _, job := range active {
		if job.ExternalID == "" {
			continue
		}
		s.pollOne(job)
	}
}

func (s *Scheduler) pollOne(job models.DownloadJob) {
	var cs ClientStatus
	var err error

	switch job.Kind {
	case models.JobDirect:
		cs, err = s.direct.Status(s.ctx, job.ExternalID)
	default:
		rec, rerr := s.clients.resolve(protocolForKind(job.Kind), job.ClientID)
		if rerr != nil {
			return
		}
		cs, err = rec.client.Status(s.ctx, job.ExternalID)
	}

	if err == ErrUnknownExternalID {
		s.store.transition(job.ID, func(j *models.DownloadJob) {
			j.Status = models.JobFailed
			j.CompletedAt = time.Now()
			j.LastError = &models.SourceError{Kind: string(errs.Lost), Message: "client no longer recognizes this job"}
		})
		return
	}
	if err != nil {
		return
	}

	snap, _ := s.store.transition(job.ID, func(j *models.DownloadJob) {
		j.BytesDone = cs.BytesDone
		if cs.BytesTotal > 0 {
			j.BytesTotal = cs.BytesTotal
		}
		if cs.State == models.JobCompleted {
			j.Status = models.JobCompleted
			j.CompletedAt = time.Now()
		}
	})

	if snap.Status == models.JobCompleted {
		s.completeJob(snap)
	}
}

func (s *Scheduler) completeJob(job models.DownloadJob) {
	if s.post == nil {
		return
	}
	var files []string
	if job.Kind == models.JobDirect {
		s.direct.mu.Lock()
		if dj := s.direct.jobs[job.ExternalID]; dj != nil {
			files = append(files, dj.files...)
		}
		s.direct.mu.Unlock()
	}

	backoff := time.Second
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = s.post.OnDownloadComplete(s.ctx, job, files)
		if err == nil {
			return
		}
	}
	s.failJob(job.ID, errs.Wrap(errs.ClientError, job.ClientID, err))
}

// Reconcile polls the client for every persisted active/queued job at
// startup; jobs whose external id the client no longer recognizes are
// marked failed with kind Lost (§4.6 restart recovery).
func (s *Scheduler) Reconcile(ctx context.Context, jobs []models.DownloadJob) {
	for _, job := range jobs {
		if job.Status != models.JobActive && job.Status != models.JobQueued {
			continue
		}
		s.store.put(&job)
		s.pollOne(job)
	}
}
