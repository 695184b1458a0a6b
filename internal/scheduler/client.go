// Package scheduler implements the Download Scheduler: job intake, per-kind
// bounded worker pools, client routing, progress polling, and restart
// reconciliation (§4.6).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// ErrUnknownExternalID is returned by Status/Remove when a client no
// longer recognizes a job it was previously handed.
var ErrUnknownExternalID = errors.New("scheduler: unknown external id")

// ClientStatus is what a Download Client reports back for one external job.
type ClientStatus struct {
	State      models.JobState
	BytesDone  int64
	BytesTotal int64
}

// Client is the scheduler's view of a torrent or NZB client: add a job,
// poll its status, remove it. The scheduler never assumes protocol
// internals (§4.6).
type Client interface {
	TestConnection(ctx context.Context) error
	Add(ctx context.Context, descriptor string) (externalID string, err error)
	Status(ctx context.Context, externalID string) (ClientStatus, error)
	Remove(ctx context.Context, externalID string, deleteFiles bool) error
}

// clientRecord pairs a configured client with its live health state, owned
// exclusively by the health poller goroutine (mirrors the Health Monitor's
// ownership model for SourceStatus).
type clientRecord struct {
	cfg    models.DownloadClientConfig
	client Client
	mu     sync.RWMutex
	status models.DownloadClientStatus
}

func (r *clientRecord) healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status.Healthy
}

func (r *clientRecord) setStatus(s models.DownloadClientStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

func (r *clientRecord) snapshot() models.DownloadClientStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// ClientRegistry tracks configured download clients per protocol kind and
// polls their health every PollInterval via TestConnection (§4.6: "every
// 60s").
type ClientRegistry struct {
	mu            sync.RWMutex
	records       map[string]*clientRecord
	byKind        map[models.DownloadClientProtocol][]string
	defaults      map[models.DownloadClientProtocol]string
	pollInterval  time.Duration
	probeTimeout  time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
	wg            sync.WaitGroup
}

// NewClientRegistry constructs an empty registry. Register clients with
// Register before calling Start.
func NewClientRegistry(pollInterval, probeTimeout time.Duration) *ClientRegistry {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &ClientRegistry{
		records:      make(map[string]*clientRecord),
		byKind:       make(map[models.DownloadClientProtocol][]string),
		defaults:     make(map[models.DownloadClientProtocol]string),
		pollInterval: pollInterval,
		probeTimeout: probeTimeout,
		stop:         make(chan struct{}),
	}
}

// Register installs a configured client. The first client registered for a
// kind becomes that kind's default; Priority is not consulted.
func (r *ClientRegistry) Register(cfg models.DownloadClientConfig, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &clientRecord{cfg: cfg, client: client, status: models.DownloadClientStatus{ClientID: cfg.ID, Healthy: cfg.Enabled}}
	r.records[cfg.ID] = rec
	r.byKind[cfg.Kind] = append(r.byKind[cfg.Kind], cfg.ID)
	if _, ok := r.defaults[cfg.Kind]; !ok {
		r.defaults[cfg.Kind] = cfg.ID
	}
}

// SetDefault overrides the default client used for a kind when no
// client-id is supplied on job creation.
func (r *ClientRegistry) SetDefault(kind models.DownloadClientProtocol, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[kind] = clientID
}

// Start launches the background health poller.
func (r *ClientRegistry) Start() {
	r.wg.Add(1)
	go r.pollLoop()
}

// Shutdown stops the health poller.
func (r *ClientRegistry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *ClientRegistry) pollLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.pollAll()
		case <-r.stop:
			return
		}
	}
}

func (r *ClientRegistry) pollAll() {
	r.mu.RLock()
	recs := make([]*clientRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
		err := rec.client.TestConnection(ctx)
		cancel()

		prev := rec.snapshot()
		next := models.DownloadClientStatus{ClientID: rec.cfg.ID, LastChecked: time.Now()}
		if err == nil {
			next.Healthy = true
			next.ConsecutiveFailures = 0
		} else {
			next.Healthy = false
			next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}
		rec.setStatus(next)
	}
}

// resolve picks the client to use for a job: the explicit id if given and
// healthy, else the kind's default if healthy, else the first healthy
// configured client of that kind.
func (r *ClientRegistry) resolve(kind models.DownloadClientProtocol, explicitID string) (*clientRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if explicitID != "" {
		rec, ok := r.records[explicitID]
		if ok && rec.healthy() {
			return rec, nil
		}
		if ok {
			return nil, fmt.Errorf("client %s is unhealthy", explicitID)
		}
		return nil, fmt.Errorf("client %s not configured", explicitID)
	}

	if def, ok := r.defaults[kind]; ok {
		if rec := r.records[def]; rec != nil && rec.healthy() {
			return rec, nil
		}
	}

	for _, id := range r.byKind[kind] {
		rec := r.records[id]
		if rec != nil && rec.healthy() {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no healthy client configured for kind %s", kind)
}

// Get returns a client record by id, for status reporting.
func (r *ClientRegistry) Get(id string) (models.DownloadClientStatus, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return models.DownloadClientStatus{}, false
	}
	return rec.snapshot(), true
}
