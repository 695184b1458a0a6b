package scheduler

import (
	"sync"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// Event is published on every persisted DownloadJob transition, feeding the
// additive WebSocket push in §6.
type Event struct {
	JobID           string
	Status          models.JobState
	BytesDone       int64
	BytesTotal      int64
	ProgressPercent float64
}

// keyedLock serializes transitions per job id, the "per-job serialization
// primitive" §4.6 requires so only one actor mutates a job's state at a
// time.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLock) lockFor(id string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	return m
}

// store is the in-memory job table. Every mutation happens under the
// per-job lock from keyedLock and also under store.mu, so snapshot reads
// (List) wait for a transition in progress and always copy a whole job.
type store struct {
	keys   *keyedLock
	mu     sync.RWMutex
	jobs   map[string]*models.DownloadJob
	events chan Event
}

func newStore(eventBuffer int) *store {
	return &store{
		keys:   newKeyedLock(),
		jobs:   make(map[string]*models.DownloadJob),
		events: make(chan Event, eventBuffer),
	}
}

func (s *store) put(job *models.DownloadJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *store) get(id string) (*models.DownloadJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// snapshot returns a copy so callers never observe a job mid-transition.
func (s *store) snapshot(id string) (models.DownloadJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.DownloadJob{}, false
	}
	return *j, true
}

// list returns snapshots of every job, optionally filtered by kind/state.
func (s *store) list(kind models.JobKind, state models.JobState, page, limit int) []models.DownloadJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.DownloadJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if kind != "" && j.Kind != kind {
			continue
		}
		if state != "" && j.Status != state {
			continue
		}
		matched = append(matched, *j)
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = len(matched)
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []models.DownloadJob{}
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end]
}

// transition applies mutate to the job under its keyed lock, stamps
// UpdatedAt, and publishes an Event. mutate must not itself touch the
// store.
func (s *store) transition(id string, mutate func(j *models.DownloadJob)) (models.DownloadJob, bool) {
	lock := s.keys.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return models.DownloadJob{}, false
	}

	mutate(job)
	job.UpdatedAt = time.Now()
	snap := *job
	s.mu.Unlock()

	select {
	case s.events <- Event{JobID: snap.ID, Status: snap.Status, BytesDone: snap.BytesDone, BytesTotal: snap.BytesTotal, ProgressPercent: snap.ProgressPercent()}:
	default:
	}
	return snap, true
}

// Events exposes the transition feed for the additive WebSocket handler.
func (s *store) Events() <-chan Event { return s.events }
