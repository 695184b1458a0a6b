// Package health maintains a SourceStatus per source, drives automatic
// degradation/recovery, and gates admissibility for the Search Engine
// (§4.4).
package health

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/workers"
)

// Prober is the subset of registry.Source the monitor needs.
type Prober interface {
	Probe(ctx context.Context) (healthy bool, latencyMS float64, err error)
}

// SourceLister supplies the set of descriptors to monitor and resolves a
// descriptor's id to its prober.
type SourceLister interface {
	All() []models.SourceDescriptor
	Get(id string) (Prober, bool)
}

// HealthAlert records a status transition, mirroring the teacher's
// alert-and-resolve bookkeeping.
type HealthAlert struct {
	ID         string
	SourceID   string
	Kind       string // "degraded" | "down" | "recovered"
	Message    string
	Timestamp  time.Time
	Resolved   bool
	ResolvedAt time.Time
}

// Config controls probe cadence, concurrency, and thresholds.
type Config struct {
	WorkerCount       int
	DefaultInterval   time.Duration
	ProbeTimeout      time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

// Monitor is the Health Monitor component: a supervisor goroutine per
// source driving a bounded worker pool of probes.
type Monitor struct {
	cfg     Config
	lister  SourceLister
	log     *logging.Logger
	pool    *workers.Pool

	mu       sync.RWMutex
	statuses map[string]*models.SourceStatus
	alerts   []HealthAlert

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, lister SourceLister, log *logging.Logger) *Monitor {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 5 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 1
	}
	if log == nil {
		log = logging.Global()
	}

	pool := workers.NewPool(workers.Config{WorkerCount: cfg.WorkerCount})
	return &Monitor{
		cfg:      cfg,
		lister:   lister,
		log:      log.WithComponent("health"),
		pool:     pool,
		statuses: make(map[string]*models.SourceStatus),
		stop:     make(chan struct{}),
	}
}

// Start probes every known source once (staggered by 200ms jitter), then
// launches one supervisor goroutine per source to re-probe on its
// check-interval with ±10% jitter.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.pool.Start(); err != nil {
		return err
	}

	descriptors := m.lister.All()
	for i, desc := range descriptors {
		m.ensureStatus(desc.ID)
		delay := time.Duration(i) * 200 * time.Millisecond
		m.wg.Add(1)
		go m.superviseSource(ctx, desc.ID, delay)
	}
	return nil
}

func (m *Monitor) ensureStatus(sourceID string) *models.SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[sourceID]
	if !ok {
		s = &models.SourceStatus{
			SourceID:         sourceID,
			Status:           models.StateUnknown,
			Enabled:          true,
			CheckIntervalMin: int(m.cfg.DefaultInterval.Minutes()),
			FailureThreshold: m.cfg.FailureThreshold,
		}
		m.statuses[sourceID] = s
	}
	return s
}

// superviseSource is the per-source supervisor loop: probe, sleep
// check-interval*(0.9..1.1), repeat, until ctx/stop fires. On panic it
// restarts itself, mirroring the spec's "supervisor restarts workers on
// unexpected termination."
func (m *Monitor) superviseSource(ctx context.Context, sourceID string, initialDelay time.Duration) {
	defer m.wg.Done()

	select {
	case <-time.After(initialDelay):
	case <-ctx.Done():
		return
	case <-m.stop:
		return
	}

	for {
		m.safeProbeOnce(ctx, sourceID)

		interval := m.intervalFor(sourceID)
		jittered := jitter(interval, 0.1)
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) intervalFor(sourceID string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[sourceID]
	if !ok || s.CheckIntervalMin <= 0 {
		return m.cfg.DefaultInterval
	}
	return time.Duration(s.CheckIntervalMin) * time.Minute
}

func jitter(d time.Duration, fraction float64) time.Duration {
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// safeProbeOnce recovers from a panicking Prober so one misbehaving source
// can never take down the supervisor for every other source.
func (m *Monitor) safeProbeOnce(ctx context.Context, sourceID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("recovered panic probing %s: %v", sourceID, r)
		}
	}()

	m.mu.RLock()
	status := m.statuses[sourceID]
	m.mu.RUnlock()
	if status != nil && !status.Enabled {
		return
	}

	prober, ok := m.lister.Get(sourceID)
	if !ok {
		return
	}

	task := probeTask{sourceID: sourceID, prober: prober, timeout: m.cfg.ProbeTimeout}
	result, err := m.pool.ExecuteAll(ctx, []workers.Task{task})
	if err != nil || len(result) == 0 {
		return
	}
	outcome, _ := result[0].Value.(probeOutcome)
	m.recordProbe(sourceID, outcome)
}

type probeOutcome struct {
	healthy   bool
	latencyMS float64
	err       error
}

type probeTask struct {
	sourceID string
	prober   Prober
	timeout  time.Duration
}

func (t probeTask) ID() string { return t.sourceID }

func (t probeTask) Execute(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	healthy, latencyMS, err := t.prober.Probe(ctx)
	return probeOutcome{healthy: healthy, latencyMS: latencyMS, err: err}, nil
}

// recordProbe applies §4.4's update rule and raises/resolves alerts on
// status transitions.
func (m *Monitor) recordProbe(sourceID string, outcome probeOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.statuses[sourceID]
	if !ok {
		return
	}

	previous := s.Status
	s.TotalProbes++
	s.LastProbe = time.Now()

	const emaAlpha = 0.3
	if s.ResponseTimeMS == 0 {
		s.ResponseTimeMS = outcome.latencyMS
	} else {
		s.ResponseTimeMS = s.ResponseTimeMS*(1-emaAlpha) + outcome.latencyMS*emaAlpha
	}

	if outcome.healthy && outcome.err == nil {
		s.ConsecutiveFailures = 0
		s.SuccessfulProbes++
		s.LastSuccess = time.Now()
		s.Status = models.StateActive
	} else {
		s.ConsecutiveFailures++
		if outcome.err != nil {
			s.LastError = &models.SourceError{Kind: "ProbeFailed", Message: outcome.err.Error()}
		}
		if s.ConsecutiveFailures >= s.FailureThreshold {
			s.Status = models.StateDown
		} else {
			s.Status = models.StateDegraded
		}
	}

	m.raiseTransitionAlert(sourceID, previous, s.Status)
}

func (m *Monitor) raiseTransitionAlert(sourceID string, previous, current models.SourceState) {
	if previous == current {
		return
	}
	if previous == models.StateActive && (current == models.StateDegraded || current == models.StateDown) {
		kind := "degraded"
		if current == models.StateDown {
			kind = "down"
		}
		m.addAlert(HealthAlert{
			ID:        fmt.Sprintf("alert-%s-%d", sourceID, time.Now().UnixNano()),
			SourceID:  sourceID,
			Kind:      kind,
			Message:   fmt.Sprintf("source %s transitioned from active to %s", sourceID, current),
			Timestamp: time.Now(),
		})
		return
	}
	if previous != models.StateActive && current == models.StateActive {
		m.addAlert(HealthAlert{
			ID:        fmt.Sprintf("alert-%s-%d", sourceID, time.Now().UnixNano()),
			SourceID:  sourceID,
			Kind:      "recovered",
			Message:   fmt.Sprintf("source %s recovered and is now active", sourceID),
			Timestamp: time.Now(),
			Resolved:  true,
		})
		m.resolveAlertsLocked(sourceID, "degraded")
		m.resolveAlertsLocked(sourceID, "down")
	}
}

func (m *Monitor) addAlert(a HealthAlert) {
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > 1000 {
		m.alerts = m.alerts[len(m.alerts)-1000:]
	}
}

func (m *Monitor) resolveAlertsLocked(sourceID, kind string) {
	for i := range m.alerts {
		if m.alerts[i].SourceID == sourceID && m.alerts[i].Kind == kind && !m.alerts[i].Resolved {
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = time.Now()
		}
	}
}

// IsHealthy implements the admissibility gate: true iff status is active or
// degraded and the source has not been manually disabled.
func (m *Monitor) IsHealthy(sourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[sourceID]
	if !ok {
		return false
	}
	return s.IsAdmissible()
}

// Status returns a copy of a source's current status record.
func (m *Monitor) Status(sourceID string) (models.SourceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[sourceID]
	if !ok {
		return models.SourceStatus{}, false
	}
	return *s, true
}

// AllStatuses returns a copy of every tracked source's status.
func (m *Monitor) AllStatuses() []models.SourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SourceStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, *s)
	}
	return out
}

// SetEnabled implements the manual override: disabling preserves
// historical counters but makes the source permanently inadmissible and
// unprobed until re-enabled.
func (m *Monitor) SetEnabled(sourceID string, enabled bool) {
	s := m.ensureStatus(sourceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Enabled = enabled
	if !enabled {
		s.Status = models.StateDisabled
	}
}

// SetCheckInterval overrides a source's probe cadence, used by the admin
// PATCH endpoint. Takes effect on the supervisor's next sleep.
func (m *Monitor) SetCheckInterval(sourceID string, minutes int) {
	s := m.ensureStatus(sourceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.CheckIntervalMin = minutes
}

// SetFailureThreshold overrides the consecutive-failure count that
// triggers a down transition for one source.
func (m *Monitor) SetFailureThreshold(sourceID string, threshold int) {
	s := m.ensureStatus(sourceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.FailureThreshold = threshold
}

// Probe forces an immediate out-of-band probe of one source, used by the
// admin "probe now" API endpoint.
func (m *Monitor) Probe(ctx context.Context, sourceID string) {
	m.safeProbeOnce(ctx, sourceID)
}

// Alerts returns a copy of the retained alert history, most recent last.
func (m *Monitor) Alerts() []HealthAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Shutdown stops every supervisor goroutine and the underlying probe pool.
func (m *Monitor) Shutdown() error {
	close(m.stop)
	m.wg.Wait()
	return m.pool.Shutdown()
}
