package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	err     error
}

func (p *fakeProber) Probe(ctx context.Context) (bool, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy, 10, p.err
}

func (p *fakeProber) set(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
	p.err = err
}

type fakeLister struct {
	descriptors []models.SourceDescriptor
	probers     map[string]Prober
}

func (l *fakeLister) All() []models.SourceDescriptor { return l.descriptors }

func (l *fakeLister) Get(id string) (Prober, bool) {
	p, ok := l.probers[id]
	return p, ok
}

func TestRecordProbeTransitionsActiveToDown(t *testing.T) {
	prober := &fakeProber{healthy: true}
	lister := &fakeLister{
		descriptors: []models.SourceDescriptor{{ID: "src-a"}},
		probers:     map[string]Prober{"src-a": prober},
	}
	m := New(Config{FailureThreshold: 2}, lister, nil)
	m.ensureStatus("src-a")

	m.recordProbe("src-a", probeOutcome{healthy: true})
	status, ok := m.Status("src-a")
	require.True(t, ok)
	require.Equal(t, models.StateActive, status.Status)

	m.recordProbe("src-a", probeOutcome{healthy: false, err: errors.New("boom")})
	status, _ = m.Status("src-a")
	require.Equal(t, models.StateDegraded, status.Status)

	m.recordProbe("src-a", probeOutcome{healthy: false, err: errors.New("boom again")})
	status, _ = m.Status("src-a")
	require.Equal(t, models.StateDown, status.Status)
	require.Equal(t, 2, status.ConsecutiveFailures)

	alerts := m.Alerts()
	require.NotEmpty(t, alerts)
}

func TestIsHealthyRequiresEnabledAndAdmissibleStatus(t *testing.T) {
	lister := &fakeLister{descriptors: []models.SourceDescriptor{{ID: "src-b"}}, probers: map[string]Prober{}}
	m := New(Config{}, lister, nil)
	m.ensureStatus("src-b")

	require.False(t, m.IsHealthy("src-b")) // status unknown at creation

	m.recordProbe("src-b", probeOutcome{healthy: true})
	require.True(t, m.IsHealthy("src-b"))

	m.SetEnabled("src-b", false)
	require.False(t, m.IsHealthy("src-b"))
}

func TestStartProbesEachSourceOnce(t *testing.T) {
	prober := &fakeProber{healthy: true}
	lister := &fakeLister{
		descriptors: []models.SourceDescriptor{{ID: "src-c"}},
		probers:     map[string]Prober{"src-c": prober},
	}
	m := New(Config{DefaultInterval: time.Hour}, lister, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		status, ok := m.Status("src-c")
		return ok && status.TotalProbes >= 1
	}, time.Second, 10*time.Millisecond)
}
