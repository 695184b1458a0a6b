package proxypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

func newTestPool() *Pool {
	return New(Config{
		CanaryURL:     "https://example.invalid/generate_204",
		ProbeInterval: time.Hour,
		DeadCooldown:  time.Minute,
		ProbeTimeout:  time.Second,
	})
}

func TestGetProxyWithNoConfigGoesDirect(t *testing.T) {
	p := newTestPool()
	defer p.Shutdown()

	proxy, err := p.GetProxy("unknown-source")
	require.NoError(t, err)
	require.Nil(t, proxy)
}

func TestGetProxyRoundRobinCyclesEntries(t *testing.T) {
	p := newTestPool()
	defer p.Shutdown()

	p.Configure("src-a", StrategyRoundRobin, []models.ProxyDescriptor{
		{ID: "p1", SourceID: "src-a", Endpoint: "proxy1:8080", Kind: models.ProxyHTTP},
		{ID: "p2", SourceID: "src-a", Endpoint: "proxy2:8080", Kind: models.ProxyHTTP},
	})

	first, err := p.GetProxy("src-a")
	require.NoError(t, err)
	second, err := p.GetProxy("src-a")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestReportProxyOutcomeMarksDeadAfterTwoDegradations(t *testing.T) {
	p := newTestPool()
	defer p.Shutdown()

	p.Configure("src-b", StrategyHealthWeighted, []models.ProxyDescriptor{
		{ID: "p1", SourceID: "src-b", Endpoint: "proxy1:8080", Kind: models.ProxyHTTP},
	})

	p.ReportProxyOutcome("src-b", "p1", OutcomeHTTPError)
	p.ReportProxyOutcome("src-b", "p1", OutcomeHTTPError)

	_, err := p.GetProxy("src-b")
	require.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestMarkDeadExcludesUntilCooldownElapses(t *testing.T) {
	p := newTestPool()
	defer p.Shutdown()

	p.Configure("src-c", StrategyHealthWeighted, []models.ProxyDescriptor{
		{ID: "p1", SourceID: "src-c", Endpoint: "proxy1:8080", Kind: models.ProxyHTTP},
	})
	p.sources["src-c"].entries[0].desc.Health = models.ProxyDead
	p.sources["src-c"].entries[0].desc.DeadUntil = time.Now().Add(-time.Second)

	proxy, err := p.GetProxy("src-c")
	require.NoError(t, err)
	require.Equal(t, "p1", proxy.ID)
}
