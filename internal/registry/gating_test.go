package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/proxypool"
	"github.com/Futs/kuroibara-sub003/internal/ratecontrol"
)

func TestLoadConfiguresRateGateForEveryLoadedSource(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "src-a", sprintfConfig("src-a", "Source A"))

	rc := ratecontrol.NewController()
	reg := New(&Dispatcher{RateController: rc}, nil)
	require.NoError(t, reg.Load(dir, t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	permit, err := rc.Acquire(ctx, "src-a", 0, time.Second)
	require.NoError(t, err)
	require.NotNil(t, permit)
}

func TestLoadConfiguresGateForSourceWithRateOverrides(t *testing.T) {
	dir := t.TempDir()
	body := sprintfConfig("src-b", "Source B")
	body = body[:len(body)-1] + `,"rate_limit":{"requests_per_window":5,"window_seconds":1,"burst":1}}`
	writeConfig(t, dir, "src-b", body)

	rc := ratecontrol.NewController()
	reg := New(&Dispatcher{RateController: rc}, nil)
	require.NoError(t, reg.Load(dir, t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	permit, err := rc.Acquire(ctx, "src-b", 0, time.Second)
	require.NoError(t, err)
	require.NotNil(t, permit)
	require.Equal(t, 1.0, rc.CurrentRateMultiplier("src-b"))
}

func TestLoadConfiguresProxyPoolWhenSourceDeclaresProxies(t *testing.T) {
	dir := t.TempDir()
	body := sprintfConfig("src-c", "Source C")
	body = body[:len(body)-1] + `,"proxies":[{"id":"p1","endpoint":"http://proxy.example:8080","kind":"http"}],"proxy_strategy":"round_robin"}`
	writeConfig(t, dir, "src-c", body)

	pool := proxypool.New(proxypool.Config{})
	reg := New(&Dispatcher{RateController: ratecontrol.NewController(), ProxyPool: pool}, nil)
	require.NoError(t, reg.Load(dir, t.TempDir()))

	desc, err := pool.GetProxy("src-c")
	require.NoError(t, err)
	require.NotNil(t, desc)
	require.Equal(t, "p1", desc.ID)
}

func TestRateLimitsFromConfigFallsBackFieldByField(t *testing.T) {
	limits := rateLimitsFromConfig(RateLimitConfig{RequestsPerWindow: 10})
	defaults := DefaultRateLimits()

	require.Equal(t, 10, limits.RequestsPerWindow)
	require.Equal(t, defaults.Window, limits.Window)
	require.Equal(t, defaults.Burst, limits.Burst)
}

func TestProxyStrategyFromConfigDefaultsToHealthWeighted(t *testing.T) {
	require.Equal(t, proxypool.StrategyHealthWeighted, proxyStrategyFromConfig(""))
	require.Equal(t, proxypool.StrategyHealthWeighted, proxyStrategyFromConfig("unknown"))
	require.Equal(t, proxypool.StrategyRandom, proxyStrategyFromConfig("random"))
}
