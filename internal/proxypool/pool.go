// Package proxypool selects a proxy for each outbound request to a source
// configured for proxy use, and tracks per-proxy health via periodic canary
// probes and caller-reported outcomes (§4.2).
package proxypool

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// ErrNoProxyAvailable is returned by GetProxy when a source has proxies
// configured but every one is currently dead.
var ErrNoProxyAvailable = errors.New("proxypool: no proxy available")

// Strategy selects among a source's healthy proxies.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRandom         Strategy = "random"
	StrategyHealthWeighted Strategy = "health_weighted"
)

// Outcome is what a caller observed after using a proxy on real traffic.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeHTTPError
)

// entry is the pool's live record for one configured proxy: the descriptor
// plus the performance metrics the selection strategies read.
type entry struct {
	desc         models.ProxyDescriptor
	successRate  float64
	lastUsed     time.Time
	requestCount int64
}

// sourcePool holds one source's ordered proxy list and round-robin cursor.
type sourcePool struct {
	mu       sync.RWMutex
	strategy Strategy
	entries  []*entry
	rrCursor int
}

// Config controls canary probing cadence and dead-proxy cooldown.
type Config struct {
	CanaryURL     string
	ProbeInterval time.Duration
	DeadCooldown  time.Duration
	ProbeTimeout  time.Duration
}

// Pool is the Proxy Pool component: one sourcePool per configured source,
// plus a background canary prober.
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	sources map[string]*sourcePool

	httpClient *http.Client

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Minute
	}
	if cfg.DeadCooldown <= 0 {
		cfg.DeadCooldown = 15 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	p := &Pool{
		cfg:        cfg,
		sources:    make(map[string]*sourcePool),
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		stop:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.probeLoop()
	return p
}

// Configure installs or replaces the proxy list for a source.
func (p *Pool) Configure(sourceID string, strategy Strategy, descriptors []models.ProxyDescriptor) {
	entries := make([]*entry, len(descriptors))
	for i, d := range descriptors {
		if d.Health == "" {
			d.Health = models.ProxyHealthy
		}
		entries[i] = &entry{desc: d}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[sourceID] = &sourcePool{strategy: strategy, entries: entries}
}

// GetProxy selects a proxy for sourceID. A source with no configured
// proxies returns (nil, nil) meaning "go direct". A source whose entire
// list is currently dead returns ErrNoProxyAvailable.
func (p *Pool) GetProxy(sourceID string) (*models.ProxyDescriptor, error) {
	p.mu.RLock()
	sp, ok := p.sources[sourceID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	now := time.Now()
	var available []*entry
	for _, e := range sp.entries {
		if e.desc.Health == models.ProxyDead && now.Before(e.desc.DeadUntil) {
			continue
		}
		if e.desc.Health == models.ProxyDead {
			e.desc.Health = models.ProxyDegraded
			e.desc.ConsecutiveFailures = 0
		}
		available = append(available, e)
	}
	if len(available) == 0 {
		return nil, ErrNoProxyAvailable
	}

	var chosen *entry
	switch sp.strategy {
	case StrategyRoundRobin:
		chosen = available[sp.rrCursor%len(available)]
		sp.rrCursor++
	case StrategyRandom:
		chosen = available[rand.Intn(len(available))]
	default:
		chosen = selectByHealth(available)
	}

	chosen.requestCount++
	chosen.lastUsed = now
	desc := chosen.desc
	return &desc, nil
}

// selectByHealth implements the default health-weighted strategy: score =
// success-rate * 1/latency, adapted from the teacher's
// calculatePerformanceScore weighting shape.
func selectByHealth(candidates []*entry) *entry {
	var best *entry
	var bestScore float64
	for _, e := range candidates {
		if e.requestCount == 0 {
			return e // untested proxies get priority, same as the teacher's router
		}
		latencyMS := e.desc.LatencyEMAms
		if latencyMS <= 0 {
			latencyMS = 1
		}
		score := e.successRate * (1000 / latencyMS)
		if best == nil || score > bestScore {
			best = e
			bestScore = score
		}
	}
	if best == nil {
		best = candidates[0]
	}
	return best
}

// ReportProxyOutcome records the result of using a proxy on real traffic,
// applying the degraded/dead escalation rules from §4.2.
func (p *Pool) ReportProxyOutcome(sourceID, proxyID string, outcome Outcome) {
	p.mu.RLock()
	sp, ok := p.sources[sourceID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, e := range sp.entries {
		if e.desc.ID != proxyID {
			continue
		}
		applyOutcome(e, outcome, p.cfg.DeadCooldown)
		return
	}
}

func applyOutcome(e *entry, outcome Outcome, deadCooldown time.Duration) {
	const alpha = 0.1
	switch outcome {
	case OutcomeSuccess:
		if e.successRate == 0 {
			e.successRate = 1.0
		} else {
			e.successRate = e.successRate*(1-alpha) + alpha
		}
		e.desc.ConsecutiveDegraded = 0
		if e.desc.Health == models.ProxyDegraded {
			e.desc.Health = models.ProxyHealthy
		}
	case OutcomeHTTPError:
		e.successRate = e.successRate * (1 - alpha)
		e.desc.ConsecutiveDegraded++
		e.desc.Health = models.ProxyDegraded
		if e.desc.ConsecutiveDegraded >= 2 {
			markDead(e, deadCooldown)
		}
	}
}

func markDead(e *entry, cooldown time.Duration) {
	e.desc.Health = models.ProxyDead
	e.desc.DeadUntil = time.Now().Add(cooldown)
	e.desc.ConsecutiveDegraded = 0
}

// probeLoop periodically canary-probes every configured proxy.
func (p *Pool) probeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.RLock()
	pools := make([]*sourcePool, 0, len(p.sources))
	for _, sp := range p.sources {
		pools = append(pools, sp)
	}
	p.mu.RUnlock()

	for _, sp := range pools {
		sp.mu.RLock()
		entries := append([]*entry(nil), sp.entries...)
		sp.mu.RUnlock()
		for _, e := range entries {
			p.probeOne(e)
		}
	}
}

func (p *Pool) probeOne(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	client, err := DialerFor(e.desc)
	if err != nil {
		recordProbe(e, false, 0, p.cfg.DeadCooldown)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CanaryURL, nil)
	if err != nil {
		recordProbe(e, false, 0, p.cfg.DeadCooldown)
		return
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		recordProbe(e, false, elapsed, p.cfg.DeadCooldown)
		return
	}
	resp.Body.Close()
	recordProbe(e, resp.StatusCode < 400, elapsed, p.cfg.DeadCooldown)
}

func recordProbe(e *entry, ok bool, latency time.Duration, deadCooldown time.Duration) {
	e.desc.LastChecked = time.Now()
	if ok {
		e.desc.ConsecutiveFailures = 0
		const alpha = 0.3
		if e.desc.LatencyEMAms == 0 {
			e.desc.LatencyEMAms = float64(latency.Milliseconds())
		} else {
			e.desc.LatencyEMAms = e.desc.LatencyEMAms*(1-alpha) + float64(latency.Milliseconds())*alpha
		}
		if e.desc.Health == models.ProxyDead || e.desc.Health == models.ProxyDegraded {
			e.desc.Health = models.ProxyHealthy
		}
		return
	}
	e.desc.ConsecutiveFailures++
	if e.desc.ConsecutiveFailures >= 3 {
		markDead(e, deadCooldown)
	}
}

// DialerFor builds an http.Client routed through the given proxy
// descriptor's transport (HTTP/HTTPS via http.ProxyURL; SOCKS4 and SOCKS5
// descriptors both via golang.org/x/net/proxy's SOCKS5 client, so a SOCKS4
// proxy is spoken to with the SOCKS5 handshake). Exported so callers outside the pool, such as the
// Source Adapter Registry's generic dispatcher, can proxy a one-off
// request without duplicating the transport-selection logic.
func DialerFor(desc models.ProxyDescriptor) (*http.Client, error) {
	switch desc.Kind {
	case models.ProxySOCKS4, models.ProxySOCKS5:
		var auth *proxy.Auth
		if desc.Username != "" {
			auth = &proxy.Auth{User: desc.Username}
		}
		dialer, err := proxy.SOCKS5("tcp", desc.Endpoint, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		transport := &http.Transport{Dial: dialer.Dial}
		return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
	case models.ProxyHTTP, models.ProxyHTTPS:
		scheme := "http"
		if desc.Kind == models.ProxyHTTPS {
			scheme = "https"
		}
		proxyURL, err := url.Parse(scheme + "://" + desc.Endpoint)
		if err != nil {
			return nil, err
		}
		if desc.Username != "" {
			proxyURL.User = url.User(desc.Username)
		}
		transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
	default:
		return nil, errors.New("proxypool: unknown proxy kind " + string(desc.Kind))
	}
}

// Shutdown stops the background canary prober.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
