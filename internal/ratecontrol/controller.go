// Package ratecontrol gates outbound requests to upstream sources so that no
// source sees traffic beyond its declared limits, while preserving priority
// fairness and bounded wait latency (§4.1).
package ratecontrol

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Futs/kuroibara-sub003/internal/errs"
)

// Limits is the per-source configuration the controller enforces.
type Limits struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
	MinInterval       time.Duration
	MaxQueueDepth     int
	MaxWaitTime       time.Duration
}

// Outcome is what a caller observed after using a permit, fed back via
// ReportOutcome to drive the adaptive cooldown.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeServerError
)

// cooldownState mirrors the teacher's circuit-breaker shape but drives a
// continuous rate multiplier instead of a hard open/closed gate: normal
// traffic runs at 1.0x, a 429/5xx halves it, and it recovers linearly back
// to 1.0 over the cooldown window.
type cooldownState struct {
	mu         sync.Mutex
	multiplier float64
	since      time.Time
	window     time.Duration
}

func newCooldownState(window time.Duration) *cooldownState {
	return &cooldownState{multiplier: 1.0, window: window}
}

func (c *cooldownState) trip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.currentLocked() / 2
	if next < 0.1 {
		next = 0.1
	}
	c.multiplier = next
	c.since = time.Now()
}

// current returns the present multiplier, recovering linearly toward 1.0
// since the last trip.
func (c *cooldownState) current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *cooldownState) currentLocked() float64 {
	if c.multiplier >= 1.0 || c.since.IsZero() {
		return 1.0
	}
	elapsed := time.Since(c.since)
	if elapsed >= c.window {
		return 1.0
	}
	recovered := c.multiplier + (1.0-c.multiplier)*(float64(elapsed)/float64(c.window))
	if recovered > 1.0 {
		return 1.0
	}
	return recovered
}

// waiter is one pending Acquire call, ordered by priority then FIFO.
type waiter struct {
	priority  int
	seq       int64
	enqueued  time.Time
	ready     chan struct{}
	cancelled bool
	index     int
}

// waiterHeap is a max-heap on priority, then min-heap on seq (older first)
// within equal priority.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// sourceGate is the per-source state: a token bucket, a priority wait
// queue, and a single dispatcher goroutine.
type sourceGate struct {
	sourceID string
	limits   Limits
	limiter  *rate.Limiter
	cooldown *cooldownState

	mu          sync.Mutex
	queue       waiterHeap
	nextSeq     int64
	lastDispatch time.Time

	wake chan struct{}
	done chan struct{}
}

func newSourceGate(sourceID string, limits Limits) *sourceGate {
	ratePerSec := float64(limits.RequestsPerWindow) / limits.Window.Seconds()
	g := &sourceGate{
		sourceID: sourceID,
		limits:   limits,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), limits.Burst),
		cooldown: newCooldownState(60 * time.Second),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	heap.Init(&g.queue)
	go g.dispatchLoop()
	return g
}

func (g *sourceGate) effectiveInterval() time.Duration {
	mult := g.cooldown.current()
	if mult <= 0 {
		mult = 0.1
	}
	return time.Duration(float64(g.limits.MinInterval) / mult)
}

// dispatchLoop is the single per-source goroutine that pops waiters as the
// bucket permits, applying the anti-starvation promotion rule.
func (g *sourceGate) dispatchLoop() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-g.wake:
		case <-ticker.C:
		}
		g.tryDispatch()
	}
}

func (g *sourceGate) tryDispatch() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.promoteStarvedLocked()

	for g.queue.Len() > 0 {
		if time.Since(g.lastDispatch) < g.effectiveInterval() {
			return
		}
		if !g.limiter.Allow() {
			return
		}
		w := heap.Pop(&g.queue).(*waiter)
		if w.cancelled {
			continue
		}
		g.lastDispatch = time.Now()
		close(w.ready)
		return
	}
}

// promoteStarvedLocked bumps any waiter older than MaxWaitTime*0.5 up one
// priority level, run under g.mu.
func (g *sourceGate) promoteStarvedLocked() {
	threshold := time.Duration(float64(g.limits.MaxWaitTime) * 0.5)
	changed := false
	for _, w := range g.queue {
		if w.cancelled {
			continue
		}
		if time.Since(w.enqueued) >= threshold {
			w.priority++
			w.enqueued = time.Now()
			changed = true
		}
	}
	if changed {
		heap.Init(&g.queue)
	}
}

// acquire enqueues a waiter and blocks until dispatched, ctx is done, or the
// per-source MaxWaitTime elapses.
func (g *sourceGate) acquire(ctx context.Context, priority int) error {
	g.mu.Lock()
	if g.queue.Len() >= g.limits.MaxQueueDepth {
		g.mu.Unlock()
		return errs.New(errs.RateLimited, "queue full")
	}
	g.nextSeq++
	w := &waiter{priority: priority, seq: g.nextSeq, enqueued: time.Now(), ready: make(chan struct{})}
	heap.Push(&g.queue, w)
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}

	timer := time.NewTimer(g.limits.MaxWaitTime)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.cancelWaiter(w)
		return errs.New(errs.Cancelled, "acquire cancelled")
	case <-timer.C:
		g.cancelWaiter(w)
		return errs.New(errs.RateLimited, "wait exceeded max wait time")
	}
}

func (g *sourceGate) cancelWaiter(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.cancelled = true
}

func (g *sourceGate) reportOutcome(outcome Outcome) {
	if outcome == OutcomeRateLimited || outcome == OutcomeServerError {
		g.cooldown.trip()
	}
}

func (g *sourceGate) stop() { close(g.done) }

// Permit is returned by Acquire; the deadline is the adapter's configured
// per-request timeout from the moment of dispatch.
type Permit struct {
	SourceID string
	Deadline time.Time
}

// Controller owns one sourceGate per configured source.
type Controller struct {
	mu    sync.RWMutex
	gates map[string]*sourceGate
}

func NewController() *Controller {
	return &Controller{gates: make(map[string]*sourceGate)}
}

// Configure creates or replaces the gate for a source. Existing waiters on a
// replaced gate are abandoned; callers should only reconfigure at registry
// reload boundaries.
func (c *Controller) Configure(sourceID string, limits Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.gates[sourceID]; ok {
		old.stop()
	}
	c.gates[sourceID] = newSourceGate(sourceID, limits)
}

// Acquire blocks until a permit is available for sourceID, ctx is cancelled,
// or timeout elapses, per §4.1's operation contract.
func (c *Controller) Acquire(ctx context.Context, sourceID string, priority int, timeout time.Duration) (*Permit, error) {
	c.mu.RLock()
	gate, ok := c.gates[sourceID]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "no rate limits configured for source "+sourceID)
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := gate.acquire(acquireCtx, priority); err != nil {
		if rerr, ok := err.(*errs.Error); ok {
			if rerr.Kind == errs.Cancelled && ctx.Err() == nil {
				return nil, errs.New(errs.RateLimited, "wait exceeded acquire timeout")
			}
			return nil, rerr
		}
		return nil, err
	}

	return &Permit{SourceID: sourceID, Deadline: time.Now().Add(timeout)}, nil
}

// ReportOutcome feeds back what happened with a dispatched permit, driving
// the adaptive cooldown.
func (c *Controller) ReportOutcome(sourceID string, outcome Outcome) {
	c.mu.RLock()
	gate, ok := c.gates[sourceID]
	c.mu.RUnlock()
	if ok {
		gate.reportOutcome(outcome)
	}
}

// CurrentRateMultiplier reports the in-effect rate multiplier for a source
// (1.0 = nominal, lower during cooldown), used for observability.
func (c *Controller) CurrentRateMultiplier(sourceID string) float64 {
	c.mu.RLock()
	gate, ok := c.gates[sourceID]
	c.mu.RUnlock()
	if !ok {
		return 1.0
	}
	return gate.cooldown.current()
}

// Shutdown stops every per-source dispatcher goroutine.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.gates {
		g.stop()
	}
}
