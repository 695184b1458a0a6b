package registry

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/proxypool"
	"github.com/Futs/kuroibara-sub003/internal/ratecontrol"
)

// DefaultRateLimits is what a source gets when its config's rate_limit
// block is left zero-valued (§4.1's "use the global default"): conservative
// enough for an unknown scraping target, generous enough not to starve a
// healthy one.
func DefaultRateLimits() ratecontrol.Limits {
	return ratecontrol.Limits{
		RequestsPerWindow: 30,
		Window:            time.Minute,
		Burst:             5,
		MinInterval:       200 * time.Millisecond,
		MaxQueueDepth:     64,
		MaxWaitTime:       10 * time.Second,
	}
}

// entry is the registry's live record for one loaded source.
type entry struct {
	source   Source
	fromFile string // community-dir path, empty for built-ins
	disabled bool
}

// Registry loads Sources from a built-in set and a community-contributed
// configuration directory, merges them (community wins on duplicate id),
// and optionally watches the community directory for live reload (§4.3).
type Registry struct {
	dispatcher    *Dispatcher
	communityDir  string
	log           *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

func New(dispatcher *Dispatcher, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Global()
	}
	return &Registry{
		dispatcher: dispatcher,
		entries:    make(map[string]*entry),
		log:        log.WithComponent("registry"),
	}
}

// Load reads builtinDir then communityDir, builds an adapter for every
// valid entry, and applies the duplicate-resolution rule (community wins).
// Invalid entries are logged and skipped; they never prevent startup.
func (r *Registry) Load(builtinDir, communityDir string) error {
	r.communityDir = communityDir

	onInvalid := func(file string, err error) {
		r.log.Warnf("skipping invalid source config %s: %v", file, err)
	}

	builtins := loadConfigDir(builtinDir, onInvalid)
	community := loadConfigDir(communityDir, onInvalid)

	merged := make(map[string]*SourceConfig, len(builtins)+len(community))
	fromFile := make(map[string]string)
	for id, cfg := range builtins {
		merged[id] = cfg
	}
	for id, cfg := range community {
		merged[id] = cfg // community wins on duplicate id
		fromFile[id] = filepath.Join(communityDir, id+".json")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry, len(merged))
	for id, cfg := range merged {
		src, err := r.build(cfg)
		if err != nil {
			r.log.Warnf("skipping source %s: %v", id, err)
			continue
		}
		r.entries[id] = &entry{source: src, fromFile: fromFile[id]}
	}
	return nil
}

func (r *Registry) build(cfg *SourceConfig) (Source, error) {
	r.configureGating(cfg)

	var src Source
	var err error
	switch models.AdapterKind(cfg.Kind) {
	case models.AdapterCustom:
		src, err = createCustom(cfg)
	default:
		src, err = newGenericAdapter(cfg, r.dispatcher)
	}
	if err != nil {
		return nil, err
	}
	return checked(src), nil
}

// configureGating opens this source's Rate Controller gate and, if it
// declares proxies, its Proxy Pool entry, before any adapter for it is
// built. Every adapter dispatches through the shared Dispatcher, so a
// source with no gate would fail every request with an InvalidArgument
// error the instant it was probed or searched.
func (r *Registry) configureGating(cfg *SourceConfig) {
	r.dispatcher.RateController.Configure(cfg.ID, rateLimitsFromConfig(cfg.RateLimit))

	if len(cfg.Proxies) == 0 {
		return
	}
	descriptors := make([]models.ProxyDescriptor, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		descriptors = append(descriptors, models.ProxyDescriptor{
			ID:       p.ID,
			SourceID: cfg.ID,
			Endpoint: p.Endpoint,
			Kind:     models.ProxyKind(p.Kind),
			Username: p.Username,
			Health:   models.ProxyHealthy,
		})
	}
	r.dispatcher.ProxyPool.Configure(cfg.ID, proxyStrategyFromConfig(cfg.ProxyMode), descriptors)
}

// rateLimitsFromConfig converts a source's on-disk rate-limit block to the
// Rate Controller's Limits, falling back to defaultLimits field-by-field
// wherever the config left a field at its zero value.
func rateLimitsFromConfig(c RateLimitConfig) ratecontrol.Limits {
	limits := DefaultRateLimits()
	if c.RequestsPerWindow != 0 {
		limits.RequestsPerWindow = c.RequestsPerWindow
	}
	if c.WindowSeconds != 0 {
		limits.Window = time.Duration(c.WindowSeconds) * time.Second
	}
	if c.Burst != 0 {
		limits.Burst = c.Burst
	}
	if c.MinIntervalMS != 0 {
		limits.MinInterval = time.Duration(c.MinIntervalMS) * time.Millisecond
	}
	if c.MaxQueueDepth != 0 {
		limits.MaxQueueDepth = c.MaxQueueDepth
	}
	if c.MaxWaitSeconds != 0 {
		limits.MaxWaitTime = time.Duration(c.MaxWaitSeconds) * time.Second
	}
	return limits
}

// proxyStrategyFromConfig maps a config file's proxy_strategy string to a
// Strategy, defaulting to health-weighted for an empty or unrecognized value.
func proxyStrategyFromConfig(mode string) proxypool.Strategy {
	switch proxypool.Strategy(mode) {
	case proxypool.StrategyRandom:
		return proxypool.StrategyRandom
	case proxypool.StrategyRoundRobin:
		return proxypool.StrategyRoundRobin
	default:
		return proxypool.StrategyHealthWeighted
	}
}

// Get returns the source for id, or (nil, false) if it is unknown or
// disabled.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.disabled {
		return nil, false
	}
	return e.source, true
}

// TierOf resolves a source id to its configured tier, used by the Service
// API to decorate health records (which carry no tier of their own).
func (r *Registry) TierOf(id string) (models.Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.source.Descriptor().Tier, true
}

// All returns every enabled source's descriptor, ordered by priority
// ascending (lower priority value = higher precedence, per §3).
func (r *Registry) All() []models.SourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]models.SourceDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.disabled {
			continue
		}
		descriptors = append(descriptors, e.source.Descriptor())
	}
	for i := 1; i < len(descriptors); i++ {
		for j := i; j > 0 && descriptors[j].Priority < descriptors[j-1].Priority; j-- {
			descriptors[j], descriptors[j-1] = descriptors[j-1], descriptors[j]
		}
	}
	return descriptors
}

// WatchCommunityDir starts an fsnotify watch on the community config
// directory; create/write events re-validate and merge the changed file,
// remove events disable (not delete) that source.
func (r *Registry) WatchCommunityDir() error {
	if r.communityDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.communityDir); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher
	r.stop = make(chan struct{})
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warnf("registry watch error: %v", err)
		}
	}
}

func (r *Registry) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".json") {
		return
	}
	id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")

	switch {
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		cfg, err := loadConfigFile(ev.Name)
		if err != nil {
			r.log.Warnf("reload %s: %v", ev.Name, err)
			return
		}
		src, err := r.build(cfg)
		if err != nil {
			r.log.Warnf("reload %s: %v", ev.Name, err)
			return
		}
		r.mu.Lock()
		r.entries[cfg.ID] = &entry{source: src, fromFile: ev.Name}
		r.mu.Unlock()
		r.log.Infof("reloaded source %s from %s", cfg.ID, ev.Name)

	case ev.Op&fsnotify.Remove != 0:
		r.mu.Lock()
		if e, ok := r.entries[id]; ok {
			e.disabled = true
		}
		r.mu.Unlock()
		r.log.Infof("disabled source %s, config file removed", id)
	}
}

// Shutdown stops the live-reload watcher, if running.
func (r *Registry) Shutdown() {
	if r.watcher != nil {
		close(r.stop)
		r.watcher.Close()
	}
}
