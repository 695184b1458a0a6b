// Package search implements the Tiered Search Engine: cross-source search
// in tiers with fallback, deduplication, confidence scoring, and result
// caching (§4.5).
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Futs/kuroibara-sub003/internal/errs"
	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/registry"
)

// HealthGate is the subset of the Health Monitor the engine consults
// before dispatching to a source.
type HealthGate interface {
	IsHealthy(sourceID string) bool
}

// SourceRegistry is the subset of registry.Registry the engine needs.
type SourceRegistry interface {
	All() []models.SourceDescriptor
	Get(id string) (registry.Source, bool)
}

// Config controls fan-out, per-source deadlines, and cache sizing.
type Config struct {
	FanOut       int
	PerSourceTTL time.Duration
	CacheSize    int
	CacheTTL     time.Duration
	IndexPath    string
	IndexWorkers int
}

// Engine is the Tiered Search Engine component.
type Engine struct {
	cfg      Config
	registry SourceRegistry
	health   HealthGate
	log      *logging.Logger
	cache    *resultCache
	bloom    *fingerprintFilter
	textIdx  *textIndex
}

func New(cfg Config, reg SourceRegistry, health HealthGate, log *logging.Logger) *Engine {
	if cfg.FanOut <= 0 {
		cfg.FanOut = 4
	}
	if cfg.PerSourceTTL <= 0 {
		cfg.PerSourceTTL = 15 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.IndexWorkers <= 0 {
		cfg.IndexWorkers = 2
	}
	if log == nil {
		log = logging.Global()
	}
	log = log.WithComponent("search")

	textIdx, err := newTextIndex(cfg.IndexPath, cfg.IndexWorkers, log)
	if err != nil {
		log.Warnf("durable text index disabled: %v", err)
	}

	return &Engine{
		cfg:      cfg,
		registry: reg,
		health:   health,
		log:      log,
		cache:    newResultCache(cfg.CacheSize, cfg.CacheTTL),
		bloom:    newFingerprintFilter(10000, 0.01),
		textIdx:  textIdx,
	}
}

// Shutdown releases the engine's background indexing workers.
func (e *Engine) Shutdown() {
	if e.textIdx != nil {
		e.textIdx.close()
	}
}

// InvalidateCache drops every cached page; called when a source becomes
// newly admissible after being down.
func (e *Engine) InvalidateCache() {
	e.cache.invalidateAll()
}

// SuggestTitles serves a cheap title/description lookup against the
// durable text index instead of a full tiered search, for autocomplete-
// style callers. Returns an empty slice when the index is disabled.
func (e *Engine) SuggestTitles(query string, limit int) ([]string, error) {
	if e.textIdx == nil {
		return nil, nil
	}
	return e.textIdx.searchTitles(query, limit)
}

type tieredSource struct {
	descriptor models.SourceDescriptor
	source     registry.Source
}

// Search produces a fused, ranked SearchResultPage for req, per §4.5.
func (e *Engine) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResultPage, error) {
	key := cacheKey(req)
	if page, ok := e.cache.get(key); ok {
		hit := *page
		hit.CacheHit = true
		return &hit, nil
	}

	tiers := e.admissibleByTier(req)
	target := req.Target()

	var fused []*models.UniversalEntry
	sourceCounts := make(map[string]int)
	latencies := make(map[string]time.Duration)
	failures := make(map[string]errs.Kind)
	primaryFailed := false

	for i, tierSources := range tiers {
		if len(tierSources) == 0 {
			continue
		}
		if i > 0 && len(fused) >= target && !primaryFailed {
			break
		}

		results, tierFailed := e.searchTier(ctx, req, tierSources, sourceCounts, latencies, failures)
		if i == 0 {
			primaryFailed = tierFailed
		}
		fused = e.fuse(fused, results, req.Query)
	}

	if len(fused) == 0 && len(failures) > 0 {
		agg := errs.NewAggregator("search")
		for sourceID, kind := range failures {
			agg.Add(sourceID, errs.New(kind, "search failed"))
		}
		return nil, agg.Aggregate()
	}

	page := e.paginate(fused, req, sourceCounts, latencies, failures)
	e.cache.put(key, page)
	return page, nil
}

// admissibleByTier partitions every registered source by tier, after
// applying the admission filter: health, enabled, search capability, and
// the request's tier filter. Filter.Languages is not applied.
func (e *Engine) admissibleByTier(req models.SearchRequest) [3][]tieredSource {
	var tiers [3][]tieredSource
	for _, desc := range e.registry.All() {
		if !desc.Capabilities.Has(models.CapSearch) {
			continue
		}
		if !e.health.IsHealthy(desc.ID) {
			continue
		}
		if len(req.Filter.AllowedTiers) > 0 && !tierAllowed(req.Filter.AllowedTiers, desc.Tier) {
			continue
		}
		src, ok := e.registry.Get(desc.ID)
		if !ok {
			continue
		}
		ts := tieredSource{descriptor: desc, source: src}
		switch desc.Tier {
		case models.TierSecondary:
			tiers[1] = append(tiers[1], ts)
		case models.TierTertiary:
			tiers[2] = append(tiers[2], ts)
		default:
			tiers[0] = append(tiers[0], ts)
		}
	}
	return tiers
}

func tierAllowed(allowed []models.Tier, tier models.Tier) bool {
	for _, t := range allowed {
		if t == tier {
			return true
		}
	}
	return false
}

type tierResult struct {
	source  tieredSource
	entries []registry.NativeEntry
}

// searchTier runs every source in a tier concurrently, bounded by FanOut.
func (e *Engine) searchTier(ctx context.Context, req models.SearchRequest, sources []tieredSource, counts map[string]int, latencies map[string]time.Duration, failures map[string]errs.Kind) ([]tierResult, bool) {
	sem := make(chan struct{}, e.cfg.FanOut)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]tierResult, 0, len(sources))
	anyFailed := false

	for _, s := range sources {
		sem <- struct{}{}
		wg.Add(1)
		go func(s tieredSource) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(context.Background(), e.cfg.PerSourceTTL)
			defer cancel()
			callCtx = registry.WithPriority(callCtx, req.Priority)

			start := time.Now()
			entries, err := s.source.Search(callCtx, req.Query, req.Page, req.Limit)
			elapsed := time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			latencies[s.descriptor.ID] = elapsed
			if err != nil {
				anyFailed = true
				failures[s.descriptor.ID] = errs.Classify(err)
				return
			}
			counts[s.descriptor.ID] = len(entries)
			results = append(results, tierResult{source: s, entries: entries})
		}(s)
	}
	wg.Wait()
	return results, anyFailed
}

// fuse merges new tier results into the running fused set by fingerprint.
func (e *Engine) fuse(fused []*models.UniversalEntry, results []tierResult, query string) []*models.UniversalEntry {
	byFingerprint := make(map[string]*models.UniversalEntry, len(fused))
	for _, entry := range fused {
		fp := fingerprint(entry.Title, entry.Year)
		byFingerprint[fp] = entry
	}

	for _, tr := range results {
		for _, native := range tr.entries {
			fp := fingerprint(native.Title, 0)
			existing, ok := byFingerprint[fp]
			if !ok {
				e.bloom.add(fp)
				entry := &models.UniversalEntry{
					ID:          uuid.NewString(),
					Title:       native.Title,
					Description: native.Description,
					CoverURL:    native.CoverURL,
					NSFW:        native.NSFW,
				}
				origin := models.SourceOrigin{SourceID: tr.source.descriptor.ID, SourceNativeID: native.NativeID, NSFW: native.NSFW}
				origin.Confidence = confidence(tr.source.descriptor.Tier, entry, query)
				entry.SourceOrigins = append(entry.SourceOrigins, origin)
				entry.DataCompleteness = fieldCompleteness(entry)
				byFingerprint[fp] = entry
				fused = append(fused, entry)
				if e.textIdx != nil {
					e.textIdx.indexAsync(fp, entry)
				}
				continue
			}

			origin := models.SourceOrigin{SourceID: tr.source.descriptor.ID, SourceNativeID: native.NativeID, NSFW: native.NSFW}
			origin.Confidence = confidence(tr.source.descriptor.Tier, existing, query)
			existing.SourceOrigins = append(existing.SourceOrigins, origin)
			existing.NSFW = existing.NSFW || native.NSFW
			if existing.Description == "" {
				existing.Description = native.Description
			}
			if existing.CoverURL == "" {
				existing.CoverURL = native.CoverURL
			}
			existing.DataCompleteness = fieldCompleteness(existing)
		}
	}
	return fused
}

// paginate filters NSFW per the request, ranks, and slices the page.
func (e *Engine) paginate(fused []*models.UniversalEntry, req models.SearchRequest, counts map[string]int, latencies map[string]time.Duration, failures map[string]errs.Kind) *models.SearchResultPage {
	filtered := make([]*models.UniversalEntry, 0, len(fused))
	for _, entry := range fused {
		if entry.NSFW && !req.Filter.AllowNSFW {
			continue
		}
		filtered = append(filtered, entry)
	}

	sort.Slice(filtered, func(i, j int) bool {
		ci, cj := filtered[i].MaxConfidence(), filtered[j].MaxConfidence()
		if ci != cj {
			return ci > cj
		}
		if filtered[i].DataCompleteness != filtered[j].DataCompleteness {
			return filtered[i].DataCompleteness > filtered[j].DataCompleteness
		}
		return strings.ToLower(filtered[i].Title) < strings.ToLower(filtered[j].Title)
	})

	start := (req.Page - 1) * req.Limit
	if start < 0 {
		start = 0
	}
	end := start + req.Limit
	if start > len(filtered) {
		start = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}

	results := make([]models.UniversalEntry, 0, end-start)
	for _, e := range filtered[start:end] {
		results = append(results, *e)
	}

	latDurations := make(map[string]time.Duration, len(latencies))
	for k, v := range latencies {
		latDurations[k] = v
	}

	attributions := buildAttributions(filtered)

	failureStrings := make(map[string]string, len(failures))
	for k, v := range failures {
		failureStrings[k] = string(v)
	}

	return &models.SearchResultPage{
		Results:         results,
		TotalEstimate:   len(filtered),
		Page:            req.Page,
		Limit:           req.Limit,
		HasNext:         end < len(filtered),
		Sources:         attributions,
		SourceLatencies: latDurations,
		Failures:        failureStrings,
	}
}

func buildAttributions(entries []*models.UniversalEntry) []models.SourceAttribution {
	byName := make(map[string]*models.SourceAttribution)
	for _, entry := range entries {
		for _, origin := range entry.SourceOrigins {
			attr, ok := byName[origin.SourceID]
			if !ok {
				attr = &models.SourceAttribution{Name: origin.SourceID, ConfidenceMin: origin.Confidence, ConfidenceMax: origin.Confidence}
				byName[origin.SourceID] = attr
			}
			attr.Count++
			if origin.Confidence < attr.ConfidenceMin {
				attr.ConfidenceMin = origin.Confidence
			}
			if origin.Confidence > attr.ConfidenceMax {
				attr.ConfidenceMax = origin.Confidence
			}
		}
	}
	out := make([]models.SourceAttribution, 0, len(byName))
	for _, attr := range byName {
		out = append(out, *attr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
