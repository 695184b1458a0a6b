package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/Futs/kuroibara-sub003/internal/errs"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/proxypool"
	"github.com/Futs/kuroibara-sub003/internal/ratecontrol"
)

// challengeHeaders are response headers observed on common bot-protection
// challenge pages (§4.3's heuristic).
var challengeHeaders = []string{"cf-mitigated", "x-challenge", "cf-chl-bypass"}

// Dispatcher issues a source's outbound HTTP requests gated by the Rate
// Controller and routed through the Proxy Pool. The generic adapter and any
// custom adapter that wants the same gating depend on this rather than
// dialing directly.
type Dispatcher struct {
	RateController *ratecontrol.Controller
	ProxyPool      *proxypool.Pool
	SolverURL      string
	RequestTimeout time.Duration
}

// Do gates, proxies, and executes req for sourceID, reporting the outcome
// back to both the Rate Controller and the Proxy Pool.
func (d *Dispatcher) Do(ctx context.Context, sourceID string, priority int, req *http.Request) (*http.Response, error) {
	permit, err := d.RateController.Acquire(ctx, sourceID, priority, d.requestTimeout())
	if err != nil {
		return nil, err
	}

	var proxyID string
	client := &http.Client{Timeout: d.requestTimeout()}
	if d.ProxyPool != nil {
		proxyDesc, perr := d.ProxyPool.GetProxy(sourceID)
		if perr == nil && proxyDesc != nil {
			proxyID = proxyDesc.ID
			if pc, derr := proxypool.DialerFor(*proxyDesc); derr == nil {
				pc.Timeout = d.requestTimeout()
				client = pc
			}
		}
	}

	reqCtx, cancel := context.WithDeadline(ctx, permit.Deadline)
	defer cancel()
	req = req.WithContext(reqCtx)

	resp, err := client.Do(req)
	if err != nil {
		d.RateController.ReportOutcome(sourceID, ratecontrol.OutcomeServerError)
		if proxyID != "" {
			d.ProxyPool.ReportProxyOutcome(sourceID, proxyID, proxypool.OutcomeHTTPError)
		}
		return nil, errs.Wrap(errs.Classify(err), sourceID, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		d.RateController.ReportOutcome(sourceID, ratecontrol.OutcomeRateLimited)
	case resp.StatusCode >= 500:
		d.RateController.ReportOutcome(sourceID, ratecontrol.OutcomeServerError)
	default:
		d.RateController.ReportOutcome(sourceID, ratecontrol.OutcomeSuccess)
	}
	if proxyID != "" {
		outcome := proxypool.OutcomeSuccess
		if resp.StatusCode >= 400 {
			outcome = proxypool.OutcomeHTTPError
		}
		d.ProxyPool.ReportProxyOutcome(sourceID, proxyID, outcome)
	}
	return resp, nil
}

func (d *Dispatcher) requestTimeout() time.Duration {
	if d.RequestTimeout <= 0 {
		return 15 * time.Second
	}
	return d.RequestTimeout
}

func isChallengeResponse(resp *http.Response) bool {
	if resp.StatusCode != 403 && resp.StatusCode != 503 {
		return false
	}
	for _, h := range challengeHeaders {
		if resp.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// genericAdapter is the data-driven Source implementation parameterized by
// a SourceConfig's selector/json-path maps.
type genericAdapter struct {
	cfg        *SourceConfig
	descriptor models.SourceDescriptor
	dispatcher *Dispatcher
	enabled    bool
}

func newGenericAdapter(cfg *SourceConfig, dispatcher *Dispatcher) (*genericAdapter, error) {
	enabled := true
	if cfg.RequiresSolver && dispatcher.SolverURL == "" {
		enabled = false
	}
	return &genericAdapter{cfg: cfg, descriptor: cfg.descriptor(), dispatcher: dispatcher, enabled: enabled}, nil
}

func (g *genericAdapter) Descriptor() models.SourceDescriptor { return g.descriptor }

func (g *genericAdapter) resolveURL(relative string) string {
	base, err := url.Parse(g.cfg.BaseOrigin)
	if err != nil {
		return relative
	}
	ref, err := url.Parse(relative)
	if err != nil {
		return relative
	}
	return base.ResolveReference(ref).String()
}

func (g *genericAdapter) fetch(ctx context.Context, target string) (*http.Response, error) {
	if !g.enabled {
		return nil, errs.New(errs.Unsupported, g.descriptor.ID+" disabled: requires solver, none configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, g.descriptor.ID, err)
	}
	resp, err := g.dispatcher.Do(ctx, g.descriptor.ID, priorityFrom(ctx), req)
	if err != nil {
		return nil, err
	}
	if isChallengeResponse(resp) {
		resp.Body.Close()
		if g.dispatcher.SolverURL == "" {
			return nil, errs.New(errs.BotChallenge, "bot-protection challenge, no solver configured")
		}
		return g.fetchViaSolver(ctx, target)
	}
	return resp, nil
}

// fetchViaSolver routes the request through the configured Challenge Solver
// service instead of calling the origin directly. Kept as a separate
// middleware call rather than embedded in the Rate Controller or proxy
// selection path.
func (g *genericAdapter) fetchViaSolver(ctx context.Context, target string) (*http.Response, error) {
	solverReq := g.dispatcher.SolverURL + "?url=" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, solverReq, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, g.descriptor.ID, err)
	}
	client := &http.Client{Timeout: g.dispatcher.requestTimeout() * 2}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ProviderDown, g.descriptor.ID, err)
	}
	return resp, nil
}

func (g *genericAdapter) Search(ctx context.Context, query string, page, limit int) ([]NativeEntry, error) {
	target := g.resolveURL(strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{page}", strconv.Itoa(page),
		"{limit}", strconv.Itoa(limit),
	).Replace(g.cfg.SearchURL))

	resp, err := g.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if g.cfg.ResponseFormat == "json" {
		return g.parseSearchJSON(resp.Body)
	}
	return g.parseSearchHTML(resp.Body)
}

func (g *genericAdapter) parseSearchHTML(body io.Reader) ([]NativeEntry, error) {
	doc, err := html.Parse(body)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
	}
	scrubHTML(doc)

	itemChain := g.cfg.Selectors["search_items"]
	if len(itemChain) == 0 {
		return nil, errs.New(errs.ParseError, "no search_items selector configured")
	}
	var items []*html.Node
	for _, raw := range itemChain {
		items = findAll(doc, parseSelector(raw))
		if len(items) > 0 {
			break
		}
	}

	entries := make([]NativeEntry, 0, len(items))
	for _, item := range items {
		title := extractWithFallback(item, g.cfg.Selectors["title"])
		link := extractWithFallback(item, g.cfg.Selectors["link"])
		if title == "" || link == "" {
			continue
		}
		entries = append(entries, NativeEntry{
			NativeID:    link,
			Title:       title,
			CoverURL:    g.resolveURL(extractWithFallback(item, g.cfg.Selectors["cover"])),
			Description: extractWithFallback(item, g.cfg.Selectors["description"]),
			NSFW:        extractWithFallback(item, g.cfg.Selectors["nsfw"]) != "",
		})
	}
	return entries, nil
}

func (g *genericAdapter) parseSearchJSON(body io.Reader) ([]NativeEntry, error) {
	var decoded interface{}
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
	}

	itemsPath := g.cfg.JSONPaths["search_items"]
	if len(itemsPath) == 0 {
		return nil, errs.New(errs.ParseError, "no search_items path configured")
	}
	var rawItems []interface{}
	for _, p := range itemsPath {
		if v, ok := jsonPath(decoded, p).([]interface{}); ok && len(v) > 0 {
			rawItems = v
			break
		}
	}

	entries := make([]NativeEntry, 0, len(rawItems))
	for _, raw := range rawItems {
		title := jsonPathWithFallback(raw, g.cfg.JSONPaths["title"])
		link := jsonPathWithFallback(raw, g.cfg.JSONPaths["link"])
		if title == "" || link == "" {
			continue
		}
		entries = append(entries, NativeEntry{
			NativeID:    link,
			Title:       title,
			CoverURL:    jsonPathWithFallback(raw, g.cfg.JSONPaths["cover"]),
			Description: jsonPathWithFallback(raw, g.cfg.JSONPaths["description"]),
			NSFW:        jsonPathWithFallback(raw, g.cfg.JSONPaths["nsfw"]) != "",
		})
	}
	return entries, nil
}

func (g *genericAdapter) Details(ctx context.Context, nativeID string) (*NativeDetails, error) {
	target := g.resolveURL(strings.ReplaceAll(g.cfg.DetailsURL, "{native_id}", url.QueryEscape(nativeID)))
	resp, err := g.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if g.cfg.ResponseFormat == "json" {
		var decoded interface{}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
		}
		return &NativeDetails{
			Title:       jsonPathWithFallback(decoded, g.cfg.JSONPaths["title"]),
			Description: jsonPathWithFallback(decoded, g.cfg.JSONPaths["description"]),
			CoverURL:    jsonPathWithFallback(decoded, g.cfg.JSONPaths["cover"]),
			Type:        models.EntryUnknown,
			Status:      models.PubUnknown,
		}, nil
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
	}
	scrubHTML(doc)
	return &NativeDetails{
		Title:       extractWithFallback(doc, g.cfg.Selectors["title"]),
		Description: extractWithFallback(doc, g.cfg.Selectors["description"]),
		CoverURL:    g.resolveURL(extractWithFallback(doc, g.cfg.Selectors["cover"])),
		Type:        models.EntryUnknown,
		Status:      models.PubUnknown,
	}, nil
}

func (g *genericAdapter) Chapters(ctx context.Context, nativeID string) ([]models.ChapterRef, error) {
	target := g.resolveURL(strings.ReplaceAll(g.cfg.DetailsURL, "{native_id}", url.QueryEscape(nativeID)))
	resp, err := g.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
	}
	scrubHTML(doc)

	chain := g.cfg.Selectors["chapters"]
	if len(chain) == 0 {
		return nil, errs.New(errs.Unsupported, "no chapters selector configured")
	}
	var nodes []*html.Node
	for _, raw := range chain {
		nodes = findAll(doc, parseSelector(raw))
		if len(nodes) > 0 {
			break
		}
	}

	refs := make([]models.ChapterRef, 0, len(nodes))
	for _, n := range nodes {
		link := extractWithFallback(n, g.cfg.Selectors["link"])
		title := extractWithFallback(n, g.cfg.Selectors["title"])
		if link == "" {
			continue
		}
		refs = append(refs, models.ChapterRef{
			SourceID:       g.descriptor.ID,
			SourceNativeID: link,
			MangaNativeID:  nativeID,
			Title:          title,
		})
	}
	return refs, nil
}

func (g *genericAdapter) Pages(ctx context.Context, chapterNativeID string) ([]string, error) {
	resp, err := g.fetch(ctx, g.resolveURL(chapterNativeID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, g.descriptor.ID, err)
	}
	scrubHTML(doc)

	chain := g.cfg.Selectors["pages"]
	if len(chain) == 0 {
		return nil, errs.New(errs.Unsupported, "no pages selector configured")
	}
	var nodes []*html.Node
	for _, raw := range chain {
		nodes = findAll(doc, parseSelector(raw))
		if len(nodes) > 0 {
			break
		}
	}

	urls := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if src := attrOf(n, "src"); src != "" {
			urls = append(urls, g.resolveURL(src))
		}
	}
	return urls, nil
}

func (g *genericAdapter) Probe(ctx context.Context) (bool, float64, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseOrigin, nil)
	if err != nil {
		return false, 0, err
	}
	resp, err := g.dispatcher.Do(ctx, g.descriptor.ID, 0, req)
	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, latency, fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	return true, latency, nil
}

