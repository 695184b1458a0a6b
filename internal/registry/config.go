package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// RateLimitConfig is the per-source rate-limit block a source config file
// may declare; a zero value means "use the global default" (§4.1).
type RateLimitConfig struct {
	RequestsPerWindow int    `json:"requests_per_window"`
	WindowSeconds     int    `json:"window_seconds"`
	Burst             int    `json:"burst"`
	MinIntervalMS     int    `json:"min_interval_ms"`
	MaxQueueDepth     int    `json:"max_queue_depth"`
	MaxWaitSeconds    int    `json:"max_wait_seconds"`
}

// ProxyConfig is a single proxy entry in a source's proxy list.
type ProxyConfig struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
	Username string `json:"username"`
}

// SourceConfig is the on-disk (JSON) shape of one source definition, for
// both generic and custom adapters.
type SourceConfig struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	BaseOrigin     string   `json:"base_origin"`
	Tier           string   `json:"tier"`
	Capabilities   []string `json:"capabilities"`
	Kind           string   `json:"kind"`
	Priority       int      `json:"priority"`
	SupportsNSFW   bool     `json:"supports_nsfw"`
	RequiresSolver bool     `json:"requires_solver"`

	// Custom-adapter only.
	ClassName string `json:"class_name"`

	// Generic-adapter only.
	ResponseFormat  string              `json:"response_format"` // "html" | "json"
	SearchURL       string              `json:"search_url"`      // may contain {query} and {page}
	DetailsURL      string              `json:"details_url"`     // may contain {native_id}
	Selectors       map[string][]string `json:"selectors"`
	JSONPaths       map[string][]string `json:"json_paths"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Proxies   []ProxyConfig   `json:"proxies"`
	ProxyMode string          `json:"proxy_strategy"`
}

func (c *SourceConfig) descriptor() models.SourceDescriptor {
	caps := make(models.CapabilitySet, len(c.Capabilities))
	for _, cap := range c.Capabilities {
		caps[models.Capability(cap)] = true
	}
	return models.SourceDescriptor{
		ID:             c.ID,
		Name:           c.Name,
		BaseOrigin:     c.BaseOrigin,
		Tier:           models.Tier(c.Tier),
		Capabilities:   caps,
		Kind:           models.AdapterKind(c.Kind),
		Priority:       c.Priority,
		SupportsNSFW:   c.SupportsNSFW,
		RequiresSolver: c.RequiresSolver,
	}
}

func (c *SourceConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("registry: source config missing id")
	}
	if c.BaseOrigin == "" {
		return fmt.Errorf("registry: source %s missing base_origin", c.ID)
	}
	switch models.AdapterKind(c.Kind) {
	case models.AdapterGeneric, models.AdapterJavaScript:
		if c.ResponseFormat != "html" && c.ResponseFormat != "json" {
			return fmt.Errorf("registry: source %s response_format must be html or json", c.ID)
		}
		required := []string{"search_items", "title", "link"}
		selectorMap := c.Selectors
		if c.ResponseFormat == "json" {
			selectorMap = c.JSONPaths
		}
		for _, key := range required {
			if len(selectorMap[key]) == 0 {
				return fmt.Errorf("registry: source %s missing required selector %q", c.ID, key)
			}
		}
	case models.AdapterCustom:
		if c.ClassName == "" {
			return fmt.Errorf("registry: source %s custom adapter missing class_name", c.ID)
		}
	default:
		return fmt.Errorf("registry: source %s has unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// loadConfigDir reads every *.json file in dir, skipping and logging any
// entry that fails to parse or validate. A missing directory yields an
// empty, non-error result.
func loadConfigDir(dir string, onInvalid func(file string, err error)) map[string]*SourceConfig {
	out := make(map[string]*SourceConfig)
	if dir == "" {
		return out
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := loadConfigFile(path)
		if err != nil {
			if onInvalid != nil {
				onInvalid(path, err)
			}
			continue
		}
		out[cfg.ID] = cfg
	}
	return out
}

func loadConfigFile(path string) (*SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SourceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
