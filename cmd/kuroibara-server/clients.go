package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/scheduler"
)

// loadDownloadClients reads every *.json file in dir as a
// models.DownloadClientConfig and registers a genericDownloadClient for
// it. A missing directory is not an error, mirroring the registry's
// loadConfigDir.
func loadDownloadClients(dir string, registry *scheduler.ClientRegistry, log *logging.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("read download client config %s: %v", path, err)
			continue
		}
		var cfg models.DownloadClientConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warnf("parse download client config %s: %v", path, err)
			continue
		}
		if cfg.ID == "" || cfg.Host == "" {
			log.Warnf("skipping download client config %s: missing id or host", path)
			continue
		}
		registry.Register(cfg, newGenericDownloadClient(cfg))
		log.Infof("registered download client %s (%s)", cfg.ID, cfg.Implementation)
	}
	return nil
}

// genericDownloadClient is a protocol-agnostic scheduler.Client: it speaks
// a minimal add/status/remove REST convention over the client's configured
// host/port rather than any one implementation's native wire protocol,
// the same "generic adapter over a declared shape" idea the Source Adapter
// Registry uses for scrape targets it has no bespoke adapter for.
type genericDownloadClient struct {
	baseURL string
	http    *http.Client
}

func newGenericDownloadClient(cfg models.DownloadClientConfig) *genericDownloadClient {
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	return &genericDownloadClient{
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *genericDownloadClient) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download client: ping returned %d", resp.StatusCode)
	}
	return nil
}

func (c *genericDownloadClient) Add(ctx context.Context, descriptor string) (string, error) {
	body := strings.NewReader(descriptor)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add", body)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download client: add returned %d", resp.StatusCode)
	}
	var out struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("download client: decode add response: %w", err)
	}
	return out.ExternalID, nil
}

func (c *genericDownloadClient) Status(ctx context.Context, externalID string) (scheduler.ClientStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+externalID, nil)
	if err != nil {
		return scheduler.ClientStatus{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return scheduler.ClientStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return scheduler.ClientStatus{}, scheduler.ErrUnknownExternalID
	}
	if resp.StatusCode >= 300 {
		return scheduler.ClientStatus{}, fmt.Errorf("download client: status returned %d", resp.StatusCode)
	}
	var out struct {
		State      models.JobState `json:"state"`
		BytesDone  int64           `json:"bytes_done"`
		BytesTotal int64           `json:"bytes_total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scheduler.ClientStatus{}, fmt.Errorf("download client: decode status response: %w", err)
	}
	return scheduler.ClientStatus{State: out.State, BytesDone: out.BytesDone, BytesTotal: out.BytesTotal}, nil
}

func (c *genericDownloadClient) Remove(ctx context.Context, externalID string, deleteFiles bool) error {
	url := fmt.Sprintf("%s/remove/%s?delete_files=%t", c.baseURL, externalID, deleteFiles)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("download client: remove returned %d", resp.StatusCode)
	}
	return nil
}
