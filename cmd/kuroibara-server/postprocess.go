package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
)

// webhookPostProcessor is the §6 external post-processor hook: an HTTP POST
// of the completed job and its local files to a configured URL. A job with
// no URL configured is a no-op success, so the scheduler never blocks
// completion on an optional integration.
type webhookPostProcessor struct {
	url  string
	http *http.Client
	log  *logging.Logger
}

func newWebhookPostProcessor(url string, log *logging.Logger) *webhookPostProcessor {
	return &webhookPostProcessor{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.WithComponent("postprocess"),
	}
}

type postProcessPayload struct {
	Job   models.DownloadJob `json:"job"`
	Files []string           `json:"files"`
}

func (p *webhookPostProcessor) OnDownloadComplete(ctx context.Context, job models.DownloadJob, files []string) error {
	if p.url == "" {
		return nil
	}

	body, err := json.Marshal(postProcessPayload{Job: job, Files: files})
	if err != nil {
		return fmt.Errorf("postprocess: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("postprocess: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("postprocess: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("postprocess: webhook returned %d for job %s", resp.StatusCode, job.ID)
	}
	p.log.Infof("post-processed job %s (%d files)", job.ID, len(files))
	return nil
}
