// Package index forwards finished tag bundles to the downstream search index.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// codeOK is the application-level success code of the index service. Any
// other code is a failure regardless of the HTTP status.
const codeOK = 10000

// Client implements domain.IndexClient against the index HTTP API.
type Client struct {
	url string
	hc  *http.Client
}

// New constructs an index client. The caller gates construction on
// cfg.IndexEnabled().
func New(cfg config.Config) *Client {
	return &Client{
		url: cfg.IndexAPIURL,
		hc:  &http.Client{Timeout: cfg.IndexAPITimeout},
	}
}

// SyncTags posts the finished tag bundle for the given materials. Success is
// the service answering code 10000; everything else is an error.
func (c *Client) SyncTags(ctx context.Context, materialIDs []string, tags domain.TagSet) error {
	payload, err := json.Marshal(map[string]any{
		"material_ids": materialIDs,
		"tags":         tags,
	})
	if err != nil {
		return fmt.Errorf("op=index.sync: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("op=index.sync: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=index.sync: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("op=index.sync: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=index.sync: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("op=index.sync: decode response: %w", err)
	}
	if out.Code != codeOK {
		return fmt.Errorf("op=index.sync: code %d: %s", out.Code, out.Message)
	}
	slog.Info("tags synced to index",
		slog.Int("materials", len(materialIDs)),
		slog.Duration("took", time.Since(start)))
	return nil
}
