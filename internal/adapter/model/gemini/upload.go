package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

type fileInfo struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	State    string `json:"state"`
}

// Upload pushes a local video file through the resumable upload protocol and
// waits for the server-side file to become ACTIVE. The whole call, including
// the readiness wait, runs under the model retry policy.
func (c *Client) Upload(ctx context.Context, path string) (domain.FileHandle, error) {
	if c.cfg.GeminiAPIKey == "" {
		return domain.FileHandle{}, fmt.Errorf("%w: GEMINI_API_KEY missing", domain.ErrInvalidArgument)
	}
	var handle domain.FileHandle
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		f, err := c.uploadOnce(ctx, path)
		if err != nil {
			return err
		}
		f, err = c.waitActive(ctx, f)
		if err != nil {
			return err
		}
		handle = domain.FileHandle{Name: f.Name, URI: f.URI, MIME: f.MIMEType, State: f.State}
		return nil
	})
	if err != nil {
		return domain.FileHandle{}, fmt.Errorf("op=gemini.upload: %w", err)
	}
	slog.Info("file uploaded to model provider",
		slog.String("file", handle.Name),
		slog.String("mime", handle.MIME))
	return handle, nil
}

func (c *Client) uploadOnce(ctx context.Context, path string) (fileInfo, error) {
	start := time.Now()
	defer func() {
		observability.ModelRequestsTotal.WithLabelValues("upload").Inc()
		observability.ModelRequestDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
	}()

	st, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, fmt.Errorf("stat video: %w", err)
	}
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return fileInfo{}, fmt.Errorf("detect mime: %w", err)
	}

	// Start the resumable session; the target URL comes back in a header.
	meta, _ := json.Marshal(map[string]any{
		"file": map[string]any{"display_name": filepath.Base(path)},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.keyedURL("/upload/v1beta/files"), bytes.NewReader(meta))
	if err != nil {
		return fileInfo{}, err
	}
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(st.Size(), 10))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mime.String())
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fileInfo{}, err
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fileInfo{}, &statusError{op: "upload.start", status: resp.StatusCode, body: string(body)}
	}
	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return fileInfo{}, fmt.Errorf("upload session missing upload url")
	}

	// Send the bytes and finalize in one shot.
	vf, err := os.Open(path)
	if err != nil {
		return fileInfo{}, fmt.Errorf("open video: %w", err)
	}
	defer func() { _ = vf.Close() }()
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, vf)
	if err != nil {
		return fileInfo{}, err
	}
	req.ContentLength = st.Size()
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
	resp, err = c.hc.Do(req)
	if err != nil {
		return fileInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fileInfo{}, &statusError{op: "upload.finalize", status: resp.StatusCode, body: string(snippet)}
	}
	var out struct {
		File fileInfo `json:"file"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fileInfo{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.File.Name == "" {
		return fileInfo{}, fmt.Errorf("upload response missing file name")
	}
	return out.File, nil
}

// waitActive polls the file resource until it leaves PROCESSING. The bound is
// the configured readiness timeout, polled at a fixed interval.
func (c *Client) waitActive(ctx context.Context, f fileInfo) (fileInfo, error) {
	deadline := time.Now().Add(c.cfg.UploadReadyTimeout)
	for {
		if f.State == "ACTIVE" {
			return f, nil
		}
		if f.State == "FAILED" {
			return fileInfo{}, fmt.Errorf("%w: state FAILED", ErrNotActive)
		}
		if time.Now().After(deadline) {
			return fileInfo{}, fmt.Errorf("%w: state %s after %s", ErrNotActive, f.State, c.cfg.UploadReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return fileInfo{}, ctx.Err()
		case <-time.After(c.cfg.UploadPollInterval):
		}
		got, err := c.getFile(ctx, f.Name)
		if err != nil {
			return fileInfo{}, err
		}
		// Carry forward the URI in case the poll response omits it.
		if got.URI == "" {
			got.URI = f.URI
		}
		if got.MIMEType == "" {
			got.MIMEType = f.MIMEType
		}
		f = got
	}
}

func (c *Client) getFile(ctx context.Context, name string) (fileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.keyedURL("/v1beta/"+name), nil)
	if err != nil {
		return fileInfo{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fileInfo{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fileInfo{}, &statusError{op: "files.get", status: resp.StatusCode, body: string(snippet)}
	}
	var f fileInfo
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return fileInfo{}, fmt.Errorf("decode file state: %w", err)
	}
	return f, nil
}

// Delete removes the uploaded file. Best-effort: failures are logged, never
// propagated, and never retried.
func (c *Client) Delete(ctx context.Context, f domain.FileHandle) error {
	if f.Name == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.keyedURL("/v1beta/"+f.Name), nil)
	if err != nil {
		return nil
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		slog.Warn("model file delete failed", slog.String("file", f.Name), slog.Any("error", err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("model file delete non-2xx", slog.String("file", f.Name), slog.Int("status", resp.StatusCode))
	}
	return nil
}
