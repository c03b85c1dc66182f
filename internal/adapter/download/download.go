// Package download fetches task videos over HTTP into a date-partitioned
// local directory, enforcing size and format limits before any bytes move.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// Fetcher implements domain.Downloader over plain HTTP.
type Fetcher struct {
	root       string
	maxBytes   int64
	allowedExt map[string]struct{}
	hc         *http.Client
}

// New constructs a Fetcher rooted at the configured download directory.
func New(cfg config.Config) *Fetcher {
	allowed := make(map[string]struct{}, len(cfg.AllowedFormats))
	for _, ext := range cfg.AllowedFormats {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &Fetcher{
		root:       cfg.DownloadDir,
		maxBytes:   cfg.MaxVideoSizeMB * 1024 * 1024,
		allowedExt: allowed,
		hc:         &http.Client{Timeout: cfg.DownloadTimeout},
	}
}

// Download validates the remote file with a HEAD probe, then streams it to
// {root}/yyyy/mm/dd/{task_id}/{filename}. The returned path is local and the
// caller owns its cleanup.
func (f *Fetcher) Download(ctx context.Context, rawURL, taskID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid video url", domain.ErrInvalidArgument)
	}
	filename := path.Base(u.Path)
	if filename == "/" || filename == "." || filename == "" {
		return "", fmt.Errorf("%w: video url has no filename", domain.ErrInvalidArgument)
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if _, ok := f.allowedExt[ext]; !ok {
		return "", fmt.Errorf("%w: unsupported video format %q", domain.ErrInvalidArgument, ext)
	}

	if err := f.probe(ctx, rawURL); err != nil {
		return "", err
	}

	dir := filepath.Join(f.root, time.Now().UTC().Format("2006/01/02"), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=download.mkdir: %w", err)
	}
	dst := filepath.Join(dir, filename)

	n, err := f.fetch(ctx, rawURL, dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	observability.DownloadBytesTotal.Add(float64(n))

	// The extension already passed; confirm the bytes agree.
	mime, err := mimetype.DetectFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("op=download.sniff: %w", err)
	}
	if !strings.HasPrefix(mime.String(), "video/") && !strings.HasPrefix(mime.String(), "audio/") {
		_ = os.Remove(dst)
		return "", fmt.Errorf("%w: content is %s, not a video", domain.ErrInvalidArgument, mime.String())
	}

	slog.Info("video downloaded",
		slog.String("task_id", taskID),
		slog.String("path", dst),
		slog.Int64("bytes", n),
		slog.String("mime", mime.String()))
	return dst, nil
}

// probe issues a HEAD request to reject oversized files before transfer.
// Servers that refuse HEAD or omit Content-Length pass; the streaming copy
// still enforces the cap.
func (f *Fetcher) probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("op=download.head: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=download.head: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=download.head: status %d", resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > f.maxBytes {
		return fmt.Errorf("%w: video is %d bytes, limit %d", domain.ErrInvalidArgument, resp.ContentLength, f.maxBytes)
	}
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("op=download.get: %w", err)
	}
	resp, err := f.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("op=download.get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("op=download.get: status %d", resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("op=download.create: %w", err)
	}
	defer func() { _ = out.Close() }()

	// +1 so an exactly-at-limit body copies fully and an over-limit one trips.
	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("op=download.copy: %w", err)
	}
	if n > f.maxBytes {
		return 0, fmt.Errorf("%w: video exceeds %d byte limit", domain.ErrInvalidArgument, f.maxBytes)
	}
	return n, nil
}
