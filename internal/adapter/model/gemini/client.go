// Package gemini implements the model provider against the Gemini REST API:
// resumable file upload, per-dimension content generation over one uploaded
// handle, and best-effort file deletion.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/retry"
)

// Sentinel failures of the generate path. All of them are recoverable by
// another attempt against the same uploaded file.
var (
	ErrEmptyResponse = errors.New("model returned empty response")
	ErrNotJSON       = errors.New("model response is not valid JSON")
	ErrNotActive     = errors.New("uploaded file did not become active")
)

// statusError carries the upstream HTTP status for classification.
type statusError struct {
	op     string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gemini %s: status %d: %s", e.op, e.status, e.body)
}

// Client implements domain.ModelProvider over the Gemini REST API.
type Client struct {
	cfg     config.Config
	hc      *http.Client
	prompts domain.PromptStore
	retrier *retry.Retrier
}

// New constructs a Gemini client. Upload and generate calls run under the
// given retry policy; delete is best-effort and never retried.
func New(cfg config.Config, prompts domain.PromptStore, policy retry.Policy) *Client {
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.HTTPTimeout},
		prompts: prompts,
		retrier: retry.New(policy, Retryable),
	}
}

// Retryable classifies a model provider error. Rate limiting, server errors,
// network failures and malformed model output are recoverable; other client
// errors are fatal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrNotJSON) || errors.Is(err, ErrNotActive) {
		return true
	}
	if errors.Is(err, domain.ErrUpstreamRateLimit) || errors.Is(err, domain.ErrUpstreamTimeout) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
		"use of closed network connection",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

func (c *Client) keyedURL(path string) string {
	return c.cfg.GeminiBaseURL + path + "?key=" + c.cfg.GeminiAPIKey
}
