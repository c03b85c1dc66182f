package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/vision-to-tag/internal/adapter/observability"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

// Fixed decoding parameters. Tag extraction always asks for a JSON document.
const (
	genTopP            = 0.95
	genTemperature     = 1.0
	genMaxOutputTokens = 8192
	genResponseMIME    = "application/json"
)

const userInstruction = "Analyze the attached video and return the tags as a JSON object."

// Generate runs one dimension's tagging pass over an uploaded file and
// returns the raw response body. The returned string is guaranteed to be
// non-empty, well-formed JSON; anything else is treated as a recoverable
// model failure and retried under the model policy.
func (c *Client) Generate(ctx context.Context, f domain.FileHandle, dimension string) (string, error) {
	if c.cfg.GeminiAPIKey == "" {
		return "", fmt.Errorf("%w: GEMINI_API_KEY missing", domain.ErrInvalidArgument)
	}
	sys, err := c.prompts.SystemPrompt(dimension)
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"system_instruction": map[string]any{
			"parts": []map[string]any{{"text": sys}},
		},
		"contents": []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"file_data": map[string]any{"mime_type": f.MIME, "file_uri": f.URI}},
				{"text": userInstruction},
			},
		}},
		"generationConfig": map[string]any{
			"topP":             genTopP,
			"temperature":      genTemperature,
			"maxOutputTokens":  genMaxOutputTokens,
			"responseMimeType": genResponseMIME,
		},
	})

	var text string
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		var genErr error
		text, genErr = c.generateOnce(ctx, dimension, body)
		return genErr
	})
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate: dimension=%s: %w", dimension, err)
	}
	return text, nil
}

func (c *Client) generateOnce(ctx context.Context, dimension string, body []byte) (string, error) {
	start := time.Now()
	defer func() {
		observability.ModelRequestsTotal.WithLabelValues("generate").Inc()
		observability.ModelRequestDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	}()

	url := c.keyedURL("/v1beta/models/" + c.cfg.GeminiModel + ":generateContent")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("model provider rate limited",
			slog.String("dimension", dimension),
			slog.Int("status", resp.StatusCode))
		return "", fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Error("model provider non-2xx",
			slog.String("dimension", dimension),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return "", &statusError{op: "generate", status: resp.StatusCode, body: snippet}
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	if !json.Valid([]byte(text)) {
		slog.Warn("model returned malformed json",
			slog.String("dimension", dimension),
			slog.Int("length", len(text)))
		return "", ErrNotJSON
	}
	return text, nil
}
