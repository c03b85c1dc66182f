package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
	"github.com/fairyhunter13/vision-to-tag/internal/retry"
)

type promptStub struct{ err error }

func (p promptStub) SystemPrompt(dimension string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "You tag the " + dimension + " dimension.", nil
}

func newTestClient(baseURL string) *Client {
	cfg := config.Config{
		GeminiAPIKey:       "test-key",
		GeminiBaseURL:      baseURL,
		GeminiModel:        "gemini-2.0-flash",
		UploadReadyTimeout: 500 * time.Millisecond,
		UploadPollInterval: 10 * time.Millisecond,
		HTTPTimeout:        5 * time.Second,
	}
	return New(cfg, promptStub{}, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
}

func generateResponse(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
		}},
	})
	return string(b)
}

func TestGenerateSuccess(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, ":generateContent")
		require.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(generateResponse(`{"scene":"outdoor"}`)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x", MIME: "video/mp4"}, "vision")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scene":"outdoor"}`, out)

	gen := gotBody["generationConfig"].(map[string]any)
	assert.InDelta(t, 0.95, gen["topP"], 0.001)
	assert.InDelta(t, 1.0, gen["temperature"], 0.001)
	assert.InDelta(t, 8192, gen["maxOutputTokens"], 0.1)
	assert.Equal(t, "application/json", gen["responseMimeType"])
}

func TestGenerateEmptyResponseRetriedThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(generateResponse("")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x"}, "audio")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(generateResponse("here are your tags: outdoor, day")))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x"}, "content")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotJSON)
}

func TestGenerateRateLimitedThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(generateResponse(`{"mood":"calm"}`)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	out, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x"}, "business")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mood":"calm"}`, out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGenerateClientErrorIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x"}, "vision")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestGenerateMissingAPIKey(t *testing.T) {
	c := New(config.Config{}, promptStub{}, retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond})
	_, err := c.Generate(context.Background(), domain.FileHandle{}, "vision")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func writeTempVideo(t *testing.T) string {
	t.Helper()
	// Minimal MP4 ftyp box so mime detection sees video/mp4.
	path := filepath.Join(t.TempDir(), "v.mp4")
	data := append([]byte{0, 0, 0, 32}, []byte("ftypisom")...)
	data = append(data, make([]byte, 64)...)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestUploadWaitsForActive(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Goog-Upload-Command") {
		case "start":
			w.Header().Set("X-Goog-Upload-URL", srv.URL+"/upload/v1beta/files?upload_id=1")
			w.WriteHeader(http.StatusOK)
		case "upload, finalize":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"file": map[string]any{
					"name": "files/abc", "uri": "https://files/abc",
					"mimeType": "video/mp4", "state": "PROCESSING",
				},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/v1beta/files/abc", func(w http.ResponseWriter, _ *http.Request) {
		state := "PROCESSING"
		if atomic.AddInt32(&polls, 1) >= 2 {
			state = "ACTIVE"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "files/abc", "uri": "https://files/abc",
			"mimeType": "video/mp4", "state": state,
		})
	})

	c := newTestClient(srv.URL)
	handle, err := c.Upload(context.Background(), writeTempVideo(t))
	require.NoError(t, err)
	assert.Equal(t, "files/abc", handle.Name)
	assert.Equal(t, "https://files/abc", handle.URI)
	assert.Equal(t, "ACTIVE", handle.State)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(2))
}

func TestUploadFailedStateIsRecoverable(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Goog-Upload-Command") == "start" {
			w.Header().Set("X-Goog-Upload-URL", srv.URL+"/upload/v1beta/files?upload_id=1")
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"file": map[string]any{"name": "files/abc", "state": "FAILED"},
		})
	})

	c := newTestClient(srv.URL)
	_, err := c.Upload(context.Background(), writeTempVideo(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDeleteIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.NoError(t, c.Delete(context.Background(), domain.FileHandle{Name: "files/abc"}))
	assert.NoError(t, c.Delete(context.Background(), domain.FileHandle{}))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(ErrEmptyResponse))
	assert.True(t, Retryable(ErrNotJSON))
	assert.True(t, Retryable(ErrNotActive))
	assert.True(t, Retryable(&statusError{status: http.StatusTooManyRequests}))
	assert.True(t, Retryable(&statusError{status: http.StatusServiceUnavailable}))
	assert.True(t, Retryable(fmt.Errorf("wrap: %w", domain.ErrUpstreamRateLimit)))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(&statusError{status: http.StatusBadRequest}))
	assert.False(t, Retryable(&statusError{status: http.StatusNotFound}))
	assert.False(t, Retryable(context.Canceled))
}

func TestGeneratePromptFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(generateResponse(`{}`)))
	}))
	defer srv.Close()

	cfg := config.Config{GeminiAPIKey: "k", GeminiBaseURL: srv.URL, GeminiModel: "m", HTTPTimeout: time.Second}
	c := New(cfg, promptStub{err: fmt.Errorf("unknown dimension")}, retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	_, err := c.Generate(context.Background(), domain.FileHandle{URI: "files/x"}, "nope")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown dimension"))
}
