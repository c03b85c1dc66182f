package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/vision-to-tag/internal/adapter/httpserver"
	"github.com/fairyhunter13/vision-to-tag/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example ,"))
}

func testConfig() config.Config {
	return config.Config{
		RateLimitPerMin:  60,
		HTTPTimeout:      5 * time.Second,
		InlineTagTimeout: 5 * time.Second,
		CORSAllowOrigins: "*",
	}
}

func TestRouterHealthAndMetrics(t *testing.T) {
	srv := &httpserver.Server{Cfg: testConfig()}
	h := BuildRouter(testConfig(), srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterReadyzUsesChecks(t *testing.T) {
	srv := &httpserver.Server{
		Cfg:        testConfig(),
		DBCheck:    func(context.Context) error { return nil },
		RedisCheck: func(context.Context) error { return assert.AnError },
	}
	h := BuildRouter(testConfig(), srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis"`)
}
