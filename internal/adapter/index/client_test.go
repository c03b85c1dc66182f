package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/vision-to-tag/internal/config"
	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

func newClient(url string) *Client {
	return New(config.Config{IndexAPIURL: url, IndexAPITimeout: 5 * time.Second})
}

func TestSyncTagsSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":10000,"message":"ok"}`))
	}))
	defer srv.Close()

	tags := domain.TagSet{"vision": json.RawMessage(`{"scene":["outdoor"]}`)}
	err := newClient(srv.URL).SyncTags(context.Background(), []string{"m1", "m2"}, tags)
	require.NoError(t, err)

	assert.Equal(t, []any{"m1", "m2"}, got["material_ids"])
	assert.Contains(t, got, "tags")
}

func TestSyncTagsApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// HTTP 200 but an application-level failure code.
		_, _ = w.Write([]byte(`{"code":50001,"message":"index unavailable"}`))
	}))
	defer srv.Close()

	err := newClient(srv.URL).SyncTags(context.Background(), []string{"m1"}, domain.TagSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 50001")
	assert.Contains(t, err.Error(), "index unavailable")
}

func TestSyncTagsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newClient(srv.URL).SyncTags(context.Background(), []string{"m1"}, domain.TagSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestSyncTagsMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	err := newClient(srv.URL).SyncTags(context.Background(), []string{"m1"}, domain.TagSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
