package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codeassist-gateway/internal/apierr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{Endpoint: srv.URL, UserAgent: "test-agent", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c, srv
}

func TestUnaryHeadersAndBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1internal:generateContent", r.URL.Path)
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		require.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Write([]byte(`{"ok":true}`))
	})
	data, err := c.Unary(context.Background(), "at-1", []byte(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))
}

func TestUnaryGzipResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"compressed":true}`))
		gz.Close()
	})
	data, err := c.Unary(context.Background(), "at", []byte(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"compressed":true}`, string(data))
}

func TestUnaryErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		body   string
		kind   apierr.Kind
	}{
		{429, `{"error":{"message":"slow down"}}`, apierr.KindRateLimit},
		{503, `{"error":{"status":"MODEL_CAPACITY_EXHAUSTED"}}`, apierr.KindCapacity},
		{403, `{"error":{"message":"caller does not have permission"}}`, apierr.KindNoPermission},
		{403, `{"error":{"message":"context window full"}}`, apierr.KindContextTooLong},
		{500, `boom`, apierr.KindOther},
	} {
		c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		})
		_, err := c.Unary(context.Background(), "at", []byte(`{}`))
		require.Error(t, err)

		var serr *apierr.StatusError
		require.True(t, errors.As(err, &serr), "status %d", tc.status)
		require.Equal(t, tc.status, serr.Status)
		require.Equal(t, tc.kind, serr.Kind, "status %d body %s", tc.status, tc.body)
	}
}

func TestStreamReturnsBodyReader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:streamGenerateContent", r.URL.Path)
		require.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"n\":1}\n\ndata: {\"n\":2}\n\n"))
	})
	body, err := c.Stream(context.Background(), "at", []byte(`{}`))
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(data), `{"n":1}`)
	require.Contains(t, string(data), `{"n":2}`)
}

func TestStreamErrorBecomesStatusError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})
	_, err := c.Stream(context.Background(), "at", []byte(`{}`))
	var serr *apierr.StatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, 429, serr.Status)
	require.Equal(t, apierr.KindRateLimit, serr.Kind)
}

func TestFetchAvailableModels(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		w.Write([]byte(`{"models":[
			{"name":"gemini-2.5-pro","displayName":"Gemini 2.5 Pro",
			 "quotaInfo":{"remainingFraction":0.8,"resetTime":"2026-08-25T00:00:00Z"}},
			{"name":"gemini-2.5-flash"}
		]}`))
	})
	models, err := c.FetchAvailableModels(context.Background(), "at")
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "gemini-2.5-pro", models[0].Model)
	require.True(t, models[0].HasQuotaInfo)
	require.InDelta(t, 0.8, models[0].RemainingFraction, 1e-9)
	require.False(t, models[0].ResetTime.IsZero())
	require.False(t, models[1].HasQuotaInfo)
}

func TestDiscoverProject(t *testing.T) {
	var onboarded bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1internal:loadCodeAssist":
			w.Write([]byte(`{}`))
		case "/v1internal:onboardUser":
			onboarded = true
			w.Write([]byte(`{"response":{"cloudaicompanionProject":{"id":"proj-7"}}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	project, err := c.DiscoverProject(context.Background(), "at")
	require.NoError(t, err)
	require.Equal(t, "proj-7", project)
	require.True(t, onboarded)
}

func TestDiscoverProjectAlreadyOnboarded(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:loadCodeAssist", r.URL.Path)
		w.Write([]byte(`{"cloudaicompanionProject":"proj-1"}`))
	})
	project, err := c.DiscoverProject(context.Background(), "at")
	require.NoError(t, err)
	require.Equal(t, "proj-1", project)
}

func TestCustomFetcher(t *testing.T) {
	var hit bool
	fetcher := fetcherFunc(func(req *http.Request) (*http.Response, error) {
		hit = true
		return &http.Response{
			StatusCode: 200,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{}`))),
			Header:     http.Header{},
		}, nil
	})
	c, err := New(Options{Endpoint: "https://example.invalid", Fetcher: fetcher})
	require.NoError(t, err)
	_, err = c.Unary(context.Background(), "at", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, hit)
}

type fetcherFunc func(*http.Request) (*http.Response, error)

func (f fetcherFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
