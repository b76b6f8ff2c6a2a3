package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/config"
	"codeassist-gateway/internal/cooldown"
	"codeassist-gateway/internal/guard"
	"codeassist-gateway/internal/models"
	"codeassist-gateway/internal/pipeline"
	"codeassist-gateway/internal/pool"
	"codeassist-gateway/internal/quota"
	"codeassist-gateway/internal/sigcache"
	"codeassist-gateway/internal/state"
	"codeassist-gateway/internal/store"
	"codeassist-gateway/internal/upstream"
)

func init() { gin.SetMode(gin.TestMode) }

const testKey = "sk-test-key"

// fixedUpstream always serves the same SSE payload.
func fixedUpstream(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func textEvent(text string) string {
	return `data: {"response":{"candidates":[{"content":{"parts":[{"text":"` + text + `"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":3}}}` + "\n\n"
}

func newTestServer(t *testing.T, upstreamURL string, guardOpts guard.Options) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.APIKey = testKey
	cfg.RateLimitEnabled = false
	cfg.HeartbeatMs = 0

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, st.WriteAll([]*store.Credential{{
		RefreshToken: "rt",
		AccessToken:  "at",
		AccessExpiry: time.Now().Add(time.Hour),
		HasQuota:     true,
		Enabled:      true,
	}}))

	backend, err := state.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	q := quota.NewLedger(backend, time.Hour)
	cd := cooldown.NewLedger()
	pl, err := pool.New(st, pool.Options{Quota: q, Cooldown: cd})
	require.NoError(t, err)

	client, err := upstream.New(upstream.Options{Endpoint: upstreamURL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	sigs := sigcache.New(sigcache.ModeTools, 0, 0)
	pipe := pipeline.New(cfg, pl, q, cd, sigs, client, nil)

	return New(Options{
		Cfg:      cfg,
		Pipeline: pipe,
		Guard:    guard.New(guardOpts),
		Catalog:  models.New(nil, 0),
		Sigs:     sigs,
		Cooldown: cd,
	})
}

func doReq(s *Server, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	s.Engine().ServeHTTP(w, req)
	return w
}

func authed() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testKey}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{})
	w := doReq(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestAuthCarriers(t *testing.T) {
	up := fixedUpstream(t, textEvent("hi"))
	s := newTestServer(t, up.URL, guard.Options{})
	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"q"}]}`

	for name, hdr := range map[string]map[string]string{
		"bearer": {"Authorization": "Bearer " + testKey},
		"goog":   {"x-goog-api-key": testKey},
		"xapi":   {"x-api-key": testKey},
	} {
		w := doReq(s, http.MethodPost, "/v1/chat/completions", body, hdr)
		require.Equal(t, http.StatusOK, w.Code, name)
	}

	w := doReq(s, http.MethodPost, "/v1/chat/completions?key="+testKey, body, nil)
	require.Equal(t, http.StatusOK, w.Code, "query key")

	w = doReq(s, http.MethodPost, "/v1/chat/completions", body, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestOpenAIRoute(t *testing.T) {
	up := fixedUpstream(t, textEvent("routed"))
	s := newTestServer(t, up.URL, guard.Options{})

	w := doReq(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"q"}]}`, authed())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "routed", gjson.Get(w.Body.String(), "choices.0.message.content").String())
}

func TestClaudeRoute(t *testing.T) {
	up := fixedUpstream(t, textEvent("claude-side"))
	s := newTestServer(t, up.URL, guard.Options{})

	w := doReq(s, http.MethodPost, "/v1/messages",
		`{"model":"gemini-2.5-pro","max_tokens":100,"messages":[{"role":"user","content":"q"}]}`, authed())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "message", gjson.Get(w.Body.String(), "type").String())
	require.Equal(t, "claude-side", gjson.Get(w.Body.String(), "content.0.text").String())
}

func TestGeminiActionParsing(t *testing.T) {
	up := fixedUpstream(t, textEvent("gem"))
	s := newTestServer(t, up.URL, guard.Options{})
	body := `{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`

	w := doReq(s, http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", body, authed())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gem", gjson.Get(w.Body.String(), "candidates.0.content.parts.0.text").String())

	w = doReq(s, http.MethodPost, "/v1beta/models/gemini-2.5-pro:embedContent", body, authed())
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", gjson.Get(w.Body.String(), "error.status").String())

	w = doReq(s, http.MethodPost, "/v1beta/models/noMethodHere", body, authed())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestModelLists(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{})

	w := doReq(s, http.MethodGet, "/v1/models", "", authed())
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "list", gjson.Get(w.Body.String(), "object").String())
	require.NotEmpty(t, gjson.Get(w.Body.String(), "data").Array())

	w = doReq(s, http.MethodGet, "/v1beta/models", "", authed())
	require.Equal(t, http.StatusOK, w.Code)
	first := gjson.Get(w.Body.String(), "models.0.name").String()
	require.True(t, strings.HasPrefix(first, "models/"))
}

func TestGuardBlocksAfterRepeatedAuthFailures(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{Threshold: 2})
	hdr := map[string]string{"Authorization": "Bearer nope"}
	body := `{"model":"m","messages":[]}`

	for i := 0; i < 2; i++ {
		w := doReq(s, http.MethodPost, "/v1/chat/completions", body, hdr)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := doReq(s, http.MethodPost, "/v1/chat/completions", body, hdr)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "ip_blocked", gjson.Get(w.Body.String(), "error.type").String())
}

func TestNotFoundWhitelist(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{Threshold: 1})

	// Whitelisted probes never accumulate violations.
	for i := 0; i < 5; i++ {
		w := doReq(s, http.MethodGet, "/favicon.ico", "", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	w := doReq(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, "whitelisted 404s must not block")

	// One unknown path is enough at threshold 1.
	w = doReq(s, http.MethodGet, "/wp-admin/setup.php", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = doReq(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestTxt2Img(t *testing.T) {
	payload := `data: {"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGVsbG8="}}]},"finishReason":"STOP"}]}}` + "\n\n"
	up := fixedUpstream(t, payload)
	s := newTestServer(t, up.URL, guard.Options{})

	w := doReq(s, http.MethodPost, "/sdapi/v1/txt2img", `{"prompt":"a red box"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	imgs := gjson.Get(w.Body.String(), "images").Array()
	require.Len(t, imgs, 1)
	require.Equal(t, "aGVsbG8=", imgs[0].String())

	w = doReq(s, http.MethodPost, "/sdapi/v1/txt2img", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{})
	w := doReq(s, http.MethodOptions, "/v1/chat/completions", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAccessLogFields(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{})
	doReq(s, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "rid-log"})

	var entry *log.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "request done" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	require.Equal(t, "GET", entry.Data["method"])
	require.Equal(t, "/health", entry.Data["path"])
	require.Equal(t, http.StatusOK, entry.Data["status"])
	require.Equal(t, "rid-log", entry.Data["request_id"])
	require.Contains(t, entry.Data, "duration_ms")
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:0", guard.Options{})
	w := doReq(s, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "rid-42"})
	require.Equal(t, "rid-42", w.Header().Get("X-Request-ID"))
}
