package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/config"
	"codeassist-gateway/internal/cooldown"
	"codeassist-gateway/internal/pool"
	"codeassist-gateway/internal/quota"
	"codeassist-gateway/internal/sigcache"
	"codeassist-gateway/internal/state"
	"codeassist-gateway/internal/store"
	"codeassist-gateway/internal/upstream"
)

func init() { gin.SetMode(gin.TestMode) }

type harness struct {
	p        *Pipeline
	pool     *pool.Pool
	quota    *quota.Ledger
	cooldown *cooldown.Ledger
	creds    []*store.Credential
}

// upstreamScript decides the response per upstream call, in order of arrival.
type upstreamScript struct {
	mu    sync.Mutex
	calls []string // access tokens seen
	steps []func(w http.ResponseWriter)
}

func (s *upstreamScript) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	idx := len(s.calls) - 1
	s.mu.Unlock()
	if idx < len(s.steps) {
		s.steps[idx](w)
		return
	}
	w.WriteHeader(500)
}

func (s *upstreamScript) callTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func okStream(text string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"` + text + `"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}` + "\n\n"))
	}
}

func status(code int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		w.Write([]byte(body))
	}
}

// streamThenDrop flushes one event and then severs the connection without a
// proper stream end, simulating an upstream dying mid-response.
func streamThenDrop(text string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"` + text + `"}]}}]}}` + "\n\n"))
		w.(http.Flusher).Flush()
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
	}
}

func modelList(remaining float64, reset time.Time) func(http.ResponseWriter) {
	body := fmt.Sprintf(`{"models":[{"name":"gemini-2.5-pro","quotaInfo":{"remainingFraction":%g,"resetTime":%q}}]}`,
		remaining, reset.UTC().Format(time.RFC3339))
	return status(200, body)
}

func newHarness(t *testing.T, secrets []string, script *upstreamScript) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(script.handler))
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.RetryMax = 3
	cfg.HeartbeatMs = 0
	cfg.FakeNonStream = true

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	var creds []*store.Credential
	for _, sec := range secrets {
		creds = append(creds, &store.Credential{
			RefreshToken: sec,
			AccessToken:  "at-" + sec,
			AccessExpiry: time.Now().Add(time.Hour),
			HasQuota:     true,
			Enabled:      true,
		})
	}
	require.NoError(t, st.WriteAll(creds))

	backend, err := state.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	q := quota.NewLedger(backend, time.Hour)
	cd := cooldown.NewLedger()

	pl, err := pool.New(st, pool.Options{Quota: q, Cooldown: cd})
	require.NoError(t, err)

	client, err := upstream.New(upstream.Options{Endpoint: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	sigs := sigcache.New(sigcache.ModeTools, 0, 0)
	return &harness{
		p:        New(cfg, pl, q, cd, sigs, client, nil),
		pool:     pl,
		quota:    q,
		cooldown: cd,
		creds:    pl.Credentials(),
	}
}

func (h *harness) do(t *testing.T, req Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(req.Raw)))
	h.p.Execute(c, req)
	return w
}

func openAIBody(model string) []byte {
	return []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`)
}

func TestRotationUnderRateLimit(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		status(429, `{"error":{"message":"slow down"}}`),
		okStream("ok"),
	}}
	h := newHarness(t, []string{"a", "b", "c"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")

	tokens := script.callTokens()
	require.Equal(t, []string{"at-a", "at-b"}, tokens)

	// A cooled down for the model, B credited, C untouched.
	credA, credB, credC := h.creds[0], h.creds[1], h.creds[2]
	require.False(t, h.cooldown.Available(credA.ID, "gemini-2.5-pro"))
	require.True(t, h.cooldown.Available(credA.ID, "other-model"), "cooldown is per model")
	require.True(t, h.cooldown.Available(credB.ID, "gemini-2.5-pro"))
	require.True(t, h.cooldown.Available(credC.ID, "gemini-2.5-pro"))
	require.Equal(t, 118, h.quota.EstimateRequestsRemaining(credB.ID, "gemini", 0.80),
		"request counter incremented for the serving credential")
}

func TestNoPermissionDisablesCredential(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		status(403, `{"error":{"message":"caller does not have permission"}}`),
	}}
	h := newHarness(t, []string{"a"}, script)
	credA := h.creds[0]
	h.quota.Upsert(credA.ID, "gemini-2.5-pro", 0.5, time.Now().Add(time.Hour))

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Len(t, script.callTokens(), 1, "no retry on permission failures")

	enabled, total := h.pool.Size()
	require.Equal(t, 0, enabled)
	require.Equal(t, 1, total)
	require.False(t, h.quota.HasQuotaFor(credA.ID, "gemini-2.5-pro"),
		"quota snapshots dropped with the credential")
}

func TestContextTooLongFailsFast(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		status(403, `{"error":{"message":"input context is too long"}}`),
	}}
	h := newHarness(t, []string{"a", "b"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Len(t, script.callTokens(), 1)
}

func TestRetriesExhaustedSurfaces429(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		status(429, `{"error":{"message":"limit"}}`),
		status(429, `{"error":{"message":"limit"}}`),
		status(429, `{"error":{"message":"limit"}}`),
	}}
	h := newHarness(t, []string{"a", "b", "c"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Len(t, script.callTokens(), 3)
	require.Equal(t, "retryable_rate_limit", gjson.Get(w.Body.String(), "error.type").String())
}

func TestCapacityMarksQuotaExhausted(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		status(503, `{"error":{"status":"MODEL_CAPACITY_EXHAUSTED"}}`),
		okStream("served"),
	}}
	h := newHarness(t, []string{"a", "b"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusOK, w.Code)

	credA := h.creds[0]
	require.False(t, h.quota.HasQuotaFor(credA.ID, "gemini-2.5-pro"))
	for _, c := range h.pool.Credentials() {
		if c.ID == credA.ID {
			require.False(t, c.HasQuota)
		}
	}
}

func TestNonStreamShimBuildsOneBody(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"deep","thought":true}]}}]}}` + "\n\n"))
			w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"final answer"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":5,"totalTokenCount":7}}}` + "\n\n"))
		},
	}}
	h := newHarness(t, []string{"a"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro"), Stream: false})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	require.Equal(t, "chat.completion", gjson.Get(body, "object").String(), "single JSON object, not SSE")
	require.Equal(t, "final answer", gjson.Get(body, "choices.0.message.content").String())
	require.Equal(t, "deep", gjson.Get(body, "choices.0.message.reasoning_content").String())
	require.Equal(t, int64(7), gjson.Get(body, "usage.total_tokens").Int())
}

func TestStreamDelivery(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){okStream("streamed")}}
	h := newHarness(t, []string{"a"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro"), Stream: true})
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	require.Contains(t, out, `"content":"streamed"`)
	require.Equal(t, 1, strings.Count(out, "data: [DONE]"))
}

func TestNoCredentialsAvailable(t *testing.T) {
	script := &upstreamScript{}
	h := newHarness(t, nil, script)

	w := h.do(t, Request{Dialect: apierr.DialectClaude, Raw: openAIBody("gemini-2.5-pro")})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "error", gjson.Get(w.Body.String(), "type").String(), "claude error envelope")
}

func TestQuotaRefreshZeroRemainingCoolsDown(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		modelList(0, reset),
	}}
	h := newHarness(t, []string{"a"}, script)
	credA := h.creds[0]

	require.NoError(t, h.p.RefreshQuota(context.Background(), credA.ID))

	require.False(t, h.quota.HasQuotaFor(credA.ID, "gemini-2.5-pro"))
	require.False(t, h.cooldown.Available(credA.ID, "gemini-2.5-pro"),
		"zero-remaining snapshot must mark the cooldown")
	until := h.cooldown.AvailableAfter(credA.ID, "gemini-2.5-pro")
	require.False(t, until.After(reset.Add(time.Second)), "cooldown bounded by the reset time")
}

func TestQuotaRefreshPositiveRemainingLeavesCooldownAlone(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		modelList(0.5, time.Now().Add(time.Hour)),
	}}
	h := newHarness(t, []string{"a"}, script)
	credA := h.creds[0]

	require.NoError(t, h.p.RefreshQuota(context.Background(), credA.ID))
	require.True(t, h.quota.HasQuotaFor(credA.ID, "gemini-2.5-pro"))
	require.True(t, h.cooldown.Available(credA.ID, "gemini-2.5-pro"))
}

func TestRunQuotaRefreshPolls(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	var steps []func(http.ResponseWriter)
	for i := 0; i < 10; i++ {
		steps = append(steps, modelList(0.5, reset))
	}
	script := &upstreamScript{steps: steps}
	h := newHarness(t, []string{"a"}, script)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	h.p.RunQuotaRefresh(ctx, 15*time.Millisecond)

	require.GreaterOrEqual(t, len(script.callTokens()), 2, "refresh must repeat on the interval")
}

func TestCollectShimFaultAfterOutputIsTerminal(t *testing.T) {
	script := &upstreamScript{steps: []func(http.ResponseWriter){
		streamThenDrop("partial"),
		okStream("should never be requested"),
	}}
	h := newHarness(t, []string{"a", "b"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: openAIBody("gemini-2.5-pro"), Stream: false})

	// The upstream emitted output before dying, so the request must not be
	// replayed against another credential.
	require.Len(t, script.callTokens(), 1)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "retryable_rate_limit", gjson.Get(w.Body.String(), "error.type").String())
}

func TestBadInboundRequest(t *testing.T) {
	script := &upstreamScript{}
	h := newHarness(t, []string{"a"}, script)

	w := h.do(t, Request{Dialect: apierr.DialectOpenAI, Raw: []byte(`{"messages":[]}`)})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, script.callTokens(), "no upstream call on parse failure")
}
