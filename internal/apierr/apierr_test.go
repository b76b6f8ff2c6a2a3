package apierr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{429, "", KindRateLimit},
		{503, `{"error":{"message":"MODEL_CAPACITY_EXHAUSTED"}}`, KindCapacity},
		{503, "overloaded", KindOther},
		{403, "caller does not have permission", KindNoPermission},
		{403, "request too large", KindContextTooLong},
		{401, "", KindAuthNeeded},
		{500, "", KindOther},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.status, tc.body), "status=%d body=%q", tc.status, tc.body)
	}
}

func TestRetryable(t *testing.T) {
	require.True(t, KindRateLimit.Retryable())
	require.True(t, KindCapacity.Retryable())
	require.False(t, KindNoPermission.Retryable())
	require.False(t, KindContextTooLong.Retryable())
	require.False(t, KindOther.Retryable())
}

func TestCallerStatus(t *testing.T) {
	require.Equal(t, http.StatusTooManyRequests, NewStatusError(429, "").CallerStatus())
	require.Equal(t, http.StatusServiceUnavailable, NewStatusError(503, "MODEL_CAPACITY_EXHAUSTED").CallerStatus())
	require.Equal(t, http.StatusBadRequest, NewStatusError(403, "too long").CallerStatus())
	require.Equal(t, http.StatusBadGateway, NewStatusError(403, "caller does not have permission").CallerStatus())
}

func TestEnvelopeShapes(t *testing.T) {
	e := New(429, "rate_limit_exceeded", "rate_limit_error", "slow down")

	oa := e.Envelope(DialectOpenAI)
	inner := oa["error"].(map[string]interface{})
	require.Equal(t, "rate_limit_error", inner["type"])
	require.Equal(t, "rate_limit_exceeded", inner["code"])

	cl := e.Envelope(DialectClaude)
	require.Equal(t, "error", cl["type"])
	require.Equal(t, "slow down", cl["error"].(map[string]interface{})["message"])

	gm := e.Envelope(DialectGemini)
	require.Equal(t, "RESOURCE_EXHAUSTED", gm["error"].(map[string]interface{})["status"])
}

func TestUpstreamMessage(t *testing.T) {
	require.Equal(t, "quota exceeded", UpstreamMessage(`{"error":{"message":"quota exceeded"}}`))
	require.Equal(t, "plain text", UpstreamMessage("plain text"))
}
