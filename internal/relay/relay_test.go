package relay

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/convert"
	"codeassist-gateway/internal/sigcache"
)

func sse(events ...string) io.Reader {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: " + e + "\n\n")
	}
	return strings.NewReader(b.String())
}

func TestStreamOpenAIEndToEnd(t *testing.T) {
	body := sse(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"let me think","thought":true,"thoughtSignature":"sig-1"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}}`,
	)
	w := httptest.NewRecorder()
	res, err := Stream(context.Background(), body, w, Options{
		Dialect: apierr.DialectOpenAI,
		Model:   "gemini-2.5-pro",
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.True(t, res.Started)
	require.Equal(t, "let me think", res.Collected.Reasoning)
	require.Equal(t, "Hello world", res.Collected.Content)
	require.Equal(t, 7, res.Collected.Usage.TotalTokens)

	out := w.Body.String()
	require.Equal(t, 1, strings.Count(out, "data: [DONE]"), "exactly one terminal event")
	require.Contains(t, out, `"reasoning_content":"let me think"`)
	require.Contains(t, out, `"content":"Hello"`)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestStreamClaudeToolCalls(t *testing.T) {
	nc := convert.NewNameCache()
	safe := nc.Sanitize("look up!")
	body := sse(
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"c1","name":"` + safe + `","args":{"q":"x"}},"thoughtSignature":"tool-sig"}]},"finishReason":"STOP"}]}}`,
	)
	w := httptest.NewRecorder()
	res, err := Stream(context.Background(), body, w, Options{
		Dialect: apierr.DialectClaude,
		Model:   "gemini-2.5-pro",
		Names:   nc,
	})
	require.NoError(t, err)
	require.Len(t, res.Collected.ToolCalls, 1)
	require.Equal(t, "look up!", res.Collected.ToolCalls[0].Name, "name restored through the cache")
	require.JSONEq(t, `{"q":"x"}`, res.Collected.ToolCalls[0].Arguments)

	out := w.Body.String()
	require.Contains(t, out, "event: message_start")
	require.Contains(t, out, "event: content_block_start")
	require.Equal(t, 1, strings.Count(out, "event: message_stop"))
}

func TestHeartbeatDuringQuietInterval(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		time.Sleep(150 * time.Millisecond)
		pw.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}` + "\n\n"))
		pw.Close()
	}()
	w := httptest.NewRecorder()
	res, err := Stream(context.Background(), pr, w, Options{
		Dialect:           apierr.DialectOpenAI,
		Model:             "m",
		HeartbeatInterval: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Contains(t, w.Body.String(), ": heartbeat")
}

func TestSignatureWriteBackToolPrecedence(t *testing.T) {
	sigs := sigcache.New(sigcache.ModeAlways, 0, 0)
	body := sse(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"t","thought":true,"thoughtSignature":"reason-sig"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"id":"c1","name":"f","args":{}},"thoughtSignature":"tool-sig"}]},"finishReason":"STOP"}]}}`,
	)
	w := httptest.NewRecorder()
	_, err := Stream(context.Background(), body, w, Options{
		Dialect:    apierr.DialectOpenAI,
		Model:      "gemini-2.5-pro",
		Session:    "sess-1",
		Signatures: sigs,
	})
	require.NoError(t, err)

	entry, ok := sigs.Get("sess-1", "gemini-2.5-pro")
	require.True(t, ok)
	require.Equal(t, "tool-sig", entry.Signature, "tool signature wins")
}

func TestAbortKeepsSignature(t *testing.T) {
	sigs := sigcache.New(sigcache.ModeAlways, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"x","thought":true,"thoughtSignature":"partial-sig"}]}}]}}` + "\n\n"))
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()
	defer pw.Close()

	w := httptest.NewRecorder()
	res, err := Stream(ctx, pr, w, Options{
		Dialect:    apierr.DialectOpenAI,
		Model:      "m",
		Session:    "s",
		Signatures: sigs,
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, res.Completed)

	entry, ok := sigs.Get("s", "m")
	require.True(t, ok, "partial signature survives an abort")
	require.Equal(t, "partial-sig", entry.Signature)
}

type fakeSink struct{ saved int }

func (f *fakeSink) SaveImage(_ []byte, _ string) (string, error) {
	f.saved++
	return "http://host/images/fake.png", nil
}

func TestInlineImageGoesToSink(t *testing.T) {
	sink := &fakeSink{}
	// "aGk=" is valid base64.
	body := sse(
		`{"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGk="}}]},"finishReason":"STOP"}]}}`,
	)
	w := httptest.NewRecorder()
	res, err := Stream(context.Background(), body, w, Options{
		Dialect: apierr.DialectOpenAI,
		Model:   "gemini-3-pro-image",
		Images:  sink,
	})
	require.NoError(t, err)
	require.Equal(t, 1, sink.saved)
	require.Equal(t, []string{"http://host/images/fake.png"}, res.Collected.Images)
	require.Contains(t, w.Body.String(), "![image](http://host/images/fake.png)")
}

func TestCollectShim(t *testing.T) {
	body := sse(
		`{"response":{"candidates":[{"content":{"parts":[{"text":"think","thought":true}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"part one "}]}}]}}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"part two"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2,"totalTokenCount":3}}}`,
	)
	res, err := Collect(context.Background(), body, Options{
		Dialect: apierr.DialectOpenAI,
		Model:   "gemini-2.5-pro",
	})
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.Equal(t, "part one part two", res.Collected.Content)
	require.Equal(t, "think", res.Collected.Reasoning)

	final := convert.BuildFinal(apierr.DialectOpenAI, res.Collected)
	require.Equal(t, "part one part two", gjson.GetBytes(final, "choices.0.message.content").String())
	require.Equal(t, "think", gjson.GetBytes(final, "choices.0.message.reasoning_content").String())
	require.Equal(t, int64(3), gjson.GetBytes(final, "usage.total_tokens").Int())
}
