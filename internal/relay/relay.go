// Package relay pumps the upstream SSE stream: it parses data lines into
// normalized deltas, forwards dialect chunks to the caller with heartbeat
// keepalives, accumulates the full response for the non-stream shim, and
// writes captured thought signatures back to the cache at stream end.
package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/convert"
	"codeassist-gateway/internal/images"
	"codeassist-gateway/internal/sigcache"
)

// Options configures one relay run.
type Options struct {
	Dialect           apierr.Dialect
	Model             string
	Session           string
	HeartbeatInterval time.Duration // 0 disables
	IdleTimeout       time.Duration
	Names             *convert.NameCache
	Images            images.Sink     // nil drops inline images
	Signatures        *sigcache.Cache // nil disables write-back
}

// Result summarizes one finished (or aborted) relay run.
type Result struct {
	Collected convert.Collected
	// Started is true once output has flowed: a caller-visible chunk in the
	// stream path, or any upstream event in the collect shim. The pipeline
	// must not retry past that point.
	Started bool
	// Completed is true when the upstream stream reached its natural end.
	Completed bool
}

// accum folds deltas into the collected response.
type accum struct {
	c        convert.Collected
	toolIdx  map[string]int
	reasSig  string
	toolSig  string
	argsById map[string]*strings.Builder
}

func newAccum(model string) *accum {
	return &accum{
		c:        convert.Collected{Model: model},
		toolIdx:  map[string]int{},
		argsById: map[string]*strings.Builder{},
	}
}

func (a *accum) apply(d convert.Delta) {
	switch {
	case d.Reasoning != "" || d.ReasoningSig != "":
		a.c.Reasoning += d.Reasoning
		if d.ReasoningSig != "" {
			a.reasSig = d.ReasoningSig
		}
	case d.Text != "":
		a.c.Content += d.Text
	case d.ImageURL != "":
		a.c.Images = append(a.c.Images, d.ImageURL)
	case d.Tool != nil:
		idx, ok := a.toolIdx[d.Tool.ID]
		if !ok {
			idx = len(a.c.ToolCalls)
			a.toolIdx[d.Tool.ID] = idx
			a.c.ToolCalls = append(a.c.ToolCalls, convert.ToolCall{ID: d.Tool.ID, Name: d.Tool.Name})
			a.argsById[d.Tool.ID] = &strings.Builder{}
		}
		a.argsById[d.Tool.ID].WriteString(d.Tool.ArgsFragment)
		a.c.ToolCalls[idx].Arguments = a.argsById[d.Tool.ID].String()
		if d.Tool.Signature != "" {
			a.c.ToolCalls[idx].Signature = d.Tool.Signature
			a.toolSig = d.Tool.Signature
		}
	case d.FinishReason != "":
		a.c.FinishReason = d.FinishReason
	case d.Usage != nil:
		a.c.Usage = *d.Usage
	}
}

// signature returns the signature to cache; the last tool signature wins
// over the reasoning signature.
func (a *accum) signature() string {
	if a.toolSig != "" {
		return a.toolSig
	}
	return a.reasSig
}

// parseEvent walks one upstream event into normalized deltas, in part order.
func parseEvent(data []byte, toolSeq *int, opts Options) []convert.Delta {
	var deltas []convert.Delta
	root := gjson.GetBytes(data, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(data)
	}
	cand := root.Get("candidates.0")

	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("thought").Bool():
			deltas = append(deltas, convert.Delta{
				Reasoning:    part.Get("text").String(),
				ReasoningSig: part.Get("thoughtSignature").String(),
			})

		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			id := fc.Get("id").String()
			if id == "" {
				id = "call_" + uuid.NewString()[:8]
			}
			name := fc.Get("name").String()
			if opts.Names != nil {
				name = opts.Names.Restore(name)
			}
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			deltas = append(deltas, convert.Delta{Tool: &convert.ToolDelta{
				Index:        *toolSeq,
				ID:           id,
				Name:         name,
				ArgsFragment: args,
				Signature:    part.Get("thoughtSignature").String(),
			}})
			*toolSeq++

		case part.Get("inlineData").Exists():
			blob := part.Get("inlineData")
			mime := blob.Get("mimeType").String()
			if !strings.HasPrefix(mime, "image/") || opts.Images == nil {
				continue
			}
			url, err := images.SaveBase64(opts.Images, blob.Get("data").String(), mime)
			if err != nil {
				log.WithError(err).Warn("relay: image save failed")
				continue
			}
			deltas = append(deltas, convert.Delta{ImageURL: url})

		case part.Get("text").Exists():
			deltas = append(deltas, convert.Delta{Text: part.Get("text").String()})
		}
	}

	if fr := cand.Get("finishReason").String(); fr != "" {
		deltas = append(deltas, convert.Delta{FinishReason: fr})
	}
	if um := root.Get("usageMetadata"); um.Exists() {
		deltas = append(deltas, convert.Delta{Usage: &convert.Usage{
			PromptTokens:     int(um.Get("promptTokenCount").Int()),
			CompletionTokens: int(um.Get("candidatesTokenCount").Int()),
			ThoughtTokens:    int(um.Get("thoughtsTokenCount").Int()),
			TotalTokens:      int(um.Get("totalTokenCount").Int()),
		}})
	}
	return deltas
}

// readLines feeds SSE data payloads into out until EOF, read error, or done.
func readLines(body io.Reader, out chan<- string, errc chan<- error, done <-chan struct{}) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "data:") {
			continue // SSE comments and blank separators
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" {
			continue
		}
		select {
		case out <- payload:
		case <-done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case errc <- err:
		case <-done:
		}
		return
	}
	close(out)
}

// Stream relays the upstream body to the caller as dialect SSE, returning
// the accumulated response. The writer must support flushing.
func Stream(ctx context.Context, body io.Reader, w http.ResponseWriter, opts Options) (*Result, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emitter := convert.NewStreamState(opts.Dialect, opts.Model)
	res := &Result{}
	acc := newAccum(opts.Model)
	toolSeq := 0

	write := func(chunks []convert.StreamChunk) {
		for _, c := range chunks {
			writeChunk(w, c)
		}
		if len(chunks) > 0 {
			flusher.Flush()
			res.Started = true
		}
	}
	write(emitter.Open())

	lines := make(chan string, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	go readLines(body, lines, errc, done)

	defer func() {
		close(done)
		res.Collected = acc.c
		writeBack(acc, opts)
	}()

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 120 * time.Second
	}
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	var heartbeat <-chan time.Time
	if opts.HeartbeatInterval > 0 {
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()

		case <-idleTimer.C:
			// The caller already saw output; close the dialect stream
			// cleanly instead of retrying.
			write(emitter.Close())
			return res, fmt.Errorf("upstream idle for %s", idle)

		case <-heartbeat:
			write(emitter.Heartbeat())

		case err := <-errc:
			write(emitter.Close())
			return res, fmt.Errorf("upstream read: %w", err)

		case payload, open := <-lines:
			if !open {
				write(emitter.Close())
				res.Completed = true
				return res, nil
			}
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(idle)
			for _, d := range parseEvent([]byte(payload), &toolSeq, opts) {
				acc.apply(d)
				write(emitter.Emit(d))
			}
		}
	}
}

// ParseUnary folds one complete upstream response body into a collected
// response, applying the same part walk and signature write-back as the
// stream path.
func ParseUnary(data []byte, opts Options) convert.Collected {
	acc := newAccum(opts.Model)
	toolSeq := 0
	for _, d := range parseEvent(data, &toolSeq, opts) {
		acc.apply(d)
	}
	writeBack(acc, opts)
	return acc.c
}

// Collect runs the stream path without a caller-facing writer and returns
// the accumulated response; this is the non-stream shim.
func Collect(ctx context.Context, body io.Reader, opts Options) (*Result, error) {
	res := &Result{}
	acc := newAccum(opts.Model)
	toolSeq := 0

	lines := make(chan string, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	go readLines(body, lines, errc, done)

	defer func() {
		close(done)
		res.Collected = acc.c
		writeBack(acc, opts)
	}()

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 120 * time.Second
	}
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-idleTimer.C:
			return res, fmt.Errorf("upstream idle for %s", idle)
		case err := <-errc:
			return res, fmt.Errorf("upstream read: %w", err)
		case payload, open := <-lines:
			if !open {
				res.Completed = true
				return res, nil
			}
			res.Started = true
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(idle)
			for _, d := range parseEvent([]byte(payload), &toolSeq, opts) {
				acc.apply(d)
			}
		}
	}
}

// writeBack caches the captured signature. Runs on abort too: the upstream
// has already committed to the continuation.
func writeBack(acc *accum, opts Options) {
	if opts.Signatures == nil || opts.Session == "" {
		return
	}
	sig := acc.signature()
	if sig == "" {
		return
	}
	hasTools := len(acc.c.ToolCalls) > 0
	if !opts.Signatures.ShouldCache(hasTools, convert.IsImageModel(opts.Model)) {
		return
	}
	opts.Signatures.Put(opts.Session, opts.Model, sig, acc.c.Reasoning)
}

// writeChunk frames one chunk as SSE.
func writeChunk(w io.Writer, c convert.StreamChunk) {
	switch {
	case c.Comment != "":
		fmt.Fprintf(w, ": %s\n\n", c.Comment)
	case c.Event != "":
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Event, c.Data)
	default:
		fmt.Fprintf(w, "data: %s\n\n", c.Data)
	}
}
