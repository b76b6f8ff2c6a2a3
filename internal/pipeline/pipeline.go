// Package pipeline glues a caller request end to end: convert inbound,
// select a credential, dispatch upstream, relay the stream, and retry or
// fail over on classified upstream errors.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/config"
	"codeassist-gateway/internal/convert"
	"codeassist-gateway/internal/cooldown"
	"codeassist-gateway/internal/images"
	"codeassist-gateway/internal/pool"
	"codeassist-gateway/internal/quota"
	"codeassist-gateway/internal/relay"
	"codeassist-gateway/internal/sigcache"
	"codeassist-gateway/internal/store"
	"codeassist-gateway/internal/upstream"
)

// Pipeline owns the per-request state machine.
type Pipeline struct {
	cfg      *config.Config
	pool     *pool.Pool
	quota    *quota.Ledger
	cooldown *cooldown.Ledger
	sigs     *sigcache.Cache
	names    *convert.NameCache
	client   *upstream.Client
	sink     images.Sink
}

// New wires the pipeline.
func New(cfg *config.Config, p *pool.Pool, q *quota.Ledger, cd *cooldown.Ledger,
	sigs *sigcache.Cache, client *upstream.Client, sink images.Sink) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		pool:     p,
		quota:    q,
		cooldown: cd,
		sigs:     sigs,
		names:    convert.NewNameCache(),
		client:   client,
		sink:     sink,
	}
}

// Names exposes the tool-name cache for the memory-tidy timer.
func (p *Pipeline) Names() *convert.NameCache { return p.names }

// Request is one inbound caller request after routing.
type Request struct {
	Dialect apierr.Dialect
	Raw     []byte
	Model   string // set for the Gemini dialect (from the URL); empty otherwise
	Stream  bool
}

func (p *Pipeline) convertOpts() convert.Options {
	return convert.Options{
		SystemPrompt:        p.cfg.SystemInstruction,
		OfficialPrompt:      p.cfg.OfficialSystemPrompt,
		OfficialPromptFirst: p.cfg.OfficialPromptFirst,
		MaxInlineImages:     p.cfg.MaxInlineImages,
		CacheToolSigs:       p.cfg.CacheToolSigs,
		Signatures:          sigSource{p.sigs},
		Names:               p.names,
		DefaultTemperature:  p.cfg.TemperatureDefault,
		DefaultTopP:         p.cfg.TopPDefault,
		DefaultMaxTokens:    p.cfg.MaxOutputTokens,
		DefaultThinking:     p.cfg.ThinkingBudgetDefault,
	}
}

// sigSource adapts the cache to the converter's lookup interface.
type sigSource struct{ c *sigcache.Cache }

func (s sigSource) Lookup(session, model string) (string, string, bool) {
	if s.c == nil {
		return "", "", false
	}
	entry, ok := s.c.Get(session, model)
	return entry.Signature, entry.ThoughtText, ok
}

// Execute runs the request to a terminal state, writing exactly one dialect
// response (or error body) to the gin context.
func (p *Pipeline) Execute(c *gin.Context, req Request) {
	model := req.Model
	if model == "" {
		model = gjson.GetBytes(req.Raw, "model").String()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), p.cfg.RequestTimeout())
	defer cancel()

	var lastErr *apierr.StatusError
	retries := p.cfg.RetryMax
	if retries < 1 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		sel, err := p.pool.Get(ctx, model)
		if err != nil {
			p.writeError(c, req.Dialect, apierr.ErrNoCredentials)
			return
		}
		cred := sel.Cred
		if sel.BestEffort {
			log.WithFields(log.Fields{
				"credential": cred.ID,
				"model":      model,
			}).Warn("pipeline: best-effort selection, all credentials cooled or quota-zero")
		}

		env, aerr := p.convertRequest(req, model, cred)
		if aerr != nil {
			p.writeError(c, req.Dialect, aerr)
			return
		}
		body, err := env.MarshalBody()
		if err != nil {
			p.writeError(c, req.Dialect, apierr.BadRequest(err.Error()))
			return
		}

		p.dumpUpstream(body)
		done, serr := p.dispatch(ctx, c, req, cred, model, body)
		if done {
			return
		}
		lastErr = serr

		retry := serr.Kind.Retryable() && attempt+1 < retries
		// Best-effort selections are not retried on rate signals; every
		// credential is already cooled down or quota-zero for this model.
		if sel.BestEffort && serr.Kind == apierr.KindRateLimit {
			retry = false
		}
		p.penalize(cred, model, serr)
		if !retry {
			break
		}
		log.WithFields(log.Fields{
			"credential": cred.ID,
			"kind":       serr.Kind,
			"attempt":    attempt + 1,
		}).Warn("pipeline: upstream failure, rotating credential")
	}

	p.surfaceUpstream(c, req.Dialect, lastErr)
}

// convertRequest builds the canonical envelope for the selected credential.
func (p *Pipeline) convertRequest(req Request, model string, cred *store.Credential) (*convert.Envelope, *apierr.APIError) {
	opts := p.convertOpts()
	var env *convert.Envelope
	var aerr *apierr.APIError
	switch req.Dialect {
	case apierr.DialectClaude:
		env, aerr = convert.ClaudeRequest(req.Raw, cred.SessionID, opts)
	case apierr.DialectGemini:
		env, aerr = convert.GeminiRequest(req.Raw, model, cred.SessionID, opts)
	default:
		env, aerr = convert.OpenAIRequest(req.Raw, cred.SessionID, opts)
	}
	if aerr != nil {
		return nil, aerr
	}
	env.Project = cred.ProjectID
	return env, nil
}

// dispatch performs one upstream attempt. Returns done=true when a terminal
// response has been written to the caller.
func (p *Pipeline) dispatch(ctx context.Context, c *gin.Context, req Request,
	cred *store.Credential, model string, body []byte) (bool, *apierr.StatusError) {

	ropts := relay.Options{
		Dialect:           req.Dialect,
		Model:             model,
		Session:           cred.SessionID,
		HeartbeatInterval: time.Duration(p.cfg.HeartbeatMs) * time.Millisecond,
		IdleTimeout:       p.cfg.IdleTimeout(),
		Names:             p.names,
		Images:            p.sink,
		Signatures:        p.sigs,
	}

	useStream := req.Stream || p.cfg.FakeNonStream
	if !useStream {
		data, err := p.client.Unary(ctx, cred.AccessToken, body)
		if err != nil {
			return false, asStatusError(err)
		}
		collected := relay.ParseUnary(data, ropts)
		p.recordSuccess(cred.ID, model)
		c.Data(http.StatusOK, "application/json", convert.BuildFinal(req.Dialect, collected))
		return true, nil
	}

	upstreamBody, err := p.client.Stream(ctx, cred.AccessToken, body)
	if err != nil {
		return false, asStatusError(err)
	}
	defer upstreamBody.Close()

	if !req.Stream {
		// Non-stream shim: run the stream path and fold it into one body.
		res, err := relay.Collect(ctx, upstreamBody, ropts)
		if err != nil {
			if ctx.Err() != nil {
				return true, nil // caller gone; nothing to write
			}
			if res != nil && res.Started {
				// The upstream already committed output for this request;
				// retrying would bill it twice. Terminal, with an error body
				// since the caller has seen nothing yet.
				p.surfaceUpstream(c, req.Dialect, asStatusError(err))
				return true, nil
			}
			return false, asStatusError(err)
		}
		p.recordSuccess(cred.ID, model)
		c.Data(http.StatusOK, "application/json", convert.BuildFinal(req.Dialect, res.Collected))
		return true, nil
	}

	res, err := relay.Stream(ctx, upstreamBody, c.Writer, ropts)
	if err != nil {
		if res != nil && res.Started {
			// The caller observed output; the relay already closed the
			// dialect stream. No retry, no error body.
			return true, nil
		}
		if ctx.Err() != nil {
			return true, nil
		}
		return false, asStatusError(err)
	}
	if res.Completed {
		p.recordSuccess(cred.ID, model)
	}
	return true, nil
}

// dumpUpstream logs the outbound body when body dumping is enabled. Inline
// image payloads are elided so one request cannot flood the log.
func (p *Pipeline) dumpUpstream(body []byte) {
	if !p.cfg.DebugDump {
		return
	}
	out := body
	gjson.GetBytes(body, "request.contents").ForEach(func(ci, content gjson.Result) bool {
		content.Get("parts").ForEach(func(pi, part gjson.Result) bool {
			if part.Get("inlineData.data").Exists() {
				path := fmt.Sprintf("request.contents.%d.parts.%d.inlineData.data", ci.Int(), pi.Int())
				out, _ = sjson.SetBytes(out, path, "<elided>")
			}
			return true
		})
		return true
	})
	log.WithField("bytes", len(body)).Debugf("pipeline: upstream request: %s", truncateDump(out))
}

func truncateDump(b []byte) string {
	const max = 4096
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// penalize applies the per-kind side effects to the failed credential.
func (p *Pipeline) penalize(cred *store.Credential, model string, serr *apierr.StatusError) {
	switch serr.Kind {
	case apierr.KindRateLimit:
		p.cooldown.Mark(cred.ID, model, p.cooldownFor(cred.ID, model))
		log.WithFields(log.Fields{
			"credential": cred.ID,
			"model":      model,
			"until":      p.cooldown.AvailableAfter(cred.ID, model),
		}).Info("pipeline: credential cooling down")
	case apierr.KindCapacity:
		p.quota.Upsert(cred.ID, model, 0, time.Now().Add(p.cfg.Cooldown()))
		p.pool.MarkQuotaExhausted(cred.ID)
		p.cooldown.Mark(cred.ID, model, p.cfg.Cooldown())
	case apierr.KindNoPermission:
		p.pool.Disable(cred.ID, "upstream permission denied")
		p.quota.Forget(cred.ID)
	}
}

// cooldownFor bounds the fixed cooldown by the ledger's reported reset time
// when that comes sooner.
func (p *Pipeline) cooldownFor(credID, model string) time.Duration {
	d := p.cfg.Cooldown()
	if entry, ok := p.quota.Snapshot(credID)[model]; ok && !entry.ResetTime.IsZero() {
		if until := time.Until(entry.ResetTime); until > 0 && until < d {
			return until
		}
	}
	return d
}

func (p *Pipeline) recordSuccess(credID, model string) {
	p.quota.RecordRequest(credID, quota.GroupFor(model))
}

func asStatusError(err error) *apierr.StatusError {
	var serr *apierr.StatusError
	if errors.As(err, &serr) {
		return serr
	}
	// Connection-level faults before any byte count as retryable rate
	// pressure so the next credential gets a chance.
	return &apierr.StatusError{Status: 0, Body: err.Error(), Kind: apierr.KindRateLimit}
}

func (p *Pipeline) writeError(c *gin.Context, d apierr.Dialect, aerr *apierr.APIError) {
	c.JSON(aerr.HTTPStatus, aerr.Envelope(d))
}

// surfaceUpstream renders the exhausted-retries upstream failure in the
// caller's dialect.
func (p *Pipeline) surfaceUpstream(c *gin.Context, d apierr.Dialect, serr *apierr.StatusError) {
	if serr == nil {
		serr = &apierr.StatusError{Status: 502, Body: "upstream failed", Kind: apierr.KindOther}
	}
	status := serr.CallerStatus()
	aerr := apierr.New(status, "upstream_error", string(serr.Kind), apierr.UpstreamMessage(serr.Body))
	c.JSON(status, aerr.Envelope(d))
}

// captureSink keeps generated image bytes in memory as base64; used by the
// SD-compat endpoints, which return payloads instead of URLs.
type captureSink struct {
	b64 []string
}

func (s *captureSink) SaveImage(data []byte, _ string) (string, error) {
	s.b64 = append(s.b64, base64.StdEncoding.EncodeToString(data))
	return fmt.Sprintf("inline:%d", len(s.b64)), nil
}

// GenerateImages runs a prompt against an image model and returns the
// generated images base64-encoded.
func (p *Pipeline) GenerateImages(ctx context.Context, prompt, model string) ([]string, error) {
	sel, err := p.pool.Get(ctx, model)
	if err != nil {
		return nil, err
	}
	cred := sel.Cred

	env := &convert.Envelope{
		Model:     model,
		Project:   cred.ProjectID,
		SessionID: cred.SessionID,
	}
	env.Request.Contents = []convert.Content{{Role: "user", Parts: []convert.Part{{Text: prompt}}}}
	body, err := env.MarshalBody()
	if err != nil {
		return nil, err
	}

	upstreamBody, err := p.client.Stream(ctx, cred.AccessToken, body)
	if err != nil {
		return nil, err
	}
	defer upstreamBody.Close()

	sink := &captureSink{}
	res, err := relay.Collect(ctx, upstreamBody, relay.Options{
		Dialect:     apierr.DialectOpenAI,
		Model:       model,
		IdleTimeout: p.cfg.IdleTimeout(),
		Images:      sink,
	})
	if err != nil {
		return nil, err
	}
	if res.Completed {
		p.recordSuccess(cred.ID, model)
	}
	return sink.b64, nil
}

// RefreshQuota pulls the model catalog for one credential and feeds the
// quota ledger.
func (p *Pipeline) RefreshQuota(ctx context.Context, credID string) error {
	var cred *store.Credential
	for _, c := range p.pool.Credentials() {
		if c.ID == credID {
			cred = c
			break
		}
	}
	if cred == nil {
		return errors.New("credential not found")
	}
	models, err := p.client.FetchAvailableModels(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	for _, m := range models {
		if !m.HasQuotaInfo {
			continue
		}
		p.quota.Upsert(credID, m.Model, m.RemainingFraction, m.ResetTime)
		// A zero-remaining snapshot implies the credential cannot serve the
		// model until the window rolls; the cooldown entry keeps selection
		// from thrashing on it.
		if m.RemainingFraction <= 0 {
			p.cooldown.Mark(credID, m.Model, p.cooldownFor(credID, m.Model))
		}
	}
	return nil
}

// RefreshAllQuotas walks the enabled credentials; used by the periodic
// quota refresh task.
func (p *Pipeline) RefreshAllQuotas(ctx context.Context) {
	for _, cred := range p.pool.Credentials() {
		if !cred.Enabled {
			continue
		}
		if err := p.RefreshQuota(ctx, cred.ID); err != nil {
			log.WithError(err).Debugf("pipeline: quota refresh failed for %s", cred.ID)
		}
	}
}

// RunQuotaRefresh polls the upstream catalog on the interval until the
// context ends, keeping quota snapshots and their cooldown marks current.
func (p *Pipeline) RunQuotaRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RefreshAllQuotas(ctx)
		case <-ctx.Done():
			return
		}
	}
}
