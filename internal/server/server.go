// Package server assembles the HTTP surface: the three dialect endpoints,
// the model catalog, SD-compatible image generation, the websocket log feed,
// and the edge middleware stack (guard, auth, rate limit).
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/config"
	"codeassist-gateway/internal/cooldown"
	"codeassist-gateway/internal/guard"
	"codeassist-gateway/internal/logging"
	"codeassist-gateway/internal/models"
	"codeassist-gateway/internal/pipeline"
	"codeassist-gateway/internal/sigcache"
)

// Options carries the assembled components the server routes to.
type Options struct {
	Cfg      *config.Config
	Pipeline *pipeline.Pipeline
	Guard    *guard.Guard
	Catalog  *models.Catalog
	Sigs     *sigcache.Cache
	Cooldown *cooldown.Ledger
	ImageDir string // static image directory; empty disables /images
}

// Server is the assembled HTTP front end.
type Server struct {
	opts    Options
	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
	stopCh  chan struct{}
}

// notFoundWhitelist holds path prefixes that never count as guard
// violations; crawlers and SDK feature probes hit these constantly.
var notFoundWhitelist = []string{
	"/favicon.ico",
	"/robots.txt",
	"/.well-known/",
	"/ws/logs",
	"/v1/models",
	"/v1/complete",
	"/v1/files",
	"/v1/fine_tuning",
	"/v1/assistants",
	"/v1/threads",
	"/v1/batches",
	"/v1/uploads",
	"/v1/organization",
	"/v1/usage",
	"/v1beta/models",
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	if !opts.Cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		opts:    opts,
		engine:  gin.New(),
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	s.routes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	r := s.engine
	cfg := s.opts.Cfg

	r.Use(Recovery(), RequestID(), AccessLog(), CORS(), GuardCheck(s.opts.Guard))
	if cfg.RateLimitEnabled {
		r.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/ws/logs", logging.Feed().Handler)
	if s.opts.ImageDir != "" {
		r.Static("/images", s.opts.ImageDir)
	}

	key := cfg.APIKey
	r.POST("/v1/chat/completions", Auth(key, s.opts.Guard, apierr.DialectOpenAI), s.handleOpenAI)
	r.GET("/v1/models", Auth(key, s.opts.Guard, apierr.DialectOpenAI), s.handleModels)
	r.POST("/v1/messages", Auth(key, s.opts.Guard, apierr.DialectClaude), s.handleClaude)
	r.GET("/v1beta/models", Auth(key, s.opts.Guard, apierr.DialectGemini), s.handleGeminiModels)
	r.POST("/v1beta/models/*action", Auth(key, s.opts.Guard, apierr.DialectGemini), s.handleGemini)

	// Stable-diffusion compatible surface; image clients rarely carry keys.
	r.POST("/sdapi/v1/txt2img", s.handleTxt2Img)
	r.POST("/sdapi/v1/img2img", s.handleTxt2Img)

	r.NoRoute(s.handleNotFound)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, s.opts.Catalog.OpenAIList(c.Request.Context()))
}

// handleGeminiModels renders the catalog in the Gemini list shape.
func (s *Server) handleGeminiModels(c *gin.Context) {
	var out []interface{}
	for _, m := range s.opts.Catalog.List(c.Request.Context()) {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		out = append(out, map[string]interface{}{
			"name":                       "models/" + m.ID,
			"displayName":                name,
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

func (s *Server) handleOpenAI(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.BadRequest("unreadable body").Envelope(apierr.DialectOpenAI))
		return
	}
	s.opts.Pipeline.Execute(c, pipeline.Request{
		Dialect: apierr.DialectOpenAI,
		Raw:     raw,
		Stream:  gjson.GetBytes(raw, "stream").Bool(),
	})
}

func (s *Server) handleClaude(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.BadRequest("unreadable body").Envelope(apierr.DialectClaude))
		return
	}
	s.opts.Pipeline.Execute(c, pipeline.Request{
		Dialect: apierr.DialectClaude,
		Raw:     raw,
		Stream:  gjson.GetBytes(raw, "stream").Bool(),
	})
}

// handleGemini parses "{model}:{method}" out of the wildcard segment.
func (s *Server) handleGemini(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	model, method, ok := strings.Cut(action, ":")
	if !ok || model == "" {
		c.JSON(http.StatusNotFound,
			apierr.New(http.StatusNotFound, "not_found", "not_found", "unknown action "+action).Envelope(apierr.DialectGemini))
		return
	}

	var stream bool
	switch method {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		c.JSON(http.StatusNotFound,
			apierr.New(http.StatusNotFound, "not_found", "not_found", "unsupported method "+method).Envelope(apierr.DialectGemini))
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.BadRequest("unreadable body").Envelope(apierr.DialectGemini))
		return
	}
	s.opts.Pipeline.Execute(c, pipeline.Request{
		Dialect: apierr.DialectGemini,
		Raw:     raw,
		Model:   model,
		Stream:  stream,
	})
}

// handleTxt2Img serves the SD-compatible generation endpoints with the
// upstream image model, returning base64 payloads like the SD web API does.
func (s *Server) handleTxt2Img(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	prompt := gjson.GetBytes(raw, "prompt").String()
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		model = "gemini-3-pro-image"
	}

	imgs, err := s.opts.Pipeline.GenerateImages(c.Request.Context(), prompt, model)
	if err != nil {
		log.WithError(err).Warn("server: image generation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "image generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"images":     imgs,
		"parameters": gin.H{"prompt": prompt},
		"info":       fmt.Sprintf("model=%s count=%d", model, len(imgs)),
	})
}

// handleNotFound answers 404 and counts the probe as a guard violation
// unless the path is on the whitelist.
func (s *Server) handleNotFound(c *gin.Context) {
	path := c.Request.URL.Path
	for _, p := range notFoundWhitelist {
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"message": "not found", "type": "not_found"},
			})
			return
		}
	}
	s.opts.Guard.RecordViolation(c.ClientIP(), guard.ViolationNotFound)
	c.JSON(http.StatusNotFound, gin.H{
		"error": gin.H{"message": "not found", "type": "not_found"},
	})
}

// tidy frees idle entries across the in-memory caches.
func (s *Server) tidy() {
	sigs := s.opts.Sigs.Cleanup()
	s.opts.Cooldown.Cleanup()
	swept := s.opts.Guard.Sweep()
	names := s.opts.Pipeline.Names().Cleanup()
	if sigs+swept+names > 0 {
		log.WithFields(log.Fields{
			"signatures": sigs,
			"guard":      swept,
			"tool_names": names,
		}).Debug("server: memory tidy")
	}
}

// Run serves until the context is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Cfg.Host, s.opts.Cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tidy()
			case <-s.stopCh:
				return
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.Infof("server: listening on %s", addr)
		errc <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		close(s.stopCh)
		return err
	case <-ctx.Done():
		close(s.stopCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
