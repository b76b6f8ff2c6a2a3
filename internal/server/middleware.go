package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"codeassist-gateway/internal/apierr"
	"codeassist-gateway/internal/guard"
	"codeassist-gateway/internal/logging"
)

// RequestID attaches an ID to the request context and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}

// AccessLog writes one structured line per finished request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.WithReq(c, log.Fields{
			"status":      c.Writer.Status(),
			"duration_ms": logging.DurationMS(time.Since(start)),
		}).Info("request done")
	}
}

// CORS answers preflights and opens the caller surface to browsers.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-goog-api-key, anthropic-version, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Recovery turns panics into a JSON 500 without killing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		log.WithField("panic", err).Error("server: handler panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "internal server error", "type": "server_error"},
		})
	})
}

// GuardCheck rejects blocked IPs before any handler runs.
func GuardCheck(g *guard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Check(c.ClientIP())
		if !d.Blocked {
			c.Next()
			return
		}
		if d.Reason == "permanent" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "access denied", "type": "ip_blocked"},
			})
			return
		}
		c.Header("Retry-After", d.ExpiresAt.UTC().Format(http.TimeFormat))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"message":   "temporarily blocked",
				"type":      "ip_blocked",
				"expiresAt": d.ExpiresAt.UnixMilli(),
			},
		})
	}
}

// callerKey extracts the API key from any of the accepted carriers.
func callerKey(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if h := c.GetHeader("x-goog-api-key"); h != "" {
		return h
	}
	if h := c.GetHeader("x-api-key"); h != "" {
		return h
	}
	return c.Query("key")
}

// Auth validates the caller key; failures count as guard violations.
func Auth(apiKey string, g *guard.Guard, dialect apierr.Dialect) gin.HandlerFunc {
	return func(c *gin.Context) {
		if callerKey(c) != apiKey {
			g.RecordViolation(c.ClientIP(), guard.ViolationAuth)
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierr.ErrInvalidKey.Envelope(dialect))
			return
		}
		c.Next()
	}
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ttlLimiterCache keeps per-IP limiters with opportunistic sweeping.
type ttlLimiterCache struct {
	mu        sync.Mutex
	items     map[string]*limiterEntry
	ttl       time.Duration
	lastSweep time.Time
}

func newTTLLimiterCache(ttl time.Duration) *ttlLimiterCache {
	return &ttlLimiterCache{items: make(map[string]*limiterEntry), ttl: ttl}
}

func (c *ttlLimiterCache) get(key string, makeFn func() *rate.Limiter) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := makeFn()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}
	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > 2*time.Minute {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	return lim
}

func (c *ttlLimiterCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		c.ttl = 15 * time.Minute
	}
	for k, e := range c.items {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.items, k)
		}
	}
}

// RateLimit throttles per client IP.
func RateLimit(rps, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 2 * rps
	}
	cache := newTTLLimiterCache(15 * time.Minute)
	return func(c *gin.Context) {
		lim := cache.get(c.ClientIP(), func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(rps), burst)
		})
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"message": "rate limit exceeded", "type": "rate_limit_error"},
			})
			return
		}
		c.Next()
	}
}
