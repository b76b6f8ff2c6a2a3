// Package models maintains the model catalog served on /v1/models, lazily
// refreshed from the upstream and falling back to a static list.
package models

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one catalog model.
type Entry struct {
	ID          string
	DisplayName string
}

// fallback is served when the upstream catalog has never been fetched.
var fallback = []Entry{
	{ID: "gemini-2.5-pro"},
	{ID: "gemini-2.5-flash"},
	{ID: "gemini-2.5-flash-lite"},
	{ID: "gemini-3-pro-image"},
}

// FetchFunc pulls the live catalog from the upstream.
type FetchFunc func(ctx context.Context) ([]Entry, error)

// Catalog caches the model list with a refresh TTL.
type Catalog struct {
	mu      sync.Mutex
	fetch   FetchFunc
	ttl     time.Duration
	list    []Entry
	fetched time.Time
	created int64
}

// New builds a catalog; ttl falls back to 10 minutes.
func New(fetch FetchFunc, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{fetch: fetch, ttl: ttl, created: time.Now().Unix()}
}

// List returns the current catalog, refreshing it when stale. A failed
// refresh falls back to the last good list, then to the static set.
func (c *Catalog) List(ctx context.Context) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < c.ttl && len(c.list) > 0 {
		return c.list
	}
	if c.fetch != nil {
		if fresh, err := c.fetch(ctx); err == nil && len(fresh) > 0 {
			c.list = fresh
			c.fetched = time.Now()
			return c.list
		} else if err != nil {
			log.WithError(err).Debug("models: catalog refresh failed")
		}
	}
	if len(c.list) > 0 {
		return c.list
	}
	return fallback
}

// OpenAIList renders the catalog in the OpenAI list shape.
func (c *Catalog) OpenAIList(ctx context.Context) map[string]interface{} {
	var data []interface{}
	for _, m := range c.List(ctx) {
		data = append(data, map[string]interface{}{
			"id":       m.ID,
			"object":   "model",
			"created":  c.created,
			"owned_by": "google",
		})
	}
	return map[string]interface{}{"object": "list", "data": data}
}
