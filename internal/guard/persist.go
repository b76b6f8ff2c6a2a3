package guard

import (
	"context"
	"encoding/json"
	"time"

	"codeassist-gateway/internal/state"
)

// Persisted blocked-IP document shape.
type blockedDoc struct {
	IPs       map[string]blockedEntry `json:"ips"`
	Whitelist []string                `json:"whitelist"`
}

type blockedEntry struct {
	Permanent      bool  `json:"permanent"`
	ExpiresAt      int64 `json:"expiresAt,omitempty"`
	TempBlockCount int   `json:"tempBlockCount"`
}

// Save writes currently blocked IPs and the whitelist to the backend.
func (g *Guard) Save(ctx context.Context, backend state.Backend, whitelist []string) error {
	if backend == nil {
		return nil
	}
	doc := blockedDoc{IPs: make(map[string]blockedEntry), Whitelist: whitelist}
	now := g.now()
	for _, s := range g.shards {
		s.mu.Lock()
		for ip, rec := range s.records {
			if !rec.permanent && !now.Before(rec.tempBlockedTill) {
				continue
			}
			entry := blockedEntry{Permanent: rec.permanent, TempBlockCount: rec.tempBlockCycles}
			if !rec.permanent {
				entry.ExpiresAt = rec.tempBlockedTill.UnixMilli()
			}
			doc.IPs[ip] = entry
		}
		s.mu.Unlock()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return backend.Save(ctx, "blocked_ips", data)
}

// Restore loads blocked IPs from the backend, skipping already-expired
// temporary blocks.
func (g *Guard) Restore(ctx context.Context, backend state.Backend) error {
	if backend == nil {
		return nil
	}
	data, err := backend.Load(ctx, "blocked_ips")
	if err != nil || len(data) == 0 {
		return err
	}
	var doc blockedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Whitelist) > 0 {
		g.SetWhitelist(append(g.opts.Whitelist, doc.Whitelist...))
	}
	now := g.now()
	for ip, entry := range doc.IPs {
		expires := time.UnixMilli(entry.ExpiresAt)
		if !entry.Permanent && !now.Before(expires) {
			continue
		}
		s := g.shardFor(ip)
		s.mu.Lock()
		s.records[ip] = &record{
			permanent:       entry.Permanent,
			tempBlockedTill: expires,
			tempBlockCycles: entry.TempBlockCount,
			firstTempBlock:  now,
		}
		s.mu.Unlock()
	}
	return nil
}
