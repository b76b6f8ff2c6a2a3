// Package quota keeps the per-credential, per-model remaining-fraction cache
// reported by the upstream model catalog, plus coarse request counters used
// for the "estimated requests remaining" figure.
package quota

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"codeassist-gateway/internal/state"
	log "github.com/sirupsen/logrus"
)

// Entry is one observed quota data point.
type Entry struct {
	Remaining  float64   // fraction in [0,1]
	ResetTime  time.Time // upstream-reported reset, UTC
	ObservedAt time.Time
}

// estimateStep is the upstream's undocumented per-request quota cost used
// only for the UI estimate; scheduling never depends on it.
const estimateStep = 0.6667

// Ledger is the memory-backed quota table with periodic flush to a state
// document named "quotas".
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]map[string]Entry // credID -> model -> entry
	counters map[string]map[string]int   // credID -> group -> requests since observation
	idleTTL  time.Duration
	backend  state.Backend
	now      func() time.Time

	lastCleanup time.Time
}

// NewLedger builds a ledger flushing through the given backend; backend may
// be nil for tests.
func NewLedger(backend state.Backend, idleTTL time.Duration) *Ledger {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Ledger{
		entries:  make(map[string]map[string]Entry),
		counters: make(map[string]map[string]int),
		idleTTL:  idleTTL,
		backend:  backend,
		now:      time.Now,
	}
}

// Upsert records an observation and resets the matching group counter, since
// a fresh observation supersedes the counted requests.
func (l *Ledger) Upsert(credID, model string, remaining float64, reset time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 1 {
		remaining = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries[credID] == nil {
		l.entries[credID] = make(map[string]Entry)
	}
	l.entries[credID][model] = Entry{Remaining: remaining, ResetTime: reset, ObservedAt: l.now()}
	if groups := l.counters[credID]; groups != nil {
		groups[GroupFor(model)] = 0
	}
}

// Snapshot returns a copy of the per-model entries for one credential.
func (l *Ledger) Snapshot(credID string) map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	models := l.entries[credID]
	out := make(map[string]Entry, len(models))
	for m, e := range models {
		out[m] = e
	}
	return out
}

// HasQuotaFor is true when no entry exists or the entry still has budget.
func (l *Ledger) HasQuotaFor(credID, model string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	models := l.entries[credID]
	if models == nil {
		return true
	}
	entry, ok := models[model]
	if !ok {
		return true
	}
	return entry.Remaining > 0
}

// RecordRequest bumps the per-group counter used by the UI estimate.
func (l *Ledger) RecordRequest(credID, group string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counters[credID] == nil {
		l.counters[credID] = make(map[string]int)
	}
	l.counters[credID][group]++
}

// EstimateRequestsRemaining derives the UI figure from the lowest remaining
// fraction among the group's models: floor(remaining_pct / 0.6667) minus the
// requests counted since that observation, floored at zero.
func (l *Ledger) EstimateRequestsRemaining(credID, group string, minRemaining float64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	est := int(math.Floor(minRemaining * 100 / estimateStep))
	if groups := l.counters[credID]; groups != nil {
		est -= groups[group]
	}
	if est < 0 {
		est = 0
	}
	return est
}

// Prune drops entries idle past the TTL. Returns the number removed.
func (l *Ledger) Prune() int {
	now := l.now()
	removed := 0
	l.mu.Lock()
	defer l.mu.Unlock()
	for credID, models := range l.entries {
		for m, e := range models {
			if now.Sub(e.ObservedAt) > l.idleTTL {
				delete(models, m)
				removed++
			}
		}
		if len(models) == 0 {
			delete(l.entries, credID)
		}
	}
	l.lastCleanup = now
	return removed
}

// Forget removes all state for one credential (used on credential delete).
func (l *Ledger) Forget(credID string) {
	l.mu.Lock()
	delete(l.entries, credID)
	delete(l.counters, credID)
	l.mu.Unlock()
}

// Persisted file shape, kept compatible with the "quotas" document layout.
type quotaDoc struct {
	Meta struct {
		LastCleanup int64 `json:"lastCleanup"`
		TTL         int64 `json:"ttl"`
	} `json:"meta"`
	Quotas map[string]credDoc `json:"quotas"`
}

type credDoc struct {
	LastUpdated int64               `json:"lastUpdated"`
	Models      map[string]modelDoc `json:"models"`
}

type modelDoc struct {
	R float64 `json:"r"`
	T int64   `json:"t"`
}

// Flush writes the ledger to the backend.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.backend == nil {
		return nil
	}
	l.mu.RLock()
	doc := quotaDoc{Quotas: make(map[string]credDoc, len(l.entries))}
	doc.Meta.LastCleanup = l.lastCleanup.UnixMilli()
	doc.Meta.TTL = int64(l.idleTTL / time.Millisecond)
	for credID, models := range l.entries {
		cd := credDoc{Models: make(map[string]modelDoc, len(models))}
		for m, e := range models {
			cd.Models[m] = modelDoc{R: e.Remaining, T: e.ResetTime.UnixMilli()}
			if ts := e.ObservedAt.UnixMilli(); ts > cd.LastUpdated {
				cd.LastUpdated = ts
			}
		}
		doc.Quotas[credID] = cd
	}
	l.mu.RUnlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return l.backend.Save(ctx, "quotas", data)
}

// Restore loads a previously flushed ledger; missing document is a no-op.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.backend == nil {
		return nil
	}
	data, err := l.backend.Load(ctx, "quotas")
	if err != nil || len(data) == 0 {
		return err
	}
	var doc quotaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for credID, cd := range doc.Quotas {
		models := make(map[string]Entry, len(cd.Models))
		for m, md := range cd.Models {
			models[m] = Entry{
				Remaining:  md.R,
				ResetTime:  time.UnixMilli(md.T).UTC(),
				ObservedAt: time.UnixMilli(cd.LastUpdated),
			}
		}
		l.entries[credID] = models
	}
	return nil
}

// Run drives the periodic prune and flush until the context ends.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				log.Debugf("quota ledger pruned %d idle entries", n)
			}
			if err := l.Flush(ctx); err != nil {
				log.WithError(err).Warn("quota ledger flush failed")
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Flush(flushCtx); err != nil {
				log.WithError(err).Warn("final quota flush failed")
			}
			cancel()
			return
		}
	}
}
