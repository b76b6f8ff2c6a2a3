// Package pool owns credential rotation: strategy-driven selection over the
// enabled credentials, model-aware filtering against the quota and cooldown
// views, lazy coalesced token refresh, and hot reload from the store.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeassist-gateway/internal/oauth"
	"codeassist-gateway/internal/store"
	log "github.com/sirupsen/logrus"
)

// QuotaView is the read-only quota surface the pool selects against.
type QuotaView interface {
	HasQuotaFor(credID, model string) bool
}

// CooldownView is the read-only cooldown surface the pool selects against.
type CooldownView interface {
	Available(credID, model string) bool
}

// TokenRefresher exchanges a refresh secret for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshSecret string) (*oauth.Token, error)
}

// Strategy names a rotation rule.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRequestCount   Strategy = "request_count"
	StrategyQuotaExhausted Strategy = "quota_exhausted"
)

// Selection is the result of a pool pick.
type Selection struct {
	Cred *store.Credential
	// BestEffort is set when every enabled credential failed the model
	// filter and the pool proceeded without it.
	BestEffort bool
}

// Options configures a pool.
type Options struct {
	Strategy      Strategy
	RequestCountN int
	RefreshAhead  time.Duration
	Quota         QuotaView
	Cooldown      CooldownView
	Refresher     TokenRefresher
}

// Pool rotates among the store-backed credentials.
type Pool struct {
	mu       sync.Mutex
	st       *store.Store
	creds    []*store.Credential
	cursor   int
	counts   map[string]int
	strategy Strategy
	countN   int

	refreshAhead time.Duration
	quota        QuotaView
	cooldown     CooldownView
	refresher    TokenRefresher

	inflightMu sync.Mutex
	inflight   map[string]*flight
}

// New loads the credential list and builds the pool.
func New(st *store.Store, opts Options) (*Pool, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if opts.RequestCountN <= 0 {
		opts.RequestCountN = 10
	}
	if opts.RefreshAhead <= 0 {
		opts.RefreshAhead = time.Minute
	}
	p := &Pool{
		st:           st,
		counts:       make(map[string]int),
		strategy:     opts.Strategy,
		countN:       opts.RequestCountN,
		refreshAhead: opts.RefreshAhead,
		quota:        opts.Quota,
		cooldown:     opts.Cooldown,
		refresher:    opts.Refresher,
		inflight:     make(map[string]*flight),
	}
	creds, err := st.ReadAll()
	if err != nil {
		return nil, err
	}
	p.creds = creds
	return p, nil
}

// Reload re-reads the store, discarding cursors, counters and the derived
// quota-exhausted ordering.
func (p *Pool) Reload() error {
	creds, err := p.st.Reload()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.creds = creds
	p.cursor = 0
	p.counts = make(map[string]int)
	p.mu.Unlock()
	log.Infof("pool: reloaded %d credentials", len(creds))
	return nil
}

// SetStrategy switches the rotation rule at runtime, resetting counters.
func (p *Pool) SetStrategy(s Strategy, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	if n > 0 {
		p.countN = n
	}
	p.cursor = 0
	p.counts = make(map[string]int)
}

// Size returns (enabled, total) credential counts.
func (p *Pool) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enabled := 0
	for _, c := range p.creds {
		if c.Enabled {
			enabled++
		}
	}
	return enabled, len(p.creds)
}

// Get selects the next credential for the model, refreshing its access token
// first when expired. Returns a clone; pool-internal state is never handed
// out.
func (p *Pool) Get(ctx context.Context, model string) (*Selection, error) {
	// A refresh failure disables the credential, so retry selection at most
	// once per credential before giving up.
	_, total := p.Size()
	for attempt := 0; attempt <= total; attempt++ {
		sel, err := p.selectLocked(model)
		if err != nil {
			return nil, err
		}
		if err := p.ensureFresh(ctx, sel.Cred.ID); err != nil {
			log.WithError(err).Warnf("pool: refresh failed for %s, trying next credential", sel.Cred.ID)
			continue
		}
		cred := p.lookup(sel.Cred.ID)
		if cred == nil || !cred.Enabled {
			continue
		}
		sel.Cred = cred
		return sel, nil
	}
	return nil, fmt.Errorf("no credentials available")
}

func (p *Pool) selectLocked(model string) (*Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	enabled := p.enabledLocked()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no credentials available")
	}

	eligible := func(c *store.Credential) bool {
		if model == "" {
			return true
		}
		if p.quota != nil && !p.quota.HasQuotaFor(c.ID, model) {
			return false
		}
		if p.cooldown != nil && !p.cooldown.Available(c.ID, model) {
			return false
		}
		return true
	}

	anyEligible := false
	for _, c := range enabled {
		if eligible(c) {
			anyEligible = true
			break
		}
	}
	filter := eligible
	bestEffort := false
	if !anyEligible {
		// Everything is cooled down or quota-zero for this model; proceed
		// unfiltered so the request does not livelock.
		filter = func(*store.Credential) bool { return true }
		bestEffort = true
	}

	var picked *store.Credential
	switch p.strategy {
	case StrategyRequestCount:
		picked = p.pickRequestCountLocked(enabled, filter)
	case StrategyQuotaExhausted:
		picked = p.pickQuotaExhaustedLocked(enabled, filter)
	default:
		picked = p.pickRoundRobinLocked(enabled, filter)
	}
	if picked == nil {
		return nil, fmt.Errorf("no credentials available")
	}
	return &Selection{Cred: picked.Clone(), BestEffort: bestEffort}, nil
}

func (p *Pool) enabledLocked() []*store.Credential {
	out := make([]*store.Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// pickRoundRobinLocked returns the credential at the cursor (skipping
// filtered ones) and advances past it.
func (p *Pool) pickRoundRobinLocked(enabled []*store.Credential, ok func(*store.Credential) bool) *store.Credential {
	n := len(enabled)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if ok(enabled[idx]) {
			p.cursor = (idx + 1) % n
			return enabled[idx]
		}
	}
	return nil
}

// pickRequestCountLocked serves the cursor credential until its counter
// reaches N, then advances and resets that counter.
func (p *Pool) pickRequestCountLocked(enabled []*store.Credential, ok func(*store.Credential) bool) *store.Credential {
	n := len(enabled)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := enabled[idx]
		if !ok(c) {
			continue
		}
		p.cursor = idx
		p.counts[c.ID]++
		if p.counts[c.ID] >= p.countN {
			p.counts[c.ID] = 0
			p.cursor = (idx + 1) % n
		}
		return c
	}
	return nil
}

// pickQuotaExhaustedLocked serves credentials whose HasQuota flag is still
// set, in order. When the derived list empties, every credential gets the
// flag back: the assumption is that the upstream rolled its quota window.
func (p *Pool) pickQuotaExhaustedLocked(enabled []*store.Credential, ok func(*store.Credential) bool) *store.Credential {
	pick := func() *store.Credential {
		for _, c := range enabled {
			if c.HasQuota && ok(c) {
				return c
			}
		}
		return nil
	}
	if c := pick(); c != nil {
		return c
	}
	for _, c := range p.creds {
		c.HasQuota = true
	}
	log.Info("pool: quota-exhausted list empty, resetting has_quota on all credentials")
	return pick()
}

// MarkQuotaExhausted clears the HasQuota flag used by the quota_exhausted
// strategy and persists the change.
func (p *Pool) MarkQuotaExhausted(credID string) {
	p.mu.Lock()
	cred := p.lookupLocked(credID)
	if cred != nil {
		cred.HasQuota = false
	}
	working := cloneAll(p.creds)
	p.mu.Unlock()
	if cred == nil {
		return
	}
	if err := p.st.MergeActive(working, nil); err != nil {
		log.WithError(err).Warnf("pool: persisting quota flag for %s failed", credID)
	}
}

// Disable turns a credential off permanently and persists the change.
func (p *Pool) Disable(credID, reason string) {
	p.mu.Lock()
	cred := p.lookupLocked(credID)
	if cred != nil {
		cred.Enabled = false
	}
	working := cloneAll(p.creds)
	p.mu.Unlock()
	if cred == nil {
		return
	}
	log.Warnf("pool: disabled credential %s: %s", credID, reason)
	if err := p.st.MergeActive(working, nil); err != nil {
		log.WithError(err).Warnf("pool: persisting disable for %s failed", credID)
	}
}

// SetProjectID records the discovered project for a credential.
func (p *Pool) SetProjectID(credID, projectID string) {
	p.mu.Lock()
	cred := p.lookupLocked(credID)
	if cred != nil {
		cred.ProjectID = projectID
	}
	working := cloneAll(p.creds)
	p.mu.Unlock()
	if cred == nil {
		return
	}
	if err := p.st.MergeActive(working, nil); err != nil {
		log.WithError(err).Warnf("pool: persisting project id for %s failed", credID)
	}
}

// Credentials returns clones of the current working set.
func (p *Pool) Credentials() []*store.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneAll(p.creds)
}

// lookup returns a clone; live entries are only read or written under p.mu,
// so no caller may hold one across the lock boundary.
func (p *Pool) lookup(credID string) *store.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.lookupLocked(credID); c != nil {
		return c.Clone()
	}
	return nil
}

func (p *Pool) lookupLocked(credID string) *store.Credential {
	for _, c := range p.creds {
		if c.ID == credID {
			return c
		}
	}
	return nil
}

func cloneAll(creds []*store.Credential) []*store.Credential {
	out := make([]*store.Credential, len(creds))
	for i, c := range creds {
		out[i] = c.Clone()
	}
	return out
}
