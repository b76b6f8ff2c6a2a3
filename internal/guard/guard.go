// Package guard implements the edge IP guard: 4xx-class violations accumulate
// per client IP inside a sliding window, promote to temporary blocks with
// doubling duration, and finally to a permanent block. Whitelisted IPs and
// CIDRs never accumulate.
package guard

import (
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ViolationKind distinguishes the two counted violation categories.
type ViolationKind string

const (
	ViolationAuth     ViolationKind = "auth"      // invalid caller API key
	ViolationNotFound ViolationKind = "not_found" // 404 on a non-whitelisted path
)

// Options carries the guard parameters; zero values fall back to the
// documented defaults.
type Options struct {
	Window          time.Duration // violation counting window (default 10m)
	Threshold       int           // violations inside Window to temp-block (default 10)
	TempBlock       time.Duration // first temp-block duration (default 30m)
	CyclePeriod     time.Duration // doubling/permanent assessment period (default 24h)
	PermanentCycles int           // temp blocks inside CyclePeriod to go permanent (default 5)
	Whitelist       []string      // IPs or CIDRs
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Window <= 0 {
		out.Window = 10 * time.Minute
	}
	if out.Threshold <= 0 {
		out.Threshold = 10
	}
	if out.TempBlock <= 0 {
		out.TempBlock = 30 * time.Minute
	}
	if out.CyclePeriod <= 0 {
		out.CyclePeriod = 24 * time.Hour
	}
	if out.PermanentCycles <= 0 {
		out.PermanentCycles = 5
	}
	return out
}

// record is the per-IP state.
type record struct {
	violations      int
	firstViolation  time.Time
	tempBlockedTill time.Time
	tempBlockCycles int
	firstTempBlock  time.Time
	permanent       bool
}

// Decision is the result of a Check call.
type Decision struct {
	Blocked   bool
	Reason    string // "permanent" or "temporary" when blocked
	ExpiresAt time.Time
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Guard is the sharded per-IP block table.
type Guard struct {
	opts   Options
	shards [shardCount]*shard

	wlMu    sync.RWMutex
	wlIPs   map[string]struct{}
	wlNets  []*net.IPNet
	now     func() time.Time
	stopCh  chan struct{}
	stopOne sync.Once
}

// New builds a guard and parses the whitelist; malformed entries are logged
// and skipped.
func New(opts Options) *Guard {
	g := &Guard{
		opts:   opts.withDefaults(),
		wlIPs:  make(map[string]struct{}),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i] = &shard{records: make(map[string]*record)}
	}
	g.SetWhitelist(opts.Whitelist)
	return g
}

// SetWhitelist replaces the whitelist atomically.
func (g *Guard) SetWhitelist(entries []string) {
	ips := make(map[string]struct{})
	var nets []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			ips[ip.String()] = struct{}{}
			continue
		}
		log.Warnf("guard: skipping malformed whitelist entry %q", e)
	}
	g.wlMu.Lock()
	g.wlIPs = ips
	g.wlNets = nets
	g.wlMu.Unlock()
}

// Whitelisted reports whether the IP is exempt from the guard.
func (g *Guard) Whitelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	g.wlMu.RLock()
	defer g.wlMu.RUnlock()
	if _, ok := g.wlIPs[parsed.String()]; ok {
		return true
	}
	for _, n := range g.wlNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (g *Guard) shardFor(ip string) *shard {
	h := uint32(2166136261)
	for i := 0; i < len(ip); i++ {
		h ^= uint32(ip[i])
		h *= 16777619
	}
	return g.shards[h%shardCount]
}

// Check resolves the current block state for an IP.
func (g *Guard) Check(ip string) Decision {
	if g.Whitelisted(ip) {
		return Decision{}
	}
	s := g.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ip]
	if !ok {
		return Decision{}
	}
	if rec.permanent {
		return Decision{Blocked: true, Reason: "permanent"}
	}
	now := g.now()
	if now.Before(rec.tempBlockedTill) {
		return Decision{Blocked: true, Reason: "temporary", ExpiresAt: rec.tempBlockedTill}
	}
	return Decision{}
}

// RecordViolation counts one violation for the IP and applies the state
// transitions: accumulating, temp-blocked with doubling duration, permanent.
func (g *Guard) RecordViolation(ip string, kind ViolationKind) {
	if g.Whitelisted(ip) {
		return
	}
	now := g.now()
	s := g.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[ip]
	if rec == nil {
		rec = &record{}
		s.records[ip] = rec
	}
	if rec.permanent || now.Before(rec.tempBlockedTill) {
		return
	}

	// Expired window restarts accumulation.
	if rec.violations == 0 || now.Sub(rec.firstViolation) > g.opts.Window {
		rec.violations = 0
		rec.firstViolation = now
	}
	rec.violations++
	if rec.violations < g.opts.Threshold {
		return
	}

	// Promote to a temp block; cycles outside the period reset the doubling.
	if rec.tempBlockCycles == 0 || now.Sub(rec.firstTempBlock) > g.opts.CyclePeriod {
		rec.tempBlockCycles = 0
		rec.firstTempBlock = now
	}
	rec.tempBlockCycles++
	rec.violations = 0

	if rec.tempBlockCycles >= g.opts.PermanentCycles {
		rec.permanent = true
		log.Warnf("guard: permanently blocked %s after %d temp-block cycles", ip, rec.tempBlockCycles)
		return
	}

	duration := g.opts.TempBlock << (rec.tempBlockCycles - 1)
	rec.tempBlockedTill = now.Add(duration)
	log.WithFields(log.Fields{
		"ip":    ip,
		"kind":  kind,
		"cycle": rec.tempBlockCycles,
		"until": rec.tempBlockedTill,
	}).Warn("guard: temporary block applied")
}

// Unblock forcibly returns an IP to the clean state.
func (g *Guard) Unblock(ip string) {
	s := g.shardFor(ip)
	s.mu.Lock()
	delete(s.records, ip)
	s.mu.Unlock()
}

// Sweep purges fully expired records; run every minute by the background
// sweeper. Returns the number purged.
func (g *Guard) Sweep() int {
	now := g.now()
	purged := 0
	for _, s := range g.shards {
		s.mu.Lock()
		for ip, rec := range s.records {
			if rec.permanent {
				continue
			}
			stale := now.After(rec.tempBlockedTill) &&
				(rec.violations == 0 || now.Sub(rec.firstViolation) > g.opts.Window) &&
				(rec.tempBlockCycles == 0 || now.Sub(rec.firstTempBlock) > g.opts.CyclePeriod)
			if stale {
				delete(s.records, ip)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged
}

// Run starts the periodic sweeper until the context channel closes.
func (g *Guard) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				log.Debugf("guard: swept %d expired records", n)
			}
		case <-stop:
			return
		}
	}
}
