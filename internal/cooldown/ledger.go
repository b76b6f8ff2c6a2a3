// Package cooldown tracks timed per-(credential, model) exclusions applied
// after upstream rate signals.
package cooldown

import (
	"sync"
	"time"
)

// Ledger is a pure in-memory cooldown table.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key: credID + "\x00" + model
	now     func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]time.Time), now: time.Now}
}

func key(credID, model string) string { return credID + "\x00" + model }

// Mark excludes the pair until now+d. An existing later deadline is kept;
// Mark never shortens a cooldown.
func (l *Ledger) Mark(credID, model string, d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := l.now().Add(d)
	l.mu.Lock()
	if existing, ok := l.entries[key(credID, model)]; !ok || deadline.After(existing) {
		l.entries[key(credID, model)] = deadline
	}
	l.mu.Unlock()
}

// Available reports whether the pair is currently usable.
func (l *Ledger) Available(credID, model string) bool {
	l.mu.RLock()
	deadline, ok := l.entries[key(credID, model)]
	l.mu.RUnlock()
	return !ok || l.now().After(deadline)
}

// AvailableAfter returns the deadline for the pair, zero when none.
func (l *Ledger) AvailableAfter(credID, model string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[key(credID, model)]
}

// Clear removes cooldowns for a credential; with model empty, all of them.
func (l *Ledger) Clear(credID, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if model != "" {
		delete(l.entries, key(credID, model))
		return
	}
	prefix := credID + "\x00"
	for k := range l.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.entries, k)
		}
	}
}

// Cleanup drops expired entries; wired to the periodic memory-tidy timer.
func (l *Ledger) Cleanup() {
	now := l.now()
	l.mu.Lock()
	for k, deadline := range l.entries {
		if now.After(deadline) {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()
}
