package convert

import (
	"strings"
	"sync"
)

// NameCache maps sanitized upstream tool names back to the caller's original
// names. Upstream function names must start with a letter or underscore and
// may only contain word characters, dots and dashes, up to 64 runes; inbound
// dialects allow more.
type NameCache struct {
	mu      sync.Mutex
	reverse map[string]string
}

// NewNameCache builds an empty cache.
func NewNameCache() *NameCache {
	return &NameCache{reverse: make(map[string]string)}
}

// Sanitize returns the upstream-safe name for an inbound tool name and
// records the reverse mapping.
func (n *NameCache) Sanitize(name string) string {
	safe := sanitizeToolName(name)
	if safe == name {
		return name
	}
	n.mu.Lock()
	n.reverse[safe] = name
	n.mu.Unlock()
	return safe
}

// Restore maps an upstream name back to the original inbound name. Unknown
// names pass through unchanged.
func (n *NameCache) Restore(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if orig, ok := n.reverse[name]; ok {
		return orig
	}
	return name
}

// Cleanup drops all mappings; hook for the periodic memory-tidy timer. Tool
// names recur on every request that declares tools, so the map repopulates
// immediately.
func (n *NameCache) Cleanup() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := len(n.reverse)
	n.reverse = make(map[string]string)
	return removed
}

// sanitize routes through the name cache when one is configured.
func (o Options) sanitize(name string) string {
	if o.Names == nil {
		return sanitizeToolName(name)
	}
	return o.Names.Sanitize(name)
}

func sanitizeToolName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9', r == '.', r == '-':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		s = "_"
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
