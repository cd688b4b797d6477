package ratelimit

import (
	"container/list"
	"sync"

	"github.com/benbjohnson/clock"
)

// ClientConfig configures per-client enforcement. A zero rate disables that
// dimension entirely.
type ClientConfig struct {
	// RequestsPerSecond bounds relay polls per client key.
	RequestsPerSecond int
	// RequestBurst overrides the request bucket capacity; defaults to
	// RequestsPerSecond.
	RequestBurst int
	// PackageBytesPerSecond bounds the signaling payload volume a client may
	// push through the relay.
	PackageBytesPerSecond int
	// MaxTrackedClients bounds the limiter maps; least-recently used entries
	// are evicted beyond it. When <= 0, a safe default is used.
	MaxTrackedClients int
	// OnEvict runs once per evicted client entry, outside the limiter lock.
	OnEvict func()
}

// ClientLimiter enforces ClientConfig per client key (context id or remote
// address). Entry state is bounded: an attacker cycling keys evicts old
// entries instead of growing memory without bound.
type ClientLimiter struct {
	clk clock.Clock
	cfg ClientConfig

	mu      sync.Mutex
	entries map[string]*clientEntry
	order   *list.List // front = most recently used, values are keys
}

type clientEntry struct {
	requests *TokenBucket
	pkgBytes *TokenBucket
	elem     *list.Element
}

const defaultMaxTrackedClients = 4096

func NewClientLimiter(clk clock.Clock, cfg ClientConfig) *ClientLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxTrackedClients <= 0 {
		cfg.MaxTrackedClients = defaultMaxTrackedClients
	}
	return &ClientLimiter{
		clk:     clk,
		cfg:     cfg,
		entries: make(map[string]*clientEntry),
		order:   list.New(),
	}
}

// AllowRequest consumes one request token for key.
func (l *ClientLimiter) AllowRequest(key string) bool {
	if l == nil || l.cfg.RequestsPerSecond <= 0 {
		return true
	}
	return l.entry(key).requests.Allow(1)
}

// AllowPackageBytes consumes n payload bytes from key's package budget.
func (l *ClientLimiter) AllowPackageBytes(key string, n int) bool {
	if l == nil || l.cfg.PackageBytesPerSecond <= 0 || n <= 0 {
		return true
	}
	return l.entry(key).pkgBytes.Allow(int64(n))
}

func (l *ClientLimiter) entry(key string) *clientEntry {
	var onEvict func()

	l.mu.Lock()
	e, ok := l.entries[key]
	if ok {
		l.order.MoveToFront(e.elem)
		l.mu.Unlock()
		return e
	}

	if len(l.entries) >= l.cfg.MaxTrackedClients {
		if back := l.order.Back(); back != nil {
			evictKey := back.Value.(string)
			l.order.Remove(back)
			delete(l.entries, evictKey)
			onEvict = l.cfg.OnEvict
		}
	}

	burst := l.cfg.RequestBurst
	if burst <= 0 {
		burst = l.cfg.RequestsPerSecond
	}
	e = &clientEntry{
		requests: NewTokenBucket(l.clk, int64(burst), int64(l.cfg.RequestsPerSecond)),
		pkgBytes: NewTokenBucket(l.clk, int64(l.cfg.PackageBytesPerSecond), int64(l.cfg.PackageBytesPerSecond)),
		elem:     l.order.PushFront(key),
	}
	l.entries[key] = e
	l.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return e
}

// TrackedClients reports how many client entries are currently held.
func (l *ClientLimiter) TrackedClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
