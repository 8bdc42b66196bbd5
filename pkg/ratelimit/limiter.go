package ratelimit

import (
	"sync"
	"time"
)

// Category segments traffic so credential endpoints can run on a much
// tighter budget than general API traffic.
type Category string

const (
	CategoryAPI  Category = "api"
	CategoryAuth Category = "auth"
)

// Key identifies one counter: a caller address plus a traffic category.
type Key struct {
	Caller   string
	Category Category
}

func (k Key) String() string {
	return string(k.Category) + ":" + k.Caller
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key Key, limit int) Decision
}

// InMemoryLimiter counts requests in fixed, non-overlapping windows.
// Expired entries are dropped on every call, so the map stays bounded by
// the number of callers active within one window.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry

	now func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(key Key, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key.String()]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[key.String()] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

// RetryAfter is the whole-second hint carried on 429 responses. Denied
// callers are told to wait out the full window, not the remainder of the
// current one. Never less than one second.
func RetryAfter(window time.Duration) int {
	secs := int(window.Seconds())
	if secs <= 0 {
		secs = 1
	}
	return secs
}
