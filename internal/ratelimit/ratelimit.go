package ratelimit

import (
	"sync"
	"time"
)

// RateLimit gates requests per client address.
type RateLimit interface {
	Allow(addr string) bool
}

type window struct {
	count   int
	started time.Time
}

// fixedWindow counts requests per address in fixed windows. Stale windows
// are pruned lazily on the way through, so the map stays bounded by the
// set of clients seen within one window.
type fixedWindow struct {
	limit    int
	interval time.Duration

	mu      sync.Mutex
	windows map[string]*window
	swept   time.Time

	now func() time.Time
}

func New(limit int, interval time.Duration) RateLimit {
	return &fixedWindow{
		limit:    limit,
		interval: interval,
		windows:  make(map[string]*window),
		now:      time.Now,
	}
}

func (rl *fixedWindow) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return false
	}

	now := rl.now()
	rl.sweep(now)

	w := rl.windows[addr]
	if w == nil || now.Sub(w.started) > rl.interval {
		rl.windows[addr] = &window{count: 1, started: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// sweep drops expired windows at most once per interval.
func (rl *fixedWindow) sweep(now time.Time) {
	if now.Sub(rl.swept) < rl.interval {
		return
	}
	for addr, w := range rl.windows {
		if now.Sub(w.started) > rl.interval {
			delete(rl.windows, addr)
		}
	}
	rl.swept = now
}
