package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config defines how many requests a key may make per window
type Config struct {
	// RequestsPerWindow is the sustained rate
	RequestsPerWindow int
	// Window is the period RequestsPerWindow applies to
	Window time.Duration
	// Burst is extra capacity above the sustained rate. Only the memory
	// limiter uses it.
	Burst int
}

// DefaultConfig allows ten triggers a minute
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 10, Window: time.Minute}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = d.RequestsPerWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Burst < 0 {
		c.Burst = 0
	}
	return c
}

// Decision is the outcome of a single Allow call
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAfter is how long until the key has capacity again
	ResetAfter time.Duration
}

// Limiter decides whether a request for key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter is a token bucket per key held in process memory
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates a token bucket limiter
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *MemoryLimiter) capacity() float64 {
	return float64(l.cfg.RequestsPerWindow + l.cfg.Burst)
}

// ratePerSecond is the refill rate
func (l *MemoryLimiter) ratePerSecond() float64 {
	return float64(l.cfg.RequestsPerWindow) / l.cfg.Window.Seconds()
}

// Allow takes one token from key's bucket. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity(), lastUpdate: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.lastUpdate); elapsed > 0 {
		b.tokens = min(l.capacity(), b.tokens+elapsed.Seconds()*l.ratePerSecond())
		b.lastUpdate = now
	}

	d := Decision{Limit: l.cfg.RequestsPerWindow}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		missing := 1 - b.tokens
		d.ResetAfter = time.Duration(missing / l.ratePerSecond() * float64(time.Second))
	}
	d.Remaining = int(b.tokens)
	return d, nil
}

// Cleanup drops buckets idle for more than two windows; they would be full anyway
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > 2*l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *MemoryLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
