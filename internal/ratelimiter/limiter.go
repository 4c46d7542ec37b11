/*
Package ratelimiter implements per-tenant leaky-bucket admission
control: one bucket and one FIFO queue per tenant domain, a single
processor draining each tenant's queue, and a hard block triggered
when the server itself signals a quota breach.

Each tenant's limiter lives in a map guarded by a mutex, keyed by
domain — a real FIFO admission queue per key, a shape
golang.org/x/time/rate doesn't expose (see DESIGN.md).

Completion signaling favors throughput: Admit releases the caller as
soon as a slot is granted, and the bucket counter increments on
admission, not on completion.
*/
package ratelimiter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrQueueOverflow is returned by Admit when a tenant's pending queue
// is already at its configured cap.
var ErrQueueOverflow = errors.New("ratelimiter: queue overflow")

// Config tunes the leaky bucket. Zero-value fields fall back to
// DefaultConfig's values.
type Config struct {
	MaxBucket           float64
	LeakRate            float64 // units per second
	MinRequestInterval  time.Duration
	MaxBlockTime        time.Duration
	MaxQueueLength      int // 0 = unbounded
	SweepInterval       time.Duration
	SweepInactiveAfter  time.Duration
}

// DefaultConfig returns the library's default leaky-bucket tuning.
func DefaultConfig() Config {
	return Config{
		MaxBucket:          50,
		LeakRate:           2,
		MinRequestInterval: 150 * time.Millisecond,
		MaxBlockTime:       5000 * time.Millisecond,
		MaxQueueLength:     0,
		SweepInterval:      time.Minute,
		SweepInactiveAfter: 30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBucket <= 0 {
		c.MaxBucket = d.MaxBucket
	}
	if c.LeakRate <= 0 {
		c.LeakRate = d.LeakRate
	}
	if c.MinRequestInterval <= 0 {
		c.MinRequestInterval = d.MinRequestInterval
	}
	if c.MaxBlockTime <= 0 {
		c.MaxBlockTime = d.MaxBlockTime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SweepInactiveAfter <= 0 {
		c.SweepInactiveAfter = d.SweepInactiveAfter
	}
	return c
}

// Observer is notified of queue-depth and bucket-level changes; the
// root client wires internal/metrics through this so the limiter
// package stays independent of the Prometheus client.
type Observer interface {
	SetQueueDepth(domain string, depth int)
	SetBucketLevel(domain string, level float64)
	RateLimitBlocked()
}

type noopObserver struct{}

func (noopObserver) SetQueueDepth(string, int)    {}
func (noopObserver) SetBucketLevel(string, float64) {}
func (noopObserver) RateLimitBlocked()            {}

// Limiter owns one tenantState per domain, lazily created.
type Limiter struct {
	cfg      Config
	clock    clock
	obs      Observer
	mu       sync.Mutex
	tenants  map[string]*tenantState
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Limiter with cfg (zero-value fields take DefaultConfig's
// values) and starts its background sweep. Call Close to stop the
// sweep goroutine.
func New(cfg Config, obs Observer) *Limiter {
	if obs == nil {
		obs = noopObserver{}
	}
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		clock:   realClock{},
		obs:     obs,
		tenants: make(map[string]*tenantState),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the background sweep. Safe to call multiple times.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// admission is one pending slot request in a tenant's FIFO queue.
type admission struct {
	done     chan error
	canceled bool
}

type tenantState struct {
	mu              sync.Mutex
	counter         float64
	lastUpdate      time.Time
	blocked         bool
	blockUntil      time.Time
	lastRequestTime time.Time
	queue           []*admission
	processing      bool
	totalRequests   int64
	lastActivity    time.Time
}

func (l *Limiter) getOrCreate(domain string) *tenantState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.tenants[domain]
	if !ok {
		ts = &tenantState{lastUpdate: l.clock.Now(), lastActivity: l.clock.Now()}
		l.tenants[domain] = ts
	}
	return ts
}

// Admit suspends the caller until it may proceed for domain, honoring
// ctx cancellation. On success it returns nil and the caller has
// consumed one bucket unit. method is carried only for future
// diagnostics/log context; it plays no role in admission.
func (l *Limiter) Admit(ctx context.Context, domain, method string) error {
	ts := l.getOrCreate(domain)

	ts.mu.Lock()
	if l.cfg.MaxQueueLength > 0 && len(ts.queue) >= l.cfg.MaxQueueLength {
		ts.mu.Unlock()
		return ErrQueueOverflow
	}
	a := &admission{done: make(chan error, 1)}
	ts.queue = append(ts.queue, a)
	depth := len(ts.queue)
	needStart := !ts.processing
	if needStart {
		ts.processing = true
	}
	ts.mu.Unlock()

	l.obs.SetQueueDepth(domain, depth)
	if needStart {
		go l.process(domain, ts)
	}

	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		ts.mu.Lock()
		a.canceled = true
		ts.mu.Unlock()
		return ctx.Err()
	}
}

// process drains ts's queue until empty, one admission at a time,
// applying the decay/block/interval/fill rules on each iteration.
func (l *Limiter) process(domain string, ts *tenantState) {
	for {
		ts.mu.Lock()

		if len(ts.queue) == 0 {
			ts.processing = false
			ts.lastActivity = l.clock.Now()
			ts.mu.Unlock()
			return
		}

		now := l.clock.Now()
		l.decayLocked(ts, now)

		if ts.blocked && now.Before(ts.blockUntil) {
			wait := ts.blockUntil.Sub(now)
			ts.mu.Unlock()
			l.clock.Sleep(wait)
			continue
		}
		ts.blocked = false

		if since := now.Sub(ts.lastRequestTime); !ts.lastRequestTime.IsZero() && since < l.cfg.MinRequestInterval {
			wait := l.cfg.MinRequestInterval - since
			ts.mu.Unlock()
			l.clock.Sleep(wait)
			continue
		}

		if ts.counter >= l.cfg.MaxBucket {
			ts.mu.Unlock()
			l.clock.Sleep(leakWait(l.cfg.LeakRate))
			continue
		}

		task := ts.queue[0]
		ts.queue = ts.queue[1:]
		depth := len(ts.queue)

		if task.canceled {
			ts.mu.Unlock()
			l.obs.SetQueueDepth(domain, depth)
			continue
		}

		ts.counter++
		ts.lastRequestTime = now
		ts.totalRequests++
		ts.lastActivity = now
		level := ts.counter
		ts.mu.Unlock()

		l.obs.SetQueueDepth(domain, depth)
		l.obs.SetBucketLevel(domain, level)
		task.done <- nil
	}
}

// decayLocked applies the leak-arithmetic step; ts.mu must be held.
func (l *Limiter) decayLocked(ts *tenantState, now time.Time) {
	if ts.lastUpdate.IsZero() {
		ts.lastUpdate = now
		return
	}
	elapsed := now.Sub(ts.lastUpdate).Seconds()
	ts.counter = math.Max(0, ts.counter-elapsed*l.cfg.LeakRate)
	ts.lastUpdate = now
}

// leakWait is the sleep duration when the bucket is full: enough time
// for at least one unit to leak out.
func leakWait(leakRate float64) time.Duration {
	ms := math.Ceil(1000 / leakRate)
	return time.Duration(ms) * time.Millisecond
}

// Observe applies the server-enforced-limit reaction: a breach
// (QUERY_LIMIT_EXCEEDED, "limit exceeded" in the error description, or
// HTTP 503 — classification is the caller's job, not this package's)
// imposes a hard block and prefills the bucket to 90% of capacity.
func (l *Limiter) Observe(domain string, breach bool) {
	if !breach {
		return
	}
	ts := l.getOrCreate(domain)
	ts.mu.Lock()
	now := l.clock.Now()
	ts.blocked = true
	ts.blockUntil = now.Add(l.cfg.MaxBlockTime)
	ts.counter = math.Max(ts.counter, 0.9*l.cfg.MaxBucket)
	level := ts.counter
	ts.mu.Unlock()
	l.obs.SetBucketLevel(domain, level)
	l.obs.RateLimitBlocked()
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}

// Sweep drops tenant state for domains with an empty queue whose last
// activity is older than the configured inactivity window. Exported
// so callers that disable the background ticker (SweepInterval <= 0
// is not supported — construct with a very long interval instead) can
// still trigger housekeeping explicitly.
func (l *Limiter) Sweep() {
	cutoff := l.clock.Now().Add(-l.cfg.SweepInactiveAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for domain, ts := range l.tenants {
		ts.mu.Lock()
		idle := len(ts.queue) == 0 && !ts.processing && ts.lastActivity.Before(cutoff)
		ts.mu.Unlock()
		if idle {
			delete(l.tenants, domain)
		}
	}
}
