package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually-advanced clock: Sleep blocks until Advance
// moves now past the wake time, so tests exercise the real processor
// loop without depending on wall-clock timing.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	cond *sync.Cond
}

func newFakeClock() *fakeClock {
	fc := &fakeClock{now: time.Unix(0, 0)}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Sleep(d time.Duration) {
	fc.mu.Lock()
	wake := fc.now.Add(d)
	for fc.now.Before(wake) {
		fc.cond.Wait()
	}
	fc.mu.Unlock()
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.cond.Broadcast()
	fc.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	fc := newFakeClock()
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		clock:   fc,
		obs:     noopObserver{},
		tenants: make(map[string]*tenantState),
		stopCh:  make(chan struct{}),
	}
	return l, fc
}

func TestAdmitFIFOOrder(t *testing.T) {
	l, fc := newTestLimiter(Config{MinRequestInterval: time.Millisecond})
	defer l.Close()

	var mu sync.Mutex
	var order []string
	release := func(name string) {
		go func() {
			if err := l.Admit(context.Background(), "t.bx", name); err == nil {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}()
	}

	// Enqueue A first and let it be admitted before enqueueing the rest,
	// so queue order is deterministic.
	release("A")
	waitForOrderLen(t, &mu, &order, 1)
	release("B")
	waitForQueueLen(t, l, "t.bx", 1)
	release("C")
	waitForQueueLen(t, l, "t.bx", 2)
	release("D")
	waitForQueueLen(t, l, "t.bx", 3)

	for i := 0; i < 10; i++ {
		fc.Advance(time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	waitForOrderLen(t, &mu, &order, 4)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func waitForOrderLen(t *testing.T, mu *sync.Mutex, order *[]string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := len(*order)
		mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d admissions", n)
}

// waitForQueueLen waits until domain's pending queue holds at least n
// admissions, so the next Admit is enqueued behind them.
func waitForQueueLen(t *testing.T, l *Limiter, domain string, n int) {
	t.Helper()
	ts := l.getOrCreate(domain)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		q := len(ts.queue)
		ts.mu.Unlock()
		if q >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued admissions", n)
}

func TestAdmitQueueOverflow(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxQueueLength: 1, MinRequestInterval: time.Hour})
	defer l.Close()

	// First admit is granted at once (there is no previous request, so
	// the interval check does not apply) and sets lastRequestTime.
	go l.Admit(context.Background(), "t.bx", "first")
	time.Sleep(20 * time.Millisecond)

	// Second enqueues and waits out the huge MinRequestInterval (the
	// fake clock never advances), so the queue stays at its cap of 1.
	go l.Admit(context.Background(), "t.bx", "second")
	time.Sleep(20 * time.Millisecond)

	err := l.Admit(context.Background(), "t.bx", "third")
	assert.Equal(t, ErrQueueOverflow, err)
}

func TestAdmitContextCancellation(t *testing.T) {
	l, _ := newTestLimiter(Config{MinRequestInterval: time.Hour})
	defer l.Close()

	// The first admission is granted at once; the second must wait out
	// the huge MinRequestInterval and so runs into the ctx deadline.
	assert.NoError(t, l.Admit(context.Background(), "t.bx", "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Admit(ctx, "t.bx", "m")
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestObserveImposesBlock(t *testing.T) {
	l, fc := newTestLimiter(Config{MaxBucket: 50, MaxBlockTime: time.Second})
	defer l.Close()

	l.Observe("t.bx", true)

	ts := l.getOrCreate("t.bx")
	ts.mu.Lock()
	counter := ts.counter
	blocked := ts.blocked
	ts.mu.Unlock()

	assert.True(t, blocked, "expected blocked=true after observing a breach")
	assert.GreaterOrEqual(t, counter, 45.0, "expected counter >= 0.9*MAX_BUCKET=45")

	done := make(chan struct{})
	go func() {
		l.Admit(context.Background(), "t.bx", "m")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("admission completed before the block window elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Advance(2 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("admission never completed after block window elapsed")
	}
}

func TestObserveNoopWhenNoBreach(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	defer l.Close()
	l.Observe("t.bx", false)
	l.mu.Lock()
	_, exists := l.tenants["t.bx"]
	l.mu.Unlock()
	assert.False(t, exists, "Observe(breach=false) should not create tenant state")
}

func TestSweepRemovesInactiveTenants(t *testing.T) {
	l, fc := newTestLimiter(Config{SweepInactiveAfter: time.Minute})
	defer l.Close()

	ts := l.getOrCreate("idle.bx")
	ts.lastActivity = fc.Now()

	fc.Advance(2 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	_, exists := l.tenants["idle.bx"]
	l.mu.Unlock()
	assert.False(t, exists, "expected idle tenant state to be swept")
}

func TestSweepKeepsActiveTenants(t *testing.T) {
	l, fc := newTestLimiter(Config{SweepInactiveAfter: time.Minute})
	defer l.Close()

	ts := l.getOrCreate("active.bx")
	ts.mu.Lock()
	ts.queue = append(ts.queue, &admission{done: make(chan error, 1)})
	ts.mu.Unlock()

	fc.Advance(2 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	_, exists := l.tenants["active.bx"]
	l.mu.Unlock()
	assert.True(t, exists, "expected tenant with a pending queue to survive the sweep")
}
