// Package scheduler implements the hierarchical two-level rate limiter:
// a global limiter chained under per-principal limiters, each enforcing a
// periodically-refilled reservoir and a concurrency bound over a bounded
// FIFO queue. Grounded on spec.md §4.3's "Bottleneck"-style chained
// limiters redesign note: two independent limiters composed sequentially,
// no generic chain abstraction, each a mutex-guarded (reservoir, running,
// queue) with its own refill ticker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gomind-oss/llmgateway/core"
)

// MetricsRecorder is the subset of internal/metrics.Sink the scheduler
// needs. Declared here, not imported from metrics, so the scheduler
// depends only on the capability it uses (accept interfaces, return
// structs) and stays testable without a real Sink.
type MetricsRecorder interface {
	SetQueueDepth(limiterName string, depth int)
	RecordRejection(limiterName string)
}

// noopMetrics discards everything; used when no recorder is supplied.
type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(string, int) {}
func (noopMetrics) RecordRejection(string)    {}

// LimiterConfig describes one limiter's reservoir and concurrency policy.
type LimiterConfig struct {
	RequestsPerMinute int
	ConcurrentLimit   int
	QueueSize         int
}

// Config is the scheduler's overall policy.
type Config struct {
	Global  LimiterConfig
	PerUser LimiterConfig
	IdleTTL time.Duration // per-user limiter garbage collection, default 1h
}

// Snapshot reports a limiter's observable state (spec.md §4.3 "state
// exposure").
type Snapshot struct {
	Running   int
	Queued    int
	Reservoir int
}

// waiter is one queued admission request.
type waiter struct {
	admitted chan struct{}
}

// limiter is a single mutex-guarded (reservoir, running, queue), refilled
// by its own ticker. Matches spec.md §3's Limiter data model exactly.
type limiter struct {
	name string

	mu            sync.Mutex
	reservoir     int
	refreshAmount int
	running       int
	maxConcurrent int
	queue         []*waiter
	highWater     int
	lastActivity  time.Time

	stop   chan struct{}
	ticker *time.Ticker

	metrics MetricsRecorder
}

func newLimiter(name string, cfg LimiterConfig, refreshInterval time.Duration, metrics MetricsRecorder) *limiter {
	l := &limiter{
		name:          name,
		reservoir:     cfg.RequestsPerMinute,
		refreshAmount: cfg.RequestsPerMinute,
		maxConcurrent: cfg.ConcurrentLimit,
		highWater:     cfg.QueueSize,
		lastActivity:  time.Now(),
		stop:          make(chan struct{}),
		metrics:       metrics,
	}
	l.ticker = time.NewTicker(refreshInterval)
	go l.refillLoop()
	return l
}

func (l *limiter) refillLoop() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.ticker.C:
			l.mu.Lock()
			l.reservoir = l.refreshAmount
			l.drainLocked()
			l.mu.Unlock()
		}
	}
}

func (l *limiter) close() {
	l.ticker.Stop()
	close(l.stop)
}

// enqueue registers a waiter, rejecting synchronously if the queue is
// already at high_water. If admission is immediately available it admits
// without ever touching the queue.
func (l *limiter) enqueue() (*waiter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastActivity = time.Now()

	w := &waiter{admitted: make(chan struct{})}

	if len(l.queue) == 0 && l.reservoir > 0 && l.running < l.maxConcurrent {
		l.reservoir--
		l.running++
		close(w.admitted)
		return w, nil
	}

	if len(l.queue) >= l.highWater {
		if l.metrics != nil {
			l.metrics.RecordRejection(l.name)
		}
		return nil, core.NewGatewayError("scheduler."+l.name, core.CategoryQueueOverflow, core.ErrQueueOverflow)
	}

	l.queue = append(l.queue, w)
	if l.metrics != nil {
		l.metrics.SetQueueDepth(l.name, len(l.queue))
	}
	return w, nil
}

// cancel removes w from the queue if it has not yet been admitted. If w
// was already admitted this is a no-op (the caller must release normally).
func (l *limiter) cancel(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, queued := range l.queue {
		if queued == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			if l.metrics != nil {
				l.metrics.SetQueueDepth(l.name, len(l.queue))
			}
			return
		}
	}
}

// release returns one running slot and admits queued waiters while the
// reservoir and concurrency budget allow it.
func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running--
	l.lastActivity = time.Now()
	l.drainLocked()
}

// drainLocked admits as many head-of-queue waiters as the reservoir and
// concurrency budget allow. Caller must hold l.mu.
func (l *limiter) drainLocked() {
	for len(l.queue) > 0 && l.reservoir > 0 && l.running < l.maxConcurrent {
		w := l.queue[0]
		l.queue = l.queue[1:]
		l.reservoir--
		l.running++
		close(w.admitted)
	}
	if l.metrics != nil {
		l.metrics.SetQueueDepth(l.name, len(l.queue))
	}
}

func (l *limiter) snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Running: l.running, Queued: len(l.queue), Reservoir: l.reservoir}
}

// idle reports whether this limiter has had no activity for longer than
// ttl and has no running or queued work — the precondition for garbage
// collection (spec.md §4.3).
func (l *limiter) idle(ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running == 0 && len(l.queue) == 0 && time.Since(l.lastActivity) > ttl
}

// Scheduler is the hierarchical two-level limiter: one global limiter plus
// a per-principal limiter registry, created lazily and reaped on idle TTL.
type Scheduler struct {
	cfg     Config
	global  *limiter
	metrics MetricsRecorder
	logger  core.Logger

	usersMu sync.Mutex
	users   map[string]*limiter

	draining boolFlag
	reapStop chan struct{}
}

// boolFlag is a mutex-guarded bool for the single draining flag.
type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (a *boolFlag) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *boolFlag) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

// New builds a Scheduler. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder, logger core.ComponentAwareLogger) *Scheduler {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	var log core.Logger = logger
	if logger != nil {
		log = logger.WithComponent("gateway/scheduler")
	}

	s := &Scheduler{
		cfg:      cfg,
		global:   newLimiter("global", cfg.Global, time.Minute, metrics),
		metrics:  metrics,
		logger:   log,
		users:    make(map[string]*limiter),
		reapStop: make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

func (s *Scheduler) userLimiter(principalKey string) *limiter {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if l, ok := s.users[principalKey]; ok {
		return l
	}
	l := newLimiter("per_user", s.cfg.PerUser, time.Minute, s.metrics)
	s.users[principalKey] = l
	return l
}

func (s *Scheduler) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.reapStop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

func (s *Scheduler) reapIdle() {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	for key, l := range s.users {
		if l.idle(s.cfg.IdleTTL) {
			l.close()
			delete(s.users, key)
		}
	}
}

// Do submits work to run under principalKey's limiter chained to the
// global limiter (per-user admission first, then global — spec.md §5's
// fixed lock order). Returns ErrQueueOverflow synchronously if either
// limiter's queue is saturated, or the context's error if canceled before
// admission completes. Generic because the scheduler is type-agnostic over
// the work's result; the Scheduler itself only ever deals in admission
// tokens.
func Do[T any](ctx context.Context, s *Scheduler, principalKey string, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if s.draining.get() {
		return zero, core.NewGatewayError("scheduler.do", core.CategoryShutdown, core.ErrShutdownInProgress)
	}

	userL := s.userLimiter(principalKey)
	userW, err := userL.enqueue()
	if err != nil {
		return zero, err
	}
	if !waitAdmitted(ctx, userL, userW) {
		return zero, ctx.Err()
	}
	defer userL.release()

	globalW, err := s.global.enqueue()
	if err != nil {
		return zero, err
	}
	if !waitAdmitted(ctx, s.global, globalW) {
		return zero, ctx.Err()
	}
	defer s.global.release()

	return work(ctx)
}

// waitAdmitted blocks until w is admitted or ctx is canceled. On
// cancellation it removes w from l's queue (if still queued) without
// debiting the reservoir, per spec.md §4.3's cancellation semantics.
func waitAdmitted(ctx context.Context, l *limiter, w *waiter) bool {
	select {
	case <-w.admitted:
		return true
	case <-ctx.Done():
		l.cancel(w)
		return false
	}
}

// Health reports the scheduler's observable state for GET /health:
// (running, queued, reservoir) as reported by the global limiter alone
// (callers still waiting in a per-user queue are not counted), plus the
// count of currently tracked per-user limiters.
type Health struct {
	Running    int
	Queued     int
	Reservoir  int
	TotalUsers int
}

func (s *Scheduler) Health() Health {
	g := s.global.snapshot()
	s.usersMu.Lock()
	total := len(s.users)
	s.usersMu.Unlock()
	return Health{Running: g.Running, Queued: g.Queued, Reservoir: g.Reservoir, TotalUsers: total}
}

// Drain stops admitting new work and waits for all currently running and
// queued work across every limiter to finish, up to deadline.
func (s *Scheduler) Drain(deadline time.Duration) error {
	s.draining.set(true)
	close(s.reapStop)

	done := make(chan struct{})
	go func() {
		for {
			if s.allIdleOfWork() {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("scheduler: drain timed out after %s", deadline)
	}
}

func (s *Scheduler) allIdleOfWork() bool {
	g := s.global.snapshot()
	if g.Running > 0 || g.Queued > 0 {
		return false
	}
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	for _, l := range s.users {
		snap := l.snapshot()
		if snap.Running > 0 || snap.Queued > 0 {
			return false
		}
	}
	return true
}
