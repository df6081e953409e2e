package biz

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"usage-governance/internal/constants"
	govErrors "usage-governance/internal/errors"
	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// RateLimitStore 持久化窗口计数
type RateLimitStore interface {
	// Incr 原子地对 (scope, key, windowStart) 计数 +1，返回累加后的计数
	Incr(ctx context.Context, scope, key string, windowStartMs, windowMs int64) (int64, error)
	// DeleteBefore 删除窗口结束时间早于 cutoffMs 的计数
	DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error)
}

// RateLimitResult 限流判定结果
type RateLimitResult struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	Degraded   bool // 持久化存储不可用，使用进程内兜底
}

// RateLimitError 转换为带等待提示的错误，放行时返回 nil
func RateLimitError(r *RateLimitResult) error {
	if r == nil || r.Allowed {
		return nil
	}
	return govErrors.RateLimited(r.RetryAfter)
}

// RateLimiter 固定窗口限流（窗口按 floor(now/window)*window 对齐）
// 持久化存储故障或超时时降级为进程内滑动日志
type RateLimiter struct {
	store    RateLimitStore
	fallback *memoryLimiter
	cfg      RateLimitConfig
	log      *log.Helper
	metrics  *metrics.GovernanceMetrics
	now      func() time.Time

	lastCleanup int64 // unix ms
	cleanupWG   sync.WaitGroup
}

// NewRateLimiter 创建限流器
func NewRateLimiter(store RateLimitStore, cfg *GovernanceConfig, logger log.Logger) *RateLimiter {
	return &RateLimiter{
		store:    store,
		fallback: newMemoryLimiter(),
		cfg:      cfg.RateLimit,
		log:      log.NewHelper(logger),
		metrics:  metrics.GetMetrics(),
		now:      time.Now,
	}
}

// Consume 消耗一次配额
func (l *RateLimiter) Consume(ctx context.Context, scope, key string, limit int, window time.Duration) *RateLimitResult {
	if limit <= 0 || window <= 0 {
		return &RateLimitResult{Allowed: true, Limit: limit}
	}

	now := l.now()
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	nowMs := now.UnixMilli()
	windowStart := nowMs - nowMs%windowMs

	storeCtx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	count, err := l.store.Incr(storeCtx, scope, key, windowStart, windowMs)
	cancel()
	if err != nil {
		l.log.WithContext(ctx).Warnf("rate limit store unavailable, using in-process fallback: scope=%s, error=%v", scope, err)
		res := l.fallback.consume(scope, key, limit, window, now)
		l.observe(scope, constants.RateLimitDegraded)
		return res
	}

	res := &RateLimitResult{Allowed: count <= int64(limit), Count: count, Limit: limit}
	if !res.Allowed {
		res.RetryAfter = time.Duration(windowStart+windowMs-nowMs) * time.Millisecond
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		l.observe(scope, constants.RateLimitDenied)
		return res
	}
	l.observe(scope, constants.RateLimitAllowed)
	l.maybeCleanup(nowMs)
	return res
}

// maybeCleanup 成功判定后顺带清理过期计数，间隔内最多执行一次
func (l *RateLimiter) maybeCleanup(nowMs int64) {
	last := atomic.LoadInt64(&l.lastCleanup)
	if nowMs-last < l.cfg.CleanupInterval.Milliseconds() {
		return
	}
	if !atomic.CompareAndSwapInt64(&l.lastCleanup, last, nowMs) {
		return
	}
	cutoff := nowMs - l.cfg.Retention.Milliseconds()
	l.cleanupWG.Add(1)
	go func() {
		defer l.cleanupWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := l.store.DeleteBefore(ctx, cutoff)
		if err != nil {
			l.log.Warnf("rate limit cleanup failed: %v", err)
			return
		}
		if n > 0 {
			l.log.Debugf("rate limit cleanup removed %d buckets", n)
		}
	}()
}

// Purge 删除保留期之外的计数（定时任务调用）
func (l *RateLimiter) Purge(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.cfg.Retention).UnixMilli()
	return l.store.DeleteBefore(ctx, cutoff)
}

// Wait 等待后台清理结束
func (l *RateLimiter) Wait() {
	l.cleanupWG.Wait()
}

func (l *RateLimiter) observe(scope, result string) {
	if l.metrics != nil {
		l.metrics.RateLimitTotal.WithLabelValues(scope, result).Inc()
	}
}

// memorySweepInterval 进程内兜底清理空闲 key 的最小间隔
const memorySweepInterval = time.Minute

// memoryLimiter 进程内滑动日志，仅在持久化存储不可用时使用
// 进程重启即丢失，且不跨实例共享
type memoryLimiter struct {
	mu        sync.Mutex
	hits      map[string]*memoryLog
	lastSweep time.Time
}

type memoryLog struct {
	window time.Duration
	times  []time.Time
}

func newMemoryLimiter() *memoryLimiter {
	return &memoryLimiter{hits: make(map[string]*memoryLog)}
}

func (m *memoryLimiter) consume(scope, key string, limit int, window time.Duration, now time.Time) *RateLimitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	k := scope + "\x00" + key
	entry, ok := m.hits[k]
	if !ok {
		entry = &memoryLog{}
		m.hits[k] = entry
	}
	entry.window = window
	entry.times = pruneBefore(entry.times, now.Add(-window))

	res := &RateLimitResult{Limit: limit, Degraded: true}
	if len(entry.times) >= limit {
		res.Count = int64(len(entry.times)) + 1
		res.RetryAfter = entry.times[0].Add(window).Sub(now)
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		return res
	}
	entry.times = append(entry.times, now)
	res.Allowed = true
	res.Count = int64(len(entry.times))
	return res
}

// sweep 删除窗口内已无记录的 key，存储长时间故障时 map 不随 key 基数无限增长
func (m *memoryLimiter) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < memorySweepInterval {
		return
	}
	m.lastSweep = now
	for k, entry := range m.hits {
		entry.times = pruneBefore(entry.times, now.Add(-entry.window))
		if len(entry.times) == 0 {
			delete(m.hits, k)
		}
	}
}

func (m *memoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	recent := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}
