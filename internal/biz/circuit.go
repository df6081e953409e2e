package biz

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"usage-governance/internal/constants"
	govErrors "usage-governance/internal/errors"
	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/patrickmn/go-cache"
)

// CircuitState 熔断状态，OpenUntil 为空或已过期表示关闭
type CircuitState struct {
	Scope     string     `json:"scope"`
	Open      bool       `json:"open"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// CircuitRecord 熔断持久化记录
type CircuitRecord struct {
	Scope     string
	OpenUntil *time.Time
	Reason    string
	UpdatedAt time.Time
}

// CircuitRepo 熔断状态存储，每个 scope 一行
type CircuitRepo interface {
	// GetCircuit 不存在时返回 nil, nil
	GetCircuit(ctx context.Context, scope string) (*CircuitRecord, error)
	// SaveCircuit upsert，覆盖已有的开启窗口
	SaveCircuit(ctx context.Context, record *CircuitRecord) error
	ListCircuits(ctx context.Context) ([]*CircuitRecord, error)
}

// Alert 熔断告警
type Alert struct {
	Scope     string     `json:"scope"`
	Action    string     `json:"action"` // open/close
	Reason    string     `json:"reason,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
	At        time.Time  `json:"at"`
}

// Notifier 告警通道
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}

// CircuitBreaker 按 scope 的熔断开关
// 存储错误一律视为关闭并记录告警日志，不向调用方抛出
type CircuitBreaker struct {
	repo     CircuitRepo
	notifier Notifier
	cache    *cache.Cache
	cfg      CircuitConfig
	log      *log.Helper
	metrics  *metrics.GovernanceMetrics
	now      func() time.Time

	notifyWG sync.WaitGroup
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(repo CircuitRepo, notifier Notifier, cfg *GovernanceConfig, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		repo:     repo,
		notifier: notifier,
		cache:    cache.New(cfg.Circuit.CacheTTL, 2*cfg.Circuit.CacheTTL),
		cfg:      cfg.Circuit,
		log:      log.NewHelper(logger),
		metrics:  metrics.GetMetrics(),
		now:      time.Now,
	}
}

// GetState 读取熔断状态（带短 TTL 缓存）
func (b *CircuitBreaker) GetState(ctx context.Context, scope string) *CircuitState {
	if v, ok := b.cache.Get(scope); ok {
		if rec, ok := v.(*CircuitRecord); ok {
			return b.toState(scope, rec)
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()
	rec, err := b.repo.GetCircuit(storeCtx, scope)
	if err != nil {
		b.log.WithContext(ctx).Warnf("circuit state read failed, treating as closed: scope=%s, error=%v", scope, err)
		if b.metrics != nil {
			b.metrics.CircuitReadFailedTotal.WithLabelValues(scope).Inc()
		}
		return &CircuitState{Scope: scope}
	}
	b.cache.Set(scope, rec, cache.DefaultExpiration)
	return b.toState(scope, rec)
}

// Allow 熔断开启时返回 ErrCircuitOpen
func (b *CircuitBreaker) Allow(ctx context.Context, scope string) error {
	st := b.GetState(ctx, scope)
	if !st.Open {
		return nil
	}
	if b.metrics != nil {
		b.metrics.CircuitOpenRejectTotal.WithLabelValues(scope).Inc()
	}
	return govErrors.CircuitOpen(scope, *st.OpenUntil, st.Reason)
}

// Open 开启熔断 minutes 分钟，重复调用会覆盖/延长开启窗口
func (b *CircuitBreaker) Open(ctx context.Context, scope string, minutes int, reason, actor string) *CircuitState {
	if minutes <= 0 {
		minutes = b.cfg.DefaultMinutes
		if minutes <= 0 {
			minutes = constants.CircuitDefaultMinutes
		}
	}
	reason = truncateRunes(reason, constants.CircuitReasonMaxLen)
	now := b.now()
	until := now.Add(time.Duration(minutes) * time.Minute)

	if b.save(ctx, &CircuitRecord{Scope: scope, OpenUntil: &until, Reason: reason, UpdatedAt: now}, "open") {
		b.notify(&Alert{Scope: scope, Action: "open", Reason: reason, Actor: actor, OpenUntil: &until, At: now})
	}
	return b.GetState(ctx, scope)
}

// Close 立即关闭熔断
func (b *CircuitBreaker) Close(ctx context.Context, scope, actor string) *CircuitState {
	now := b.now()
	if b.save(ctx, &CircuitRecord{Scope: scope, UpdatedAt: now}, "close") {
		b.notify(&Alert{Scope: scope, Action: "close", Actor: actor, At: now})
	}
	return b.GetState(ctx, scope)
}

// ListStates 列出所有有记录的 scope
func (b *CircuitBreaker) ListStates(ctx context.Context) []*CircuitState {
	storeCtx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()
	records, err := b.repo.ListCircuits(storeCtx)
	if err != nil {
		b.log.WithContext(ctx).Warnf("list circuits failed: %v", err)
		return []*CircuitState{}
	}
	states := make([]*CircuitState, 0, len(records))
	for _, rec := range records {
		states = append(states, b.toState(rec.Scope, rec))
	}
	return states
}

// Wait 等待已发出的告警结束
func (b *CircuitBreaker) Wait() {
	b.notifyWG.Wait()
}

// save 持久化状态，失败时不发告警，返回是否写入成功
func (b *CircuitBreaker) save(ctx context.Context, rec *CircuitRecord, action string) bool {
	storeCtx, cancel := context.WithTimeout(ctx, b.cfg.StoreTimeout)
	defer cancel()
	defer b.cache.Delete(rec.Scope)
	if err := b.repo.SaveCircuit(storeCtx, rec); err != nil {
		b.log.WithContext(ctx).Warnf("circuit %s failed: scope=%s, error=%v", action, rec.Scope, err)
		return false
	}
	if b.metrics != nil {
		b.metrics.CircuitFlipTotal.WithLabelValues(rec.Scope, action).Inc()
	}
	return true
}

// notify 异步发送告警，失败只记录日志
func (b *CircuitBreaker) notify(alert *Alert) {
	if b.notifier == nil {
		return
	}
	b.notifyWG.Add(1)
	go func() {
		defer b.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.notifier.Notify(ctx, alert); err != nil {
			b.log.Warnf("circuit alert failed: scope=%s, action=%s, error=%v", alert.Scope, alert.Action, err)
		}
	}()
}

func (b *CircuitBreaker) toState(scope string, rec *CircuitRecord) *CircuitState {
	st := &CircuitState{Scope: scope}
	if rec == nil {
		return st
	}
	updated := rec.UpdatedAt
	st.UpdatedAt = &updated
	if rec.OpenUntil != nil && rec.OpenUntil.After(b.now()) {
		until := *rec.OpenUntil
		st.Open = true
		st.OpenUntil = &until
		st.Reason = rec.Reason
	}
	return st
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// RunawayGuard 检测用量突增并自动熔断
type RunawayGuard struct {
	usage   UsageEventRepo
	breaker *CircuitBreaker
	watches []SpikeWatch
	log     *log.Helper
	now     func() time.Time
}

// SpikeReport 单个监控项的检测结果
type SpikeReport struct {
	Scope        string
	Recent       int64
	BaselineAvg  float64
	Tripped      bool
	AlreadyOpen  bool
	CheckedSince time.Time
}

// NewRunawayGuard 创建突增检测
func NewRunawayGuard(usage UsageEventRepo, breaker *CircuitBreaker, cfg *GovernanceConfig, logger log.Logger) *RunawayGuard {
	return &RunawayGuard{
		usage:   usage,
		breaker: breaker,
		watches: cfg.Watches,
		log:     log.NewHelper(logger),
		now:     time.Now,
	}
}

// Check 对比最近窗口与基线窗口平均值，超过阈值时开启熔断
func (g *RunawayGuard) Check(ctx context.Context) ([]*SpikeReport, error) {
	now := g.now()
	reports := make([]*SpikeReport, 0, len(g.watches))
	for _, w := range g.watches {
		recentFrom := now.Add(-w.Window)
		baselineFrom := recentFrom.Add(-time.Duration(w.BaselineWindows) * w.Window)

		recent, err := g.usage.CountUsageEvents(ctx, w.Feature, recentFrom, now)
		if err != nil {
			return reports, err
		}
		baseline, err := g.usage.CountUsageEvents(ctx, w.Feature, baselineFrom, recentFrom)
		if err != nil {
			return reports, err
		}

		r := &SpikeReport{
			Scope:        w.Scope,
			Recent:       recent,
			BaselineAvg:  float64(baseline) / float64(w.BaselineWindows),
			CheckedSince: recentFrom,
		}
		reports = append(reports, r)

		if recent < w.MinEvents || float64(recent) <= w.SpikeFactor*r.BaselineAvg {
			continue
		}
		if g.breaker.GetState(ctx, w.Scope).Open {
			r.AlreadyOpen = true
			continue
		}
		reason := fmt.Sprintf("auto: spike %d events in %s vs baseline avg %.1f", recent, w.Window, r.BaselineAvg)
		g.log.WithContext(ctx).Warnf("runaway detected, opening circuit: scope=%s, %s", w.Scope, reason)
		g.breaker.Open(ctx, w.Scope, w.TripMinutes, reason, constants.CircuitActorRunaway)
		r.Tripped = true
	}
	return reports, nil
}
