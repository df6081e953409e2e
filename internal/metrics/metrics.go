package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GovernanceMetrics 用量治理指标
type GovernanceMetrics struct {
	// 额度检查相关指标
	AllowanceCheckTotal *prometheus.CounterVec // 额度检查总数（按功能、来源）

	// 扣费相关指标
	ChargeTotal    *prometheus.CounterVec   // 扣费总数（按来源、结果）
	ChargeDuration *prometheus.HistogramVec // 扣费耗时
	ChargeCents    *prometheus.CounterVec   // 扣费金额（分，按来源）
	TopUpTotal     *prometheus.CounterVec   // 充值入账（按结果）

	// 限流相关指标
	RateLimitTotal *prometheus.CounterVec // 限流判定（按作用域、结果）

	// 熔断相关指标
	CircuitReadFailedTotal *prometheus.CounterVec // 熔断状态读取失败
	CircuitFlipTotal       *prometheus.CounterVec // 熔断开关次数（按作用域、动作）
	CircuitOpenRejectTotal *prometheus.CounterVec // 熔断拒绝次数

	// 幂等守卫相关指标
	WriteGuardTotal *prometheus.CounterVec // 守卫判定（按作用域前缀、结果）

	// 用量相关指标
	UsageEventTotal       *prometheus.CounterVec // 模型调用次数（按功能、结果）
	UsageTokensTotal      *prometheus.CounterVec // token 数（按模型、类型）
	UsageBilledCents      *prometheus.CounterVec // 计费金额（分，按功能）
	UsageLogFailedTotal   prometheus.Counter     // 用量日志写入失败
	UsageEventBatchInsert prometheus.Histogram   // 消费端批量写入条数

	// 分布式锁相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按任务、结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时
}

// NewGovernanceMetrics 创建指标
func NewGovernanceMetrics() *GovernanceMetrics {
	return &GovernanceMetrics{
		AllowanceCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_allowance_check_total",
				Help: "Total number of allowance checks",
			},
			[]string{"feature", "source"}, // source: subscription/free_credit/top_up/insufficient_funds
		),

		ChargeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_charge_total",
				Help: "Total number of charge attempts",
			},
			[]string{"source", "result"}, // result: applied/duplicate/insufficient/in_progress/failed
		),
		ChargeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governance_charge_duration_seconds",
				Help:    "Duration of charge operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ChargeCents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_charge_cents_total",
				Help: "Total cents charged",
			},
			[]string{"source"},
		),
		TopUpTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_top_up_total",
				Help: "Total number of top-up credit operations",
			},
			[]string{"result"}, // result: created/existing/failed
		),

		RateLimitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_rate_limit_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"scope", "result"}, // result: allowed/denied/degraded
		),

		CircuitReadFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_circuit_read_failed_total",
				Help: "Circuit state reads that failed and were treated as closed",
			},
			[]string{"scope"},
		),
		CircuitFlipTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_circuit_flip_total",
				Help: "Circuit open/close operations",
			},
			[]string{"scope", "action"},
		),
		CircuitOpenRejectTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_circuit_open_reject_total",
				Help: "Calls rejected because the circuit was open",
			},
			[]string{"scope"},
		),

		WriteGuardTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_write_guard_total",
				Help: "Write guard decisions",
			},
			[]string{"scope", "result"}, // result: fresh/skip
		),

		UsageEventTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_usage_event_total",
				Help: "Metered model calls",
			},
			[]string{"feature", "result"},
		),
		UsageTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_usage_tokens_total",
				Help: "Tokens consumed by metered calls",
			},
			[]string{"model", "kind"}, // kind: prompt/completion
		),
		UsageBilledCents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_usage_billed_cents_total",
				Help: "Billed cents of metered calls",
			},
			[]string{"feature"},
		),
		UsageLogFailedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governance_usage_log_failed_total",
				Help: "Usage events that could not be persisted",
			},
		),
		UsageEventBatchInsert: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governance_usage_event_batch_size",
				Help:    "Size of usage event batches persisted by the consumer",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governance_lock_acquire_total",
				Help: "Total number of lock acquisition attempts",
			},
			[]string{"job", "result"}, // result: success/failed
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "governance_lock_acquire_duration_seconds",
				Help:    "Duration of lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}, // 毫秒级
			},
		),
	}
}

// 全局指标实例
var (
	defaultMetrics *GovernanceMetrics
	once           sync.Once
)

// GetMetrics 获取全局指标实例
func GetMetrics() *GovernanceMetrics {
	once.Do(func() {
		defaultMetrics = NewGovernanceMetrics()
	})
	return defaultMetrics
}
