package constants

// 时间格式常量
const (
	// TimeFormatMonth 月份格式 (YYYY-MM)
	TimeFormatMonth = "2006-01"
)

// Redis Key 前缀常量
const (
	// RedisKeyRateLimit 限流窗口计数 key 前缀
	RedisKeyRateLimit = "ratelimit:"
	// RedisKeyMonthlyUsage 月度用量计数 key 前缀
	RedisKeyMonthlyUsage = "usage:month:"
	// RedisKeyCronLock 定时任务锁 key 前缀
	RedisKeyCronLock = "governance:cron:"
)

// 扣费来源常量
const (
	// ChargeSourceSubscription 订阅覆盖，不扣余额
	ChargeSourceSubscription = "subscription"
	// ChargeSourceFreeCredit 免费次数
	ChargeSourceFreeCredit = "free_credit"
	// ChargeSourceTopUp 充值余额
	ChargeSourceTopUp = "top_up"
)

// 额度检查结果原因
const (
	// AllowanceReasonInsufficientFunds 余额不足
	AllowanceReasonInsufficientFunds = "insufficient_funds"
)

// 幂等守卫作用域
const (
	// GuardScopeWalletCharge 钱包扣费作用域前缀，后接幂等键
	GuardScopeWalletCharge = "wallet.charge:"
)

// 调用失败分类
const (
	ErrorTagTimeout     = "timeout"
	ErrorTagCanceled    = "canceled"
	ErrorTagRateLimited = "rate_limited"
	ErrorTagVendor      = "vendor_error"
)

// 限流判定结果（指标标签）
const (
	RateLimitAllowed  = "allowed"
	RateLimitDenied   = "denied"
	RateLimitDegraded = "degraded"
)

// 通用结果（指标标签）
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// 熔断默认值
const (
	// CircuitDefaultMinutes 未指定或非法时的熔断时长
	CircuitDefaultMinutes = 5
	// CircuitReasonMaxLen 原因字段最大长度
	CircuitReasonMaxLen = 500
	// CircuitTestMinutes 管理端测试熔断时长
	CircuitTestMinutes = 2
	// CircuitActorRunaway 自动熔断操作人
	CircuitActorRunaway = "runaway-guard"
)

// 定时任务名
const (
	JobPurgeRateLimits  = "purge-rate-limits"
	JobPurgeWriteGuards = "purge-write-guards"
	JobDetectRunaway    = "detect-runaway"
)
