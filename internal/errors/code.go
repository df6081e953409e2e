package errors

// Usage Governance 错误码定义
// 错误码格式：SSMMEE (6位数字)
//   SS: 服务标识，Governance 固定为 27
//   MM: 模块标识，按业务划分
//   EE: 模块内错误序号
//
// 模块划分：
//   00: 通用模块
//   01: 钱包模块
//   02: 限流模块
//   03: 熔断模块
//   04: 幂等守卫模块
//   05: 用量模块
//   06-99: 预留扩展

// 通用错误码 (270000-270099)
const (
	// ErrCodeInvalidArgument 参数错误
	ErrCodeInvalidArgument = 270001
	// ErrCodeStorage 存储不可用
	ErrCodeStorage = 270002
	// ErrCodeUnauthorized 未授权
	ErrCodeUnauthorized = 270003
	// ErrCodeForbidden 管理接口未启用
	ErrCodeForbidden = 270004
)

// 钱包模块错误码 (270100-270199)
const (
	// ErrCodeInsufficientFunds 余额不足
	ErrCodeInsufficientFunds = 270101
	// ErrCodeUnknownFeature 未知的功能标识
	ErrCodeUnknownFeature = 270102
	// ErrCodeInvalidChargeSource 扣费来源不合法
	ErrCodeInvalidChargeSource = 270103
	// ErrCodeIdempotencyKeyRequired 缺少幂等键
	ErrCodeIdempotencyKeyRequired = 270104
	// ErrCodeChargeInProgress 相同幂等键的扣费仍在处理中
	ErrCodeChargeInProgress = 270105
	// ErrCodeTopUpInvalid 充值参数不合法
	ErrCodeTopUpInvalid = 270106
	// ErrCodeIdempotencyKeyConflict 幂等键已用于不同的扣费
	ErrCodeIdempotencyKeyConflict = 270107
)

// 限流模块错误码 (270200-270299)
const (
	// ErrCodeRateLimited 请求过于频繁
	ErrCodeRateLimited = 270201
)

// 熔断模块错误码 (270300-270399)
const (
	// ErrCodeCircuitOpen 熔断开启，暂停服务
	ErrCodeCircuitOpen = 270301
)
