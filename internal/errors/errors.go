package errors

import (
	"strconv"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// 元数据键
const (
	MetadataCode         = "code"
	MetadataRetryAfterMs = "retry_after_ms"
	MetadataScope        = "scope"
	MetadataOpenUntil    = "open_until"
	MetadataReason       = "reason"
)

// 预定义错误，使用 errors.Is 比较（kratos 按 code + reason 判定）
var (
	ErrInvalidArgument        = newError(400, ErrCodeInvalidArgument, "INVALID_ARGUMENT", "invalid argument")
	ErrStorage                = newError(500, ErrCodeStorage, "STORAGE_UNAVAILABLE", "storage unavailable, please retry")
	ErrUnauthorized           = newError(401, ErrCodeUnauthorized, "UNAUTHORIZED", "admin token required")
	ErrForbidden              = newError(403, ErrCodeForbidden, "ADMIN_DISABLED", "admin surface is disabled")
	ErrInsufficientFunds      = newError(402, ErrCodeInsufficientFunds, "INSUFFICIENT_FUNDS", "not enough credits, buy credits or upgrade your plan")
	ErrUnknownFeature         = newError(400, ErrCodeUnknownFeature, "UNKNOWN_FEATURE", "unknown feature key")
	ErrInvalidChargeSource    = newError(400, ErrCodeInvalidChargeSource, "INVALID_CHARGE_SOURCE", "invalid charge source")
	ErrIdempotencyKeyRequired = newError(400, ErrCodeIdempotencyKeyRequired, "IDEMPOTENCY_KEY_REQUIRED", "idempotency key is required for charges")
	ErrChargeInProgress       = newError(409, ErrCodeChargeInProgress, "CHARGE_IN_PROGRESS", "an identical charge is still being processed")
	ErrTopUpInvalid           = newError(400, ErrCodeTopUpInvalid, "TOP_UP_INVALID", "invalid top-up")
	ErrIdempotencyKeyConflict = newError(409, ErrCodeIdempotencyKeyConflict, "IDEMPOTENCY_KEY_CONFLICT", "idempotency key was already used for a different charge")
	ErrRateLimited            = newError(429, ErrCodeRateLimited, "RATE_LIMITED", "too many requests, please wait")
	ErrCircuitOpen            = newError(503, ErrCodeCircuitOpen, "CIRCUIT_OPEN", "temporarily paused, please try again later")
)

func newError(status, code int, reason, message string) *kerrors.Error {
	return kerrors.New(status, reason, message).WithMetadata(map[string]string{
		MetadataCode: strconv.Itoa(code),
	})
}

// withMetadata 在保留原有元数据的前提下追加字段
func withMetadata(base *kerrors.Error, kv map[string]string) *kerrors.Error {
	md := make(map[string]string, len(base.Metadata)+len(kv))
	for k, v := range base.Metadata {
		md[k] = v
	}
	for k, v := range kv {
		md[k] = v
	}
	return base.WithMetadata(md)
}

// InvalidArgument 返回带具体描述的参数错误
func InvalidArgument(format string, args ...interface{}) *kerrors.Error {
	return kerrors.Newf(int(ErrInvalidArgument.Code), ErrInvalidArgument.Reason, format, args...).
		WithMetadata(ErrInvalidArgument.Metadata)
}

// Storage 包装底层存储错误
func Storage(cause error) *kerrors.Error {
	return ErrStorage.WithCause(cause)
}

// RateLimited 限流错误，带等待提示
func RateLimited(retryAfter time.Duration) *kerrors.Error {
	return withMetadata(ErrRateLimited, map[string]string{
		MetadataRetryAfterMs: strconv.FormatInt(retryAfter.Milliseconds(), 10),
	})
}

// CircuitOpen 熔断错误
func CircuitOpen(scope string, openUntil time.Time, reason string) *kerrors.Error {
	return withMetadata(ErrCircuitOpen, map[string]string{
		MetadataScope:     scope,
		MetadataOpenUntil: openUntil.UTC().Format(time.RFC3339),
		MetadataReason:    reason,
	})
}

// IsInsufficientFunds 是否余额不足
func IsInsufficientFunds(err error) bool {
	return kerrors.Is(err, ErrInsufficientFunds)
}

// IsRateLimited 是否被限流
func IsRateLimited(err error) bool {
	return kerrors.Is(err, ErrRateLimited)
}

// IsCircuitOpen 是否处于熔断
func IsCircuitOpen(err error) bool {
	return kerrors.Is(err, ErrCircuitOpen)
}

// RetryAfter 读取限流错误中的等待时长，非限流错误返回 0
func RetryAfter(err error) time.Duration {
	if !IsRateLimited(err) {
		return 0
	}
	e := kerrors.FromError(err)
	ms, perr := strconv.ParseInt(e.Metadata[MetadataRetryAfterMs], 10, 64)
	if perr != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
