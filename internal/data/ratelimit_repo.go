package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/conf"
	"usage-governance/internal/constants"
	"usage-governance/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// incrScript 原子自增窗口计数，首次写入时设置过期
const incrScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// NewRateLimitStore 按配置选择限流计数存储，默认使用关系库
func NewRateLimitStore(c *conf.Bootstrap, data *Data, logger log.Logger) biz.RateLimitStore {
	store := ""
	if c.Governance != nil && c.Governance.RateLimit != nil {
		store = strings.ToLower(c.Governance.RateLimit.Store)
	}
	if store == "redis" && data.rdb != nil {
		return &redisRateLimitStore{data: data, log: log.NewHelper(logger)}
	}
	return &dbRateLimitStore{data: data, log: log.NewHelper(logger)}
}

// dbRateLimitStore 基于 rate_limit_buckets 表的固定窗口计数
type dbRateLimitStore struct {
	data *Data
	log  *log.Helper
}

// Incr upsert 窗口计数并返回自增后的值
func (s *dbRateLimitStore) Incr(ctx context.Context, scope, key string, windowStartMs, windowMs int64) (int64, error) {
	var hits int64
	err := s.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := &model.RateLimitBucket{
			Scope:       scope,
			BucketKey:   key,
			WindowStart: windowStartMs,
			WindowEnd:   windowStartMs + windowMs,
			Hits:        1,
			UpdatedAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scope"}, {Name: "bucket_key"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"hits":       gorm.Expr("rate_limit_buckets.hits + 1"),
				"updated_at": now,
			}),
		}).Create(row).Error; err != nil {
			return err
		}
		return tx.Model(&model.RateLimitBucket{}).
			Where("scope = ? AND bucket_key = ? AND window_start = ?", scope, key, windowStartMs).
			Select("hits").Scan(&hits).Error
	})
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// DeleteBefore 删除窗口结束早于 cutoff 的计数，跨度大于保留期的窗口在结束前不会被清理
func (s *dbRateLimitStore) DeleteBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res := s.data.db.WithContext(ctx).
		Where("window_end < ?", cutoffMs).
		Delete(&model.RateLimitBucket{})
	return res.RowsAffected, res.Error
}

// redisRateLimitStore 基于 Redis INCR 的固定窗口计数，过期由 TTL 负责
type redisRateLimitStore struct {
	data *Data
	log  *log.Helper
}

func rateLimitKey(scope, key string, windowStartMs int64) string {
	return fmt.Sprintf("%s%s:%s:%d", constants.RedisKeyRateLimit, scope, key, windowStartMs)
}

// Incr 执行 Lua 自增，key 在窗口结束后额外保留一个窗口
func (s *redisRateLimitStore) Incr(ctx context.Context, scope, key string, windowStartMs, windowMs int64) (int64, error) {
	return s.data.rdb.Eval(ctx, incrScript, []string{rateLimitKey(scope, key, windowStartMs)}, 2*windowMs).Int64()
}

// DeleteBefore Redis 计数依赖 TTL 过期，无需清理
func (s *redisRateLimitStore) DeleteBefore(context.Context, int64) (int64, error) {
	return 0, nil
}
