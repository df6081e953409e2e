package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
)

// monthlyUsageTTL 月度计数保留时长（覆盖当月与上月展示）
const monthlyUsageTTL = 62 * 24 * time.Hour

type usageCounterRepo struct {
	data *Data
	log  *log.Helper
}

// NewUsageCounterRepo 创建月度用量计数 repo
func NewUsageCounterRepo(data *Data, logger log.Logger) biz.UsageCounterRepo {
	return &usageCounterRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

func monthlyUsageKey(userID, month string) string {
	return fmt.Sprintf("%s%s:%s", constants.RedisKeyMonthlyUsage, userID, month)
}

// IncrMonthlyUsage 功能计数 +1
func (r *usageCounterRepo) IncrMonthlyUsage(ctx context.Context, userID, featureKey, month string) error {
	key := monthlyUsageKey(userID, month)
	pipe := r.data.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, featureKey, 1)
	pipe.Expire(ctx, key, monthlyUsageTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetMonthlyUsage 获取当月各功能计数
func (r *usageCounterRepo) GetMonthlyUsage(ctx context.Context, userID, month string) (map[string]int64, error) {
	raw, err := r.data.rdb.HGetAll(ctx, monthlyUsageKey(userID, month)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for feature, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.log.WithContext(ctx).Warnf("invalid monthly usage counter: user_id=%s, feature=%s, value=%s", userID, feature, v)
			continue
		}
		out[feature] = n
	}
	return out, nil
}
