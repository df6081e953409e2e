package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// MaintenanceUseCase 定时维护任务
type MaintenanceUseCase struct {
	limiter *RateLimiter
	guard   *WriteGuard
	runaway *RunawayGuard
	cfg     *GovernanceConfig
	log     *log.Helper
	now     func() time.Time
}

// NewMaintenanceUseCase 创建维护用例
func NewMaintenanceUseCase(limiter *RateLimiter, guard *WriteGuard, runaway *RunawayGuard, cfg *GovernanceConfig, logger log.Logger) *MaintenanceUseCase {
	return &MaintenanceUseCase{
		limiter: limiter,
		guard:   guard,
		runaway: runaway,
		cfg:     cfg,
		log:     log.NewHelper(logger),
		now:     time.Now,
	}
}

// PurgeRateLimitBuckets 删除保留期之外的限流计数
func (uc *MaintenanceUseCase) PurgeRateLimitBuckets(ctx context.Context) (int64, error) {
	n, err := uc.limiter.Purge(ctx)
	if err != nil {
		return 0, err
	}
	uc.log.WithContext(ctx).Infof("purged %d rate limit buckets", n)
	return n, nil
}

// PurgeWriteGuards 删除保留期之外的幂等守卫记录
func (uc *MaintenanceUseCase) PurgeWriteGuards(ctx context.Context) (int64, error) {
	n, err := uc.guard.Purge(ctx, uc.now().Add(-uc.cfg.WriteGuardRetention))
	if err != nil {
		return 0, err
	}
	uc.log.WithContext(ctx).Infof("purged %d write guard entries", n)
	return n, nil
}

// DetectRunaway 检测用量突增并自动熔断
func (uc *MaintenanceUseCase) DetectRunaway(ctx context.Context) ([]*SpikeReport, error) {
	reports, err := uc.runaway.Check(ctx)
	if err != nil {
		return reports, err
	}
	for _, r := range reports {
		if r.Tripped {
			uc.log.WithContext(ctx).Warnf("circuit tripped by runaway guard: scope=%s, recent=%d, baseline_avg=%.1f", r.Scope, r.Recent, r.BaselineAvg)
		}
	}
	return reports, nil
}
