package main

import (
	"context"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/constants"
	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redsync/redsync/v4"
)

// CronApp Cron 应用结构
type CronApp struct {
	maintenance *biz.MaintenanceUseCase
	sync        *redsync.Redsync
}

// cronJob 定时任务定义，spec 为秒级 cron 表达式
type cronJob struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

func (a *CronApp) jobs() []cronJob {
	return []cronJob{
		{
			name:    constants.JobPurgeRateLimits,
			spec:    "0 */10 * * * *",
			timeout: 5 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.maintenance.PurgeRateLimitBuckets(ctx)
				return err
			},
		},
		{
			name:    constants.JobPurgeWriteGuards,
			spec:    "0 30 3 * * *",
			timeout: 10 * time.Minute,
			run: func(ctx context.Context) error {
				_, err := a.maintenance.PurgeWriteGuards(ctx)
				return err
			},
		},
		{
			name:    constants.JobDetectRunaway,
			spec:    "0 * * * * *",
			timeout: 50 * time.Second,
			run: func(ctx context.Context) error {
				_, err := a.maintenance.DetectRunaway(ctx)
				return err
			},
		},
	}
}

// runLocked 持锁执行任务；锁被其他实例持有时跳过，返回 false
func (a *CronApp) runLocked(j cronJob, logHelper *log.Helper) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	m := metrics.GetMetrics()
	if a.sync != nil {
		lockStartTime := time.Now()
		mutex := a.sync.NewMutex(constants.RedisKeyCronLock+j.name,
			redsync.WithExpiry(j.timeout),
			redsync.WithTries(1),
		)
		if err := mutex.LockContext(ctx); err != nil {
			m.LockAcquireTotal.WithLabelValues(j.name, constants.ResultFailed).Inc()
			m.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
			logHelper.Infof("[CRON] %s skipped, lock held elsewhere: %v", j.name, err)
			return false, nil
		}
		m.LockAcquireTotal.WithLabelValues(j.name, constants.ResultSuccess).Inc()
		m.LockAcquireDuration.Observe(time.Since(lockStartTime).Seconds())
		defer func() {
			if ok, err := mutex.Unlock(); !ok || err != nil {
				logHelper.Warnf("[CRON] failed to unlock %s: %v", j.name, err)
			}
		}()
	}

	logHelper.Infof("[CRON] Starting %s...", j.name)
	if err := j.run(ctx); err != nil {
		logHelper.Errorf("[CRON] Error running %s: %v", j.name, err)
		return true, err
	}
	logHelper.Infof("[CRON] Finished %s", j.name)
	return true, nil
}
