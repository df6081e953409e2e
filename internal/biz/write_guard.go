package biz

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// guardRounds 并发冲突时的最大重试轮数
const guardRounds = 3

// GuardEntry 幂等守卫记录，(OwnerKey, Scope) 唯一
type GuardEntry struct {
	OwnerKey     string
	Scope        string
	PayloadHash  string
	LastSeenAt   time.Time
	HitCount     int
	LastRecordID string
}

// GuardResult 守卫判定结果
type GuardResult struct {
	Skip         bool
	HitCount     int
	LastRecordID string
}

// WriteGuardRepo 幂等守卫存储，所有写入均为条件更新或冲突忽略的插入
type WriteGuardRepo interface {
	// InsertGuard 记录不存在时插入，返回是否插入成功
	InsertGuard(ctx context.Context, entry *GuardEntry) (bool, error)
	// BumpGuard 同 hash 且 lastSeenAt >= since 时 hitCount+1 并刷新 lastSeenAt，返回更新后的记录
	BumpGuard(ctx context.Context, owner, scope, hash string, since, at time.Time) (*GuardEntry, error)
	// ReplaceGuard 非（同 hash 且未过期）时覆盖为新 hash，返回是否覆盖成功
	ReplaceGuard(ctx context.Context, owner, scope, hash string, since, at time.Time) (bool, error)
	// RecordGuardWrite 关联本次操作产生的记录 ID
	RecordGuardWrite(ctx context.Context, entry *GuardEntry) error
	DeleteGuard(ctx context.Context, owner, scope string) error
	DeleteGuardsBefore(ctx context.Context, before time.Time) (int64, error)
}

// WriteGuard 识别同一 owner 在时间窗口内重复提交的相同操作
type WriteGuard struct {
	repo    WriteGuardRepo
	log     *log.Helper
	metrics *metrics.GovernanceMetrics
	now     func() time.Time
}

// NewWriteGuard 创建幂等守卫
func NewWriteGuard(repo WriteGuardRepo, logger log.Logger) *WriteGuard {
	return &WriteGuard{
		repo:    repo,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
}

// ReadGuard 判定本次操作是否为窗口内的重复提交
// 同 hash 且未过期：Skip=true 并累加 hitCount；否则覆盖为新 hash，hitCount 重置为 1
func (g *WriteGuard) ReadGuard(ctx context.Context, owner, scope, payloadHash string, window time.Duration) (*GuardResult, error) {
	if owner == "" || scope == "" || payloadHash == "" {
		return &GuardResult{}, nil
	}

	now := g.now()
	since := now.Add(-window)

	for i := 0; i < guardRounds; i++ {
		inserted, err := g.repo.InsertGuard(ctx, &GuardEntry{
			OwnerKey:    owner,
			Scope:       scope,
			PayloadHash: payloadHash,
			LastSeenAt:  now,
			HitCount:    1,
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			g.observe(scope, "fresh")
			return &GuardResult{HitCount: 1}, nil
		}

		if window > 0 {
			entry, err := g.repo.BumpGuard(ctx, owner, scope, payloadHash, since, now)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				g.observe(scope, "skip")
				return &GuardResult{Skip: true, HitCount: entry.HitCount, LastRecordID: entry.LastRecordID}, nil
			}
		}

		replaced, err := g.repo.ReplaceGuard(ctx, owner, scope, payloadHash, since, now)
		if err != nil {
			return nil, err
		}
		if replaced {
			g.observe(scope, "fresh")
			return &GuardResult{HitCount: 1}, nil
		}
		// 行在两步之间被删除或被并发请求抢先写入，重新判定
	}
	return nil, fmt.Errorf("write guard: unresolved contention for owner=%s scope=%s", owner, scope)
}

// RecordWrite 操作成功后关联结果记录 ID，之后的重复提交可以返回原结果
func (g *WriteGuard) RecordWrite(ctx context.Context, owner, scope, payloadHash, recordID string) error {
	if owner == "" || scope == "" || payloadHash == "" {
		return nil
	}
	return g.repo.RecordGuardWrite(ctx, &GuardEntry{
		OwnerKey:     owner,
		Scope:        scope,
		PayloadHash:  payloadHash,
		LastSeenAt:   g.now(),
		HitCount:     1,
		LastRecordID: recordID,
	})
}

// Release 受保护操作失败后删除守卫记录，允许使用相同 payload 重试
func (g *WriteGuard) Release(ctx context.Context, owner, scope string) error {
	if owner == "" || scope == "" {
		return nil
	}
	return g.repo.DeleteGuard(ctx, owner, scope)
}

// Purge 删除早于 before 的守卫记录
func (g *WriteGuard) Purge(ctx context.Context, before time.Time) (int64, error) {
	return g.repo.DeleteGuardsBefore(ctx, before)
}

func (g *WriteGuard) observe(scope, result string) {
	if g.metrics == nil {
		return
	}
	// 作用域可能携带幂等键，指标只取前缀
	if i := strings.IndexByte(scope, ':'); i > 0 {
		scope = scope[:i]
	}
	g.metrics.WriteGuardTotal.WithLabelValues(scope, result).Inc()
}

// HashPayload 对 payload 做规范化 JSON（对象键递归排序，数组保持顺序）后取 sha256
func HashPayload(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized interface{}
	if err := dec.Decode(&normalized); err != nil {
		return "", err
	}
	// encoding/json 序列化 map 时按键排序
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
