package data

import (
	"context"
	"errors"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type writeGuardRepo struct {
	data *Data
	log  *log.Helper
}

// NewWriteGuardRepo 创建幂等守卫 repo
func NewWriteGuardRepo(data *Data, logger log.Logger) biz.WriteGuardRepo {
	return &writeGuardRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// InsertGuard 冲突时忽略
func (r *writeGuardRepo) InsertGuard(ctx context.Context, e *biz.GuardEntry) (bool, error) {
	m := &model.WriteGuardEntry{
		OwnerKey:     e.OwnerKey,
		Scope:        e.Scope,
		PayloadHash:  e.PayloadHash,
		HitCount:     e.HitCount,
		LastRecordID: e.LastRecordID,
		LastSeenAtMs: e.LastSeenAt.UnixMilli(),
		CreatedAt:    e.LastSeenAt.UTC(),
	}
	res := r.data.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// BumpGuard 同 hash 且未过期时累加命中次数
func (r *writeGuardRepo) BumpGuard(ctx context.Context, owner, scope, hash string, since, at time.Time) (*biz.GuardEntry, error) {
	db := r.data.db.WithContext(ctx)
	res := db.Model(&model.WriteGuardEntry{}).
		Where("owner_key = ? AND scope = ? AND payload_hash = ? AND last_seen_at_ms >= ?", owner, scope, hash, since.UnixMilli()).
		Updates(map[string]interface{}{
			"hit_count":       gorm.Expr("hit_count + 1"),
			"last_seen_at_ms": at.UnixMilli(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var m model.WriteGuardEntry
	if err := db.Where("owner_key = ? AND scope = ?", owner, scope).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toGuardEntry(&m), nil
}

// ReplaceGuard hash 不同或已过期时覆盖为新的操作
func (r *writeGuardRepo) ReplaceGuard(ctx context.Context, owner, scope, hash string, since, at time.Time) (bool, error) {
	res := r.data.db.WithContext(ctx).Model(&model.WriteGuardEntry{}).
		Where("owner_key = ? AND scope = ? AND (payload_hash <> ? OR last_seen_at_ms < ?)", owner, scope, hash, since.UnixMilli()).
		Updates(map[string]interface{}{
			"payload_hash":    hash,
			"hit_count":       1,
			"last_record_id":  "",
			"last_seen_at_ms": at.UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordGuardWrite 关联产生的记录 ID
func (r *writeGuardRepo) RecordGuardWrite(ctx context.Context, e *biz.GuardEntry) error {
	m := &model.WriteGuardEntry{
		OwnerKey:     e.OwnerKey,
		Scope:        e.Scope,
		PayloadHash:  e.PayloadHash,
		HitCount:     1,
		LastRecordID: e.LastRecordID,
		LastSeenAtMs: e.LastSeenAt.UnixMilli(),
		CreatedAt:    e.LastSeenAt.UTC(),
	}
	return r.data.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_key"}, {Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_hash", "last_record_id", "last_seen_at_ms"}),
	}).Create(m).Error
}

// DeleteGuard 释放守卫，允许相同操作重试
func (r *writeGuardRepo) DeleteGuard(ctx context.Context, owner, scope string) error {
	return r.data.db.WithContext(ctx).
		Where("owner_key = ? AND scope = ?", owner, scope).
		Delete(&model.WriteGuardEntry{}).Error
}

// DeleteGuardsBefore 清理过期守卫
func (r *writeGuardRepo) DeleteGuardsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.data.db.WithContext(ctx).
		Where("last_seen_at_ms < ?", before.UnixMilli()).
		Delete(&model.WriteGuardEntry{})
	return res.RowsAffected, res.Error
}

func toGuardEntry(m *model.WriteGuardEntry) *biz.GuardEntry {
	return &biz.GuardEntry{
		OwnerKey:     m.OwnerKey,
		Scope:        m.Scope,
		PayloadHash:  m.PayloadHash,
		LastSeenAt:   time.UnixMilli(m.LastSeenAtMs),
		HitCount:     m.HitCount,
		LastRecordID: m.LastRecordID,
	}
}
