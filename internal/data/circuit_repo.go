package data

import (
	"context"
	"errors"

	"usage-governance/internal/biz"
	"usage-governance/internal/data/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type circuitRepo struct {
	data *Data
	log  *log.Helper
}

// NewCircuitRepo 创建熔断状态 repo
func NewCircuitRepo(data *Data, logger log.Logger) biz.CircuitRepo {
	return &circuitRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// GetCircuit 获取熔断状态
func (r *circuitRepo) GetCircuit(ctx context.Context, scope string) (*biz.CircuitRecord, error) {
	var m model.CircuitBreakerState
	if err := r.data.db.WithContext(ctx).Where("scope = ?", scope).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toCircuitRecord(&m), nil
}

// SaveCircuit 按 scope upsert，关闭时 open_until 置空
func (r *circuitRepo) SaveCircuit(ctx context.Context, rec *biz.CircuitRecord) error {
	m := &model.CircuitBreakerState{
		Scope:     rec.Scope,
		OpenUntil: rec.OpenUntil,
		Reason:    rec.Reason,
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
	if m.OpenUntil != nil {
		until := m.OpenUntil.UTC()
		m.OpenUntil = &until
	}
	return r.data.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"open_until", "reason", "updated_at"}),
	}).Create(m).Error
}

// ListCircuits 列出所有熔断记录
func (r *circuitRepo) ListCircuits(ctx context.Context) ([]*biz.CircuitRecord, error) {
	var rows []*model.CircuitBreakerState
	if err := r.data.db.WithContext(ctx).Order("scope").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*biz.CircuitRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, toCircuitRecord(m))
	}
	return out, nil
}

func toCircuitRecord(m *model.CircuitBreakerState) *biz.CircuitRecord {
	return &biz.CircuitRecord{
		Scope:     m.Scope,
		OpenUntil: m.OpenUntil,
		Reason:    m.Reason,
		UpdatedAt: m.UpdatedAt,
	}
}
