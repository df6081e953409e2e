package data

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/constants"
	"usage-governance/internal/data/model"
	govErrors "usage-governance/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type walletRepo struct {
	data *Data
	log  *log.Helper
}

// NewWalletRepo 创建钱包 repo
func NewWalletRepo(data *Data, logger log.Logger) biz.WalletRepo {
	return &walletRepo{
		data: data,
		log:  log.NewHelper(logger),
	}
}

// forUpdate 行锁；SQLite 不支持 FOR UPDATE，由库级写锁保证串行
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// ========== 订阅 ==========

// GetSubscription 获取订阅，不存在返回 nil
func (r *walletRepo) GetSubscription(ctx context.Context, userID string) (*biz.Subscription, error) {
	var m model.Subscription
	if err := r.data.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toSubscription(&m), nil
}

// SaveSubscription 按用户 upsert
func (r *walletRepo) SaveSubscription(ctx context.Context, sub *biz.Subscription) error {
	m := &model.Subscription{
		UserID:    sub.UserID,
		Plan:      sub.Plan,
		EndDate:   sub.EndDate,
		UpdatedAt: time.Now().UTC(),
	}
	return r.data.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"plan", "end_date", "updated_at"}),
	}).Create(m).Error
}

// ========== 免费次数 ==========

// GetFreeCreditGrant 获取单个功能的免费次数，不存在返回 nil
func (r *walletRepo) GetFreeCreditGrant(ctx context.Context, userID, featureKey string) (*biz.FreeCreditGrant, error) {
	var m model.FreeCreditGrant
	if err := r.data.db.WithContext(ctx).
		Where("user_id = ? AND feature_key = ?", userID, featureKey).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toFreeCreditGrant(&m), nil
}

// ListFreeCreditGrants 获取用户全部免费次数
func (r *walletRepo) ListFreeCreditGrants(ctx context.Context, userID string) ([]*biz.FreeCreditGrant, error) {
	var rows []*model.FreeCreditGrant
	if err := r.data.db.WithContext(ctx).Where("user_id = ?", userID).Order("feature_key").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*biz.FreeCreditGrant, 0, len(rows))
	for _, m := range rows {
		out = append(out, toFreeCreditGrant(m))
	}
	return out, nil
}

// CreateFreeCreditGrants 批量创建，已存在的不覆盖
func (r *walletRepo) CreateFreeCreditGrants(ctx context.Context, grants []*biz.FreeCreditGrant) error {
	if len(grants) == 0 {
		return nil
	}
	rows := make([]*model.FreeCreditGrant, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, &model.FreeCreditGrant{
			UserID:     g.UserID,
			FeatureKey: g.FeatureKey,
			Cap:        g.Cap,
			Used:       g.Used,
		})
	}
	return r.data.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// ========== 充值余额桶 ==========

// ListTopUps 获取用户全部余额桶（含已过期，由 biz 层过滤）
func (r *walletRepo) ListTopUps(ctx context.Context, userID string) ([]*biz.TopUp, error) {
	return listTopUps(r.data.db.WithContext(ctx), userID)
}

func listTopUps(db *gorm.DB, userID string) ([]*biz.TopUp, error) {
	var rows []*model.CreditTopUp
	if err := db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*biz.TopUp, 0, len(rows))
	for _, m := range rows {
		out = append(out, toTopUp(m))
	}
	return out, nil
}

// CreateTopUp 按 (user_id, reference) 幂等入账
func (r *walletRepo) CreateTopUp(ctx context.Context, t *biz.TopUp) (*biz.TopUp, bool, error) {
	m := &model.CreditTopUp{
		TopUpID:     t.ID,
		UserID:      t.UserID,
		AmountCents: t.AmountCents,
		UsedCents:   t.UsedCents,
		ExpiresAt:   t.ExpiresAt.UTC(),
		Reference:   t.Reference,
		CreatedAt:   t.CreatedAt.UTC(),
	}
	db := r.data.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return toTopUp(m), true, nil
	}

	var existing model.CreditTopUp
	if err := db.Where("user_id = ? AND reference = ?", t.UserID, t.Reference).First(&existing).Error; err != nil {
		return nil, false, err
	}
	return toTopUp(&existing), false, nil
}

// ========== 扣费 ==========

// ApplyCharge 事务内重新校验来源并扣减
func (r *walletRepo) ApplyCharge(ctx context.Context, charge *biz.Charge, covered biz.CoverageFunc) (*biz.Charge, bool, error) {
	var (
		stored    *biz.Charge
		duplicate bool
	)
	err := r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := getChargeByKey(tx, charge.UserID, charge.IdempotencyKey)
		if err != nil {
			return err
		}
		if prev != nil {
			stored, duplicate = prev, true
			return nil
		}

		switch charge.Source {
		case constants.ChargeSourceSubscription:
			var m model.Subscription
			err := tx.Where("user_id = ?", charge.UserID).First(&m).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			var sub *biz.Subscription
			if err == nil {
				sub = toSubscription(&m)
			}
			if !covered(sub) {
				return govErrors.ErrInsufficientFunds
			}

		case constants.ChargeSourceFreeCredit:
			res := tx.Model(&model.FreeCreditGrant{}).
				Where("user_id = ? AND feature_key = ? AND used < cap", charge.UserID, charge.FeatureKey).
				Update("used", gorm.Expr("used + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return govErrors.ErrInsufficientFunds
			}

		case constants.ChargeSourceTopUp:
			buckets, err := listTopUps(forUpdate(tx), charge.UserID)
			if err != nil {
				return err
			}
			draws, err := biz.PlanDraws(buckets, charge.CostCents, charge.CreatedAt)
			if err != nil {
				return err
			}
			for _, d := range draws {
				res := tx.Model(&model.CreditTopUp{}).
					Where("top_up_id = ? AND used_cents + ? <= amount_cents", d.TopUpID, d.Cents).
					Updates(map[string]interface{}{
						"used_cents": gorm.Expr("used_cents + ?", d.Cents),
						"updated_at": time.Now().UTC(),
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return govErrors.ErrInsufficientFunds
				}
			}
			charge.Draws = draws
		}

		buckets, err := listTopUps(tx, charge.UserID)
		if err != nil {
			return err
		}
		charge.BalanceAfterCents = biz.TotalAvailable(buckets, charge.CreatedAt)

		m, err := toChargeModel(charge)
		if err != nil {
			return err
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		stored = charge
		return nil
	})
	if err == nil {
		return stored, duplicate, nil
	}
	if govErrors.IsInsufficientFunds(err) {
		return nil, false, err
	}

	// 并发的相同幂等键请求先提交时，唯一键冲突回滚本次事务
	if prev, lookupErr := r.GetChargeByKey(ctx, charge.UserID, charge.IdempotencyKey); lookupErr == nil && prev != nil {
		return prev, true, nil
	}
	return nil, false, err
}

// GetCharge 按 ID 获取扣费记录，不存在返回 nil
func (r *walletRepo) GetCharge(ctx context.Context, userID, chargeID string) (*biz.Charge, error) {
	var m model.WalletCharge
	if err := r.data.db.WithContext(ctx).
		Where("charge_id = ? AND user_id = ?", chargeID, userID).
		First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toCharge(&m), nil
}

// GetChargeByKey 按幂等键获取扣费记录，不存在返回 nil
func (r *walletRepo) GetChargeByKey(ctx context.Context, userID, idempotencyKey string) (*biz.Charge, error) {
	return getChargeByKey(r.data.db.WithContext(ctx), userID, idempotencyKey)
}

func getChargeByKey(db *gorm.DB, userID, idempotencyKey string) (*biz.Charge, error) {
	var m model.WalletCharge
	if err := db.Where("user_id = ? AND idempotency_key = ?", userID, idempotencyKey).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toCharge(&m), nil
}

// ========== 转换 ==========

func toSubscription(m *model.Subscription) *biz.Subscription {
	return &biz.Subscription{
		UserID:  m.UserID,
		Plan:    m.Plan,
		EndDate: m.EndDate,
	}
}

func toFreeCreditGrant(m *model.FreeCreditGrant) *biz.FreeCreditGrant {
	return &biz.FreeCreditGrant{
		UserID:     m.UserID,
		FeatureKey: m.FeatureKey,
		Cap:        m.Cap,
		Used:       m.Used,
	}
}

func toTopUp(m *model.CreditTopUp) *biz.TopUp {
	t := &biz.TopUp{
		ID:          m.TopUpID,
		UserID:      m.UserID,
		AmountCents: m.AmountCents,
		UsedCents:   m.UsedCents,
		ExpiresAt:   m.ExpiresAt,
		Reference:   m.Reference,
		CreatedAt:   m.CreatedAt,
	}
	if !m.UpdatedAt.IsZero() {
		updated := m.UpdatedAt
		t.UpdatedAt = &updated
	}
	return t
}

func toChargeModel(c *biz.Charge) (*model.WalletCharge, error) {
	m := &model.WalletCharge{
		ChargeID:          c.ID,
		UserID:            c.UserID,
		IdempotencyKey:    c.IdempotencyKey,
		FeatureKey:        c.FeatureKey,
		Source:            c.Source,
		CostCents:         c.CostCents,
		BalanceAfterCents: c.BalanceAfterCents,
		CreatedAt:         c.CreatedAt.UTC(),
	}
	if len(c.Draws) > 0 {
		b, err := json.Marshal(c.Draws)
		if err != nil {
			return nil, err
		}
		m.Draws = datatypes.JSON(b)
	}
	return m, nil
}

func toCharge(m *model.WalletCharge) *biz.Charge {
	c := &biz.Charge{
		ID:                m.ChargeID,
		UserID:            m.UserID,
		FeatureKey:        m.FeatureKey,
		Source:            m.Source,
		CostCents:         m.CostCents,
		IdempotencyKey:    m.IdempotencyKey,
		BalanceAfterCents: m.BalanceAfterCents,
		CreatedAt:         m.CreatedAt,
	}
	if len(m.Draws) > 0 {
		_ = json.Unmarshal(m.Draws, &c.Draws)
	}
	return c
}
