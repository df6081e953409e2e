package biz

import (
	"context"
	"time"

	"usage-governance/internal/constants"
	govErrors "usage-governance/internal/errors"
	"usage-governance/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// PlanFree 无有效订阅时展示的套餐名
const PlanFree = "FREE"

// Charge 扣费记录，(UserID, IdempotencyKey) 唯一
type Charge struct {
	ID                string
	UserID            string
	FeatureKey        string
	Source            string
	CostCents         int64
	IdempotencyKey    string
	BalanceAfterCents int64
	Draws             []Draw
	CreatedAt         time.Time
}

// CoverageFunc 判断订阅是否覆盖本次扣费的功能
type CoverageFunc func(sub *Subscription) bool

// WalletRepo 钱包存储
type WalletRepo interface {
	// 订阅
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// 免费次数
	GetFreeCreditGrant(ctx context.Context, userID, featureKey string) (*FreeCreditGrant, error)
	ListFreeCreditGrants(ctx context.Context, userID string) ([]*FreeCreditGrant, error)
	CreateFreeCreditGrants(ctx context.Context, grants []*FreeCreditGrant) error

	// 充值余额桶
	ListTopUps(ctx context.Context, userID string) ([]*TopUp, error)
	// CreateTopUp 按 Reference 幂等，已存在时返回已有记录且 created=false
	CreateTopUp(ctx context.Context, topUp *TopUp) (*TopUp, bool, error)

	// ApplyCharge 在同一事务内重新校验并扣减，余额不足返回 ErrInsufficientFunds 且不留下任何扣减
	// 幂等键已存在时返回已有记录且 duplicate=true
	ApplyCharge(ctx context.Context, charge *Charge, covered CoverageFunc) (*Charge, bool, error)
	GetCharge(ctx context.Context, userID, chargeID string) (*Charge, error)
	GetChargeByKey(ctx context.Context, userID, idempotencyKey string) (*Charge, error)
}

// UsageCounterRepo 月度用量计数（仅展示用，允许最终一致）
type UsageCounterRepo interface {
	IncrMonthlyUsage(ctx context.Context, userID, featureKey, month string) error
	GetMonthlyUsage(ctx context.Context, userID, month string) (map[string]int64, error)
}

// Allowance 额度检查结果
type Allowance struct {
	Allowed    bool   `json:"allowed"`
	Source     string `json:"source,omitempty"`
	CostCents  int64  `json:"cost_cents"`
	Reason     string `json:"reason"`
	FeatureKey string `json:"feature_key"`
}

// Err 未放行时返回 ErrInsufficientFunds
func (a *Allowance) Err() error {
	if a == nil || a.Allowed {
		return nil
	}
	return govErrors.ErrInsufficientFunds
}

// ChargeRequest 扣费请求
type ChargeRequest struct {
	UserID         string
	FeatureKey     string
	Source         string
	CostCents      int64
	IdempotencyKey string
}

// ChargeResult 扣费结果
type ChargeResult struct {
	Applied         bool   `json:"applied"`
	Duplicate       bool   `json:"duplicate"`
	ChargeID        string `json:"charge_id"`
	Source          string `json:"source"`
	CostCents       int64  `json:"cost_cents"`
	NewBalanceCents int64  `json:"new_balance_cents"`
}

// WalletStatus 钱包展示视图
type WalletStatus struct {
	UserID              string           `json:"user_id"`
	Plan                string           `json:"plan"`
	SubscriptionActive  bool             `json:"subscription_active"`
	SubscriptionEndDate *time.Time       `json:"subscription_end_date,omitempty"`
	TotalAvailableCents int64            `json:"total_available_cents"`
	LowBalance          bool             `json:"low_balance"`
	TopUps              []*TopUp         `json:"top_ups"`
	FreeCredits         map[string]int32 `json:"free_credits"`
	Month               string           `json:"month"`
	MonthlyUsage        map[string]int64 `json:"monthly_usage"`
}

// WalletUseCase 钱包/额度管理：订阅 > 免费次数 > 充值余额
type WalletUseCase struct {
	repo     WalletRepo
	counters UsageCounterRepo
	guard    *WriteGuard
	cfg      WalletConfig
	log      *log.Helper
	metrics  *metrics.GovernanceMetrics
	now      func() time.Time
}

// NewWalletUseCase 创建钱包用例
func NewWalletUseCase(repo WalletRepo, counters UsageCounterRepo, guard *WriteGuard, cfg *GovernanceConfig, logger log.Logger) *WalletUseCase {
	return &WalletUseCase{
		repo:     repo,
		counters: counters,
		guard:    guard,
		cfg:      cfg.Wallet,
		log:      log.NewHelper(logger),
		metrics:  metrics.GetMetrics(),
		now:      time.Now,
	}
}

// covers 订阅有效且套餐覆盖该功能
func (uc *WalletUseCase) covers(sub *Subscription, featureKey string, now time.Time) bool {
	return sub.Active(now) && uc.cfg.PlanFeatures[sub.Plan][featureKey]
}

// CheckAllowance 按顺序检查订阅、免费次数、充值余额，返回第一个可支付的来源，不修改任何状态
func (uc *WalletUseCase) CheckAllowance(ctx context.Context, userID, featureKey string) (*Allowance, error) {
	cost, ok := uc.cfg.FeatureCosts[featureKey]
	if !ok {
		return nil, govErrors.ErrUnknownFeature
	}
	now := uc.now()
	res := &Allowance{CostCents: cost, FeatureKey: featureKey}

	sub, err := uc.repo.GetSubscription(ctx, userID)
	if err != nil {
		return nil, govErrors.Storage(err)
	}
	grant, err := uc.repo.GetFreeCreditGrant(ctx, userID, featureKey)
	if err != nil {
		return nil, govErrors.Storage(err)
	}

	switch {
	case uc.covers(sub, featureKey, now):
		res.Allowed, res.Source = true, constants.ChargeSourceSubscription
	case grant.Remaining() > 0:
		res.Allowed, res.Source = true, constants.ChargeSourceFreeCredit
	default:
		buckets, err := uc.repo.ListTopUps(ctx, userID)
		if err != nil {
			return nil, govErrors.Storage(err)
		}
		if TotalAvailable(buckets, now) >= cost {
			res.Allowed, res.Source = true, constants.ChargeSourceTopUp
		}
	}

	if res.Allowed {
		res.Reason = res.Source
	} else {
		res.Reason = constants.AllowanceReasonInsufficientFunds
	}
	if uc.metrics != nil {
		uc.metrics.AllowanceCheckTotal.WithLabelValues(featureKey, res.Reason).Inc()
	}
	return res, nil
}

func validSource(source string) bool {
	switch source {
	case constants.ChargeSourceSubscription, constants.ChargeSourceFreeCredit, constants.ChargeSourceTopUp:
		return true
	}
	return false
}

// ApplyCharge 对检查阶段选定的来源执行扣费，幂等键保证至多一次
// 存储异常时拒绝（fail closed），调用方不得假定扣费成功
func (uc *WalletUseCase) ApplyCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	switch {
	case req.UserID == "":
		return nil, govErrors.InvalidArgument("user id is required")
	case req.IdempotencyKey == "":
		return nil, govErrors.ErrIdempotencyKeyRequired
	case req.FeatureKey == "":
		return nil, govErrors.InvalidArgument("feature key is required")
	case req.CostCents < 0:
		return nil, govErrors.InvalidArgument("cost must not be negative")
	case !validSource(req.Source):
		return nil, govErrors.ErrInvalidChargeSource
	}

	startTime := uc.now()
	result := "failed"
	defer func() {
		if uc.metrics != nil {
			uc.metrics.ChargeTotal.WithLabelValues(req.Source, result).Inc()
			uc.metrics.ChargeDuration.WithLabelValues(req.Source).Observe(time.Since(startTime).Seconds())
		}
	}()

	hash, err := HashPayload(map[string]interface{}{
		"feature":    req.FeatureKey,
		"source":     req.Source,
		"cost_cents": req.CostCents,
	})
	if err != nil {
		return nil, govErrors.InvalidArgument("charge payload: %v", err)
	}
	scope := constants.GuardScopeWalletCharge + req.IdempotencyKey

	g, err := uc.guard.ReadGuard(ctx, req.UserID, scope, hash, uc.cfg.ChargeGuardWindow)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("charge guard unavailable: user_id=%s, key=%s, error=%v", req.UserID, req.IdempotencyKey, err)
		return nil, govErrors.Storage(err)
	}
	if g.Skip {
		if g.LastRecordID != "" {
			prev, err := uc.repo.GetCharge(ctx, req.UserID, g.LastRecordID)
			if err != nil {
				return nil, govErrors.Storage(err)
			}
			if prev != nil {
				result = "duplicate"
				return toChargeResult(prev, true), nil
			}
		}
		result = "in_progress"
		return nil, govErrors.ErrChargeInProgress
	}

	now := uc.now()
	charge := &Charge{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		FeatureKey:     req.FeatureKey,
		Source:         req.Source,
		CostCents:      req.CostCents,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
	stored, duplicate, err := uc.repo.ApplyCharge(ctx, charge, func(sub *Subscription) bool {
		return uc.covers(sub, req.FeatureKey, now)
	})
	if err != nil {
		uc.release(ctx, req.UserID, scope)
		if govErrors.IsInsufficientFunds(err) {
			result = "insufficient"
			return nil, err
		}
		uc.log.WithContext(ctx).Errorf("apply charge failed: user_id=%s, source=%s, cost=%d, error=%v", req.UserID, req.Source, req.CostCents, err)
		return nil, govErrors.Storage(err)
	}

	if duplicate && (stored.Source != req.Source || stored.CostCents != req.CostCents || stored.FeatureKey != req.FeatureKey) {
		result = "conflict"
		uc.release(ctx, req.UserID, scope)
		return nil, govErrors.ErrIdempotencyKeyConflict
	}

	if err := uc.guard.RecordWrite(ctx, req.UserID, scope, hash, stored.ID); err != nil {
		// 扣费已提交，唯一键仍能兜底重复请求
		uc.log.WithContext(ctx).Warnf("charge guard record failed: user_id=%s, charge_id=%s, error=%v", req.UserID, stored.ID, err)
	}

	if duplicate {
		result = "duplicate"
		return toChargeResult(stored, true), nil
	}

	result = "applied"
	if uc.metrics != nil {
		uc.metrics.ChargeCents.WithLabelValues(req.Source).Add(float64(req.CostCents))
	}
	uc.incrMonthlyUsage(ctx, req.UserID, req.FeatureKey, now)
	return toChargeResult(stored, false), nil
}

func (uc *WalletUseCase) release(ctx context.Context, userID, scope string) {
	if err := uc.guard.Release(ctx, userID, scope); err != nil {
		uc.log.WithContext(ctx).Warnf("charge guard release failed: user_id=%s, scope=%s, error=%v", userID, scope, err)
	}
}

func (uc *WalletUseCase) incrMonthlyUsage(ctx context.Context, userID, featureKey string, now time.Time) {
	if uc.counters == nil {
		return
	}
	month := now.UTC().Format(constants.TimeFormatMonth)
	if err := uc.counters.IncrMonthlyUsage(ctx, userID, featureKey, month); err != nil {
		uc.log.WithContext(ctx).Warnf("monthly usage counter not updated: user_id=%s, feature=%s, error=%v", userID, featureKey, err)
	}
}

func toChargeResult(c *Charge, duplicate bool) *ChargeResult {
	return &ChargeResult{
		Applied:         true,
		Duplicate:       duplicate,
		ChargeID:        c.ID,
		Source:          c.Source,
		CostCents:       c.CostCents,
		NewBalanceCents: c.BalanceAfterCents,
	}
}

// GetWalletStatus 钱包展示视图，与扣费路径使用相同的过期与余额规则
func (uc *WalletUseCase) GetWalletStatus(ctx context.Context, userID string) (*WalletStatus, error) {
	now := uc.now()
	sub, err := uc.repo.GetSubscription(ctx, userID)
	if err != nil {
		return nil, govErrors.Storage(err)
	}
	buckets, err := uc.repo.ListTopUps(ctx, userID)
	if err != nil {
		return nil, govErrors.Storage(err)
	}
	grants, err := uc.repo.ListFreeCreditGrants(ctx, userID)
	if err != nil {
		return nil, govErrors.Storage(err)
	}

	status := &WalletStatus{
		UserID:       userID,
		Plan:         PlanFree,
		TopUps:       EligibleTopUps(buckets, now),
		FreeCredits:  make(map[string]int32, len(grants)),
		Month:        now.UTC().Format(constants.TimeFormatMonth),
		MonthlyUsage: map[string]int64{},
	}
	if sub.Active(now) {
		status.Plan = sub.Plan
		status.SubscriptionActive = true
		status.SubscriptionEndDate = sub.EndDate
	}
	for _, b := range status.TopUps {
		status.TotalAvailableCents += b.Remaining()
	}
	status.LowBalance = status.TotalAvailableCents < uc.cfg.LowBalanceCents
	for _, g := range grants {
		status.FreeCredits[g.FeatureKey] = g.Remaining()
	}

	if uc.counters != nil {
		usage, err := uc.counters.GetMonthlyUsage(ctx, userID, status.Month)
		if err != nil {
			uc.log.WithContext(ctx).Warnf("monthly usage unavailable: user_id=%s, error=%v", userID, err)
		} else {
			status.MonthlyUsage = usage
		}
	}
	return status, nil
}

// GrantFreeCredits 为新用户创建各功能的免费次数，已存在的不会重置
func (uc *WalletUseCase) GrantFreeCredits(ctx context.Context, userID string) error {
	if userID == "" {
		return govErrors.InvalidArgument("user id is required")
	}
	grants := make([]*FreeCreditGrant, 0, len(uc.cfg.FreeCredits))
	for feature, n := range uc.cfg.FreeCredits {
		if n <= 0 {
			continue
		}
		grants = append(grants, &FreeCreditGrant{UserID: userID, FeatureKey: feature, Cap: n})
	}
	if err := uc.repo.CreateFreeCreditGrants(ctx, grants); err != nil {
		return govErrors.Storage(err)
	}
	return nil
}

// CreditTopUp 入账一笔充值，按外部引用（如支付回调事件 ID）幂等
func (uc *WalletUseCase) CreditTopUp(ctx context.Context, t *TopUp) (*TopUp, error) {
	now := uc.now()
	switch {
	case t.UserID == "":
		return nil, govErrors.InvalidArgument("user id is required")
	case t.Reference == "":
		return nil, govErrors.ErrIdempotencyKeyRequired
	case t.AmountCents <= 0:
		return nil, govErrors.ErrTopUpInvalid
	case !t.ExpiresAt.After(now):
		return nil, govErrors.ErrTopUpInvalid
	}
	t.UsedCents = 0
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	stored, created, err := uc.repo.CreateTopUp(ctx, t)
	if err != nil {
		if uc.metrics != nil {
			uc.metrics.TopUpTotal.WithLabelValues(constants.ResultFailed).Inc()
		}
		return nil, govErrors.Storage(err)
	}
	if uc.metrics != nil {
		label := "existing"
		if created {
			label = "created"
		}
		uc.metrics.TopUpTotal.WithLabelValues(label).Inc()
	}
	if !created {
		uc.log.WithContext(ctx).Infof("top-up already credited: user_id=%s, reference=%s", t.UserID, t.Reference)
	}
	return stored, nil
}

// SetSubscription 更新订阅状态（由订阅回调驱动）
func (uc *WalletUseCase) SetSubscription(ctx context.Context, userID, plan string, endDate *time.Time) error {
	if userID == "" || plan == "" {
		return govErrors.InvalidArgument("user id and plan are required")
	}
	if err := uc.repo.SaveSubscription(ctx, &Subscription{UserID: userID, Plan: plan, EndDate: endDate}); err != nil {
		return govErrors.Storage(err)
	}
	return nil
}
