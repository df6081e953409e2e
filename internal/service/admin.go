package service

import (
	"context"
	"time"

	"usage-governance/internal/biz"
	"usage-governance/internal/constants"
	govErrors "usage-governance/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitScopeRequest 按作用域查询/操作熔断
type CircuitScopeRequest struct {
	Scope string `json:"scope"`
	Actor string `json:"actor,omitempty"`
}

// OpenCircuitRequest 打开熔断
type OpenCircuitRequest struct {
	Scope   string `json:"scope"`
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

// ListCircuitsReply 熔断列表
type ListCircuitsReply struct {
	Circuits []*biz.CircuitState `json:"circuits"`
}

// WalletRequest 按用户查询钱包
type WalletRequest struct {
	UserID string `json:"user_id"`
}

// CreditTopUpRequest 充值入账，expires_at 为 RFC3339，未填时按 expires_in_days 计算
type CreditTopUpRequest struct {
	UserID        string `json:"user_id"`
	AmountCents   int64  `json:"amount_cents"`
	ExpiresAt     string `json:"expires_at"`
	ExpiresInDays int    `json:"expires_in_days"`
	Reference     string `json:"reference"`
}

// SetSubscriptionRequest 更新订阅
type SetSubscriptionRequest struct {
	UserID  string `json:"user_id"`
	Plan    string `json:"plan"`
	EndDate string `json:"end_date"`
}

// UsageQueryRequest 用量报表查询，时间为 RFC3339
type UsageQueryRequest struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Feature    string  `json:"feature"`
	Model      string  `json:"model"`
	Multiplier float64 `json:"multiplier"`
}

// UsageSummaryReply 用量汇总
type UsageSummaryReply struct {
	From string              `json:"from"`
	To   string              `json:"to"`
	Rows []*biz.UsageSummary `json:"rows"`
}

// OKReply 无返回数据的操作结果
type OKReply struct {
	OK bool `json:"ok"`
}

// AdminService 运维控制面
type AdminService struct {
	breaker *biz.CircuitBreaker
	wallet  *biz.WalletUseCase
	report  *biz.UsageReportUseCase
	log     *log.Helper
}

// NewAdminService 创建 AdminService
func NewAdminService(breaker *biz.CircuitBreaker, wallet *biz.WalletUseCase, report *biz.UsageReportUseCase, logger log.Logger) *AdminService {
	return &AdminService{
		breaker: breaker,
		wallet:  wallet,
		report:  report,
		log:     log.NewHelper(logger),
	}
}

// ListCircuits 列出全部熔断状态
func (s *AdminService) ListCircuits(ctx context.Context, _ *CircuitScopeRequest) (*ListCircuitsReply, error) {
	return &ListCircuitsReply{Circuits: s.breaker.ListStates(ctx)}, nil
}

// GetCircuit 查询单个熔断状态
func (s *AdminService) GetCircuit(ctx context.Context, req *CircuitScopeRequest) (*biz.CircuitState, error) {
	if req.Scope == "" {
		return nil, govErrors.InvalidArgument("scope is required")
	}
	return s.breaker.GetState(ctx, req.Scope), nil
}

// OpenCircuit 打开熔断
func (s *AdminService) OpenCircuit(ctx context.Context, req *OpenCircuitRequest) (*biz.CircuitState, error) {
	if req.Scope == "" {
		return nil, govErrors.InvalidArgument("scope is required")
	}
	s.log.WithContext(ctx).Infof("open circuit: scope=%s, minutes=%d, actor=%s", req.Scope, req.Minutes, req.Actor)
	return s.breaker.Open(ctx, req.Scope, req.Minutes, req.Reason, req.Actor), nil
}

// CloseCircuit 关闭熔断
func (s *AdminService) CloseCircuit(ctx context.Context, req *CircuitScopeRequest) (*biz.CircuitState, error) {
	if req.Scope == "" {
		return nil, govErrors.InvalidArgument("scope is required")
	}
	s.log.WithContext(ctx).Infof("close circuit: scope=%s, actor=%s", req.Scope, req.Actor)
	return s.breaker.Close(ctx, req.Scope, req.Actor), nil
}

// TestCircuit 短暂打开熔断，用于验证降级链路
func (s *AdminService) TestCircuit(ctx context.Context, req *CircuitScopeRequest) (*biz.CircuitState, error) {
	return s.OpenCircuit(ctx, &OpenCircuitRequest{Scope: req.Scope, Minutes: constants.CircuitTestMinutes, Reason: "test", Actor: req.Actor})
}

// GetWallet 钱包状态
func (s *AdminService) GetWallet(ctx context.Context, req *WalletRequest) (*biz.WalletStatus, error) {
	status, err := s.wallet.GetWalletStatus(ctx, req.UserID)
	if err != nil {
		s.log.Errorf("GetWallet failed: %v", err)
		return nil, err
	}
	return status, nil
}

// CreditTopUp 充值入账
func (s *AdminService) CreditTopUp(ctx context.Context, req *CreditTopUpRequest) (*biz.TopUp, error) {
	var expiresAt time.Time
	switch {
	case req.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			return nil, govErrors.InvalidArgument("expires_at must be RFC3339")
		}
		expiresAt = t
	case req.ExpiresInDays > 0:
		expiresAt = time.Now().AddDate(0, 0, req.ExpiresInDays)
	default:
		return nil, govErrors.InvalidArgument("expires_at or expires_in_days is required")
	}

	topUp, err := s.wallet.CreditTopUp(ctx, &biz.TopUp{
		UserID:      req.UserID,
		AmountCents: req.AmountCents,
		ExpiresAt:   expiresAt,
		Reference:   req.Reference,
	})
	if err != nil {
		s.log.Errorf("CreditTopUp failed: %v", err)
		return nil, err
	}
	return topUp, nil
}

// GrantFreeCredits 发放新用户免费次数
func (s *AdminService) GrantFreeCredits(ctx context.Context, req *WalletRequest) (*OKReply, error) {
	if err := s.wallet.GrantFreeCredits(ctx, req.UserID); err != nil {
		s.log.Errorf("GrantFreeCredits failed: %v", err)
		return nil, err
	}
	return &OKReply{OK: true}, nil
}

// SetSubscription 更新订阅，end_date 为空表示不过期
func (s *AdminService) SetSubscription(ctx context.Context, req *SetSubscriptionRequest) (*OKReply, error) {
	var endDate *time.Time
	if req.EndDate != "" {
		t, err := time.Parse(time.RFC3339, req.EndDate)
		if err != nil {
			return nil, govErrors.InvalidArgument("end_date must be RFC3339")
		}
		endDate = &t
	}
	if err := s.wallet.SetSubscription(ctx, req.UserID, req.Plan, endDate); err != nil {
		s.log.Errorf("SetSubscription failed: %v", err)
		return nil, err
	}
	return &OKReply{OK: true}, nil
}

// UsageSummary 用量汇总
func (s *AdminService) UsageSummary(ctx context.Context, req *UsageQueryRequest) (*UsageSummaryReply, error) {
	q, err := toUsageQuery(req)
	if err != nil {
		return nil, err
	}
	rows, err := s.report.Summarize(ctx, q)
	if err != nil {
		return nil, err
	}
	return &UsageSummaryReply{
		From: q.From.Format(time.RFC3339),
		To:   q.To.Format(time.RFC3339),
		Rows: rows,
	}, nil
}

// SimulateUsage 成本模拟
func (s *AdminService) SimulateUsage(ctx context.Context, req *UsageQueryRequest) (*biz.SimulationResult, error) {
	q, err := toUsageQuery(req)
	if err != nil {
		return nil, err
	}
	// model 为候选模型，历史用量不按模型筛选
	params := &biz.SimulationParams{Model: req.Model, Multiplier: req.Multiplier}
	q.Model = ""
	return s.report.Simulate(ctx, q, params)
}

func toUsageQuery(req *UsageQueryRequest) (*biz.UsageQuery, error) {
	q := &biz.UsageQuery{Feature: req.Feature, Model: req.Model}
	var err error
	if req.From != "" {
		if q.From, err = time.Parse(time.RFC3339, req.From); err != nil {
			return nil, govErrors.InvalidArgument("from must be RFC3339")
		}
	}
	if req.To != "" {
		if q.To, err = time.Parse(time.RFC3339, req.To); err != nil {
			return nil, govErrors.InvalidArgument("to must be RFC3339")
		}
	}
	return q, nil
}
