package biz

import (
	"sort"
	"time"

	govErrors "usage-governance/internal/errors"
)

// Subscription 订阅状态，EndDate 为空或在未来即为有效
type Subscription struct {
	UserID  string
	Plan    string
	EndDate *time.Time
}

// Active 订阅是否有效
func (s *Subscription) Active(now time.Time) bool {
	if s == nil || s.Plan == "" {
		return false
	}
	return s.EndDate == nil || s.EndDate.After(now)
}

// FreeCreditGrant 单个功能的免费次数，用完不再补充
type FreeCreditGrant struct {
	UserID     string
	FeatureKey string
	Cap        int32
	Used       int32
}

// Remaining 剩余次数，不小于 0
func (g *FreeCreditGrant) Remaining() int32 {
	if g == nil || g.Used >= g.Cap {
		return 0
	}
	return g.Cap - g.Used
}

// TopUp 充值余额桶
type TopUp struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AmountCents int64      `json:"amount_cents"`
	UsedCents   int64      `json:"used_cents"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Reference   string     `json:"reference,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// Remaining 剩余金额，不小于 0
func (t *TopUp) Remaining() int64 {
	if t.UsedCents >= t.AmountCents {
		return 0
	}
	return t.AmountCents - t.UsedCents
}

// Spendable 未过期且有剩余
func (t *TopUp) Spendable(now time.Time) bool {
	return t.ExpiresAt.After(now) && t.Remaining() > 0
}

// Draw 从单个余额桶扣除的金额
type Draw struct {
	TopUpID string `json:"top_up_id"`
	Cents   int64  `json:"cents"`
}

// EligibleTopUps 可用余额桶，按过期时间升序（先到期先扣）
// 扣费路径与余额展示共用此规则
func EligibleTopUps(buckets []*TopUp, now time.Time) []*TopUp {
	out := make([]*TopUp, 0, len(buckets))
	for _, b := range buckets {
		if b.Spendable(now) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalAvailable 可用余额合计
func TotalAvailable(buckets []*TopUp, now time.Time) int64 {
	var total int64
	for _, b := range EligibleTopUps(buckets, now) {
		total += b.Remaining()
	}
	return total
}

// PlanDraws 规划扣费：先到期的桶先扣，不足时顺延到下一个桶
// 可用合计不足时返回 ErrInsufficientFunds，不产生任何扣减
func PlanDraws(buckets []*TopUp, costCents int64, now time.Time) ([]Draw, error) {
	if costCents <= 0 {
		return nil, nil
	}
	eligible := EligibleTopUps(buckets, now)
	var total int64
	for _, b := range eligible {
		total += b.Remaining()
	}
	if total < costCents {
		return nil, govErrors.ErrInsufficientFunds
	}

	remaining := costCents
	draws := make([]Draw, 0, 2)
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := b.Remaining()
		if take > remaining {
			take = remaining
		}
		draws = append(draws, Draw{TopUpID: b.ID, Cents: take})
		remaining -= take
	}
	return draws, nil
}
