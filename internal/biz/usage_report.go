package biz

import (
	"context"
	"time"

	govErrors "usage-governance/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
)

// SimulationParams 成本模拟参数，零值表示沿用历史值
type SimulationParams struct {
	Model      string
	Multiplier float64
}

// SimulationRow 单个 (feature, model) 的模拟结果
type SimulationRow struct {
	Feature                  string `json:"feature"`
	Model                    string `json:"model"`
	SimulatedModel           string `json:"simulated_model"`
	Calls                    int64  `json:"calls"`
	ActualVendorCostCents    int64  `json:"actual_vendor_cost_cents"`
	ActualBilledCostCents    int64  `json:"actual_billed_cost_cents"`
	SimulatedVendorCostCents int64  `json:"simulated_vendor_cost_cents"`
	SimulatedBilledCostCents int64  `json:"simulated_billed_cost_cents"`
}

// SimulationResult 成本模拟汇总
type SimulationResult struct {
	Rows                     []*SimulationRow `json:"rows"`
	ActualBilledCostCents    int64            `json:"actual_billed_cost_cents"`
	SimulatedBilledCostCents int64            `json:"simulated_billed_cost_cents"`
	DeltaCents               int64            `json:"delta_cents"`
}

// UsageReportUseCase 基于用量事件的成本报表与模拟
type UsageReportUseCase struct {
	repo  UsageEventRepo
	meter *CostMeter
	log   *log.Helper
}

// NewUsageReportUseCase 创建报表用例
func NewUsageReportUseCase(repo UsageEventRepo, meter *CostMeter, logger log.Logger) *UsageReportUseCase {
	return &UsageReportUseCase{
		repo:  repo,
		meter: meter,
		log:   log.NewHelper(logger),
	}
}

// Summarize 按 feature/model/时间窗口聚合
func (uc *UsageReportUseCase) Summarize(ctx context.Context, q *UsageQuery) ([]*UsageSummary, error) {
	if err := normalizeQuery(q); err != nil {
		return nil, err
	}
	return uc.repo.SummarizeUsage(ctx, q)
}

// Simulate 用候选模型或加价倍数重新计价历史用量
func (uc *UsageReportUseCase) Simulate(ctx context.Context, q *UsageQuery, p *SimulationParams) (*SimulationResult, error) {
	rows, err := uc.Summarize(ctx, q)
	if err != nil {
		return nil, err
	}
	meter := uc.meter
	if p != nil && p.Multiplier > 0 {
		meter = meter.WithMarkup(MultiplierMarkup{Multiplier: decimal.NewFromFloat(p.Multiplier)})
	}

	res := &SimulationResult{Rows: make([]*SimulationRow, 0, len(rows))}
	for _, row := range rows {
		model := row.Model
		if p != nil && p.Model != "" {
			model = p.Model
		}
		quote := meter.Quote(model, int(row.PromptTokens), int(row.CompletionTokens))
		res.Rows = append(res.Rows, &SimulationRow{
			Feature:                  row.Feature,
			Model:                    row.Model,
			SimulatedModel:           model,
			Calls:                    row.Calls,
			ActualVendorCostCents:    row.VendorCostCents,
			ActualBilledCostCents:    row.BilledCostCents,
			SimulatedVendorCostCents: quote.VendorCostCents,
			SimulatedBilledCostCents: quote.BilledCostCents,
		})
		res.ActualBilledCostCents += row.BilledCostCents
		res.SimulatedBilledCostCents += quote.BilledCostCents
	}
	res.DeltaCents = res.SimulatedBilledCostCents - res.ActualBilledCostCents
	return res, nil
}

// normalizeQuery 未指定时间范围时默认最近 30 天
func normalizeQuery(q *UsageQuery) error {
	if q.To.IsZero() {
		q.To = time.Now()
	}
	if q.From.IsZero() {
		q.From = q.To.AddDate(0, 0, -30)
	}
	if !q.From.Before(q.To) {
		return govErrors.InvalidArgument("from must be before to")
	}
	return nil
}
