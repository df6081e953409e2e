package biz

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// ModelRate 模型单价（分/千 token）
type ModelRate struct {
	PromptCentsPer1K     decimal.Decimal
	CompletionCentsPer1K decimal.Decimal
}

// NewModelRate creates a rate from float cents per 1K tokens.
func NewModelRate(prompt, completion float64) ModelRate {
	return ModelRate{
		PromptCentsPer1K:     decimal.NewFromFloat(prompt),
		CompletionCentsPer1K: decimal.NewFromFloat(completion),
	}
}

// MarkupPolicy 计费加价策略，输入原始供应商成本（分，未取整），输出计费金额（分）
type MarkupPolicy interface {
	Bill(rawCents decimal.Decimal) int64
}

// MultiplierMarkup 按倍数加价，可设置最低收费
// Multiplier 小于 1 时按 1 处理
type MultiplierMarkup struct {
	Multiplier   decimal.Decimal
	MinimumCents int64
}

// Bill implements MarkupPolicy.
func (m MultiplierMarkup) Bill(rawCents decimal.Decimal) int64 {
	if !rawCents.IsPositive() {
		return 0
	}
	mult := m.Multiplier
	if mult.LessThan(decimal.NewFromInt(1)) {
		mult = decimal.NewFromInt(1)
	}
	billed := rawCents.Mul(mult).Ceil().IntPart()
	if billed < m.MinimumCents {
		billed = m.MinimumCents
	}
	return billed
}

// CostQuote 单次调用的计价结果
type CostQuote struct {
	Model            string
	PricedAs         string // 实际命中的费率表条目，兜底费率时为空
	Fallback         bool
	PromptTokens     int
	CompletionTokens int
	VendorCostCents  int64
	BilledCostCents  int64
}

// CostMeter 将 token 用量换算为供应商成本与计费金额，纯函数，无副作用
type CostMeter struct {
	rates       map[string]ModelRate
	keys        []string // 按长度降序，用于子串匹配
	defaultRate ModelRate
	markup      MarkupPolicy
}

// NewCostMeter 创建计价器
func NewCostMeter(cfg *GovernanceConfig) *CostMeter {
	return newCostMeter(cfg.Cost.Rates, cfg.Cost.DefaultRate, cfg.Cost.Markup)
}

func newCostMeter(rates map[string]ModelRate, defaultRate ModelRate, markup MarkupPolicy) *CostMeter {
	m := &CostMeter{
		rates:       make(map[string]ModelRate, len(rates)),
		defaultRate: defaultRate,
		markup:      markup,
	}
	for name, r := range rates {
		key := strings.ToLower(strings.TrimSpace(name))
		m.rates[key] = r
		m.keys = append(m.keys, key)
	}
	sort.Slice(m.keys, func(i, j int) bool {
		if len(m.keys[i]) != len(m.keys[j]) {
			return len(m.keys[i]) > len(m.keys[j])
		}
		return m.keys[i] < m.keys[j]
	})
	if m.markup == nil {
		m.markup = MultiplierMarkup{Multiplier: decimal.NewFromInt(1)}
	}
	return m
}

// WithMarkup 返回使用另一加价策略的副本（供成本模拟使用）
func (m *CostMeter) WithMarkup(p MarkupPolicy) *CostMeter {
	cp := *m
	cp.markup = p
	return &cp
}

// Rate 查找模型费率：先精确匹配，再按最长子串匹配（如 gpt-4o-mini-2024-07-18）
func (m *CostMeter) Rate(model string) (string, ModelRate, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if r, ok := m.rates[name]; ok {
		return name, r, true
	}
	if name != "" {
		for _, key := range m.keys {
			if strings.Contains(name, key) {
				return key, m.rates[key], true
			}
		}
	}
	return "", m.defaultRate, false
}

func (m *CostMeter) rawCents(rate ModelRate, promptTokens, completionTokens int) decimal.Decimal {
	p := decimal.NewFromInt(int64(clampTokens(promptTokens)))
	c := decimal.NewFromInt(int64(clampTokens(completionTokens)))
	return p.Div(thousand).Mul(rate.PromptCentsPer1K).
		Add(c.Div(thousand).Mul(rate.CompletionCentsPer1K))
}

// Quote 计算供应商成本与计费金额
func (m *CostMeter) Quote(model string, promptTokens, completionTokens int) CostQuote {
	pricedAs, rate, known := m.Rate(model)
	raw := m.rawCents(rate, promptTokens, completionTokens)

	var vendor int64
	if raw.IsPositive() {
		vendor = raw.Ceil().IntPart()
	}
	billed := m.markup.Bill(raw)
	if billed < vendor {
		billed = vendor
	}
	return CostQuote{
		Model:            model,
		PricedAs:         pricedAs,
		Fallback:         !known,
		PromptTokens:     clampTokens(promptTokens),
		CompletionTokens: clampTokens(completionTokens),
		VendorCostCents:  vendor,
		BilledCostCents:  billed,
	}
}

// VendorCostCents 供应商成本（分，向上取整）
func (m *CostMeter) VendorCostCents(model string, promptTokens, completionTokens int) int64 {
	return m.Quote(model, promptTokens, completionTokens).VendorCostCents
}

// BilledCostCents 计费金额（分），不低于供应商成本
func (m *CostMeter) BilledCostCents(model string, promptTokens, completionTokens int) int64 {
	return m.Quote(model, promptTokens, completionTokens).BilledCostCents
}

// EstimateTokens 粗略估算 token 数（约 4 字符 1 token），供应商未返回用量时使用
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func clampTokens(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
