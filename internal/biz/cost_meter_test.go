package biz

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestCostMeter() *CostMeter {
	return NewCostMeter(NewGovernanceConfig(nil))
}

func TestCostMeterKnownModels(t *testing.T) {
	m := newTestCostMeter()

	q := m.Quote("gpt-4o", 1000, 1000)
	assert.Equal(t, int64(2), q.VendorCostCents)
	assert.Equal(t, int64(4), q.BilledCostCents)
	assert.False(t, q.Fallback)

	// 0.015 + 0.06 cents rounds up to a single cent
	q = m.Quote("gpt-4o-mini", 1000, 1000)
	assert.Equal(t, int64(1), q.VendorCostCents)
	assert.Equal(t, int64(1), q.BilledCostCents)

	// exact decimal math: 100k mini prompt tokens is exactly 1.5 cents
	q = m.Quote("gpt-4o-mini", 100000, 0)
	assert.Equal(t, int64(2), q.VendorCostCents)
	assert.Equal(t, int64(3), q.BilledCostCents)
}

func TestCostMeterModelNormalisation(t *testing.T) {
	m := newTestCostMeter()

	name, _, ok := m.Rate("GPT-4o-mini-2024-07-18")
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", name)

	name, _, ok = m.Rate("gpt-4-turbo")
	assert.True(t, ok)
	assert.Equal(t, "gpt-4", name)

	name, _, ok = m.Rate(" gpt-4o ")
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o", name)
}

func TestCostMeterUnknownModelUsesDefaultRate(t *testing.T) {
	m := newTestCostMeter()
	for _, model := range []string{"", "claude-3-haiku", "some-new-model"} {
		q := m.Quote(model, 1000, 1000)
		assert.True(t, q.Fallback, model)
		assert.Empty(t, q.PricedAs)
		assert.Equal(t, int64(9), q.VendorCostCents, model)
		assert.Equal(t, int64(18), q.BilledCostCents, model)
	}
}

func TestCostMeterNonPositiveTokens(t *testing.T) {
	m := newTestCostMeter()
	assert.Zero(t, m.VendorCostCents("gpt-4o", 0, 0))
	assert.Zero(t, m.BilledCostCents("gpt-4o", 0, 0))
	assert.Zero(t, m.VendorCostCents("gpt-4o", -500, -1))
	assert.Zero(t, m.BilledCostCents("gpt-4o", -500, -1))

	q := m.Quote("gpt-4o", -10, 2000)
	assert.Equal(t, 0, q.PromptTokens)
	assert.Equal(t, int64(3), q.VendorCostCents)
}

func TestCostMeterBilledNeverBelowVendor(t *testing.T) {
	policies := []MarkupPolicy{
		MultiplierMarkup{Multiplier: decimal.NewFromInt(2)},
		MultiplierMarkup{Multiplier: decimal.NewFromFloat(0.5)},
		MultiplierMarkup{Multiplier: decimal.NewFromFloat(1.3), MinimumCents: 2},
	}
	models := []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo", "unknown"}
	tokens := []int{0, 1, 7, 999, 1000, 1001, 25000, 1000000}

	base := newTestCostMeter()
	for _, p := range policies {
		m := base.WithMarkup(p)
		for _, model := range models {
			for _, pt := range tokens {
				for _, ct := range tokens {
					vendor := m.VendorCostCents(model, pt, ct)
					billed := m.BilledCostCents(model, pt, ct)
					assert.GreaterOrEqual(t, vendor, int64(0))
					assert.GreaterOrEqual(t, billed, vendor, "%s %d/%d", model, pt, ct)
				}
			}
		}
	}
}

func TestMultiplierMarkup(t *testing.T) {
	m := MultiplierMarkup{Multiplier: decimal.NewFromFloat(0.5)}
	assert.Equal(t, int64(3), m.Bill(decimal.NewFromFloat(2.2)))

	m = MultiplierMarkup{Multiplier: decimal.NewFromInt(2), MinimumCents: 5}
	assert.Equal(t, int64(5), m.Bill(decimal.NewFromFloat(0.01)))
	assert.Equal(t, int64(0), m.Bill(decimal.Zero))
	assert.Equal(t, int64(10), m.Bill(decimal.NewFromInt(5)))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("早餐吃了"))
}
