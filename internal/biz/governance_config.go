package biz

import (
	"time"

	"usage-governance/internal/conf"

	"github.com/shopspring/decimal"
)

// GovernanceConfig 治理核心配置（已填充默认值）
type GovernanceConfig struct {
	Cost      CostConfig
	Wallet    WalletConfig
	RateLimit RateLimitConfig
	Circuit   CircuitConfig

	WriteGuardRetention time.Duration
	Watches             []SpikeWatch
}

// CostConfig 计价配置
type CostConfig struct {
	Rates       map[string]ModelRate
	DefaultRate ModelRate
	Markup      MarkupPolicy
}

// WalletConfig 钱包配置
type WalletConfig struct {
	FeatureCosts      map[string]int64           // 功能固定单价（分）
	PlanFeatures      map[string]map[string]bool // 套餐覆盖的功能
	FreeCredits       map[string]int32           // 新用户免费次数
	ChargeGuardWindow time.Duration
	LowBalanceCents   int64
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	StoreTimeout    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

// CircuitConfig 熔断配置
type CircuitConfig struct {
	CacheTTL       time.Duration
	DefaultMinutes int
	StoreTimeout   time.Duration
}

// SpikeWatch 异常流量监控项
type SpikeWatch struct {
	Scope           string
	Feature         string
	Window          time.Duration
	BaselineWindows int
	MinEvents       int64
	SpikeFactor     float64
	TripMinutes     int
}

// DefaultModelRates 内置模型单价（分/千 token）
func DefaultModelRates() map[string]ModelRate {
	return map[string]ModelRate{
		"gpt-4o":        NewModelRate(0.5, 1.5),
		"gpt-4o-mini":   NewModelRate(0.015, 0.06),
		"gpt-4":         NewModelRate(3, 6),
		"gpt-3.5-turbo": NewModelRate(0.15, 0.2),
	}
}

// DefaultFeatureCosts 功能固定单价（分）
func DefaultFeatureCosts() map[string]int64 {
	return map[string]int64{
		"FOOD_ANALYSIS":          10,
		"FOOD_REANALYSIS":        10,
		"SYMPTOM_ANALYSIS":       10,
		"MEDICAL_IMAGE_ANALYSIS": 20,
		"INTERACTION_ANALYSIS":   30,
		"HEALTH_INTAKE":          10,
		"INSIGHTS_UPDATE":        10,
	}
}

// DefaultFreeCredits 新用户免费次数
func DefaultFreeCredits() map[string]int32 {
	return map[string]int32{
		"FOOD_ANALYSIS":          5,
		"SYMPTOM_ANALYSIS":       2,
		"MEDICAL_IMAGE_ANALYSIS": 2,
		"INTERACTION_ANALYSIS":   2,
		"HEALTH_INTAKE":          1,
		"INSIGHTS_UPDATE":        3,
	}
}

// DefaultPlanFeatures 套餐覆盖功能
func DefaultPlanFeatures() map[string][]string {
	return map[string][]string{
		"PREMIUM": {"FOOD_ANALYSIS", "FOOD_REANALYSIS", "SYMPTOM_ANALYSIS", "HEALTH_INTAKE", "INSIGHTS_UPDATE"},
		"PREMIUM_PLUS": {
			"FOOD_ANALYSIS", "FOOD_REANALYSIS", "SYMPTOM_ANALYSIS", "HEALTH_INTAKE", "INSIGHTS_UPDATE",
			"MEDICAL_IMAGE_ANALYSIS", "INTERACTION_ANALYSIS",
		},
	}
}

// NewGovernanceConfig 从配置创建 GovernanceConfig，未配置的项使用默认值
func NewGovernanceConfig(c *conf.Bootstrap) *GovernanceConfig {
	cfg := &GovernanceConfig{
		Cost: CostConfig{
			Rates:       DefaultModelRates(),
			DefaultRate: NewModelRate(3, 6),
			Markup:      MultiplierMarkup{Multiplier: decimal.NewFromInt(2)},
		},
		Wallet: WalletConfig{
			FeatureCosts:      DefaultFeatureCosts(),
			PlanFeatures:      planFeatureSet(DefaultPlanFeatures()),
			FreeCredits:       DefaultFreeCredits(),
			ChargeGuardWindow: 24 * time.Hour,
			LowBalanceCents:   100,
		},
		RateLimit: RateLimitConfig{
			StoreTimeout:    500 * time.Millisecond,
			CleanupInterval: 10 * time.Minute,
			Retention:       24 * time.Hour,
		},
		Circuit: CircuitConfig{
			CacheTTL:       5 * time.Second,
			DefaultMinutes: 5,
			StoreTimeout:   500 * time.Millisecond,
		},
		WriteGuardRetention: 7 * 24 * time.Hour,
	}
	if c == nil || c.Governance == nil {
		return cfg
	}
	g := c.Governance

	if g.Cost != nil {
		for model, r := range g.Cost.Models {
			if r == nil {
				continue
			}
			cfg.Cost.Rates[model] = NewModelRate(r.PromptCentsPer1K, r.CompletionCentsPer1K)
		}
		if g.Cost.DefaultRate != nil {
			cfg.Cost.DefaultRate = NewModelRate(g.Cost.DefaultRate.PromptCentsPer1K, g.Cost.DefaultRate.CompletionCentsPer1K)
		}
		markup := MultiplierMarkup{Multiplier: decimal.NewFromInt(2), MinimumCents: g.Cost.MinimumBilledCents}
		if g.Cost.MarkupMultiplier > 0 {
			markup.Multiplier = decimal.NewFromFloat(g.Cost.MarkupMultiplier)
		}
		cfg.Cost.Markup = markup
	}

	if w := g.Wallet; w != nil {
		if len(w.FeatureCosts) > 0 {
			cfg.Wallet.FeatureCosts = w.FeatureCosts
		}
		if len(w.PlanFeatures) > 0 {
			cfg.Wallet.PlanFeatures = planFeatureSet(w.PlanFeatures)
		}
		if len(w.FreeCredits) > 0 {
			cfg.Wallet.FreeCredits = w.FreeCredits
		}
		if d := w.ChargeGuardWindow.AsDuration(); d > 0 {
			cfg.Wallet.ChargeGuardWindow = d
		}
		if w.LowBalanceCents > 0 {
			cfg.Wallet.LowBalanceCents = w.LowBalanceCents
		}
	}

	if r := g.RateLimit; r != nil {
		if d := r.StoreTimeout.AsDuration(); d > 0 {
			cfg.RateLimit.StoreTimeout = d
		}
		if d := r.CleanupInterval.AsDuration(); d > 0 {
			cfg.RateLimit.CleanupInterval = d
		}
		if d := r.Retention.AsDuration(); d > 0 {
			cfg.RateLimit.Retention = d
		}
	}

	if ci := g.Circuit; ci != nil {
		if d := ci.CacheTTL.AsDuration(); d > 0 {
			cfg.Circuit.CacheTTL = d
		}
		if ci.DefaultMinutes > 0 {
			cfg.Circuit.DefaultMinutes = ci.DefaultMinutes
		}
		if d := ci.StoreTimeout.AsDuration(); d > 0 {
			cfg.Circuit.StoreTimeout = d
		}
	}

	if g.WriteGuard != nil {
		if d := g.WriteGuard.Retention.AsDuration(); d > 0 {
			cfg.WriteGuardRetention = d
		}
	}

	if g.Runaway != nil {
		for _, w := range g.Runaway.Watches {
			if w == nil || w.Scope == "" || w.Window.AsDuration() <= 0 {
				continue
			}
			watch := SpikeWatch{
				Scope:           w.Scope,
				Feature:         w.Feature,
				Window:          w.Window.AsDuration(),
				BaselineWindows: w.BaselineWindows,
				MinEvents:       w.MinEvents,
				SpikeFactor:     w.SpikeFactor,
				TripMinutes:     w.TripMinutes,
			}
			if watch.BaselineWindows <= 0 {
				watch.BaselineWindows = 12
			}
			if watch.SpikeFactor <= 0 {
				watch.SpikeFactor = 3
			}
			if watch.TripMinutes <= 0 {
				watch.TripMinutes = 30
			}
			cfg.Watches = append(cfg.Watches, watch)
		}
	}
	return cfg
}

func planFeatureSet(in map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(in))
	for plan, features := range in {
		set := make(map[string]bool, len(features))
		for _, f := range features {
			set[f] = true
		}
		out[plan] = set
	}
	return out
}
