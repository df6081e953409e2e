package model

// All 需要自动迁移的表
func All() []interface{} {
	return []interface{}{
		&UsageEvent{},
		&RateLimitBucket{},
		&CircuitBreakerState{},
		&WriteGuardEntry{},
		&Subscription{},
		&FreeCreditGrant{},
		&CreditTopUp{},
		&WalletCharge{},
	}
}
