package biz

import "github.com/google/wire"

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewGovernanceConfig,
	NewCostMeter,
	NewWriteGuard,
	NewRateLimiter,
	NewCircuitBreaker,
	NewRunawayGuard,
	NewUsageLogger,
	NewUsageReportUseCase,
	NewWalletUseCase,
	NewMaintenanceUseCase,
)
