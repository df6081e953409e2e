package model

import "time"

// CircuitBreakerState 熔断状态表，每个 scope 一行
type CircuitBreakerState struct {
	Scope     string     `gorm:"column:scope;primaryKey;type:varchar(128)"`
	OpenUntil *time.Time `gorm:"column:open_until"`
	Reason    string     `gorm:"column:reason;type:varchar(500)"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName 指定表名
func (CircuitBreakerState) TableName() string {
	return "circuit_breaker_states"
}
