package model

import (
	"time"

	"gorm.io/datatypes"
)

// UsageEvent 模型调用用量表（只追加）
type UsageEvent struct {
	UsageEventID     string            `gorm:"column:usage_event_id;primaryKey;type:varchar(36)"`
	CreatedAt        time.Time         `gorm:"column:created_at;index:idx_usage_feature_created,priority:2;index"`
	Feature          string            `gorm:"column:feature;type:varchar(64);index:idx_usage_feature_created,priority:1"`
	Endpoint         string            `gorm:"column:endpoint;type:varchar(255)"`
	Model            string            `gorm:"column:model;type:varchar(128);index"`
	PromptTokens     int               `gorm:"column:prompt_tokens;not null;default:0"`
	CompletionTokens int               `gorm:"column:completion_tokens;not null;default:0"`
	TotalTokens      int               `gorm:"column:total_tokens;not null;default:0"`
	VendorCostCents  int64             `gorm:"column:vendor_cost_cents;not null;default:0"`
	BilledCostCents  int64             `gorm:"column:billed_cost_cents;not null;default:0"`
	Success          bool              `gorm:"column:success;not null"`
	ErrorTag         string            `gorm:"column:error_tag;type:varchar(32)"`
	ErrorMessage     string            `gorm:"column:error_message;type:varchar(500)"`
	UserID           string            `gorm:"column:user_id;type:varchar(64);index"`
	UserLabel        string            `gorm:"column:user_label;type:varchar(255)"`
	Metadata         datatypes.JSONMap `gorm:"column:metadata"`
}

// TableName 指定表名
func (UsageEvent) TableName() string {
	return "usage_events"
}
