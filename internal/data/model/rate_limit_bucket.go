package model

import "time"

// RateLimitBucket 固定窗口限流计数表
// WindowStart/WindowEnd 为窗口起止（毫秒时间戳），清理按 WindowEnd 判断
type RateLimitBucket struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Scope       string    `gorm:"column:scope;type:varchar(64);not null;uniqueIndex:uk_rate_limit_bucket,priority:1"`
	BucketKey   string    `gorm:"column:bucket_key;type:varchar(191);not null;uniqueIndex:uk_rate_limit_bucket,priority:2"`
	WindowStart int64     `gorm:"column:window_start;not null;uniqueIndex:uk_rate_limit_bucket,priority:3;index"`
	WindowEnd   int64     `gorm:"column:window_end;not null;default:0;index"`
	Hits        int64     `gorm:"column:hits;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName 指定表名
func (RateLimitBucket) TableName() string {
	return "rate_limit_buckets"
}
