package model

import "time"

// WriteGuardEntry 幂等守卫表，(owner_key, scope) 唯一
// LastSeenAtMs 使用毫秒时间戳，条件更新在各数据库上比较一致
type WriteGuardEntry struct {
	ID           uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerKey     string    `gorm:"column:owner_key;type:varchar(128);not null;uniqueIndex:uk_write_guard,priority:1"`
	Scope        string    `gorm:"column:scope;type:varchar(191);not null;uniqueIndex:uk_write_guard,priority:2"`
	PayloadHash  string    `gorm:"column:payload_hash;type:char(64);not null"`
	HitCount     int       `gorm:"column:hit_count;not null;default:1"`
	LastRecordID string    `gorm:"column:last_record_id;type:varchar(64)"`
	LastSeenAtMs int64     `gorm:"column:last_seen_at_ms;not null;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// TableName 指定表名
func (WriteGuardEntry) TableName() string {
	return "write_guard_entries"
}
