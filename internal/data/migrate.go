package data

import (
	"usage-governance/internal/data/model"

	"gorm.io/gorm"
)

// Migrate 自动建表/补齐字段与索引
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(model.All()...)
}
