package models

import "time"

// AppSetting is one configuration entry. Value holds a JSON document.
type AppSetting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedBy string `gorm:"size:64"`
	UpdatedAt time.Time
}

// ConfigAuditLog records every configuration write.
type ConfigAuditLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Key       string `gorm:"size:64;not null;index"`
	OldValue  string `gorm:"type:text"`
	NewValue  string `gorm:"type:text"`
	ChangedBy string `gorm:"size:64"`
	CreatedAt time.Time
}
