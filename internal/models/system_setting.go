package models

import (
	"time"

	"gorm.io/datatypes"
)

// SystemSetting is a runtime switch the operators can flip without a redeploy,
// e.g. pausing execution while a vault incident is investigated.
type SystemSetting struct {
	ID  uint64 `gorm:"primaryKey;autoIncrement"`
	Key string `gorm:"type:varchar(120);not null;uniqueIndex"`

	// JSON value; booleans for feature switches.
	Value datatypes.JSON `gorm:"type:jsonb;not null"`

	Description string    `gorm:"type:text"`
	UpdatedBy   string    `gorm:"type:varchar(120)"`
	CreatedAt   time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;autoUpdateTime;index"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}
