package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostCenter is the accounting bucket every ledger entry must land in.
type CostCenter struct {
	ID        string    `gorm:"primaryKey;size:36"`
	TenantID  string    `gorm:"size:64;not null;index"`
	Code      string    `gorm:"size:32;not null"`
	Name      string    `gorm:"size:128;not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (CostCenter) TableName() string { return "cost_center" }

// RateCard gives the hourly labor rate for a role over a validity window.
// EffectiveTo nil means open-ended.
type RateCard struct {
	ID            uint64          `gorm:"primaryKey"`
	TenantID      string          `gorm:"size:64;not null;index:idx_rate_card_lookup,priority:1"`
	Role          string          `gorm:"size:64;not null;index:idx_rate_card_lookup,priority:2"`
	HourlyRate    decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	EffectiveFrom time.Time       `gorm:"not null"`
	EffectiveTo   *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (RateCard) TableName() string { return "rate_card" }
