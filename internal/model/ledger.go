package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostTransactionType classifies a ledger entry by its cost source.
type CostTransactionType string

const (
	CostTypeLabor      CostTransactionType = "labor"
	CostTypeParts      CostTransactionType = "parts"
	CostTypeThirdParty CostTransactionType = "third_party"
	CostTypeEnergy     CostTransactionType = "energy"
	CostTypeAdjustment CostTransactionType = "adjustment"
	CostTypeOther      CostTransactionType = "other"
)

// CostTransaction is an immutable-once-locked financial ledger entry.
// Creation is deduplicated per tenant by IdempotencyKey, derived
// deterministically from the aggregate id and sub-ledger type, so event
// replays never produce a second row.
type CostTransaction struct {
	ID             string              `gorm:"primaryKey;size:36"`
	TenantID       string              `gorm:"size:64;not null;uniqueIndex:ux_cost_tenant_idem,priority:1"`
	IdempotencyKey string              `gorm:"size:128;not null;uniqueIndex:ux_cost_tenant_idem,priority:2"`
	Type           CostTransactionType `gorm:"size:32;not null"`
	Category       string              `gorm:"size:64"`
	Amount         decimal.Decimal     `gorm:"type:numeric(14,2);not null"`
	OccurredAt     time.Time           `gorm:"not null;index"`

	CostCenterID string `gorm:"size:36;not null"`

	// Soft links: the producing event may reference entities by loose
	// numeric ids that no longer exist, so these stay nullable.
	AssetID     *uint64
	WorkOrderID *uint64

	// Meta holds the input breakdown that produced Amount, as JSON.
	Meta string `gorm:"type:jsonb"`

	// IsLocked freezes the protected fields once an accounting period
	// closes. Corrections after that point are new adjustment rows
	// referencing the original through AdjustsID.
	IsLocked  bool    `gorm:"not null;default:false"`
	AdjustsID *string `gorm:"size:36"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (CostTransaction) TableName() string { return "cost_transaction" }
