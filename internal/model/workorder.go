package model

import "time"

type WorkOrderStatus string

const (
	WorkOrderStatusOpen   WorkOrderStatus = "open"
	WorkOrderStatusClosed WorkOrderStatus = "closed"
)

// WorkOrder is the canonical event-producing aggregate. Its CRUD
// surface lives outside this subsystem; it appears here so closing one
// can demonstrate the publish-in-same-transaction contract.
type WorkOrder struct {
	ID           string          `gorm:"primaryKey;size:64"`
	TenantID     string          `gorm:"size:64;not null;index"`
	AssetID      string          `gorm:"size:64"`
	Category     string          `gorm:"size:64"`
	CostCenterID string          `gorm:"size:36"`
	Status       WorkOrderStatus `gorm:"size:16;not null;default:'open'"`
	CompletedAt  *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (WorkOrder) TableName() string { return "work_order" }
