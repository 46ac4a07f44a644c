package model

import "time"

// EventStatus is the processing state of an outbox event.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
	EventStatusFailed    EventStatus = "failed"
)

// Event is one outbox row. It is written in the same transaction as the
// aggregate mutation it announces and mutated afterwards only by the
// processor (attempts/status) or an operator reset.
type Event struct {
	ID            string      `gorm:"primaryKey;size:36"`
	TenantID      string      `gorm:"size:64;not null;index:idx_event_tenant_status,priority:1;uniqueIndex:ux_event_tenant_idem,priority:1"`
	EventName     string      `gorm:"size:128;not null;index"`
	AggregateType string      `gorm:"size:64;not null"`
	AggregateID   string      `gorm:"size:64;not null"`
	Payload       string      `gorm:"type:jsonb;not null"`
	Status        EventStatus `gorm:"size:16;not null;default:'pending';index:idx_event_tenant_status,priority:2"`

	IdempotencyKey string `gorm:"size:128;not null;uniqueIndex:ux_event_tenant_idem,priority:2"`

	Attempts      int    `gorm:"not null;default:0"`
	MaxAttempts   int    `gorm:"not null;default:5"`
	LastError     string `gorm:"type:text"`
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	ProcessedBy   string `gorm:"size:128"`

	// OccurredAt is domain time and authoritative for business ordering;
	// CreatedAt/UpdatedAt are storage time.
	OccurredAt time.Time `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (Event) TableName() string { return "event_outbox" }

// Terminal reports whether the event may no longer be picked up by the
// dispatcher without an operator reset.
func (e *Event) Terminal() bool {
	return e.Status == EventStatusProcessed || e.Status == EventStatusFailed
}
