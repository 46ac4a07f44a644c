package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event names with a closed, known consumer set get a typed data variant.
// Anything else round-trips as opaque bytes.
const (
	NameWorkOrderClosed = "work_order.closed"
	NameCostEntryPosted = "cost.entry_posted"
)

// Aggregate identifies the business entity that produced an event.
type Aggregate struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is the wire format wrapped around every event payload, used
// both for internal propagation and for export/audit tooling.
type Envelope struct {
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id"`
	EventName  string          `json:"event_name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Aggregate  Aggregate       `json:"aggregate"`
	Data       json.RawMessage `json:"data"`
}

// LaborLine is one labor entry on a closed work order. HourlyRate nil
// means the rate card effective on the completion date applies.
type LaborLine struct {
	Role       string           `json:"role"`
	Hours      decimal.Decimal  `json:"hours"`
	HourlyRate *decimal.Decimal `json:"hourly_rate,omitempty"`
}

// PartLine is one consumed part on a closed work order.
type PartLine struct {
	Qty      decimal.Decimal `json:"qty"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	PartName string          `json:"part_name,omitempty"`
}

// ThirdPartyLine is one external invoice line on a closed work order.
type ThirdPartyLine struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// WorkOrderClosed is the data variant for work_order.closed.
type WorkOrderClosed struct {
	WorkOrderID  string           `json:"work_order_id"`
	AssetID      string           `json:"asset_id"`
	CostCenterID string           `json:"cost_center_id,omitempty"`
	Category     string           `json:"category"`
	CompletedAt  time.Time        `json:"completed_at"`
	Labor        []LaborLine      `json:"labor"`
	Parts        []PartLine       `json:"parts"`
	ThirdParty   []ThirdPartyLine `json:"third_party"`
}

// CostEntryPosted is the data variant for cost.entry_posted, published by
// the cost engine once per created ledger transaction.
type CostEntryPosted struct {
	CostTransactionID string          `json:"cost_transaction_id"`
	TransactionType   string          `json:"transaction_type"`
	Amount            decimal.Decimal `json:"amount"`
	WorkOrderID       string          `json:"work_order_id"`
	AssetID           string          `json:"asset_id"`
	Category          string          `json:"category"`
	CostCenterID      string          `json:"cost_center_id"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// EncodeData marshals a typed data variant (or any JSON-marshalable
// value, for forward-compatible event names) into envelope data bytes.
func EncodeData(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return b, nil
}

// DecodeWorkOrderClosed parses and validates work_order.closed data.
func DecodeWorkOrderClosed(raw []byte) (*WorkOrderClosed, error) {
	var d WorkOrderClosed
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", NameWorkOrderClosed, err)
	}
	if d.WorkOrderID == "" {
		return nil, fmt.Errorf("%s: missing work_order_id", NameWorkOrderClosed)
	}
	if d.CompletedAt.IsZero() {
		return nil, fmt.Errorf("%s: missing completed_at", NameWorkOrderClosed)
	}
	return &d, nil
}

// Parse reads a serialized envelope.
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// Marshal serializes the envelope for storage or the audit stream.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}
