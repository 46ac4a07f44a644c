package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/model"
)

// ErrLedgerLocked is returned when a write would touch protected fields
// of a locked cost transaction. Corrections past a period close must be
// new adjustment rows.
var ErrLedgerLocked = errors.New("cost transaction is locked")

// ErrDuplicateKey is returned when a create collides on idempotency key.
var ErrDuplicateKey = errors.New("duplicate ledger idempotency key")

// Store persists cost transactions. Creation is deduplicated by the
// unique idempotency key, never by application locks.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the ledger store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying session.
func (s *Store) DB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// FindByKey looks a transaction up by tenant and idempotency key.
// Returns (nil, nil) when absent.
func (s *Store) FindByKey(ctx context.Context, tx *gorm.DB, tenantID, key string) (*model.CostTransaction, error) {
	var t model.CostTransaction
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&t).Error
	if err == nil {
		return &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// Create inserts one transaction. A concurrent writer winning the same
// key surfaces as ErrDuplicateKey so the caller can count it as skipped.
func (s *Store) Create(ctx context.Context, tx *gorm.DB, t *model.CostTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	// Savepoint keeps the caller's transaction usable after a key
	// collision; the engine continues posting the other sub-ledgers.
	err := tx.WithContext(ctx).Transaction(func(stx *gorm.DB) error {
		return stx.Create(t).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, t.IdempotencyKey)
		}
		return fmt.Errorf("insert cost transaction: %w", err)
	}
	return nil
}

// UpdateUnlocked applies updates to a transaction's mutable surface,
// refusing if the row is locked.
func (s *Store) UpdateUnlocked(ctx context.Context, tx *gorm.DB, tenantID, id string, updates map[string]interface{}) error {
	var t model.CostTransaction
	if err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&t).Error; err != nil {
		return err
	}
	if t.IsLocked {
		return fmt.Errorf("%w: %s", ErrLedgerLocked, id)
	}
	return tx.WithContext(ctx).Model(&model.CostTransaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// LockThrough freezes every unlocked transaction of the tenant dated
// before the cutoff, i.e. an accounting period close. Returns the count
// locked.
func (s *Store) LockThrough(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.CostTransaction{}).
		Where("tenant_id = ? AND occurred_at < ? AND is_locked = ?", tenantID, cutoff, false).
		Update("is_locked", true)
	return res.RowsAffected, res.Error
}

// CreateAdjustment posts a correction against an existing transaction.
// Works on locked originals; the original row itself never changes.
func (s *Store) CreateAdjustment(ctx context.Context, tx *gorm.DB, tenantID, originalID string, amount decimal.Decimal, reason, idempotencyKey string) (*model.CostTransaction, error) {
	var orig model.CostTransaction
	if err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", originalID, tenantID).
		First(&orig).Error; err != nil {
		return nil, fmt.Errorf("load original %s: %w", originalID, err)
	}
	meta, _ := metaJSON(map[string]interface{}{"reason": reason, "adjusts": originalID})
	adj := &model.CostTransaction{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
		Type:           model.CostTypeAdjustment,
		Category:       orig.Category,
		Amount:         amount.Round(2),
		OccurredAt:     time.Now().UTC(),
		CostCenterID:   orig.CostCenterID,
		AssetID:        orig.AssetID,
		WorkOrderID:    orig.WorkOrderID,
		Meta:           meta,
		AdjustsID:      &orig.ID,
	}
	if err := s.Create(ctx, tx, adj); err != nil {
		return nil, err
	}
	return adj, nil
}

// FirstActiveCostCenter returns the tenant's fallback cost center.
func (s *Store) FirstActiveCostCenter(ctx context.Context, tx *gorm.DB, tenantID string) (*model.CostCenter, error) {
	var cc model.CostCenter
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Order("code ASC").
		First(&cc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tenant %s has no active cost center", tenantID)
		}
		return nil, err
	}
	return &cc, nil
}

// CostCenterByID resolves one cost center, nil when missing or inactive.
func (s *Store) CostCenterByID(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.CostCenter, error) {
	var cc model.CostCenter
	err := tx.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND active = ?", id, tenantID, true).
		First(&cc).Error
	if err == nil {
		return &cc, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

// EffectiveRate returns the rate-card hourly rate for a role on a date.
func (s *Store) EffectiveRate(ctx context.Context, tx *gorm.DB, tenantID, role string, on time.Time) (decimal.Decimal, error) {
	var rc model.RateCard
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND role = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)",
			tenantID, role, on, on).
		Order("effective_from DESC").
		First(&rc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("no rate card for role %q effective %s", role, on.Format("2006-01-02"))
		}
		return decimal.Zero, err
	}
	return rc.HourlyRate, nil
}

func metaJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
