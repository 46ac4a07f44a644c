package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/maintrail/maintrail/internal/model"
)

// Store wraps event_outbox persistence. All mutating processor paths go
// through a caller-owned transaction; scan/operator paths use the shared
// session with explicit tenant filters.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the event store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying session for callers that open their own
// transactions around a publish.
func (s *Store) DB(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

// GetForUpdate loads one event under an exclusive row lock. SQLite (used
// in tests) has no FOR UPDATE; its single-writer model covers the gap.
func (s *Store) GetForUpdate(ctx context.Context, tx *gorm.DB, tenantID, eventID string) (*model.Event, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var evt model.Event
	if err := q.Where("id = ? AND tenant_id = ?", eventID, tenantID).First(&evt).Error; err != nil {
		return nil, err
	}
	return &evt, nil
}

// TenantsWithPending lists tenants that currently have pending events.
func (s *Store) TenantsWithPending(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("status = ?", model.EventStatusPending).
		Distinct().
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// PendingBatch returns up to limit pending events for one tenant, oldest
// first by storage time.
func (s *Store) PendingBatch(ctx context.Context, tenantID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []model.Event
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.EventStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// EventFilter narrows List queries on the operational surface.
type EventFilter struct {
	TenantID      string
	Status        string
	EventName     string
	AggregateType string
	AggregateID   string
	Limit         int
}

// List returns events matching the filter, newest first.
func (s *Store) List(ctx context.Context, f EventFilter) ([]model.Event, error) {
	q := s.db.WithContext(ctx).Model(&model.Event{})
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.EventName != "" {
		q = q.Where("event_name = ?", f.EventName)
	}
	if f.AggregateType != "" {
		q = q.Where("aggregate_type = ?", f.AggregateType)
	}
	if f.AggregateID != "" {
		q = q.Where("aggregate_id = ?", f.AggregateID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []model.Event
	err := q.Order("created_at DESC").Limit(limit).Find(&events).Error
	return events, err
}

// Reset puts one non-processed event back to pending with a clean retry
// budget, scoped by tenant like every other operator path. Processed
// events are terminal and stay untouched.
func (s *Store) Reset(ctx context.Context, tenantID, eventID string) error {
	res := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ? AND tenant_id = ? AND status <> ?", eventID, tenantID, model.EventStatusProcessed).
		Updates(map[string]interface{}{
			"status":          model.EventStatusPending,
			"attempts":        0,
			"last_error":      "",
			"last_attempt_at": nil,
			"processed_at":    nil,
			"processed_by":    "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetFailed bulk-resets failed events back to pending. Empty tenantID
// or eventName leaves that dimension unfiltered.
func (s *Store) ResetFailed(ctx context.Context, tenantID, eventName string, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	sub := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Select("id").
		Where("status = ?", model.EventStatusFailed).
		Order("created_at ASC").
		Limit(limit)
	if tenantID != "" {
		sub = sub.Where("tenant_id = ?", tenantID)
	}
	if eventName != "" {
		sub = sub.Where("event_name = ?", eventName)
	}
	res := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id IN (?)", sub).
		Updates(map[string]interface{}{
			"status":          model.EventStatusPending,
			"attempts":        0,
			"last_error":      "",
			"last_attempt_at": nil,
			"processed_at":    nil,
			"processed_by":    "",
		})
	return res.RowsAffected, res.Error
}

// MarkFailedBulk force-fails pending events, recording the operator's
// reason. Used to park poison messages without burning retries.
func (s *Store) MarkFailedBulk(ctx context.Context, tenantID string, eventIDs []string, reason string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("tenant_id = ? AND id IN ? AND status = ?", tenantID, eventIDs, model.EventStatusPending).
		Updates(map[string]interface{}{
			"status":     model.EventStatusFailed,
			"last_error": reason,
		})
	return res.RowsAffected, res.Error
}

// PurgeFinished deletes processed/failed rows older than the cutoff.
// Pending rows are never touched regardless of age.
func (s *Store) PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]model.EventStatus{model.EventStatusProcessed, model.EventStatusFailed}, olderThan).
		Delete(&model.Event{})
	return res.RowsAffected, res.Error
}
