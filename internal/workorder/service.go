// Package workorder holds the producing side of the pipeline: closing
// a work order mutates the aggregate and publishes work_order.closed in
// the same transaction, so the event can never outlive a rollback.
package workorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/model"
	"github.com/maintrail/maintrail/internal/outbox"
)

// ErrAlreadyClosed means the work order was closed earlier; the
// original close event stands.
var ErrAlreadyClosed = errors.New("work order already closed")

// Service closes work orders.
type Service struct {
	db        *gorm.DB
	publisher *outbox.Publisher
	log       *zap.SugaredLogger
}

// NewService constructs the work order service.
func NewService(db *gorm.DB, publisher *outbox.Publisher, log *zap.SugaredLogger) *Service {
	return &Service{db: db, publisher: publisher, log: log}
}

// CloseInput carries the cost lines reported at completion.
type CloseInput struct {
	CompletedAt time.Time
	Labor       []envelope.LaborLine
	Parts       []envelope.PartLine
	ThirdParty  []envelope.ThirdPartyLine
}

// Close marks the work order closed and publishes work_order.closed
// atomically. Publishing is fire-and-forget from the caller's view:
// once this transaction commits, no downstream failure surfaces here.
func (s *Service) Close(ctx context.Context, tenantID, workOrderID string, in CloseInput) (*model.WorkOrder, error) {
	completedAt := in.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	var wo model.WorkOrder
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND tenant_id = ?", workOrderID, tenantID).First(&wo).Error; err != nil {
			return fmt.Errorf("load work order %s: %w", workOrderID, err)
		}
		if wo.Status == model.WorkOrderStatusClosed {
			return ErrAlreadyClosed
		}
		if err := tx.Model(&wo).Updates(map[string]interface{}{
			"status":       model.WorkOrderStatusClosed,
			"completed_at": &completedAt,
		}).Error; err != nil {
			return err
		}

		data := envelope.WorkOrderClosed{
			WorkOrderID:  wo.ID,
			AssetID:      wo.AssetID,
			CostCenterID: wo.CostCenterID,
			Category:     wo.Category,
			CompletedAt:  completedAt,
			Labor:        in.Labor,
			Parts:        in.Parts,
			ThirdParty:   in.ThirdParty,
		}
		// Explicit key: a re-run of the close after a crash between
		// commit and response must reuse the original event.
		_, _, err := s.publisher.PublishIdempotent(ctx, tx, outbox.PublishParams{
			TenantID:       tenantID,
			EventName:      envelope.NameWorkOrderClosed,
			AggregateType:  "work_order",
			AggregateID:    wo.ID,
			IdempotencyKey: fmt.Sprintf("%s:%s", envelope.NameWorkOrderClosed, wo.ID),
			OccurredAt:     completedAt,
			Data:           data,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("work order %s closed for tenant %s", workOrderID, tenantID)
	return &wo, nil
}
