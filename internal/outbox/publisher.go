package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/metrics"
	"github.com/maintrail/maintrail/internal/model"
)

// ErrInvalidPublish is returned when a publish call is missing a
// required field. The event never reaches the store.
var ErrInvalidPublish = errors.New("invalid publish")

// ErrDuplicateIdempotencyKey is returned by the strict Publish when the
// tenant already has an event with the same key.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

const defaultMaxAttempts = 5

// PublishParams carries one event to be written. Data may be any
// JSON-marshalable value; known event names use the envelope variants.
type PublishParams struct {
	TenantID      string
	EventName     string
	AggregateType string
	AggregateID   string
	Data          interface{}
	// IdempotencyKey is optional; when empty a deterministic key is
	// derived from (event_name, aggregate_type, aggregate_id,
	// occurred_at). Two logically distinct events sharing all four
	// collide, so such callers must pass explicit keys.
	IdempotencyKey string
	OccurredAt     time.Time
	MaxAttempts    int
}

// Publisher writes outbox rows inside the caller's transaction, so a
// rolled-back business operation never leaves an orphaned event.
type Publisher struct {
	log *zap.SugaredLogger
}

// NewPublisher constructs a publisher.
func NewPublisher(log *zap.SugaredLogger) *Publisher {
	return &Publisher{log: log}
}

// Publish inserts exactly one event row in tx. A duplicate idempotency
// key is an error; use PublishIdempotent to absorb replays silently.
func (p *Publisher) Publish(ctx context.Context, tx *gorm.DB, params PublishParams) (*model.Event, error) {
	evt, err := p.buildEvent(params)
	if err != nil {
		return nil, err
	}
	// The insert runs in its own savepoint: on postgres a unique
	// violation would otherwise abort the caller's transaction, and
	// callers continue after a duplicate.
	err = tx.WithContext(ctx).Transaction(func(stx *gorm.DB) error {
		return stx.Create(evt).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: tenant=%s key=%s", ErrDuplicateIdempotencyKey, params.TenantID, evt.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(evt.TenantID, evt.EventName).Inc()
	return evt, nil
}

// PublishIdempotent is the get-or-create variant: it returns the
// existing row unmodified on a key hit. The boolean reports whether a
// new row was created. An explicit key is required.
func (p *Publisher) PublishIdempotent(ctx context.Context, tx *gorm.DB, params PublishParams) (*model.Event, bool, error) {
	if params.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency_key required", ErrInvalidPublish)
	}
	existing, err := p.findByKey(ctx, tx, params.TenantID, params.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	evt, err := p.Publish(ctx, tx, params)
	if err == nil {
		return evt, true, nil
	}
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		return nil, false, err
	}
	// Lost a race with a concurrent publisher; the winner's row is the
	// canonical one.
	existing, ferr := p.findByKey(ctx, tx, params.TenantID, params.IdempotencyKey)
	if ferr != nil {
		return nil, false, ferr
	}
	if existing == nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *Publisher) findByKey(ctx context.Context, tx *gorm.DB, tenantID, key string) (*model.Event, error) {
	var evt model.Event
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&evt).Error
	if err == nil {
		return &evt, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, err
}

func (p *Publisher) buildEvent(params PublishParams) (*model.Event, error) {
	switch {
	case params.TenantID == "":
		return nil, fmt.Errorf("%w: tenant_id required", ErrInvalidPublish)
	case params.EventName == "":
		return nil, fmt.Errorf("%w: event_name required", ErrInvalidPublish)
	case params.AggregateType == "":
		return nil, fmt.Errorf("%w: aggregate_type required", ErrInvalidPublish)
	case params.AggregateID == "":
		return nil, fmt.Errorf("%w: aggregate_id required", ErrInvalidPublish)
	case params.Data == nil:
		return nil, fmt.Errorf("%w: data required", ErrInvalidPublish)
	}

	occurred := params.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	key := params.IdempotencyKey
	if key == "" {
		key = DeriveIdempotencyKey(params.EventName, params.AggregateType, params.AggregateID, occurred)
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	data, err := envelope.EncodeData(params.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublish, err)
	}
	id := uuid.NewString()
	env := envelope.Envelope{
		EventID:    id,
		TenantID:   params.TenantID,
		EventName:  params.EventName,
		OccurredAt: occurred,
		Aggregate:  envelope.Aggregate{Type: params.AggregateType, ID: params.AggregateID},
		Data:       data,
	}
	payload, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return &model.Event{
		ID:             id,
		TenantID:       params.TenantID,
		EventName:      params.EventName,
		AggregateType:  params.AggregateType,
		AggregateID:    params.AggregateID,
		Payload:        string(payload),
		Status:         model.EventStatusPending,
		IdempotencyKey: key,
		MaxAttempts:    maxAttempts,
		OccurredAt:     occurred,
	}, nil
}

// DeriveIdempotencyKey builds the deterministic default key. Callers
// producing two distinct events with identical inputs must supply
// explicit keys instead.
func DeriveIdempotencyKey(eventName, aggregateType, aggregateID string, occurredAt time.Time) string {
	h := sha256.Sum256([]byte(
		eventName + "|" + aggregateType + "|" + aggregateID + "|" + occurredAt.UTC().Format(time.RFC3339Nano),
	))
	return hex.EncodeToString(h[:])[:32]
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || // postgres
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}
