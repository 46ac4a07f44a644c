package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/metrics"
	"github.com/maintrail/maintrail/internal/model"
)

// AuditSink receives envelopes of successfully processed events, e.g.
// a Kafka topic consumed by export/audit tooling. Delivery there is
// best-effort and never affects event state.
type AuditSink interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// Processor claims one event under a row lock, executes its handler in
// a savepoint, and records the outcome. The event row's attempts field
// is the only retry counter; the worker loop re-invokes Process and
// sleeps between attempts but never counts on its own.
type Processor struct {
	store    *Store
	registry *Registry
	audit    AuditSink
	workerID string
	log      *zap.SugaredLogger
}

// NewProcessor constructs a processor. audit may be nil.
func NewProcessor(store *Store, registry *Registry, audit AuditSink, log *zap.SugaredLogger) *Processor {
	host, _ := os.Hostname()
	return &Processor{
		store:    store,
		registry: registry,
		audit:    audit,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:      log,
	}
}

// Process handles one event to completion of a single attempt. Returns
// nil when the event reached a terminal state or was already terminal;
// returns *RetryableError when the attempt failed with budget left.
func (p *Processor) Process(ctx context.Context, tenantID, eventID string) error {
	start := time.Now()
	var (
		retryErr  error
		outcome   model.EventStatus
		auditEnv  *envelope.Envelope
		eventName string
	)

	err := p.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		evt, err := p.store.GetForUpdate(ctx, tx, tenantID, eventID)
		if err != nil {
			return fmt.Errorf("lock event %s: %w", eventID, err)
		}
		eventName = evt.EventName
		// The dispatcher may schedule the same row twice; whoever got
		// the lock first already moved it past pending.
		if evt.Status != model.EventStatusPending {
			return nil
		}

		handler, ok := p.registry.Get(evt.EventName)
		if !ok {
			// A missing handler will not appear later; no retry is
			// meaningful.
			outcome = model.EventStatusFailed
			return p.markFailed(ctx, tx, evt, fmt.Sprintf("no handler registered for %q", evt.EventName))
		}

		env, err := envelope.Parse([]byte(evt.Payload))
		if err != nil {
			outcome = model.EventStatusFailed
			return p.markFailed(ctx, tx, evt, err.Error())
		}

		// The handler's writes run in their own savepoint so a partial
		// failure rolls them back while the attempt bookkeeping below
		// still commits with the outer transaction.
		herr := tx.Transaction(func(htx *gorm.DB) error {
			return handler(ctx, htx, env)
		})
		if herr == nil {
			outcome = model.EventStatusProcessed
			auditEnv = env
			now := time.Now()
			return tx.WithContext(ctx).Model(&model.Event{}).
				Where("id = ?", evt.ID).
				Updates(map[string]interface{}{
					"status":          model.EventStatusProcessed,
					"attempts":        evt.Attempts + 1,
					"last_attempt_at": &now,
					"processed_at":    &now,
					"processed_by":    p.workerID,
				}).Error
		}

		attempts := evt.Attempts + 1
		now := time.Now()
		updates := map[string]interface{}{
			"attempts":        attempts,
			"last_error":      herr.Error(),
			"last_attempt_at": &now,
		}
		var perm *PermanentError
		exhausted := attempts >= evt.MaxAttempts
		if errors.As(herr, &perm) || exhausted {
			outcome = model.EventStatusFailed
			updates["status"] = model.EventStatusFailed
		} else {
			// Leave pending and surface the failure after commit so
			// the worker loop backs off and re-invokes.
			retryErr = &RetryableError{Attempt: attempts, Err: herr}
		}
		if err := tx.WithContext(ctx).Model(&model.Event{}).
			Where("id = ?", evt.ID).Updates(updates).Error; err != nil {
			return err
		}
		if outcome == model.EventStatusFailed {
			p.log.Errorf("event %s (%s) failed permanently after %d attempt(s): %v",
				evt.ID, evt.EventName, attempts, herr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if outcome != "" {
		metrics.EventsProcessed.WithLabelValues(eventName, string(outcome)).Inc()
		metrics.ProcessDuration.WithLabelValues(eventName).Observe(time.Since(start).Seconds())
	}
	if outcome == model.EventStatusProcessed && p.audit != nil && auditEnv != nil {
		if aerr := p.audit.Publish(ctx, auditEnv); aerr != nil {
			p.log.Warnf("audit mirror for event %s: %v", eventID, aerr)
		}
	}
	if retryErr != nil {
		metrics.EventRetries.WithLabelValues(eventName).Inc()
	}
	return retryErr
}

func (p *Processor) markFailed(ctx context.Context, tx *gorm.DB, evt *model.Event, reason string) error {
	now := time.Now()
	return tx.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", evt.ID).
		Updates(map[string]interface{}{
			"status":          model.EventStatusFailed,
			"attempts":        evt.Attempts + 1,
			"last_error":      reason,
			"last_attempt_at": &now,
		}).Error
}
