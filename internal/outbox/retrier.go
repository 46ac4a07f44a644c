package outbox

import (
	"context"

	"go.uber.org/zap"
)

// Retrier is the operator tool for resetting failed or stuck events
// back to pending after the underlying cause is fixed.
type Retrier struct {
	store *Store
	log   *zap.SugaredLogger
}

// NewRetrier constructs a retrier over the event store.
func NewRetrier(store *Store, log *zap.SugaredLogger) *Retrier {
	return &Retrier{store: store, log: log}
}

// RetryEvent resets one of the tenant's events to pending, clearing its
// attempts, error and processing metadata for immediate re-dispatch.
// Processed events are terminal and cannot be reset.
func (r *Retrier) RetryEvent(ctx context.Context, tenantID, eventID string) error {
	if err := r.store.Reset(ctx, tenantID, eventID); err != nil {
		return err
	}
	r.log.Infof("event %s reset to pending for tenant %s", eventID, tenantID)
	return nil
}

// RetryFailed bulk-resets up to limit failed events, optionally scoped
// to one tenant and/or event name, and returns the count reset.
func (r *Retrier) RetryFailed(ctx context.Context, tenantID, eventName string, limit int) (int64, error) {
	n, err := r.store.ResetFailed(ctx, tenantID, eventName, limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Infof("%d failed event(s) reset to pending (tenant=%q name=%q)", n, tenantID, eventName)
	}
	return n, nil
}

// MarkFailed force-fails pending events so they stop consuming retry
// cycles, recording the operator-supplied reason.
func (r *Retrier) MarkFailed(ctx context.Context, tenantID string, eventIDs []string, reason string) (int64, error) {
	if reason == "" {
		reason = "marked failed by operator"
	}
	return r.store.MarkFailedBulk(ctx, tenantID, eventIDs, reason)
}
