package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maintrail/maintrail/internal/metrics"
)

// Dispatcher scans pending events per tenant and fans each one out to a
// bounded worker pool. It is driven by an external ticker, not a loop
// of its own; a crashed worker's row stays pending and is re-picked on
// the next cycle.
type Dispatcher struct {
	store     *Store
	processor *Processor
	policy    RetryPolicy
	workers   int
	log       *zap.SugaredLogger
}

// NewDispatcher constructs a dispatcher with the given pool size.
func NewDispatcher(store *Store, processor *Processor, policy RetryPolicy, workers int, log *zap.SugaredLogger) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		store:     store,
		processor: processor,
		policy:    policy,
		workers:   workers,
		log:       log,
	}
}

// DispatchPending schedules up to batchSize pending events for every
// tenant in tenantFilter (all tenants with pending rows when empty) and
// waits for the batch to finish. Returns dispatched counts per tenant;
// a tenant with nothing pending is simply absent.
func (d *Dispatcher) DispatchPending(ctx context.Context, batchSize int, tenantFilter []string) (map[string]int, error) {
	tenants := tenantFilter
	if len(tenants) == 0 {
		var err error
		tenants, err = d.store.TenantsWithPending(ctx)
		if err != nil {
			return nil, err
		}
	}

	counts := make(map[string]int, len(tenants))
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

	for _, tenantID := range tenants {
		events, err := d.store.PendingBatch(ctx, tenantID, batchSize)
		if err != nil {
			d.log.Errorf("scan pending for tenant %s: %v", tenantID, err)
			continue
		}
		metrics.PendingBacklog.WithLabelValues(tenantID).Set(float64(len(events)))
		if len(events) == 0 {
			continue
		}
		counts[tenantID] = len(events)

		for _, evt := range events {
			select {
			case <-ctx.Done():
				wg.Wait()
				return counts, ctx.Err()
			case sem <- struct{}{}:
			}
			wg.Add(1)
			metrics.EventsDispatched.WithLabelValues(tenantID).Inc()
			go func(tenantID, eventID string) {
				defer wg.Done()
				defer func() { <-sem }()
				d.runToCompletion(ctx, tenantID, eventID)
			}(tenantID, evt.ID)
		}
	}

	wg.Wait()
	return counts, nil
}

// runToCompletion drives one event until it reaches a terminal state or
// the context ends, sleeping per the retry policy between attempts. The
// attempt number comes from the event row via RetryableError, so one
// logical retry increments the counter exactly once.
func (d *Dispatcher) runToCompletion(ctx context.Context, tenantID, eventID string) {
	for {
		err := d.processor.Process(ctx, tenantID, eventID)
		if err == nil {
			return
		}
		var re *RetryableError
		if !errors.As(err, &re) {
			d.log.Errorf("process event %s: %v", eventID, err)
			return
		}
		d.log.Warnf("event %s attempt %d failed, backing off: %v", eventID, re.Attempt, re.Err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.policy.Delay(re.Attempt)):
		}
	}
}
