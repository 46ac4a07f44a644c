package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/logger"
	"github.com/maintrail/maintrail/internal/model"
)

func newDispatcherFixture(t *testing.T) (*processorFixture, *Dispatcher) {
	t.Helper()
	f := newProcessorFixture(t)
	log, err := logger.NewLogger()
	require.NoError(t, err)
	policy := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return f, NewDispatcher(f.store, f.processor, policy, 2, log)
}

func (f *processorFixture) publishFor(t *testing.T, tenantID, aggregateID string) *model.Event {
	t.Helper()
	p := params(tenantID)
	p.AggregateID = aggregateID
	evt, err := f.publisher.Publish(context.Background(), f.db, p)
	require.NoError(t, err)
	return evt
}

func TestDispatchPending_CountsPerTenant(t *testing.T) {
	f, d := newDispatcherFixture(t)
	var handled int64
	f.registry.Register(envelope.NameWorkOrderClosed, func(context.Context, *gorm.DB, *envelope.Envelope) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})

	f.publishFor(t, "t1", "WO-1")
	f.publishFor(t, "t1", "WO-2")
	f.publishFor(t, "t2", "WO-3")

	counts, err := d.DispatchPending(context.Background(), 100, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"t1": 2, "t2": 1}, counts)
	assert.EqualValues(t, 3, atomic.LoadInt64(&handled))

	var pending int64
	f.db.Model(&model.Event{}).Where("status = ?", model.EventStatusPending).Count(&pending)
	assert.EqualValues(t, 0, pending)
}

func TestDispatchPending_EmptyTenantIsNoOp(t *testing.T) {
	f, d := newDispatcherFixture(t)

	counts, err := d.DispatchPending(context.Background(), 100, []string{"t-empty"})
	require.NoError(t, err)
	assert.Empty(t, counts)
	_ = f
}

func TestDispatchPending_TenantFilter(t *testing.T) {
	f, d := newDispatcherFixture(t)
	f.registry.Register(envelope.NameWorkOrderClosed, func(context.Context, *gorm.DB, *envelope.Envelope) error {
		return nil
	})
	f.publishFor(t, "t1", "WO-1")
	other := f.publishFor(t, "t2", "WO-2")

	counts, err := d.DispatchPending(context.Background(), 100, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"t1": 1}, counts)

	// The filtered-out tenant's event stays pending.
	assert.Equal(t, model.EventStatusPending, f.reload(t, other.ID).Status)
}

func TestDispatchPending_RetriesUntilRecovery(t *testing.T) {
	f, d := newDispatcherFixture(t)
	var calls int64
	f.registry.Register(envelope.NameWorkOrderClosed, func(context.Context, *gorm.DB, *envelope.Envelope) error {
		if atomic.AddInt64(&calls, 1) < 3 {
			return errors.New("flaky downstream")
		}
		return nil
	})
	evt := f.publishFor(t, "t1", "WO-1")

	_, err := d.DispatchPending(context.Background(), 100, nil)
	require.NoError(t, err)

	got := f.reload(t, evt.ID)
	assert.Equal(t, model.EventStatusProcessed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestDispatchPending_BatchSizeLimits(t *testing.T) {
	f, d := newDispatcherFixture(t)
	f.registry.Register(envelope.NameWorkOrderClosed, func(context.Context, *gorm.DB, *envelope.Envelope) error {
		return nil
	})
	for i := 0; i < 5; i++ {
		f.publishFor(t, "t1", "WO-"+string(rune('a'+i)))
	}

	counts, err := d.DispatchPending(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["t1"])

	var pending int64
	f.db.Model(&model.Event{}).Where("status = ?", model.EventStatusPending).Count(&pending)
	assert.EqualValues(t, 3, pending, "remainder waits for the next cycle")
}
