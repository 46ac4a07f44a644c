package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/logger"
	"github.com/maintrail/maintrail/internal/model"
)

func TestStore_ListFilters(t *testing.T) {
	db := newTestDB(t)
	log, _ := logger.NewLogger()
	pub := NewPublisher(log)
	store := NewStore(db)
	ctx := context.Background()

	p1 := params("t1")
	p1.AggregateID = "WO-1"
	_, err := pub.Publish(ctx, db, p1)
	require.NoError(t, err)

	p2 := params("t1")
	p2.EventName = envelope.NameCostEntryPosted
	p2.AggregateType = "cost_transaction"
	p2.AggregateID = "ct-1"
	_, err = pub.Publish(ctx, db, p2)
	require.NoError(t, err)

	p3 := params("t2")
	p3.AggregateID = "WO-9"
	_, err = pub.Publish(ctx, db, p3)
	require.NoError(t, err)

	byTenant, err := store.List(ctx, EventFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	byName, err := store.List(ctx, EventFilter{EventName: envelope.NameCostEntryPosted})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "ct-1", byName[0].AggregateID)

	byAggregate, err := store.List(ctx, EventFilter{AggregateType: "work_order", AggregateID: "WO-9"})
	require.NoError(t, err)
	require.Len(t, byAggregate, 1)
	assert.Equal(t, "t2", byAggregate[0].TenantID)

	byStatus, err := store.List(ctx, EventFilter{Status: string(model.EventStatusProcessed)})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func TestStore_TenantsWithPending(t *testing.T) {
	db := newTestDB(t)
	log, _ := logger.NewLogger()
	pub := NewPublisher(log)
	store := NewStore(db)
	ctx := context.Background()

	for _, tenant := range []string{"t2", "t1", "t1"} {
		p := params(tenant)
		p.IdempotencyKey = tenant + "-" + time.Now().Format(time.RFC3339Nano)
		_, err := pub.Publish(ctx, db, p)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	tenants, err := store.TenantsWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)
}

func TestStore_PurgeFinished(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	rows := []model.Event{
		{ID: "e1", TenantID: "t1", EventName: "x", AggregateType: "a", AggregateID: "1",
			Payload: "{}", IdempotencyKey: "k1", Status: model.EventStatusProcessed, OccurredAt: old, CreatedAt: old},
		{ID: "e2", TenantID: "t1", EventName: "x", AggregateType: "a", AggregateID: "2",
			Payload: "{}", IdempotencyKey: "k2", Status: model.EventStatusFailed, OccurredAt: old, CreatedAt: old},
		{ID: "e3", TenantID: "t1", EventName: "x", AggregateType: "a", AggregateID: "3",
			Payload: "{}", IdempotencyKey: "k3", Status: model.EventStatusPending, OccurredAt: old, CreatedAt: old},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	n, err := store.PurgeFinished(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var remaining []model.Event
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e3", remaining[0].ID, "pending rows survive regardless of age")
}
