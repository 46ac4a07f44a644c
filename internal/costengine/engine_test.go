package costengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/ledger"
	"github.com/maintrail/maintrail/internal/logger"
	"github.com/maintrail/maintrail/internal/model"
	"github.com/maintrail/maintrail/internal/outbox"
)

var completedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newEngineFixture(t *testing.T) (*gorm.DB, *Engine) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.Event{}, &model.CostTransaction{}, &model.CostCenter{}, &model.RateCard{},
	))

	require.NoError(t, db.Create(&model.CostCenter{
		ID: "cc-1", TenantID: "t1", Code: "CC-100", Name: "Maintenance", Active: true,
	}).Error)

	log, err := logger.NewLogger()
	require.NoError(t, err)
	engine := New(ledger.NewStore(db), outbox.NewPublisher(log), nil, log)
	return db, engine
}

func scenario() *envelope.WorkOrderClosed {
	rate := decimal.NewFromInt(75)
	return &envelope.WorkOrderClosed{
		WorkOrderID: "WO-1",
		AssetID:     "42",
		Category:    "corrective",
		CompletedAt: completedAt,
		Labor:       []envelope.LaborLine{{Role: "tech", Hours: decimal.NewFromInt(2), HourlyRate: &rate}},
		Parts:       []envelope.PartLine{{Qty: decimal.NewFromInt(2), UnitCost: decimal.NewFromInt(50)}},
		ThirdParty:  []envelope.ThirdPartyLine{},
	}
}

func TestProcessWorkOrderClosed_EndToEnd(t *testing.T) {
	db, engine := newEngineFixture(t)
	ctx := context.Background()

	res, err := engine.ProcessWorkOrderClosed(ctx, db, "t1", scenario())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TransactionsCreated)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 2, res.EventsPublished)

	var labor model.CostTransaction
	require.NoError(t, db.First(&labor, "idempotency_key = ?", "WO-1:labor").Error)
	assert.Equal(t, model.CostTypeLabor, labor.Type)
	assert.True(t, labor.Amount.Equal(decimal.RequireFromString("150.00")), "got %s", labor.Amount)
	assert.Equal(t, "cc-1", labor.CostCenterID)
	require.NotNil(t, labor.AssetID)
	assert.EqualValues(t, 42, *labor.AssetID)
	assert.Nil(t, labor.WorkOrderID, "non-numeric work order id stays a soft link")
	assert.Contains(t, labor.Meta, "breakdown")

	var parts model.CostTransaction
	require.NoError(t, db.First(&parts, "idempotency_key = ?", "WO-1:parts").Error)
	assert.True(t, parts.Amount.Equal(decimal.RequireFromString("100.00")), "got %s", parts.Amount)

	var total int64
	db.Model(&model.CostTransaction{}).Count(&total)
	assert.EqualValues(t, 2, total, "empty third_party sub-ledger posts nothing")

	var posted []model.Event
	require.NoError(t, db.Where("event_name = ?", envelope.NameCostEntryPosted).Find(&posted).Error)
	require.Len(t, posted, 2)
	for _, evt := range posted {
		env, err := envelope.Parse([]byte(evt.Payload))
		require.NoError(t, err)
		var data envelope.CostEntryPosted
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, "WO-1", data.WorkOrderID)
		assert.Equal(t, "cc-1", data.CostCenterID)
		assert.Contains(t, []string{"labor", "parts"}, data.TransactionType)
	}
}

func TestProcessWorkOrderClosed_ReplayIsIdempotent(t *testing.T) {
	db, engine := newEngineFixture(t)
	ctx := context.Background()

	_, err := engine.ProcessWorkOrderClosed(ctx, db, "t1", scenario())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := engine.ProcessWorkOrderClosed(ctx, db, "t1", scenario())
		require.NoError(t, err)
		assert.Equal(t, 0, res.TransactionsCreated)
		assert.Equal(t, 2, res.Skipped)
		assert.Equal(t, 0, res.EventsPublished)
	}

	var total int64
	db.Model(&model.CostTransaction{}).Count(&total)
	assert.EqualValues(t, 2, total)

	var posted int64
	db.Model(&model.Event{}).Where("event_name = ?", envelope.NameCostEntryPosted).Count(&posted)
	assert.EqualValues(t, 2, posted)
}

func TestProcessWorkOrderClosed_TenantsShareWorkOrderIDs(t *testing.T) {
	db, engine := newEngineFixture(t)
	require.NoError(t, db.Create(&model.CostCenter{
		ID: "cc-2", TenantID: "t2", Code: "CC-200", Name: "Facilities", Active: true,
	}).Error)
	ctx := context.Background()

	res1, err := engine.ProcessWorkOrderClosed(ctx, db, "t1", scenario())
	require.NoError(t, err)
	require.Equal(t, 2, res1.TransactionsCreated)

	// The same WO-1 under another tenant is a distinct aggregate and
	// must post its own transactions, not dedup against t1's.
	res2, err := engine.ProcessWorkOrderClosed(ctx, db, "t2", scenario())
	require.NoError(t, err)
	assert.Equal(t, 2, res2.TransactionsCreated)
	assert.Equal(t, 0, res2.Skipped)

	var t2rows int64
	db.Model(&model.CostTransaction{}).Where("tenant_id = ?", "t2").Count(&t2rows)
	assert.EqualValues(t, 2, t2rows)
}

func TestProcessWorkOrderClosed_PerLineRounding(t *testing.T) {
	db, engine := newEngineFixture(t)

	// Each line rounds to 10.00 before summation; the raw sum 20.008
	// would round to 20.01 under sum-then-round. Per-line is the
	// pinned policy.
	data := &envelope.WorkOrderClosed{
		WorkOrderID: "WO-2",
		CompletedAt: completedAt,
		Parts: []envelope.PartLine{
			{Qty: decimal.NewFromInt(1), UnitCost: decimal.RequireFromString("10.004")},
			{Qty: decimal.NewFromInt(1), UnitCost: decimal.RequireFromString("10.004")},
		},
	}
	res, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", data)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsCreated)

	var parts model.CostTransaction
	require.NoError(t, db.First(&parts, "idempotency_key = ?", "WO-2:parts").Error)
	assert.True(t, parts.Amount.Equal(decimal.RequireFromString("20.00")), "got %s", parts.Amount)
}

func TestProcessWorkOrderClosed_HalfUpRounding(t *testing.T) {
	db, engine := newEngineFixture(t)

	// 1.111h x 9.99 = 11.09889 -> 11.10 half-up.
	rate := decimal.RequireFromString("9.99")
	data := &envelope.WorkOrderClosed{
		WorkOrderID: "WO-3",
		CompletedAt: completedAt,
		Labor: []envelope.LaborLine{
			{Role: "tech", Hours: decimal.RequireFromString("1.111"), HourlyRate: &rate},
		},
	}
	res, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", data)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsCreated)

	var labor model.CostTransaction
	require.NoError(t, db.First(&labor, "idempotency_key = ?", "WO-3:labor").Error)
	assert.True(t, labor.Amount.Equal(decimal.RequireFromString("11.10")), "got %s", labor.Amount)
}

func TestProcessWorkOrderClosed_RateCardLookup(t *testing.T) {
	db, engine := newEngineFixture(t)
	require.NoError(t, db.Create(&model.RateCard{
		TenantID: "t1", Role: "tech",
		HourlyRate:    decimal.RequireFromString("60.5"),
		EffectiveFrom: completedAt.AddDate(0, -1, 0),
	}).Error)

	data := &envelope.WorkOrderClosed{
		WorkOrderID: "WO-4",
		CompletedAt: completedAt,
		Labor:       []envelope.LaborLine{{Role: "tech", Hours: decimal.NewFromInt(2)}},
	}
	res, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", data)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsCreated)

	var labor model.CostTransaction
	require.NoError(t, db.First(&labor, "idempotency_key = ?", "WO-4:labor").Error)
	assert.True(t, labor.Amount.Equal(decimal.RequireFromString("121.00")), "got %s", labor.Amount)
}

func TestProcessWorkOrderClosed_MissingRateCard(t *testing.T) {
	db, engine := newEngineFixture(t)

	data := &envelope.WorkOrderClosed{
		WorkOrderID: "WO-5",
		CompletedAt: completedAt,
		Labor:       []envelope.LaborLine{{Role: "welder", Hours: decimal.NewFromInt(1)}},
	}
	_, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "welder")

	var total int64
	db.Model(&model.CostTransaction{}).Count(&total)
	assert.EqualValues(t, 0, total)
}

func TestProcessWorkOrderClosed_CostCenterFallback(t *testing.T) {
	db, engine := newEngineFixture(t)

	data := scenario()
	data.CostCenterID = "cc-gone"
	res, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", data)
	require.NoError(t, err)
	require.Equal(t, 2, res.TransactionsCreated)

	var labor model.CostTransaction
	require.NoError(t, db.First(&labor, "idempotency_key = ?", "WO-1:labor").Error)
	assert.Equal(t, "cc-1", labor.CostCenterID, "missing cost center falls back to first active")
}

func TestProcessWorkOrderClosed_NoActiveCostCenter(t *testing.T) {
	db, engine := newEngineFixture(t)
	require.NoError(t, db.Model(&model.CostCenter{}).Where("id = ?", "cc-1").Update("active", false).Error)

	_, err := engine.ProcessWorkOrderClosed(context.Background(), db, "t1", scenario())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active cost center")
}

func TestHandle_BadPayloadIsPermanent(t *testing.T) {
	db, engine := newEngineFixture(t)

	env := &envelope.Envelope{
		EventID:   "evt-1",
		TenantID:  "t1",
		EventName: envelope.NameWorkOrderClosed,
		Data:      []byte(`{"asset_id":"42"}`),
	}
	err := engine.Handle(context.Background(), db, env)
	require.Error(t, err)
	var perm *outbox.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestHourlyRate_CachesRateCardHits(t *testing.T) {
	db, _ := newEngineFixture(t)
	require.NoError(t, db.Create(&model.RateCard{
		TenantID: "t1", Role: "tech",
		HourlyRate:    decimal.RequireFromString("60.5"),
		EffectiveFrom: completedAt.AddDate(0, -1, 0),
	}).Error)

	rdb, mock := redismock.NewClientMock()
	cacheKey := "rate:t1:tech:2026-03-10"
	mock.ExpectGet(cacheKey).RedisNil()
	mock.ExpectSet(cacheKey, "60.5", rateCacheTTL).SetVal("OK")
	mock.ExpectGet(cacheKey).SetVal("60.5")

	log, _ := logger.NewLogger()
	engine := New(ledger.NewStore(db), outbox.NewPublisher(log), rdb, log)
	line := envelope.LaborLine{Role: "tech", Hours: decimal.NewFromInt(1)}

	rate, err := engine.hourlyRate(context.Background(), db, "t1", line, completedAt)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("60.5")))

	// Second lookup is served from the cache.
	rate, err = engine.hourlyRate(context.Background(), db, "t1", line, completedAt)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("60.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftNumericID(t *testing.T) {
	assert.Nil(t, softNumericID(""))
	assert.Nil(t, softNumericID("WO-1"))
	require.NotNil(t, softNumericID(" 42 "))
	assert.EqualValues(t, 42, *softNumericID("42"))
}
