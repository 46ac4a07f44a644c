// Package costengine turns work_order.closed events into idempotent
// cost ledger postings: one transaction per non-empty sub-ledger
// (labor, parts, third_party), each deduplicated by a deterministic
// key, plus a cost.entry_posted event per created transaction.
package costengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/ledger"
	"github.com/maintrail/maintrail/internal/metrics"
	"github.com/maintrail/maintrail/internal/model"
	"github.com/maintrail/maintrail/internal/outbox"
)

const rateCacheTTL = 5 * time.Minute

// Result summarizes one consumer invocation. Replaying the same event
// after a successful run yields TransactionsCreated == 0.
type Result struct {
	TransactionsCreated int `json:"transactions_created"`
	Skipped             int `json:"skipped"`
	EventsPublished     int `json:"events_published"`
}

// Engine is the work_order.closed consumer. rdb may be nil; the rate
// cache then degrades to direct rate-card lookups.
type Engine struct {
	ledger    *ledger.Store
	publisher *outbox.Publisher
	rdb       *redis.Client
	log       *zap.SugaredLogger
}

// New constructs the cost engine.
func New(ledgerStore *ledger.Store, publisher *outbox.Publisher, rdb *redis.Client, log *zap.SugaredLogger) *Engine {
	return &Engine{ledger: ledgerStore, publisher: publisher, rdb: rdb, log: log}
}

// Register binds the engine to its event name on the given registry.
func (e *Engine) Register(reg *outbox.Registry) {
	reg.Register(envelope.NameWorkOrderClosed, e.Handle)
}

// Handle adapts the engine to the outbox handler signature. Payloads
// that cannot decode are permanent failures; retrying cannot fix them.
func (e *Engine) Handle(ctx context.Context, tx *gorm.DB, env *envelope.Envelope) error {
	data, err := envelope.DecodeWorkOrderClosed(env.Data)
	if err != nil {
		return outbox.Permanent(err)
	}
	res, err := e.ProcessWorkOrderClosed(ctx, tx, env.TenantID, data)
	if err != nil {
		return err
	}
	e.log.Infow("work order costs posted",
		"tenant_id", env.TenantID,
		"work_order_id", data.WorkOrderID,
		"created", res.TransactionsCreated,
		"skipped", res.Skipped,
		"events_published", res.EventsPublished,
	)
	return nil
}

type subLedger struct {
	kind      model.CostTransactionType
	total     decimal.Decimal
	breakdown []interface{}
}

// ProcessWorkOrderClosed posts the three sub-ledgers for one closed
// work order inside tx. Monetary policy: each line is rounded half-up
// to 2 decimals, and the sub-ledger sum is rounded again.
func (e *Engine) ProcessWorkOrderClosed(ctx context.Context, tx *gorm.DB, tenantID string, data *envelope.WorkOrderClosed) (*Result, error) {
	costCenter, err := e.resolveCostCenter(ctx, tx, tenantID, data.CostCenterID)
	if err != nil {
		return nil, err
	}

	labor, err := e.laborTotal(ctx, tx, tenantID, data)
	if err != nil {
		return nil, err
	}
	subs := []subLedger{labor, partsTotal(data), thirdPartyTotal(data)}

	res := &Result{}
	for _, sub := range subs {
		if !sub.total.IsPositive() {
			continue
		}
		key := fmt.Sprintf("%s:%s", data.WorkOrderID, sub.kind)
		existing, err := e.ledger.FindByKey(ctx, tx, tenantID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			res.Skipped++
			metrics.LedgerPostings.WithLabelValues(string(sub.kind), "skipped").Inc()
			continue
		}

		meta, err := json.Marshal(map[string]interface{}{"breakdown": sub.breakdown})
		if err != nil {
			return nil, fmt.Errorf("marshal breakdown: %w", err)
		}
		txn := &model.CostTransaction{
			TenantID:       tenantID,
			IdempotencyKey: key,
			Type:           sub.kind,
			Category:       data.Category,
			Amount:         sub.total,
			OccurredAt:     data.CompletedAt,
			CostCenterID:   costCenter.ID,
			AssetID:        softNumericID(data.AssetID),
			WorkOrderID:    softNumericID(data.WorkOrderID),
			Meta:           string(meta),
		}
		if err := e.ledger.Create(ctx, tx, txn); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				res.Skipped++
				metrics.LedgerPostings.WithLabelValues(string(sub.kind), "skipped").Inc()
				continue
			}
			return nil, err
		}
		res.TransactionsCreated++
		metrics.LedgerPostings.WithLabelValues(string(sub.kind), "created").Inc()

		if err := e.publishEntryPosted(ctx, tx, tenantID, data, txn); err != nil {
			return nil, err
		}
		res.EventsPublished++
	}
	return res, nil
}

func (e *Engine) publishEntryPosted(ctx context.Context, tx *gorm.DB, tenantID string, data *envelope.WorkOrderClosed, txn *model.CostTransaction) error {
	_, err := e.publisher.Publish(ctx, tx, outbox.PublishParams{
		TenantID:      tenantID,
		EventName:     envelope.NameCostEntryPosted,
		AggregateType: "cost_transaction",
		AggregateID:   txn.ID,
		// Transaction ids are unique, so the derived key cannot collide
		// with a sibling sub-ledger's event.
		IdempotencyKey: fmt.Sprintf("%s:%s", envelope.NameCostEntryPosted, txn.ID),
		OccurredAt:     data.CompletedAt,
		Data: envelope.CostEntryPosted{
			CostTransactionID: txn.ID,
			TransactionType:   string(txn.Type),
			Amount:            txn.Amount,
			WorkOrderID:       data.WorkOrderID,
			AssetID:           data.AssetID,
			Category:          data.Category,
			CostCenterID:      txn.CostCenterID,
			OccurredAt:        txn.OccurredAt,
		},
	})
	return err
}

func (e *Engine) resolveCostCenter(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.CostCenter, error) {
	if id != "" {
		cc, err := e.ledger.CostCenterByID(ctx, tx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if cc != nil {
			return cc, nil
		}
		e.log.Warnf("cost center %s missing for tenant %s, falling back to first active", id, tenantID)
	}
	return e.ledger.FirstActiveCostCenter(ctx, tx, tenantID)
}

func (e *Engine) laborTotal(ctx context.Context, tx *gorm.DB, tenantID string, data *envelope.WorkOrderClosed) (subLedger, error) {
	sub := subLedger{kind: model.CostTypeLabor, total: decimal.Zero}
	for _, line := range data.Labor {
		rate, err := e.hourlyRate(ctx, tx, tenantID, line, data.CompletedAt)
		if err != nil {
			return sub, err
		}
		cost := line.Hours.Mul(rate).Round(2)
		sub.total = sub.total.Add(cost)
		sub.breakdown = append(sub.breakdown, map[string]interface{}{
			"role":        line.Role,
			"hours":       line.Hours,
			"hourly_rate": rate,
			"cost":        cost,
		})
	}
	sub.total = sub.total.Round(2)
	return sub, nil
}

// hourlyRate prefers the entry-supplied rate, then the rate card value
// effective on the completion date, cached per (tenant, role, day).
func (e *Engine) hourlyRate(ctx context.Context, tx *gorm.DB, tenantID string, line envelope.LaborLine, completedAt time.Time) (decimal.Decimal, error) {
	if line.HourlyRate != nil {
		return *line.HourlyRate, nil
	}
	day := completedAt.UTC().Format("2006-01-02")
	cacheKey := fmt.Sprintf("rate:%s:%s:%s", tenantID, line.Role, day)
	if e.rdb != nil {
		if cached, err := e.rdb.Get(ctx, cacheKey).Result(); err == nil {
			if rate, perr := decimal.NewFromString(cached); perr == nil {
				return rate, nil
			}
		}
	}
	rate, err := e.ledger.EffectiveRate(ctx, tx, tenantID, line.Role, completedAt)
	if err != nil {
		return decimal.Zero, err
	}
	if e.rdb != nil {
		if err := e.rdb.Set(ctx, cacheKey, rate.String(), rateCacheTTL).Err(); err != nil {
			e.log.Warnf("cache rate %s: %v", cacheKey, err)
		}
	}
	return rate, nil
}

func partsTotal(data *envelope.WorkOrderClosed) subLedger {
	sub := subLedger{kind: model.CostTypeParts, total: decimal.Zero}
	for _, line := range data.Parts {
		cost := line.Qty.Mul(line.UnitCost).Round(2)
		sub.total = sub.total.Add(cost)
		sub.breakdown = append(sub.breakdown, map[string]interface{}{
			"qty":       line.Qty,
			"unit_cost": line.UnitCost,
			"part_name": line.PartName,
			"cost":      cost,
		})
	}
	sub.total = sub.total.Round(2)
	return sub
}

func thirdPartyTotal(data *envelope.WorkOrderClosed) subLedger {
	sub := subLedger{kind: model.CostTypeThirdParty, total: decimal.Zero}
	for _, line := range data.ThirdParty {
		amount := line.Amount.Round(2)
		sub.total = sub.total.Add(amount)
		sub.breakdown = append(sub.breakdown, map[string]interface{}{
			"description": line.Description,
			"amount":      amount,
		})
	}
	sub.total = sub.total.Round(2)
	return sub
}

// softNumericID tolerates non-numeric or missing ids by returning nil
// instead of failing the posting.
func softNumericID(raw string) *uint64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
