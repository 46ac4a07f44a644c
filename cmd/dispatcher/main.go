package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/config"
	"github.com/maintrail/maintrail/internal/costengine"
	"github.com/maintrail/maintrail/internal/envelope"
	"github.com/maintrail/maintrail/internal/ledger"
	"github.com/maintrail/maintrail/internal/logger"
	"github.com/maintrail/maintrail/internal/outbox"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	auditWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.AuditTopic,
		Balancer: &kafka.LeastBytes{},
	}
	defer auditWriter.Close()

	store := outbox.NewStore(gdb)
	publisher := outbox.NewPublisher(log)
	ledgerStore := ledger.NewStore(gdb)

	// All handlers are bound before the first dispatch cycle.
	registry := outbox.NewRegistry(log)
	engine := costengine.New(ledgerStore, publisher, rdb, log)
	engine.Register(registry)
	// cost.entry_posted has no in-process consumer; processing it is a
	// no-op and the audit mirror carries it to Kafka for downstream
	// tooling.
	registry.Register(envelope.NameCostEntryPosted, func(context.Context, *gorm.DB, *envelope.Envelope) error {
		return nil
	})
	log.Infof("handlers registered: %v", registry.Registered())

	processor := outbox.NewProcessor(store, registry, outbox.NewKafkaAuditSink(auditWriter), log)
	policy := outbox.RetryPolicy{BaseDelay: cfg.Retry.BaseDelay.Std(), MaxDelay: cfg.Retry.MaxDelay.Std()}
	dispatcher := outbox.NewDispatcher(store, processor, policy, cfg.Dispatcher.Workers, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(cfg.Dispatcher.Interval.Std())
	defer ticker.Stop()
	retention := time.NewTicker(time.Hour)
	defer retention.Stop()

	log.Info("maintrail dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info("maintrail dispatcher shutting down")
			return
		case <-ticker.C:
			counts, err := dispatcher.DispatchPending(ctx, cfg.Dispatcher.BatchSize, nil)
			if err != nil {
				log.Errorf("dispatch pending: %v", err)
				continue
			}
			for tenantID, n := range counts {
				log.Infof("tenant %s: dispatched %d event(s)", tenantID, n)
			}
		case <-retention.C:
			cutoff := time.Now().AddDate(0, 0, -cfg.Dispatcher.RetentionDays)
			n, err := store.PurgeFinished(ctx, cutoff)
			if err != nil {
				log.Errorf("retention sweep: %v", err)
			} else if n > 0 {
				log.Infof("retention sweep removed %d finished event(s)", n)
			}
		}
	}
}
