package main

import (
	"fmt"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/config"
	"github.com/maintrail/maintrail/internal/logger"
	"github.com/maintrail/maintrail/internal/model"
	"github.com/maintrail/maintrail/internal/outbox"
	httptransport "github.com/maintrail/maintrail/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Event{}, &model.CostTransaction{}, &model.CostCenter{},
		&model.RateCard{}, &model.WorkOrder{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. event store + operator tooling
	store := outbox.NewStore(gdb)
	retrier := outbox.NewRetrier(store, log)

	// 5. gin router
	router := httptransport.NewRouter(store, retrier, cfg.RateLimit, log)

	// 6. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("maintrail ops server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
