package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	orderkafka "github.com/dmehra2102/drone-delivery/internal/order/infrastructure/kafka"
	orderpg "github.com/dmehra2102/drone-delivery/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/drone-delivery/pkg/config"
	"github.com/dmehra2102/drone-delivery/pkg/idempotency"
	"github.com/dmehra2102/drone-delivery/pkg/logging"
	"github.com/dmehra2102/drone-delivery/pkg/shutdown"
	"github.com/dmehra2102/drone-delivery/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("delivery-service", "info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New("delivery-service", cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "delivery-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, cfg.IdempotencyTTL)

	store := orderpg.NewStore(log, pool, cfg.PlacementLockTimeout)
	svc := application.NewService(log, store, application.WithRetryPolicy(application.RetryPolicy{
		MaxAttempts: cfg.PlacementMaxAttempts,
		Delay:       cfg.PlacementRetryDelay,
	}))

	reader := orderkafka.NewDroneReader(cfg.KafkaBrokers(), cfg.DroneTopic, cfg.DroneGroupID)
	consumer := orderkafka.NewDroneConsumer(log, reader, svc, idem)

	log.Info("delivery consumer started", "topic", cfg.DroneTopic, "group", cfg.DroneGroupID)
	if err := consumer.Run(ctx); err != nil {
		log.Error("consumer stopped", "err", err)
		os.Exit(1)
	}
	log.Info("delivery-service shutdown complete")
}
