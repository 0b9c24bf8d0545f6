package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmehra2102/drone-delivery/internal/order/application"
	orderhttp "github.com/dmehra2102/drone-delivery/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/drone-delivery/internal/order/infrastructure/kafka"
	orderpg "github.com/dmehra2102/drone-delivery/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/drone-delivery/pkg/config"
	"github.com/dmehra2102/drone-delivery/pkg/idempotency"
	"github.com/dmehra2102/drone-delivery/pkg/logging"
	"github.com/dmehra2102/drone-delivery/pkg/metrics"
	"github.com/dmehra2102/drone-delivery/pkg/outbox"
	"github.com/dmehra2102/drone-delivery/pkg/shutdown"
	"github.com/dmehra2102/drone-delivery/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("order-service", "info").Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logging.New("order-service", cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "order-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// Postgres Setup
	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := orderpg.Migrate(ctx, pool); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// Kafka producer
	writer := orderkafka.NewWriter(cfg.KafkaBrokers())
	defer writer.Close()

	m := metrics.New("order")

	store := orderpg.NewStore(log, pool, cfg.PlacementLockTimeout)
	outboxStore := orderpg.NewOutboxStore(log, pool, cfg.OutboxMaxRetries)
	m.RegisterGauge("outbox_backlog", "Outbox rows not yet published.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := outboxStore.Pending(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})

	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, outboxStore, dispatch, "order-relay-"+uuid.NewString(), outbox.WithObserver(m))

	svc := application.NewService(log, store,
		application.WithRetryPolicy(application.RetryPolicy{
			MaxAttempts: cfg.PlacementMaxAttempts,
			Delay:       cfg.PlacementRetryDelay,
		}),
		application.WithRecorder(m),
	)
	handler := orderhttp.NewHandler(log, svc,
		orderhttp.WithIdempotency(idempotency.NewStore(rdb, cfg.IdempotencyTTL)),
		orderhttp.WithObserver(m),
	)

	// HTTP server
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// gRPC health
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	// Run relay
	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	// Run HTTP
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	// Run gRPC
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Error("grpc listen failed", "err", err)
			cancel()
			return
		}
		log.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("grpc server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	healthSrv.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("order-service shutdown complete")
}
