package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderflow-payments/internal/catalog"
	"github.com/joao-fontenele/orderflow-payments/internal/config"
	"github.com/joao-fontenele/orderflow-payments/internal/idempotency"
	"github.com/joao-fontenele/orderflow-payments/internal/messaging"
	"github.com/joao-fontenele/orderflow-payments/internal/orders"
	"github.com/joao-fontenele/orderflow-payments/internal/payments"
	"github.com/joao-fontenele/orderflow-payments/internal/telemetry"
)

const serviceName = "orders"

func main() {
	cfg, err := config.LoadOrders()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, serviceName)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracer provider", "error", err)
		os.Exit(1)
	}

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to init meter provider", "error", err)
		os.Exit(1)
	}

	db, err := telemetry.OpenDB(cfg.PostgresURL, telemetry.PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   cfg.HTTPClientTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	policy, err := orders.PolicyByName(cfg.TransitionPolicy)
	if err != nil {
		logger.Error("invalid transition policy", "error", err)
		os.Exit(1)
	}

	svcCfg := orders.ServiceConfig{
		Currency: cfg.Currency,
		Policy:   policy,
	}
	if len(cfg.KafkaBrokers) > 0 {
		created := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderCreated)
		defer func() { _ = created.Close() }()
		paid := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderPaid, messaging.WithRequiredAcks(kafka.RequireAll))
		defer func() { _ = paid.Close() }()

		svcCfg.CreatedEvents = created
		svcCfg.PaidEvents = paid
	}

	repo := orders.NewOrderRepository(db)
	svc := orders.NewService(repo, catalog.NewClient(cfg.CatalogURL, httpClient), payments.NewClient(cfg.PaymentURL, httpClient), logger, svcCfg)

	var keys orders.IdempotencyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		keys = idempotency.NewStore(rdb, serviceName, cfg.IdempotencyTTL)
	}

	handler := orders.NewHandler(svc, keys, repo, logger)
	router := orders.NewRouter(handler, metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTPClientTimeout*2 + 5*time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", cfg.Port, "policy", cfg.TransitionPolicy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	if err := shutdownMeter(shutdownCtx); err != nil {
		logger.Error("meter shutdown error", "error", err)
	}
}
