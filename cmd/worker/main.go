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
	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/orderflow-payments/internal/config"
	"github.com/joao-fontenele/orderflow-payments/internal/messaging"
	"github.com/joao-fontenele/orderflow-payments/internal/orders"
	"github.com/joao-fontenele/orderflow-payments/internal/telemetry"
	"github.com/joao-fontenele/orderflow-payments/internal/worker"
)

const serviceName = "payment-reconciler"

func main() {
	cfg, err := config.LoadWorker()
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, serviceName)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.ServiceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracer provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = shutdownTracer(shutdownCtx)
	}()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to init meter provider", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	db, err := telemetry.OpenDB(cfg.PostgresURL, telemetry.PoolConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
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

	paid := messaging.NewProducer(cfg.KafkaBrokers, messaging.TopicOrderPaid, messaging.WithRequiredAcks(kafka.RequireAll))
	defer func() { _ = paid.Close() }()

	// Reconciliation never touches the catalog or payment services.
	svc := orders.NewService(orders.NewOrderRepository(db), nil, nil, logger, orders.ServiceConfig{
		PaidEvents: paid,
	})

	handler := worker.NewPaymentHandler(svc, worker.RetryConfig{
		MaxTries:        cfg.ReconcileMaxTries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}, logger)

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.PaymentTopic, cfg.ConsumerGroup, logger)
	defer func() { _ = consumer.Close() }()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting payment reconciler", "brokers", cfg.KafkaBrokers, "topic", cfg.PaymentTopic, "group", cfg.ConsumerGroup)

	if err := consumer.Consume(ctx, handler.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
