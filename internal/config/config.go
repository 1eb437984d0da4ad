package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Orders struct {
	Port              string
	PostgresURL       string
	CatalogURL        string
	PaymentURL        string
	KafkaBrokers      []string
	RedisAddr         string
	IdempotencyTTL    time.Duration
	HTTPClientTimeout time.Duration
	Currency          string
	TransitionPolicy  string
	ServiceVersion    string
	OTLPEndpoint      string
	LogLevel          string
}

type Worker struct {
	PostgresURL       string
	KafkaBrokers      []string
	PaymentTopic      string
	ConsumerGroup     string
	ReconcileMaxTries uint
	MetricsPort       string
	ServiceVersion    string
	OTLPEndpoint      string
	LogLevel          string
}

// MissingError lists every required variable that was unset.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Names, ", "))
}

type loader struct {
	getenv  func(string) string
	missing []string
	errs    []error
}

func (l *loader) required(name string) string {
	v := l.getenv(name)
	if v == "" {
		l.missing = append(l.missing, name)
	}
	return v
}

func (l *loader) optional(name, def string) string {
	if v := l.getenv(name); v != "" {
		return v
	}
	return def
}

func (l *loader) duration(name string, def time.Duration) time.Duration {
	v := l.getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid duration %q", name, v))
		return def
	}
	return d
}

func (l *loader) uint(name string, def uint) uint {
	v := l.getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid positive integer %q", name, v))
		return def
	}
	return uint(n)
}

func (l *loader) err() error {
	if len(l.missing) > 0 {
		return &MissingError{Names: l.missing}
	}
	if len(l.errs) > 0 {
		return l.errs[0]
	}
	return nil
}

func LoadOrders() (Orders, error) {
	return loadOrders(os.Getenv)
}

func loadOrders(getenv func(string) string) (Orders, error) {
	l := &loader{getenv: getenv}
	cfg := Orders{
		PostgresURL:       l.required("POSTGRES_URL"),
		CatalogURL:        l.required("CATALOG_SERVICE_URL"),
		PaymentURL:        l.required("PAYMENT_SERVICE_URL"),
		Port:              l.optional("PORT", "8081"),
		KafkaBrokers:      splitList(getenv("KAFKA_BROKERS")),
		RedisAddr:         getenv("REDIS_ADDR"),
		IdempotencyTTL:    l.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		HTTPClientTimeout: l.duration("HTTP_CLIENT_TIMEOUT", 10*time.Second),
		Currency:          strings.ToLower(l.optional("PAYMENT_CURRENCY", "usd")),
		TransitionPolicy:  l.optional("ORDER_TRANSITION_POLICY", "open"),
		ServiceVersion:    l.optional("OTEL_SERVICE_VERSION", "0.1.0"),
		OTLPEndpoint:      l.optional("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:          l.optional("LOG_LEVEL", "info"),
	}
	return cfg, l.err()
}

func LoadWorker() (Worker, error) {
	return loadWorker(os.Getenv)
}

func loadWorker(getenv func(string) string) (Worker, error) {
	l := &loader{getenv: getenv}
	cfg := Worker{
		PostgresURL:       l.required("POSTGRES_URL"),
		KafkaBrokers:      splitList(l.required("KAFKA_BROKERS")),
		PaymentTopic:      l.optional("PAYMENT_TOPIC", "payment.succeeded"),
		ConsumerGroup:     l.optional("CONSUMER_GROUP", "orders-payment-reconciler"),
		ReconcileMaxTries: l.uint("RECONCILE_MAX_TRIES", 5),
		MetricsPort:       l.optional("METRICS_PORT", "9091"),
		ServiceVersion:    l.optional("OTEL_SERVICE_VERSION", "0.1.0"),
		OTLPEndpoint:      l.optional("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		LogLevel:          l.optional("LOG_LEVEL", "info"),
	}
	return cfg, l.err()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
