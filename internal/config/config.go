// Package config содержит логику чтения конфигурации сервиса сверки.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultAMQPExchange      = "reconciler.events"
	defaultCounterTimeout    = 2 * time.Second
	defaultOperationTimeout  = 10 * time.Second
	defaultReconcileInterval = time.Minute
	defaultIdempotencyTTL    = 24 * time.Hour
)

// Config содержит параметры конфигурации сервиса сверки.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	CatalogAddress string `env:"CATALOG_ADDRESS"`
	CatalogFile    string `env:"CATALOG_FILE"`
	RedisAddress   string `env:"REDIS_ADDRESS"`
	AMQPURL        string `env:"AMQP_URL"`
	AMQPExchange   string `env:"AMQP_EXCHANGE"`
	AuthSecret     string `env:"AUTH_SECRET"`

	// OverpaymentTolerance задаёт допустимую переплату в минимальных единицах валюты.
	OverpaymentTolerance int64         `env:"OVERPAYMENT_TOLERANCE"`
	CounterTimeout       time.Duration `env:"COUNTER_TIMEOUT"`
	OperationTimeout     time.Duration `env:"OPERATION_TIMEOUT"`
	// ReconcileInterval задаёт период фоновой сверки; 0 отключает её.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
	IdempotencyTTL    time.Duration `env:"IDEMPOTENCY_TTL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}

	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "catalog service address")
	flag.StringVar(&cfg.CatalogFile, "f", "", "static catalog JSON file")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for idempotency keys")
	flag.StringVar(&cfg.AMQPURL, "q", "", "AMQP broker URL for domain events")
	flag.StringVar(&cfg.AMQPExchange, "x", defaultAMQPExchange, "AMQP exchange name")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth tokens")
	flag.Int64Var(&cfg.OverpaymentTolerance, "t", 0, "overpayment tolerance in minor units")
	flag.DurationVar(&cfg.CounterTimeout, "counter-timeout", defaultCounterTimeout, "bounded counter operation timeout")
	flag.DurationVar(&cfg.OperationTimeout, "operation-timeout", defaultOperationTimeout, "facade operation timeout")
	flag.DurationVar(&cfg.ReconcileInterval, "i", defaultReconcileInterval, "payment status reconciliation interval")
	flag.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", defaultIdempotencyTTL, "idempotency key retention")

	flag.Parse()

	overrideString(&cfg.RunAddress, fromEnv.RunAddress)
	overrideString(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	overrideString(&cfg.CatalogAddress, fromEnv.CatalogAddress)
	overrideString(&cfg.CatalogFile, fromEnv.CatalogFile)
	overrideString(&cfg.RedisAddress, fromEnv.RedisAddress)
	overrideString(&cfg.AMQPURL, fromEnv.AMQPURL)
	overrideString(&cfg.AMQPExchange, fromEnv.AMQPExchange)
	overrideString(&cfg.AuthSecret, fromEnv.AuthSecret)

	if fromEnv.OverpaymentTolerance != 0 {
		cfg.OverpaymentTolerance = fromEnv.OverpaymentTolerance
	}
	overrideDuration(&cfg.CounterTimeout, fromEnv.CounterTimeout)
	overrideDuration(&cfg.OperationTimeout, fromEnv.OperationTimeout)
	overrideDuration(&cfg.ReconcileInterval, fromEnv.ReconcileInterval)
	overrideDuration(&cfg.IdempotencyTTL, fromEnv.IdempotencyTTL)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if cfg.OverpaymentTolerance < 0 {
		return nil, fmt.Errorf("overpayment tolerance must not be negative: %d", cfg.OverpaymentTolerance)
	}
	if cfg.CatalogAddress != "" && cfg.CatalogFile != "" {
		return nil, fmt.Errorf("catalog address and catalog file are mutually exclusive")
	}

	return cfg, nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
