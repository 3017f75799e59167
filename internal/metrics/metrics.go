// Package metrics регистрирует метрики Prometheus сервиса сверки.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "operations_total",
			Help:      "Public operations by name and outcome kind.",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reconciler",
			Name:      "operation_duration_seconds",
			Help:      "Latency of public operations including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	counterExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "counter_exhausted_total",
			Help:      "Usage counter consumptions rejected as exhausted.",
		},
		[]string{"kind"},
	)

	paymentStatusDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "payment_status_drift_total",
			Help:      "Bookings whose stored payment status was corrected by the reconciliation sweep.",
		},
	)
)

// Register регистрирует метрики в реестре по умолчанию. Повторный вызов безопасен.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(operations, operationDuration, counterExhausted, paymentStatusDrift)
	})
}

// ObserveOperation учитывает завершение публичной операции.
func ObserveOperation(operation, outcome string, took time.Duration) {
	operations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// IncCounterExhausted учитывает отказ счётчика указанного вида.
func IncCounterExhausted(kind string) {
	counterExhausted.WithLabelValues(kind).Inc()
}

// IncPaymentStatusDrift учитывает исправленный сверкой статус оплаты.
func IncPaymentStatusDrift() {
	paymentStatusDrift.Inc()
}
