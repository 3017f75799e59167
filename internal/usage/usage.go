// Package usage реализует атомарные счётчики ограниченных ресурсов:
// использования промоакций (глобально и на клиента) и складские остатки.
package usage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/metrics"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

// Store предоставляет атомарные примитивы хранилища. ConsumeCounter обязан выполнять проверку лимита
// и изменение одной неделимой операцией и возвращать false, если лимит не позволяет списание.
type Store interface {
	ConsumeCounter(ctx context.Context, key model.CounterKey, by int64) (bool, error)
	ReleaseCounter(ctx context.Context, key model.CounterKey, by int64) error
	CounterValue(ctx context.Context, key model.CounterKey) (int64, error)
}

// Outcome описывает результат попытки списания.
type Outcome int

const (
	Reserved Outcome = iota + 1
	Exhausted
)

func (o Outcome) String() string {
	if o == Reserved {
		return "reserved"
	}
	return "exhausted"
}

// DefaultTimeout ограничивает ожидание хранилища при списании.
const DefaultTimeout = 2 * time.Second

// Service управляет счётчиками использования.
type Service struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewService создаёт сервис счётчиков. Нулевой timeout заменяется DefaultTimeout.
func NewService(store Store, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, timeout: timeout, logger: logger}
}

// TryConsume атомарно списывает by единиц со счётчика key.
// Истечение времени ожидания хранилища трактуется как Exhausted.
func (s *Service) TryConsume(ctx context.Context, key model.CounterKey, by int64) (Outcome, error) {
	if by <= 0 {
		return 0, apperr.Validation("consume amount must be positive")
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.store.ConsumeCounter(cctx, key, by)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("counter consume timed out, failing closed",
				zap.String("counter", key.String()), zap.Int64("by", by))
			metrics.IncCounterExhausted(string(key.Kind))
			return Exhausted, nil
		}
		return 0, err
	}

	if !ok {
		s.logger.Info("counter exhausted", zap.String("counter", key.String()), zap.Int64("by", by))
		metrics.IncCounterExhausted(string(key.Kind))
		return Exhausted, nil
	}

	return Reserved, nil
}

// Release возвращает by единиц на счётчик key.
func (s *Service) Release(ctx context.Context, key model.CounterKey, by int64) error {
	if by <= 0 {
		return apperr.Validation("release amount must be positive")
	}
	return s.store.ReleaseCounter(ctx, key, by)
}

// Used возвращает текущее значение счётчика без изменения.
func (s *Service) Used(ctx context.Context, key model.CounterKey) (int64, error) {
	return s.store.CounterValue(ctx, key)
}
