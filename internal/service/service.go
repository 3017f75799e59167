// Package service реализует фасад сверки: бронирования, платежи и промоакции.
// Каждая публичная операция выполняется в одной транзакции хранилища.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/booking"
	"github.com/mmeshcher/marketplace-reconciler/internal/catalog"
	"github.com/mmeshcher/marketplace-reconciler/internal/clock"
	"github.com/mmeshcher/marketplace-reconciler/internal/ledger"
	"github.com/mmeshcher/marketplace-reconciler/internal/metrics"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/notify"
	"github.com/mmeshcher/marketplace-reconciler/internal/promotion"
	"github.com/mmeshcher/marketplace-reconciler/internal/usage"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultRetryBase        = 50 * time.Millisecond
	defaultRetries          = 3
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	booking.Repository
	ledger.Repository
	promotion.Source
	usage.Store

	GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	GetBookingByNumber(ctx context.Context, number string) (*model.Booking, error)
	ListOpenBookingIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	InsertPromotion(ctx context.Context, p *model.Promotion) error
	GetPromotion(ctx context.Context, id uuid.UUID) (*model.Promotion, error)
	SetPromotionActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Options содержит необязательные параметры сервиса.
type Options struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	Dispatcher notify.Dispatcher
	// OverpaymentTolerance задаёт допустимую переплату в минимальных единицах.
	OverpaymentTolerance int64
	CounterTimeout       time.Duration
	OperationTimeout     time.Duration
	RetryBase            time.Duration
	Retries              uint64
}

// Service содержит бизнес-логику сверки.
type Service struct {
	repo       Repository
	catalog    catalog.Catalog
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	clock      clock.Clock

	usage     *usage.Service
	evaluator *promotion.Evaluator
	bookings  *booking.Manager
	ledger    *ledger.Ledger

	opTimeout time.Duration
	retryBase time.Duration
	retries   uint64
}

// NewService создаёт сервис поверх репозитория и каталога.
func NewService(repo Repository, cat catalog.Catalog, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = notify.NewLogDispatcher(opts.Logger)
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}

	counters := usage.NewService(repo, opts.CounterTimeout, opts.Logger)
	evaluator := promotion.NewEvaluator(repo, counters, opts.Clock)
	bookings := booking.NewManager(repo, evaluator, counters, opts.Clock)

	return &Service{
		repo:       repo,
		catalog:    cat,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		clock:      opts.Clock,
		usage:      counters,
		evaluator:  evaluator,
		bookings:   bookings,
		ledger:     ledger.New(repo, bookings, opts.Clock, opts.OverpaymentTolerance),
		opTimeout:  opts.OperationTimeout,
		retryBase:  opts.RetryBase,
		retries:    opts.Retries,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// events собирает события одной попытки операции; рассылаются только после фиксации.
type events []notify.Event

func (e *events) add(ev notify.Event) { *e = append(*e, ev) }

// run выполняет операцию с ограничением по времени и повторяет её при временной недоступности хранилища.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, ev *events) error) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var pending events
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		pending = pending[:0]
		err := fn(ctx, &pending)
		if apperr.Retryable(err) {
			s.logger.Warn("operation failed, retrying", zap.String("operation", op), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) == apperr.KindInternal {
		err = apperr.StorageUnavailable(err)
	}

	metrics.ObserveOperation(op, outcome(err), time.Since(start))

	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal || apperr.Retryable(err) {
			s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
		}
		return err
	}

	if len(pending) > 0 {
		s.dispatcher.Dispatch(context.WithoutCancel(ctx), pending...)
	}
	return nil
}

// tx выполняет fn внутри транзакции хранилища.
func (s *Service) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.repo.WithinTx(ctx, fn)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

// authorizeBooking проверяет доступ к бронированию: администратору всегда,
// поставщику к своим, клиенту к своим, если allowCustomer.
func authorizeBooking(actor model.Actor, b *model.Booking, allowCustomer bool) error {
	switch actor.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleProvider:
		if b.ProviderID == actor.ID {
			return nil
		}
	case model.RoleCustomer:
		if allowCustomer && b.CustomerID == actor.ID {
			return nil
		}
	}
	return apperr.Forbidden("access to booking %s is denied", b.ID)
}

func authorizePromotion(actor model.Actor, p *model.Promotion) error {
	if actor.Role == model.RoleAdmin || (actor.Role == model.RoleProvider && p.ProviderID == actor.ID) {
		return nil
	}
	return apperr.Forbidden("access to promotion %s is denied", p.ID)
}

func requireActor(actor model.Actor) error {
	if actor.ID == uuid.Nil || !actor.Role.Valid() {
		return apperr.Forbidden("actor is not authenticated")
	}
	return nil
}
