// Package booking управляет жизненным циклом бронирования и производным статусом оплаты.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/clock"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/promotion"
	"github.com/mmeshcher/marketplace-reconciler/internal/repository"
	"github.com/mmeshcher/marketplace-reconciler/internal/usage"
	"github.com/mmeshcher/marketplace-reconciler/internal/validation"
)

const numberAttempts = 5

// Repository описывает операции хранилища, используемые менеджером.
// Все вызовы выполняются внутри транзакции, открытой фасадом.
type Repository interface {
	InsertBooking(ctx context.Context, b *model.Booking) error
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	UpdateBooking(ctx context.Context, b *model.Booking) error
	ListPayments(ctx context.Context, bookingID uuid.UUID) ([]model.Payment, error)
	InsertConsumption(ctx context.Context, c model.Consumption) error
	ListConsumptions(ctx context.Context, bookingID uuid.UUID) ([]model.Consumption, error)
	MarkConsumptionsReleased(ctx context.Context, bookingID uuid.UUID) error
}

// Counters списывает и возвращает счётчики использования.
type Counters interface {
	TryConsume(ctx context.Context, key model.CounterKey, by int64) (usage.Outcome, error)
	Release(ctx context.Context, key model.CounterKey, by int64) error
}

// Evaluator подбирает промоакцию для бронирования.
type Evaluator interface {
	Evaluate(ctx context.Context, c promotion.Candidate) (promotion.Outcome, error)
}

// Manager владеет конечным автоматом бронирования.
type Manager struct {
	repo      Repository
	evaluator Evaluator
	counters  Counters
	clock     clock.Clock
	newNumber func(now time.Time) (string, error)
}

// NewManager создаёт менеджер жизненного цикла бронирований.
func NewManager(repo Repository, evaluator Evaluator, counters Counters, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		repo:      repo,
		evaluator: evaluator,
		counters:  counters,
		clock:     clk,
		newNumber: validation.NewBookingNumber,
	}
}

// ProductLine описывает дополнительный товар в бронировании.
type ProductLine struct {
	Product  model.Product
	Quantity int64
}

// CreateRequest содержит данные для создания бронирования. Service и товары приходят из каталога.
type CreateRequest struct {
	Service         model.Service
	Products        []ProductLine
	CustomerID      uuid.UUID
	StartsAt        time.Time
	EndsAt          time.Time
	Location        string
	Online          bool
	Attendees       int
	SpecialRequests string
	PromotionCode   string
}

func (r CreateRequest) validate() error {
	if r.CustomerID == uuid.Nil {
		return apperr.Validation("customer is required")
	}
	if r.Service.ID == uuid.Nil {
		return apperr.Validation("service is required")
	}
	if !money.ValidCurrency(r.Service.Price.Currency) {
		return apperr.Validation("service has invalid currency %q", r.Service.Price.Currency)
	}
	if r.Service.Price.IsNegative() {
		return apperr.Validation("service price must not be negative")
	}
	if r.StartsAt.IsZero() || !r.EndsAt.After(r.StartsAt) {
		return apperr.Validation("schedule end must be after start")
	}
	if r.Attendees < 1 {
		return apperr.Validation("attendees must be at least 1")
	}
	if r.Service.DepositPercent < 0 || r.Service.DepositPercent > 100 {
		return apperr.Validation("deposit percent must be within 0..100")
	}
	for _, line := range r.Products {
		if line.Quantity <= 0 {
			return apperr.Validation("quantity for %s must be positive", line.Product.SKUID)
		}
		if line.Product.Price.Currency != r.Service.Price.Currency {
			return apperr.Validation("product %s is priced in %s, booking is in %s",
				line.Product.SKUID, line.Product.Price.Currency, r.Service.Price.Currency)
		}
		if line.Product.Price.IsNegative() {
			return apperr.Validation("product %s has negative price", line.Product.SKUID)
		}
	}
	return nil
}

// Subtotal рассчитывает подытог: цена услуги (за участника, если так тарифицируется) плюс товары.
// Подытог, не помещающийся в int64, отвергается как ошибка валидации.
func Subtotal(svc model.Service, attendees int, products []ProductLine) (money.Amount, error) {
	subtotal := svc.Price
	if svc.PerAttendee {
		var err error
		if subtotal, err = svc.Price.Mul(int64(attendees)); err != nil {
			return money.Amount{}, apperr.Validation("too many attendees for service %s", svc.ID)
		}
	}
	for _, line := range products {
		if !line.Product.Price.SameCurrency(svc.Price) {
			return money.Amount{}, apperr.Validation("product %s is priced in %s, booking is in %s",
				line.Product.SKUID, line.Product.Price.Currency, svc.Price.Currency)
		}
		cost, err := line.Product.Price.Mul(line.Quantity)
		if err == nil {
			subtotal, err = subtotal.AddChecked(cost)
		}
		if err != nil {
			return money.Amount{}, apperr.Validation("quantity of %s is too large", line.Product.SKUID)
		}
	}
	if subtotal.IsNegative() {
		return money.Amount{}, apperr.Validation("subtotal must not be negative")
	}
	return subtotal, nil
}

// Deposit рассчитывает депозит по политике услуги. Без политики депозит равен итогу.
func Deposit(svc model.Service, total money.Amount) money.Amount {
	if svc.DepositPercent <= 0 || svc.DepositPercent >= 100 {
		return total
	}
	return money.Min(total.PercentBP(svc.DepositPercent*100), total)
}

// Create создаёт бронирование в статусе pending. Любой исчерпанный счётчик отменяет создание целиком;
// откат уже сделанных списаний обеспечивает транзакция фасада.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	currency := req.Service.Price.Currency
	subtotal, err := Subtotal(req.Service, req.Attendees, req.Products)
	if err != nil {
		return nil, err
	}

	outcome, err := m.evaluator.Evaluate(ctx, promotion.Candidate{
		ProviderID: req.Service.ProviderID,
		ServiceID:  req.Service.ID,
		CategoryID: req.Service.CategoryID,
		CustomerID: req.CustomerID,
		Subtotal:   subtotal,
		Code:       req.PromotionCode,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate promotion: %w", err)
	}
	if strings.TrimSpace(req.PromotionCode) != "" && !outcome.Applied {
		return nil, codeRejected(req.PromotionCode, outcome.Rejection)
	}

	var consumed []model.Consumption

	for _, line := range req.Products {
		if !line.Product.StockTracking {
			continue
		}
		key := model.StockCounter(line.Product.SKUID)
		if err := m.consume(ctx, key, line.Quantity); err != nil {
			if errors.Is(err, apperr.ErrExhausted) {
				return nil, apperr.Exhausted("product %s is out of stock", line.Product.Name)
			}
			return nil, err
		}
		consumed = append(consumed, model.Consumption{Key: key, Amount: line.Quantity})
	}

	discount := money.Zero(currency)
	var promotionID *uuid.UUID

	if outcome.Applied {
		p := outcome.Promotion
		keys := []model.CounterKey{
			model.PromotionCounter(p.ID),
			model.PromotionCustomerCounter(p.ID, req.CustomerID),
		}
		for _, key := range keys {
			if err := m.consume(ctx, key, 1); err != nil {
				if errors.Is(err, apperr.ErrExhausted) {
					return nil, apperr.Exhausted("promotion is no longer available")
				}
				return nil, err
			}
			consumed = append(consumed, model.Consumption{Key: key, Amount: 1})
		}
		discount = outcome.Discount
		id := p.ID
		promotionID = &id
	}

	total := subtotal.SubClamp(discount)
	now := m.clock.Now()

	b := &model.Booking{
		ID:              uuid.New(),
		CustomerID:      req.CustomerID,
		ServiceID:       req.Service.ID,
		ProviderID:      req.Service.ProviderID,
		StartsAt:        req.StartsAt.UTC(),
		EndsAt:          req.EndsAt.UTC(),
		Location:        req.Location,
		Online:          req.Online,
		Attendees:       req.Attendees,
		SpecialRequests: req.SpecialRequests,
		Currency:        currency,
		Subtotal:        subtotal,
		PromotionID:     promotionID,
		Discount:        discount,
		Total:           total,
		Deposit:         Deposit(req.Service, total),
		Remaining:       total,
		Status:          model.BookingPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	b.PaymentStatus = DerivePaymentStatus(b, nil)

	for _, line := range req.Products {
		b.Items = append(b.Items, model.BookingItem{
			SKUID:     line.Product.SKUID,
			Quantity:  line.Quantity,
			UnitPrice: line.Product.Price,
		})
	}

	if err := m.insertWithNumber(ctx, b); err != nil {
		return nil, err
	}

	for _, c := range consumed {
		c.BookingID = b.ID
		if err := m.repo.InsertConsumption(ctx, c); err != nil {
			return nil, fmt.Errorf("record consumption: %w", err)
		}
	}

	return b, nil
}

func (m *Manager) consume(ctx context.Context, key model.CounterKey, by int64) error {
	outcome, err := m.counters.TryConsume(ctx, key, by)
	if err != nil {
		return fmt.Errorf("consume %s: %w", key, err)
	}
	if outcome == usage.Exhausted {
		return apperr.Exhausted("%s exhausted", key.Kind)
	}
	return nil
}

func (m *Manager) insertWithNumber(ctx context.Context, b *model.Booking) error {
	for i := 0; i < numberAttempts; i++ {
		number, err := m.newNumber(b.CreatedAt)
		if err != nil {
			return fmt.Errorf("generate booking number: %w", err)
		}
		b.Number = number

		err = m.repo.InsertBooking(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateNumber) {
			return fmt.Errorf("insert booking: %w", err)
		}
	}
	return fmt.Errorf("insert booking: %w", repository.ErrDuplicateNumber)
}

func codeRejected(code string, reason promotion.Rejection) error {
	switch reason {
	case promotion.RejectExhausted, promotion.RejectCustomerLimit:
		return apperr.Exhausted("promotion code %q is no longer available", code)
	case promotion.RejectUnknownCode:
		return apperr.Validation("promotion code %q does not exist", code)
	case promotion.RejectUpcoming:
		return apperr.Validation("promotion code %q is not active yet", code)
	case promotion.RejectExpired, promotion.RejectInactive:
		return apperr.Validation("promotion code %q has expired", code)
	case promotion.RejectMinSubtotal:
		return apperr.Validation("order total is below the minimum for promotion code %q", code)
	}
	return apperr.Validation("promotion code %q does not apply to this booking", code)
}

// Confirm переводит бронирование pending → confirmed.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return m.transition(ctx, id, model.BookingConfirmed, model.BookingPending)
}

// Complete переводит бронирование confirmed → completed.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return m.transition(ctx, id, model.BookingCompleted, model.BookingConfirmed)
}

// Cancel отменяет бронирование в статусе pending или confirmed и возвращает потреблённые счётчики.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID, reason string) (*model.Booking, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("cancellation reason is required")
	}

	b, err := m.repo.GetBookingForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, model.BookingCancelled, model.BookingPending, model.BookingConfirmed); err != nil {
		return nil, err
	}

	consumptions, err := m.repo.ListConsumptions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list consumptions: %w", err)
	}
	for _, c := range consumptions {
		if c.Released {
			continue
		}
		if err := m.counters.Release(ctx, c.Key, c.Amount); err != nil {
			return nil, fmt.Errorf("release %s: %w", c.Key, err)
		}
	}
	if err := m.repo.MarkConsumptionsReleased(ctx, id); err != nil {
		return nil, fmt.Errorf("mark consumptions released: %w", err)
	}

	b.Status = model.BookingCancelled
	b.CancellationReason = &reason
	b.UpdatedAt = m.clock.Now()

	if err := m.repo.UpdateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}
	return b, nil
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, to model.BookingStatus, from ...model.BookingStatus) (*model.Booking, error) {
	b, err := m.repo.GetBookingForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(b.Status, to, from...); err != nil {
		return nil, err
	}

	b.Status = to
	b.UpdatedAt = m.clock.Now()

	if err := m.repo.UpdateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("update booking: %w", err)
	}
	return b, nil
}

func checkTransition(current, to model.BookingStatus, from ...model.BookingStatus) error {
	for _, s := range from {
		if current == s {
			return nil
		}
	}
	return apperr.InvalidTransition("booking cannot move from %s to %s", current, to)
}

// RecomputePaymentStatus заново читает все платежи бронирования и пересчитывает статус оплаты и остаток.
// Пересчёт идемпотентен и не зависит от порядка применения переходов платежей.
// Терминальные бронирования тоже пересчитываются: возврат после отмены меняет остаток и статус оплаты,
// но не статус бронирования и не подытог, скидку, итог или депозит.
func (m *Manager) RecomputePaymentStatus(ctx context.Context, id uuid.UUID) (*model.Booking, bool, error) {
	b, err := m.repo.GetBookingForUpdate(ctx, id)
	if err != nil {
		return nil, false, err
	}

	payments, err := m.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("list payments: %w", err)
	}

	status := DerivePaymentStatus(b, payments)
	remaining := b.Total.Sub(Paid(b.Currency, payments))

	if status == b.PaymentStatus && remaining == b.Remaining {
		return b, false, nil
	}

	b.PaymentStatus = status
	b.Remaining = remaining
	b.UpdatedAt = m.clock.Now()

	if err := m.repo.UpdateBooking(ctx, b); err != nil {
		return nil, false, fmt.Errorf("update booking: %w", err)
	}
	return b, true, nil
}
