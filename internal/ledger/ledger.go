// Package ledger ведёт учёт платежей по бронированиям.
// Каждое изменение платежа завершается пересчётом статуса оплаты бронирования.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/booking"
	"github.com/mmeshcher/marketplace-reconciler/internal/clock"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// Repository описывает операции хранилища, используемые журналом платежей.
type Repository interface {
	GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*model.Payment, error)
	InsertPayment(ctx context.Context, p *model.Payment) error
	UpdatePayment(ctx context.Context, p *model.Payment) error
	ListPayments(ctx context.Context, bookingID uuid.UUID) ([]model.Payment, error)
}

// Recomputer пересчитывает статус оплаты бронирования.
type Recomputer interface {
	RecomputePaymentStatus(ctx context.Context, bookingID uuid.UUID) (*model.Booking, bool, error)
}

// Result содержит платёж после перехода и бронирование после пересчёта.
type Result struct {
	Payment *model.Payment
	Booking *model.Booking
}

// Ledger ведёт журнал платежей.
type Ledger struct {
	repo       Repository
	recomputer Recomputer
	clock      clock.Clock
	tolerance  int64
}

// New создаёт журнал платежей. tolerance задаёт допустимую переплату в минимальных единицах.
func New(repo Repository, recomputer Recomputer, clk clock.Clock, tolerance int64) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &Ledger{repo: repo, recomputer: recomputer, clock: clk, tolerance: tolerance}
}

// SubmitRequest описывает заявленный плательщиком платёж.
type SubmitRequest struct {
	BookingID        uuid.UUID
	Amount           money.Amount
	Method           model.PaymentMethod
	Type             model.PaymentType
	GatewayReference string
	ProofReference   string
	Notes            string
	SubmittedBy      uuid.UUID
}

func (r SubmitRequest) validate() error {
	if !r.Amount.IsPositive() {
		return apperr.Validation("payment amount must be positive")
	}
	if !money.ValidCurrency(r.Amount.Currency) {
		return apperr.Validation("invalid currency %q", r.Amount.Currency)
	}
	if !r.Method.Valid() {
		return apperr.Validation("unknown payment method %q", r.Method)
	}
	if !r.Type.Valid() {
		return apperr.Validation("unknown payment type %q", r.Type)
	}
	return nil
}

// Submit регистрирует платёж в статусе pending.
func (l *Ledger) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	b, err := l.repo.GetBookingForUpdate(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return nil, apperr.InvalidTransition("booking is %s and no longer accepts payments", b.Status)
	}
	if req.Amount.Currency != b.Currency {
		return nil, apperr.Validation("payment currency %s does not match booking currency %s",
			req.Amount.Currency, b.Currency)
	}
	if err := l.checkOverpayment(ctx, b, req.Amount); err != nil {
		return nil, err
	}

	bookingID := b.ID
	p := &model.Payment{
		ID:               uuid.New(),
		BookingID:        &bookingID,
		Kind:             model.PaymentKindCharge,
		Amount:           req.Amount,
		Method:           req.Method,
		Type:             req.Type,
		Status:           model.PaymentPending,
		GatewayReference: optional(req.GatewayReference),
		ProofReference:   optional(req.ProofReference),
		Notes:            req.Notes,
		SubmittedBy:      req.SubmittedBy,
		SubmittedAt:      l.clock.Now(),
	}

	if err := l.repo.InsertPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	return l.finish(ctx, p)
}

// Verify подтверждает поступление средств: pending → completed.
func (l *Ledger) Verify(ctx context.Context, paymentID, verifier uuid.UUID) (*Result, error) {
	b, p, err := l.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentPending {
		return nil, apperr.InvalidTransition("payment is %s and cannot be verified", p.Status)
	}
	if b.Status.Terminal() {
		return nil, apperr.InvalidTransition("booking is %s and no longer accepts payments", b.Status)
	}
	if err := l.checkOverpayment(ctx, b, p.Amount); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	p.Status = model.PaymentCompleted
	p.VerifiedBy = &verifier
	p.SettledAt = &now

	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	return l.finish(ctx, p)
}

// Reject отклоняет платёж: pending → failed.
func (l *Ledger) Reject(ctx context.Context, paymentID, verifier uuid.UUID, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("rejection reason is required")
	}

	_, p, err := l.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentPending {
		return nil, apperr.InvalidTransition("payment is %s and cannot be rejected", p.Status)
	}

	now := l.clock.Now()
	p.Status = model.PaymentFailed
	p.Reason = &reason
	p.VerifiedBy = &verifier
	p.SettledAt = &now

	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	return l.finish(ctx, p)
}

// Refund возвращает часть или всю сумму проведённого платежа.
// Исходный платёж переходит в refunded, сумма возврата записывается отдельной компенсирующей записью.
func (l *Ledger) Refund(ctx context.Context, paymentID uuid.UUID, amount money.Amount, reason string, authorizer uuid.UUID) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("refund reason is required")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("refund amount must be positive")
	}

	b, p, err := l.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Kind != model.PaymentKindCharge || p.Status != model.PaymentCompleted {
		return nil, apperr.InvalidTransition("payment is %s and cannot be refunded", p.Status)
	}
	if amount.Currency != p.Amount.Currency {
		return nil, apperr.Validation("refund currency %s does not match payment currency %s",
			amount.Currency, p.Amount.Currency)
	}
	if amount.GreaterThan(p.Amount) {
		return nil, apperr.ConsistencyViolation("refund %s exceeds payment amount %s", amount, p.Amount)
	}

	payments, err := l.repo.ListPayments(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if paid := booking.Paid(b.Currency, payments); paid.LessThan(amount) {
		return nil, apperr.ConsistencyViolation("refund %s exceeds paid amount %s", amount, paid)
	}

	now := l.clock.Now()
	p.Status = model.PaymentRefunded
	p.Reason = &reason

	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	bookingID := b.ID
	originalID := p.ID
	record := &model.Payment{
		ID:          uuid.New(),
		BookingID:   &bookingID,
		Kind:        model.PaymentKindRefund,
		RefundOf:    &originalID,
		Amount:      amount,
		Method:      p.Method,
		Type:        model.PaymentTypeRefund,
		Status:      model.PaymentCompleted,
		Reason:      &reason,
		SubmittedBy: authorizer,
		VerifiedBy:  &authorizer,
		SubmittedAt: now,
		SettledAt:   &now,
	}
	if err := l.repo.InsertPayment(ctx, record); err != nil {
		return nil, fmt.Errorf("insert refund: %w", err)
	}

	return l.finish(ctx, p)
}

// lock блокирует бронирование, затем платёж. Порядок одинаков для всех операций.
func (l *Ledger) lock(ctx context.Context, paymentID uuid.UUID) (*model.Booking, *model.Payment, error) {
	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	if p.BookingID == nil {
		return nil, nil, apperr.Validation("payment %s is not linked to a booking", paymentID)
	}

	b, err := l.repo.GetBookingForUpdate(ctx, *p.BookingID)
	if err != nil {
		return nil, nil, err
	}

	p, err = l.repo.GetPaymentForUpdate(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return b, p, nil
}

func (l *Ledger) checkOverpayment(ctx context.Context, b *model.Booking, amount money.Amount) error {
	payments, err := l.repo.ListPayments(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	paid := booking.Paid(b.Currency, payments)
	limit := b.Total.Add(money.New(l.tolerance, b.Currency))

	if paid.Add(amount).GreaterThan(limit) {
		return apperr.ConsistencyViolation("payment %s would exceed the remaining amount %s",
			amount, b.Total.Sub(paid))
	}
	return nil
}

func (l *Ledger) finish(ctx context.Context, p *model.Payment) (*Result, error) {
	b, _, err := l.recomputer.RecomputePaymentStatus(ctx, *p.BookingID)
	if err != nil {
		return nil, fmt.Errorf("recompute payment status: %w", err)
	}
	return &Result{Payment: p, Booking: b}, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
