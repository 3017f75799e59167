// Package notify рассылает события жизненного цикла бронирований и платежей.
// Доставка выполняется после фиксации транзакции; ошибки только логируются.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// EventType используется как ключ маршрутизации.
type EventType string

const (
	BookingCreated   EventType = "booking.created"
	BookingConfirmed EventType = "booking.confirmed"
	BookingCompleted EventType = "booking.completed"
	BookingCancelled EventType = "booking.cancelled"
	PaymentSubmitted EventType = "payment.submitted"
	PaymentVerified  EventType = "payment.verified"
	PaymentRejected  EventType = "payment.rejected"
	PaymentRefunded  EventType = "payment.refunded"
)

// Event сообщает о переходе бронирования или платежа.
type Event struct {
	Type          EventType           `json:"type"`
	BookingID     uuid.UUID           `json:"booking_id"`
	BookingNumber string              `json:"booking_number"`
	CustomerID    uuid.UUID           `json:"customer_id"`
	ProviderID    uuid.UUID           `json:"provider_id"`
	Status        model.BookingStatus `json:"status"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	Remaining     money.Amount        `json:"remaining"`
	PaymentID     *uuid.UUID          `json:"payment_id,omitempty"`
	Amount        *money.Amount       `json:"amount,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// BookingEvent собирает событие по бронированию.
func BookingEvent(t EventType, b *model.Booking, at time.Time) Event {
	return Event{
		Type:          t,
		BookingID:     b.ID,
		BookingNumber: b.Number,
		CustomerID:    b.CustomerID,
		ProviderID:    b.ProviderID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		Remaining:     b.Remaining,
		OccurredAt:    at,
	}
}

// PaymentEvent собирает событие по платежу.
func PaymentEvent(t EventType, b *model.Booking, p *model.Payment, amount money.Amount, at time.Time) Event {
	e := BookingEvent(t, b, at)
	id := p.ID
	e.PaymentID = &id
	e.Amount = &amount
	return e
}

// Dispatcher отправляет события.
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...Event)
}

// LogDispatcher пишет события в лог. Используется, когда брокер не настроен.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher создаёт диспетчер, пишущий события в лог.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch пишет каждое событие в лог.
func (d *LogDispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, e := range events {
		fields := []zap.Field{
			zap.String("event", string(e.Type)),
			zap.String("booking_id", e.BookingID.String()),
			zap.String("booking_number", e.BookingNumber),
			zap.String("status", string(e.Status)),
			zap.String("payment_status", string(e.PaymentStatus)),
		}
		if e.PaymentID != nil {
			fields = append(fields, zap.String("payment_id", e.PaymentID.String()))
		}
		d.logger.Info("notification", fields...)
	}
}
