package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/booking"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/notify"
	"github.com/mmeshcher/marketplace-reconciler/internal/validation"
)

// ProductQuantity описывает дополнительный товар в запросе.
type ProductQuantity struct {
	SKUID    uuid.UUID
	Quantity int64
}

// CreateBookingInput содержит запрос на бронирование. CustomerID учитывается только для администратора.
type CreateBookingInput struct {
	ServiceID       uuid.UUID
	CustomerID      uuid.UUID
	Products        []ProductQuantity
	StartsAt        time.Time
	EndsAt          time.Time
	Location        string
	Online          bool
	Attendees       int
	SpecialRequests string
	PromotionCode   string
}

// CreateBooking создаёт бронирование, применяя лучшую доступную промоакцию.
func (s *Service) CreateBooking(ctx context.Context, actor model.Actor, in CreateBookingInput) (*model.Booking, error) {
	customerID, err := bookingCustomer(actor, in.CustomerID)
	if err != nil {
		return nil, err
	}

	var created *model.Booking
	err = s.run(ctx, "create_booking", func(ctx context.Context, ev *events) error {
		svc, lines, err := s.resolve(ctx, in.ServiceID, in.Products)
		if err != nil {
			return err
		}

		return s.tx(ctx, func(ctx context.Context) error {
			b, err := s.bookings.Create(ctx, booking.CreateRequest{
				Service:         *svc,
				Products:        lines,
				CustomerID:      customerID,
				StartsAt:        in.StartsAt,
				EndsAt:          in.EndsAt,
				Location:        strings.TrimSpace(in.Location),
				Online:          in.Online,
				Attendees:       in.Attendees,
				SpecialRequests: in.SpecialRequests,
				PromotionCode:   in.PromotionCode,
			})
			if err != nil {
				return err
			}
			created = b
			ev.add(notify.BookingEvent(notify.BookingCreated, b, s.clock.Now()))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func bookingCustomer(actor model.Actor, requested uuid.UUID) (uuid.UUID, error) {
	if err := requireActor(actor); err != nil {
		return uuid.Nil, err
	}
	switch actor.Role {
	case model.RoleCustomer:
		if requested != uuid.Nil && requested != actor.ID {
			return uuid.Nil, apperr.Forbidden("customers can only book for themselves")
		}
		return actor.ID, nil
	case model.RoleAdmin:
		if requested == uuid.Nil {
			return uuid.Nil, apperr.Validation("customer is required")
		}
		return requested, nil
	}
	return uuid.Nil, apperr.Forbidden("role %s cannot create bookings", actor.Role)
}

// resolve загружает услугу и товары из каталога. Повторяющиеся SKU складываются в одну строку.
func (s *Service) resolve(ctx context.Context, serviceID uuid.UUID, products []ProductQuantity) (*model.Service, []booking.ProductLine, error) {
	if serviceID == uuid.Nil {
		return nil, nil, apperr.Validation("service is required")
	}

	svc, err := s.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	}

	var lines []booking.ProductLine
	index := make(map[uuid.UUID]int, len(products))

	for _, pq := range products {
		if pq.Quantity <= 0 {
			return nil, nil, apperr.Validation("quantity for %s must be positive", pq.SKUID)
		}
		if i, ok := index[pq.SKUID]; ok {
			if lines[i].Quantity > math.MaxInt64-pq.Quantity {
				return nil, nil, apperr.Validation("quantity of %s is too large", pq.SKUID)
			}
			lines[i].Quantity += pq.Quantity
			continue
		}

		p, err := s.catalog.GetProduct(ctx, pq.SKUID)
		if err != nil {
			return nil, nil, err
		}
		if p.ProviderID != uuid.Nil && p.ProviderID != svc.ProviderID {
			return nil, nil, apperr.Validation("product %s is sold by another provider", pq.SKUID)
		}

		index[pq.SKUID] = len(lines)
		lines = append(lines, booking.ProductLine{Product: *p, Quantity: pq.Quantity})
	}

	return svc, lines, nil
}

// GetBooking возвращает бронирование.
func (s *Service) GetBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var b *model.Booking
	err := s.run(ctx, "get_booking", func(ctx context.Context, _ *events) error {
		var err error
		b, err = s.repo.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		return authorizeBooking(actor, b, true)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBookingByNumber ищет бронирование по номеру. Номер с неверной контрольной цифрой отклоняется без обращения к хранилищу.
func (s *Service) GetBookingByNumber(ctx context.Context, actor model.Actor, number string) (*model.Booking, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	number = strings.TrimSpace(number)
	if !validation.IsValidBookingNumber(number) {
		return nil, apperr.Validation("invalid booking number %q", number)
	}

	var b *model.Booking
	err := s.run(ctx, "get_booking", func(ctx context.Context, _ *events) error {
		var err error
		b, err = s.repo.GetBookingByNumber(ctx, number)
		if err != nil {
			return err
		}
		return authorizeBooking(actor, b, true)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ConfirmBooking подтверждает бронирование. Доступно поставщику и администратору.
func (s *Service) ConfirmBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error) {
	return s.changeBooking(ctx, "confirm_booking", actor, id, false, notify.BookingConfirmed,
		func(ctx context.Context) (*model.Booking, error) {
			return s.bookings.Confirm(ctx, id)
		})
}

// CompleteBooking завершает бронирование. Доступно поставщику и администратору.
func (s *Service) CompleteBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error) {
	return s.changeBooking(ctx, "complete_booking", actor, id, false, notify.BookingCompleted,
		func(ctx context.Context) (*model.Booking, error) {
			return s.bookings.Complete(ctx, id)
		})
}

// CancelBooking отменяет бронирование и возвращает потреблённые лимиты.
func (s *Service) CancelBooking(ctx context.Context, actor model.Actor, id uuid.UUID, reason string) (*model.Booking, error) {
	return s.changeBooking(ctx, "cancel_booking", actor, id, true, notify.BookingCancelled,
		func(ctx context.Context) (*model.Booking, error) {
			return s.bookings.Cancel(ctx, id, reason)
		})
}

func (s *Service) changeBooking(
	ctx context.Context,
	op string,
	actor model.Actor,
	id uuid.UUID,
	allowCustomer bool,
	event notify.EventType,
	change func(ctx context.Context) (*model.Booking, error),
) (*model.Booking, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var changed *model.Booking
	err := s.run(ctx, op, func(ctx context.Context, ev *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			current, err := s.repo.GetBooking(ctx, id)
			if err != nil {
				return err
			}
			if err := authorizeBooking(actor, current, allowCustomer); err != nil {
				return err
			}

			b, err := change(ctx)
			if err != nil {
				return err
			}
			changed = b
			ev.add(notify.BookingEvent(event, b, s.clock.Now()))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}
