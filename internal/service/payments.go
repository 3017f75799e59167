package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/ledger"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/notify"
)

// SubmitPaymentInput описывает заявленный платёж по бронированию.
type SubmitPaymentInput struct {
	BookingID        uuid.UUID
	Amount           money.Amount
	Method           model.PaymentMethod
	Type             model.PaymentType
	GatewayReference string
	ProofReference   string
	Notes            string
}

// SubmitPayment регистрирует платёж в статусе pending.
func (s *Service) SubmitPayment(ctx context.Context, actor model.Actor, in SubmitPaymentInput) (*ledger.Result, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var res *ledger.Result
	err := s.run(ctx, "submit_payment", func(ctx context.Context, ev *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			b, err := s.repo.GetBooking(ctx, in.BookingID)
			if err != nil {
				return err
			}
			if err := authorizeBooking(actor, b, true); err != nil {
				return err
			}

			res, err = s.ledger.Submit(ctx, ledger.SubmitRequest{
				BookingID:        in.BookingID,
				Amount:           in.Amount,
				Method:           in.Method,
				Type:             in.Type,
				GatewayReference: in.GatewayReference,
				ProofReference:   in.ProofReference,
				Notes:            in.Notes,
				SubmittedBy:      actor.ID,
			})
			if err != nil {
				return err
			}
			ev.add(notify.PaymentEvent(notify.PaymentSubmitted, res.Booking, res.Payment, res.Payment.Amount, s.clock.Now()))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListPayments возвращает платежи бронирования в порядке регистрации.
func (s *Service) ListPayments(ctx context.Context, actor model.Actor, bookingID uuid.UUID) ([]model.Payment, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var payments []model.Payment
	err := s.run(ctx, "list_payments", func(ctx context.Context, _ *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			b, err := s.repo.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := authorizeBooking(actor, b, true); err != nil {
				return err
			}
			payments, err = s.repo.ListPayments(ctx, bookingID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// VerifyPayment подтверждает платёж. Доступно поставщику бронирования и администратору.
func (s *Service) VerifyPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID) (*ledger.Result, error) {
	return s.changePayment(ctx, "verify_payment", actor, paymentID, notify.PaymentVerified,
		func(ctx context.Context) (*ledger.Result, money.Amount, error) {
			res, err := s.ledger.Verify(ctx, paymentID, actor.ID)
			if err != nil {
				return nil, money.Amount{}, err
			}
			return res, res.Payment.Amount, nil
		})
}

// RejectPayment отклоняет платёж. Доступно поставщику бронирования и администратору.
func (s *Service) RejectPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID, reason string) (*ledger.Result, error) {
	return s.changePayment(ctx, "reject_payment", actor, paymentID, notify.PaymentRejected,
		func(ctx context.Context) (*ledger.Result, money.Amount, error) {
			res, err := s.ledger.Reject(ctx, paymentID, actor.ID, reason)
			if err != nil {
				return nil, money.Amount{}, err
			}
			return res, res.Payment.Amount, nil
		})
}

// RefundPayment возвращает средства по проведённому платежу. Доступно только администратору.
func (s *Service) RefundPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID, amount money.Amount, reason string) (*ledger.Result, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != model.RoleAdmin {
		return nil, apperr.Forbidden("only administrators can authorise refunds")
	}

	return s.changePayment(ctx, "refund_payment", actor, paymentID, notify.PaymentRefunded,
		func(ctx context.Context) (*ledger.Result, money.Amount, error) {
			res, err := s.ledger.Refund(ctx, paymentID, amount, reason, actor.ID)
			if err != nil {
				return nil, money.Amount{}, err
			}
			return res, amount, nil
		})
}

func (s *Service) changePayment(
	ctx context.Context,
	op string,
	actor model.Actor,
	paymentID uuid.UUID,
	event notify.EventType,
	change func(ctx context.Context) (*ledger.Result, money.Amount, error),
) (*ledger.Result, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var res *ledger.Result
	err := s.run(ctx, op, func(ctx context.Context, ev *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			p, err := s.repo.GetPayment(ctx, paymentID)
			if err != nil {
				return err
			}
			if p.BookingID == nil {
				return apperr.Validation("payment %s is not linked to a booking", paymentID)
			}
			b, err := s.repo.GetBooking(ctx, *p.BookingID)
			if err != nil {
				return err
			}
			if err := authorizeBooking(actor, b, false); err != nil {
				return err
			}

			r, amount, err := change(ctx)
			if err != nil {
				return err
			}
			res = r
			ev.add(notify.PaymentEvent(event, r.Booking, r.Payment, amount, s.clock.Now()))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
