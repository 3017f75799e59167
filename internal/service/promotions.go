package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/booking"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/promotion"
	"github.com/mmeshcher/marketplace-reconciler/internal/repository"
)

// QuoteInput описывает предполагаемую покупку для расчёта скидки.
type QuoteInput struct {
	ServiceID     uuid.UUID
	CustomerID    uuid.UUID
	Products      []ProductQuantity
	Attendees     int
	PromotionCode string
}

// Quote содержит результат расчёта без изменения состояния.
type Quote struct {
	Subtotal  money.Amount
	Discount  money.Amount
	Total     money.Amount
	Deposit   money.Amount
	Promotion *model.Promotion
	Rejection promotion.Rejection
}

// QuotePromotion рассчитывает скидку для предполагаемой покупки. Счётчики не списываются.
func (s *Service) QuotePromotion(ctx context.Context, actor model.Actor, in QuoteInput) (*Quote, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	customerID := in.CustomerID
	if actor.Role == model.RoleCustomer {
		customerID = actor.ID
	}
	if in.Attendees < 1 {
		return nil, apperr.Validation("attendees must be at least 1")
	}

	var q *Quote
	err := s.run(ctx, "quote_promotion", func(ctx context.Context, _ *events) error {
		svc, lines, err := s.resolve(ctx, in.ServiceID, in.Products)
		if err != nil {
			return err
		}
		subtotal, err := booking.Subtotal(*svc, in.Attendees, lines)
		if err != nil {
			return err
		}

		return s.tx(ctx, func(ctx context.Context) error {
			outcome, err := s.evaluator.Evaluate(ctx, promotion.Candidate{
				ProviderID: svc.ProviderID,
				ServiceID:  svc.ID,
				CategoryID: svc.CategoryID,
				CustomerID: customerID,
				Subtotal:   subtotal,
				Code:       in.PromotionCode,
			})
			if err != nil {
				return err
			}

			total := subtotal.SubClamp(outcome.Discount)
			q = &Quote{
				Subtotal:  subtotal,
				Discount:  outcome.Discount,
				Total:     total,
				Deposit:   booking.Deposit(*svc, total),
				Promotion: outcome.Promotion,
				Rejection: outcome.Rejection,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// PromotionInput описывает новую промоакцию. Value задаёт процент для процентной скидки
// и сумму в минимальных единицах для фиксированной.
type PromotionInput struct {
	ProviderID       uuid.UUID
	Code             string
	Kind             model.DiscountKind
	Value            decimal.Decimal
	Currency         string
	MinSubtotal      *int64
	MaxDiscount      *int64
	AppliesTo        model.TargetKind
	TargetIDs        []uuid.UUID
	StartsOn         time.Time
	EndsOn           time.Time
	UsageLimit       *int64
	PerCustomerLimit *int64
	Priority         int
}

// PromotionView дополняет промоакцию производным статусом.
type PromotionView struct {
	Promotion *model.Promotion
	Status    model.PromotionStatus
}

// CreatePromotion сохраняет промоакцию поставщика. Коды уникальны в пределах поставщика без учёта регистра.
func (s *Service) CreatePromotion(ctx context.Context, actor model.Actor, in PromotionInput) (*PromotionView, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	switch actor.Role {
	case model.RoleProvider:
		if in.ProviderID != uuid.Nil && in.ProviderID != actor.ID {
			return nil, apperr.Forbidden("providers can only create their own promotions")
		}
		in.ProviderID = actor.ID
	case model.RoleAdmin:
		if in.ProviderID == uuid.Nil {
			return nil, apperr.Validation("provider is required")
		}
	default:
		return nil, apperr.Forbidden("role %s cannot create promotions", actor.Role)
	}

	p, err := s.buildPromotion(in)
	if err != nil {
		return nil, err
	}

	err = s.run(ctx, "create_promotion", func(ctx context.Context, _ *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			err := s.repo.InsertPromotion(ctx, p)
			if errors.Is(err, repository.ErrDuplicateCode) {
				return apperr.Validation("promotion code %q already exists", *p.Code)
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &PromotionView{Promotion: p, Status: p.Status(s.clock.Now())}, nil
}

func (s *Service) buildPromotion(in PromotionInput) (*model.Promotion, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))

	p := &model.Promotion{
		ID:               uuid.New(),
		ProviderID:       in.ProviderID,
		Kind:             in.Kind,
		Currency:         currency,
		Applicability:    model.Applicability{Kind: in.AppliesTo, IDs: in.TargetIDs},
		StartsOn:         day(in.StartsOn),
		EndsOn:           day(in.EndsOn),
		UsageLimit:       in.UsageLimit,
		PerCustomerLimit: in.PerCustomerLimit,
		Priority:         in.Priority,
		Active:           true,
		CreatedAt:        s.clock.Now(),
	}
	if p.Applicability.Kind == "" {
		p.Applicability.Kind = model.TargetAll
	}
	if code := strings.TrimSpace(in.Code); code != "" {
		p.Code = &code
	}

	switch in.Kind {
	case model.DiscountPercentage:
		if !in.Value.IsPositive() || in.Value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, apperr.Validation("percentage must be within (0, 100]")
		}
		bp, ok := money.PercentToBP(in.Value)
		if !ok {
			return nil, apperr.Validation("percentage %s has too many decimal places", in.Value)
		}
		p.Value = bp
	case model.DiscountFixedAmount:
		v, ok := money.MinorFromDecimal(in.Value)
		if !ok {
			return nil, apperr.Validation("fixed discount must be an integer amount of minor units")
		}
		p.Value = v
	}

	if in.MinSubtotal != nil {
		a := money.New(*in.MinSubtotal, currency)
		p.MinSubtotal = &a
	}
	if in.MaxDiscount != nil {
		a := money.New(*in.MaxDiscount, currency)
		p.MaxDiscount = &a
	}

	if err := promotion.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetPromotion возвращает промоакцию с производным статусом.
func (s *Service) GetPromotion(ctx context.Context, actor model.Actor, id uuid.UUID) (*PromotionView, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var p *model.Promotion
	err := s.run(ctx, "get_promotion", func(ctx context.Context, _ *events) error {
		var err error
		p, err = s.repo.GetPromotion(ctx, id)
		if err != nil {
			return err
		}
		return authorizePromotion(actor, p)
	})
	if err != nil {
		return nil, err
	}
	return &PromotionView{Promotion: p, Status: p.Status(s.clock.Now())}, nil
}

// DeactivatePromotion выключает промоакцию. Уже созданные бронирования не пересчитываются.
func (s *Service) DeactivatePromotion(ctx context.Context, actor model.Actor, id uuid.UUID) (*PromotionView, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var p *model.Promotion
	err := s.run(ctx, "deactivate_promotion", func(ctx context.Context, _ *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			var err error
			p, err = s.repo.GetPromotion(ctx, id)
			if err != nil {
				return err
			}
			if err := authorizePromotion(actor, p); err != nil {
				return err
			}
			if err := s.repo.SetPromotionActive(ctx, id, false); err != nil {
				return err
			}
			p.Active = false
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &PromotionView{Promotion: p, Status: p.Status(s.clock.Now())}, nil
}

// RestockSKU пополняет остаток товара и возвращает новое значение. Доступно только администратору.
func (s *Service) RestockSKU(ctx context.Context, actor model.Actor, skuID uuid.UUID, quantity int64) (int64, error) {
	if err := requireActor(actor); err != nil {
		return 0, err
	}
	if actor.Role != model.RoleAdmin {
		return 0, apperr.Forbidden("only administrators can restock products")
	}
	if skuID == uuid.Nil {
		return 0, apperr.Validation("sku is required")
	}
	if quantity <= 0 {
		return 0, apperr.Validation("restock quantity must be positive")
	}

	var available int64
	err := s.run(ctx, "restock_sku", func(ctx context.Context, _ *events) error {
		return s.tx(ctx, func(ctx context.Context) error {
			key := model.StockCounter(skuID)
			if err := s.usage.Release(ctx, key, quantity); err != nil {
				return err
			}
			var err error
			available, err = s.usage.Used(ctx, key)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}
