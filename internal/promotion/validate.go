package promotion

import (
	"strings"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// Validate проверяет инварианты промоакции перед сохранением.
func Validate(p *model.Promotion) error {
	if !money.ValidCurrency(p.Currency) {
		return apperr.Validation("invalid currency %q", p.Currency)
	}

	switch p.Kind {
	case model.DiscountPercentage:
		if p.Value <= 0 || p.Value > money.BasisPointsPerWhole {
			return apperr.Validation("percentage must be within (0, 100]")
		}
	case model.DiscountFixedAmount:
		if p.Value <= 0 {
			return apperr.Validation("discount amount must be positive")
		}
		if p.MaxDiscount != nil {
			return apperr.Validation("max discount applies to percentage promotions only")
		}
	default:
		return apperr.Validation("unknown discount kind %q", p.Kind)
	}

	for _, a := range []*money.Amount{p.MinSubtotal, p.MaxDiscount} {
		if a == nil {
			continue
		}
		if a.Currency != p.Currency {
			return apperr.Validation("amount %s does not match promotion currency %s", a, p.Currency)
		}
		if a.IsNegative() {
			return apperr.Validation("amount %s must not be negative", a)
		}
	}
	if p.MaxDiscount != nil && !p.MaxDiscount.IsPositive() {
		return apperr.Validation("max discount must be positive")
	}

	switch p.Applicability.Kind {
	case model.TargetAll:
		if len(p.Applicability.IDs) > 0 {
			return apperr.Validation("targets are not allowed when the promotion applies to all")
		}
	case model.TargetServices, model.TargetCategories:
		if len(p.Applicability.IDs) == 0 {
			return apperr.Validation("at least one %s target is required", p.Applicability.Kind)
		}
	default:
		return apperr.Validation("unknown applicability %q", p.Applicability.Kind)
	}

	if p.StartsOn.IsZero() || p.EndsOn.IsZero() {
		return apperr.Validation("validity dates are required")
	}
	if p.EndsOn.Before(p.StartsOn) {
		return apperr.Validation("promotion ends before it starts")
	}

	if p.UsageLimit != nil && *p.UsageLimit < 0 {
		return apperr.Validation("usage limit must not be negative")
	}
	if p.UsageLimit != nil && p.UsageCount > *p.UsageLimit {
		return apperr.Validation("usage count exceeds usage limit")
	}
	if p.PerCustomerLimit != nil && *p.PerCustomerLimit <= 0 {
		return apperr.Validation("per-customer limit must be positive")
	}

	if p.Code != nil && strings.TrimSpace(*p.Code) == "" {
		return apperr.Validation("promotion code must not be blank")
	}

	return nil
}
