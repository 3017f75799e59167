package promotion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

func validPromotion() *model.Promotion {
	code := "SPRING"
	return &model.Promotion{
		ID:            uuid.New(),
		ProviderID:    uuid.New(),
		Code:          &code,
		Kind:          model.DiscountPercentage,
		Value:         1500,
		Currency:      "KZT",
		Applicability: model.Applicability{Kind: model.TargetAll},
		StartsOn:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EndsOn:        time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
}

func TestValidate(t *testing.T) {
	amount := func(minor int64, currency string) *money.Amount {
		a := money.New(minor, currency)
		return &a
	}
	limit := func(v int64) *int64 { return &v }
	blank := "  "

	tests := []struct {
		name   string
		mutate func(p *model.Promotion)
		ok     bool
	}{
		{name: "valid percentage", mutate: func(p *model.Promotion) {}, ok: true},
		{name: "one day promotion", mutate: func(p *model.Promotion) { p.EndsOn = p.StartsOn }, ok: true},
		{name: "whole amount off", mutate: func(p *model.Promotion) { p.Value = 10000 }, ok: true},
		{name: "percentage above 100", mutate: func(p *model.Promotion) { p.Value = 10001 }},
		{name: "zero percentage", mutate: func(p *model.Promotion) { p.Value = 0 }},
		{
			name: "fixed amount with cap",
			mutate: func(p *model.Promotion) {
				p.Kind = model.DiscountFixedAmount
				p.Value = 500
				p.MaxDiscount = amount(100, "KZT")
			},
		},
		{name: "cap in other currency", mutate: func(p *model.Promotion) { p.MaxDiscount = amount(100, "USD") }},
		{name: "zero cap", mutate: func(p *model.Promotion) { p.MaxDiscount = amount(0, "KZT") }},
		{name: "negative min subtotal", mutate: func(p *model.Promotion) { p.MinSubtotal = amount(-1, "KZT") }},
		{name: "bad currency", mutate: func(p *model.Promotion) { p.Currency = "kzt" }},
		{name: "unknown kind", mutate: func(p *model.Promotion) { p.Kind = "bogo" }},
		{name: "services without ids", mutate: func(p *model.Promotion) { p.Applicability.Kind = model.TargetServices }},
		{
			name: "all with ids",
			mutate: func(p *model.Promotion) {
				p.Applicability.IDs = []uuid.UUID{uuid.New()}
			},
		},
		{name: "ends before starts", mutate: func(p *model.Promotion) { p.EndsOn = p.StartsOn.AddDate(0, 0, -1) }},
		{name: "missing dates", mutate: func(p *model.Promotion) { p.StartsOn = time.Time{} }},
		{
			name: "count over limit",
			mutate: func(p *model.Promotion) {
				p.UsageLimit = limit(2)
				p.UsageCount = 3
			},
		},
		{name: "zero per-customer limit", mutate: func(p *model.Promotion) { p.PerCustomerLimit = limit(0) }},
		{name: "blank code", mutate: func(p *model.Promotion) { p.Code = &blank }},
		{name: "automatic promotion", mutate: func(p *model.Promotion) { p.Code = nil }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPromotion()
			tt.mutate(p)

			err := Validate(p)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}
