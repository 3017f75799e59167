package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/marketplace-reconciler/internal/ledger"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/service"
)

// moneyDTO — сумма в минимальных единицах валюты.
type moneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyDTO(a money.Amount) moneyDTO {
	return moneyDTO{Amount: a.Minor, Currency: a.Currency}
}

func optionalMoney(a *money.Amount) *moneyDTO {
	if a == nil {
		return nil
	}
	dto := toMoneyDTO(*a)
	return &dto
}

type productLineRequest struct {
	SKUID    uuid.UUID `json:"sku_id"`
	Quantity int64     `json:"quantity"`
}

func toProductQuantities(lines []productLineRequest) []service.ProductQuantity {
	res := make([]service.ProductQuantity, 0, len(lines))
	for _, l := range lines {
		res = append(res, service.ProductQuantity{SKUID: l.SKUID, Quantity: l.Quantity})
	}
	return res
}

type createBookingRequest struct {
	ServiceID       uuid.UUID            `json:"service_id"`
	CustomerID      uuid.UUID            `json:"customer_id"`
	Products        []productLineRequest `json:"products"`
	StartsAt        time.Time            `json:"starts_at"`
	EndsAt          time.Time            `json:"ends_at"`
	Location        string               `json:"location"`
	Online          bool                 `json:"online"`
	Attendees       int                  `json:"attendees"`
	SpecialRequests string               `json:"special_requests"`
	PromotionCode   string               `json:"promotion_code"`
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

type bookingItemResponse struct {
	SKUID     uuid.UUID `json:"sku_id"`
	Quantity  int64     `json:"quantity"`
	UnitPrice moneyDTO  `json:"unit_price"`
}

type bookingResponse struct {
	ID                 uuid.UUID             `json:"id"`
	Number             string                `json:"number"`
	CustomerID         uuid.UUID             `json:"customer_id"`
	ServiceID          uuid.UUID             `json:"service_id"`
	ProviderID         uuid.UUID             `json:"provider_id"`
	StartsAt           string                `json:"starts_at"`
	EndsAt             string                `json:"ends_at"`
	Location           string                `json:"location,omitempty"`
	Online             bool                  `json:"online"`
	Attendees          int                   `json:"attendees"`
	SpecialRequests    string                `json:"special_requests,omitempty"`
	Items              []bookingItemResponse `json:"items,omitempty"`
	Subtotal           moneyDTO              `json:"subtotal"`
	PromotionID        *uuid.UUID            `json:"promotion_id,omitempty"`
	Discount           moneyDTO              `json:"discount"`
	Total              moneyDTO              `json:"total"`
	Deposit            moneyDTO              `json:"deposit"`
	Remaining          moneyDTO              `json:"remaining"`
	Status             model.BookingStatus   `json:"status"`
	PaymentStatus      model.PaymentStatus   `json:"payment_status"`
	CancellationReason *string               `json:"cancellation_reason,omitempty"`
	CreatedAt          string                `json:"created_at"`
	UpdatedAt          string                `json:"updated_at"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	resp := bookingResponse{
		ID:                 b.ID,
		Number:             b.Number,
		CustomerID:         b.CustomerID,
		ServiceID:          b.ServiceID,
		ProviderID:         b.ProviderID,
		StartsAt:           b.StartsAt.Format(time.RFC3339),
		EndsAt:             b.EndsAt.Format(time.RFC3339),
		Location:           b.Location,
		Online:             b.Online,
		Attendees:          b.Attendees,
		SpecialRequests:    b.SpecialRequests,
		Subtotal:           toMoneyDTO(b.Subtotal),
		PromotionID:        b.PromotionID,
		Discount:           toMoneyDTO(b.Discount),
		Total:              toMoneyDTO(b.Total),
		Deposit:            toMoneyDTO(b.Deposit),
		Remaining:          toMoneyDTO(b.Remaining),
		Status:             b.Status,
		PaymentStatus:      b.PaymentStatus,
		CancellationReason: b.CancellationReason,
		CreatedAt:          b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          b.UpdatedAt.Format(time.RFC3339),
	}
	for _, it := range b.Items {
		resp.Items = append(resp.Items, bookingItemResponse{
			SKUID:     it.SKUID,
			Quantity:  it.Quantity,
			UnitPrice: toMoneyDTO(it.UnitPrice),
		})
	}
	return resp
}

type submitPaymentRequest struct {
	Amount           int64               `json:"amount"`
	Currency         string              `json:"currency"`
	Method           model.PaymentMethod `json:"method"`
	Type             model.PaymentType   `json:"type"`
	GatewayReference string              `json:"gateway_reference"`
	ProofReference   string              `json:"proof_reference"`
	Notes            string              `json:"notes"`
}

type rejectPaymentRequest struct {
	Reason string `json:"reason"`
}

type refundPaymentRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

type paymentResponse struct {
	ID               uuid.UUID           `json:"id"`
	BookingID        *uuid.UUID          `json:"booking_id,omitempty"`
	Kind             model.PaymentKind   `json:"kind"`
	RefundOf         *uuid.UUID          `json:"refund_of,omitempty"`
	Amount           moneyDTO            `json:"amount"`
	Method           model.PaymentMethod `json:"method"`
	Type             model.PaymentType   `json:"type"`
	Status           model.PaymentState  `json:"status"`
	GatewayReference *string             `json:"gateway_reference,omitempty"`
	ProofReference   *string             `json:"proof_reference,omitempty"`
	Notes            string              `json:"notes,omitempty"`
	Reason           *string             `json:"reason,omitempty"`
	SubmittedBy      uuid.UUID           `json:"submitted_by"`
	VerifiedBy       *uuid.UUID          `json:"verified_by,omitempty"`
	SubmittedAt      string              `json:"submitted_at"`
	SettledAt        *string             `json:"settled_at,omitempty"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	resp := paymentResponse{
		ID:               p.ID,
		BookingID:        p.BookingID,
		Kind:             p.Kind,
		RefundOf:         p.RefundOf,
		Amount:           toMoneyDTO(p.Amount),
		Method:           p.Method,
		Type:             p.Type,
		Status:           p.Status,
		GatewayReference: p.GatewayReference,
		ProofReference:   p.ProofReference,
		Notes:            p.Notes,
		Reason:           p.Reason,
		SubmittedBy:      p.SubmittedBy,
		VerifiedBy:       p.VerifiedBy,
		SubmittedAt:      p.SubmittedAt.Format(time.RFC3339),
	}
	if p.SettledAt != nil {
		s := p.SettledAt.Format(time.RFC3339)
		resp.SettledAt = &s
	}
	return resp
}

// paymentResultResponse содержит платёж после перехода и бронирование после пересчёта.
type paymentResultResponse struct {
	Payment paymentResponse `json:"payment"`
	Booking bookingResponse `json:"booking"`
}

func toPaymentResult(res *ledger.Result) paymentResultResponse {
	return paymentResultResponse{
		Payment: toPaymentResponse(res.Payment),
		Booking: toBookingResponse(res.Booking),
	}
}

type quoteRequest struct {
	ServiceID     uuid.UUID            `json:"service_id"`
	CustomerID    uuid.UUID            `json:"customer_id"`
	Products      []productLineRequest `json:"products"`
	Attendees     int                  `json:"attendees"`
	PromotionCode string               `json:"promotion_code"`
}

type quoteResponse struct {
	Subtotal    moneyDTO   `json:"subtotal"`
	Discount    moneyDTO   `json:"discount"`
	Total       moneyDTO   `json:"total"`
	Deposit     moneyDTO   `json:"deposit"`
	PromotionID *uuid.UUID `json:"promotion_id,omitempty"`
	Rejection   string     `json:"rejection,omitempty"`
}

func toQuoteResponse(q *service.Quote) quoteResponse {
	resp := quoteResponse{
		Subtotal:  toMoneyDTO(q.Subtotal),
		Discount:  toMoneyDTO(q.Discount),
		Total:     toMoneyDTO(q.Total),
		Deposit:   toMoneyDTO(q.Deposit),
		Rejection: string(q.Rejection),
	}
	if q.Promotion != nil {
		id := q.Promotion.ID
		resp.PromotionID = &id
	}
	return resp
}

// createPromotionRequest: value задаёт процент (например, "12.5") для percentage
// и сумму в минимальных единицах для fixed_amount.
type createPromotionRequest struct {
	ProviderID       uuid.UUID          `json:"provider_id"`
	Code             string             `json:"code"`
	Kind             model.DiscountKind `json:"kind"`
	Value            decimal.Decimal    `json:"value"`
	Currency         string             `json:"currency"`
	MinSubtotal      *int64             `json:"min_subtotal"`
	MaxDiscount      *int64             `json:"max_discount"`
	AppliesTo        model.TargetKind   `json:"applies_to"`
	TargetIDs        []uuid.UUID        `json:"target_ids"`
	StartsOn         string             `json:"starts_on"`
	EndsOn           string             `json:"ends_on"`
	UsageLimit       *int64             `json:"usage_limit"`
	PerCustomerLimit *int64             `json:"per_customer_limit"`
	Priority         int                `json:"priority"`
}

type promotionResponse struct {
	ID               uuid.UUID             `json:"id"`
	ProviderID       uuid.UUID             `json:"provider_id"`
	Code             *string               `json:"code,omitempty"`
	Kind             model.DiscountKind    `json:"kind"`
	Value            decimal.Decimal       `json:"value"`
	Currency         string                `json:"currency"`
	MinSubtotal      *moneyDTO             `json:"min_subtotal,omitempty"`
	MaxDiscount      *moneyDTO             `json:"max_discount,omitempty"`
	AppliesTo        model.TargetKind      `json:"applies_to"`
	TargetIDs        []uuid.UUID           `json:"target_ids,omitempty"`
	StartsOn         string                `json:"starts_on"`
	EndsOn           string                `json:"ends_on"`
	UsageLimit       *int64                `json:"usage_limit,omitempty"`
	UsageCount       int64                 `json:"usage_count"`
	PerCustomerLimit *int64                `json:"per_customer_limit,omitempty"`
	Priority         int                   `json:"priority"`
	Active           bool                  `json:"active"`
	Status           model.PromotionStatus `json:"status"`
}

func toPromotionResponse(v *service.PromotionView) promotionResponse {
	p := v.Promotion
	value := decimal.NewFromInt(p.Value)
	if p.Kind == model.DiscountPercentage {
		value = money.BPToPercent(p.Value)
	}
	return promotionResponse{
		ID:               p.ID,
		ProviderID:       p.ProviderID,
		Code:             p.Code,
		Kind:             p.Kind,
		Value:            value,
		Currency:         p.Currency,
		MinSubtotal:      optionalMoney(p.MinSubtotal),
		MaxDiscount:      optionalMoney(p.MaxDiscount),
		AppliesTo:        p.Applicability.Kind,
		TargetIDs:        p.Applicability.IDs,
		StartsOn:         p.StartsOn.Format(time.DateOnly),
		EndsOn:           p.EndsOn.Format(time.DateOnly),
		UsageLimit:       p.UsageLimit,
		UsageCount:       p.UsageCount,
		PerCustomerLimit: p.PerCustomerLimit,
		Priority:         p.Priority,
		Active:           p.Active,
		Status:           v.Status,
	}
}

type restockRequest struct {
	Quantity int64 `json:"quantity"`
}

type restockResponse struct {
	SKUID     uuid.UUID `json:"sku_id"`
	Available int64     `json:"available"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
