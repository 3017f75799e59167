package handler

import (
	"net/http"
	"time"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/service"
)

// QuotePromotion рассчитывает скидку для предполагаемой покупки.
func (h *Handler) QuotePromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.service.QuotePromotion(r.Context(), actor, service.QuoteInput{
		ServiceID:     req.ServiceID,
		CustomerID:    req.CustomerID,
		Products:      toProductQuantities(req.Products),
		Attendees:     req.Attendees,
		PromotionCode: req.PromotionCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toQuoteResponse(q))
}

// CreatePromotion создаёт промоакцию.
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createPromotionRequest
	if !h.decode(w, r, &req) {
		return
	}

	startsOn, err := parseDate(req.StartsOn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	endsOn, err := parseDate(req.EndsOn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.service.CreatePromotion(r.Context(), actor, service.PromotionInput{
		ProviderID:       req.ProviderID,
		Code:             req.Code,
		Kind:             req.Kind,
		Value:            req.Value,
		Currency:         req.Currency,
		MinSubtotal:      req.MinSubtotal,
		MaxDiscount:      req.MaxDiscount,
		AppliesTo:        req.AppliesTo,
		TargetIDs:        req.TargetIDs,
		StartsOn:         startsOn,
		EndsOn:           endsOn,
		UsageLimit:       req.UsageLimit,
		PerCustomerLimit: req.PerCustomerLimit,
		Priority:         req.Priority,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toPromotionResponse(view))
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Validation("date %q must be in YYYY-MM-DD format", s)
	}
	return t, nil
}

// GetPromotion возвращает промоакцию с производным статусом.
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.GetPromotion(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPromotionResponse(view))
}

// DeactivatePromotion выключает промоакцию.
func (h *Handler) DeactivatePromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	view, err := h.service.DeactivatePromotion(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPromotionResponse(view))
}

// RestockSKU пополняет остаток товара.
func (h *Handler) RestockSKU(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	skuID, ok := h.uuidParam(w, r, "sku")
	if !ok {
		return
	}

	var req restockRequest
	if !h.decode(w, r, &req) {
		return
	}

	available, err := h.service.RestockSKU(r.Context(), actor, skuID, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, restockResponse{SKUID: skuID, Available: available})
}
