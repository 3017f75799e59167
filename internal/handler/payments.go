package handler

import (
	"net/http"
	"strings"

	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/service"
)

// SubmitPayment регистрирует платёж по бронированию.
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req submitPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.SubmitPayment(r.Context(), actor, service.SubmitPaymentInput{
		BookingID:        bookingID,
		Amount:           money.New(req.Amount, strings.ToUpper(req.Currency)),
		Method:           req.Method,
		Type:             req.Type,
		GatewayReference: req.GatewayReference,
		ProofReference:   req.ProofReference,
		Notes:            req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toPaymentResult(res))
}

// ListPayments возвращает платежи бронирования.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	bookingID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	payments, err := h.service.ListPayments(r.Context(), actor, bookingID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for i := range payments {
		resp = append(resp, toPaymentResponse(&payments[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// VerifyPayment подтверждает поступление средств.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	res, err := h.service.VerifyPayment(r.Context(), actor, paymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPaymentResult(res))
}

// RejectPayment отклоняет платёж.
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req rejectPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.RejectPayment(r.Context(), actor, paymentID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPaymentResult(res))
}

// RefundPayment оформляет возврат по проведённому платежу.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req refundPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.RefundPayment(r.Context(), actor, paymentID,
		money.New(req.Amount, strings.ToUpper(req.Currency)), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toPaymentResult(res))
}
