// Package handler содержит HTTP-обработчики API сервиса сверки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/ledger"
	"github.com/mmeshcher/marketplace-reconciler/internal/middleware"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/service"
)

const maxBodyBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateBooking(ctx context.Context, actor model.Actor, in service.CreateBookingInput) (*model.Booking, error)
	GetBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error)
	GetBookingByNumber(ctx context.Context, actor model.Actor, number string) (*model.Booking, error)
	ConfirmBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error)
	CompleteBooking(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error)
	CancelBooking(ctx context.Context, actor model.Actor, id uuid.UUID, reason string) (*model.Booking, error)

	SubmitPayment(ctx context.Context, actor model.Actor, in service.SubmitPaymentInput) (*ledger.Result, error)
	ListPayments(ctx context.Context, actor model.Actor, bookingID uuid.UUID) ([]model.Payment, error)
	VerifyPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID) (*ledger.Result, error)
	RejectPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID, reason string) (*ledger.Result, error)
	RefundPayment(ctx context.Context, actor model.Actor, paymentID uuid.UUID, amount money.Amount, reason string) (*ledger.Result, error)

	QuotePromotion(ctx context.Context, actor model.Actor, in service.QuoteInput) (*service.Quote, error)
	CreatePromotion(ctx context.Context, actor model.Actor, in service.PromotionInput) (*service.PromotionView, error)
	GetPromotion(ctx context.Context, actor model.Actor, id uuid.UUID) (*service.PromotionView, error)
	DeactivatePromotion(ctx context.Context, actor model.Actor, id uuid.UUID) (*service.PromotionView, error)
	RestockSKU(ctx context.Context, actor model.Actor, skuID uuid.UUID, quantity int64) (int64, error)
}

// Handler реализует HTTP-обработчики API сервиса сверки.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	idempotency    middleware.IdempotencyStore
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// store может быть nil: тогда заголовок Idempotency-Key игнорируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, store middleware.IdempotencyStore) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		idempotency:    store,
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Kind: "unauthorized", Message: http.StatusText(http.StatusUnauthorized)})
		return model.Actor{}, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(apperr.KindValidation), Message: "malformed request body"})
		return false
	}
	return true
}

func (h *Handler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Kind: string(apperr.KindValidation), Message: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// writeError отображает ошибку сервиса в HTTP-ответ. Причина ошибки клиенту не отдаётся.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}

	h.writeJSON(w, status, errorResponse{Kind: string(kind), Message: apperr.MessageOf(err)})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidTransition, apperr.KindExhausted:
		return http.StatusConflict
	case apperr.KindConsistencyViolation:
		return http.StatusUnprocessableEntity
	case apperr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// CreateBooking создаёт бронирование.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createBookingRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.service.CreateBooking(r.Context(), actor, service.CreateBookingInput{
		ServiceID:       req.ServiceID,
		CustomerID:      req.CustomerID,
		Products:        toProductQuantities(req.Products),
		StartsAt:        req.StartsAt,
		EndsAt:          req.EndsAt,
		Location:        req.Location,
		Online:          req.Online,
		Attendees:       req.Attendees,
		SpecialRequests: req.SpecialRequests,
		PromotionCode:   req.PromotionCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

// GetBooking возвращает бронирование по идентификатору.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	b, err := h.service.GetBooking(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// GetBookingByNumber возвращает бронирование по номеру.
func (h *Handler) GetBookingByNumber(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	b, err := h.service.GetBookingByNumber(r.Context(), actor, chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// ConfirmBooking подтверждает бронирование.
func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ConfirmBooking)
}

// CompleteBooking завершает бронирование.
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.CompleteBooking)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Booking, error),
) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	b, err := fn(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// CancelBooking отменяет бронирование с указанием причины.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req cancelBookingRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.service.CancelBooking(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toBookingResponse(b))
}
