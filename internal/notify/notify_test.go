package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

func testBooking() *model.Booking {
	return &model.Booking{
		ID:            uuid.New(),
		Number:        "2603070000011",
		CustomerID:    uuid.New(),
		ProviderID:    uuid.New(),
		Status:        model.BookingConfirmed,
		PaymentStatus: model.PaymentStatusDepositPaid,
		Remaining:     money.New(6500, "KZT"),
	}
}

func TestLogDispatcher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core))

	b := testBooking()
	p := &model.Payment{ID: uuid.New()}
	at := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	d.Dispatch(context.Background(),
		BookingEvent(BookingConfirmed, b, at),
		PaymentEvent(PaymentVerified, b, p, money.New(2000, "KZT"), at),
	)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "booking.confirmed", entries[0].ContextMap()["event"])
	assert.Equal(t, "payment.verified", entries[1].ContextMap()["event"])
	assert.Equal(t, p.ID.String(), entries[1].ContextMap()["payment_id"])
}

func TestEncode(t *testing.T) {
	b := testBooking()
	p := &model.Payment{ID: uuid.New()}
	e := PaymentEvent(PaymentRefunded, b, p, money.New(2000, "KZT"), time.Now().UTC())

	body, err := encode(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "payment.refunded", decoded["type"])
	assert.Equal(t, b.Number, decoded["booking_number"])
	assert.Equal(t, "deposit_paid", decoded["payment_status"])

	amount, ok := decoded["amount"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2000), amount["amount"])
	assert.Equal(t, "KZT", amount["currency"])
}
