package booking

import (
	"testing"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

func charge(bookingID uuid.UUID, amount int64, status model.PaymentState) model.Payment {
	return model.Payment{
		ID:        uuid.New(),
		BookingID: &bookingID,
		Kind:      model.PaymentKindCharge,
		Amount:    money.New(amount, "KZT"),
		Status:    status,
	}
}

func refund(bookingID uuid.UUID, amount int64) model.Payment {
	return model.Payment{
		ID:        uuid.New(),
		BookingID: &bookingID,
		Kind:      model.PaymentKindRefund,
		Amount:    money.New(amount, "KZT"),
		Status:    model.PaymentCompleted,
	}
}

func booking(total, deposit int64) *model.Booking {
	return &model.Booking{
		ID:       uuid.New(),
		Currency: "KZT",
		Total:    money.New(total, "KZT"),
		Deposit:  money.New(deposit, "KZT"),
	}
}

func TestDerivePaymentStatus(t *testing.T) {
	b := booking(8500, 2000)

	tests := []struct {
		name     string
		payments []model.Payment
		want     model.PaymentStatus
	}{
		{
			name: "no payments",
			want: model.PaymentStatusPending,
		},
		{
			name:     "only pending charge",
			payments: []model.Payment{charge(b.ID, 2000, model.PaymentPending)},
			want:     model.PaymentStatusPendingVerification,
		},
		{
			name:     "failed charge",
			payments: []model.Payment{charge(b.ID, 2000, model.PaymentFailed)},
			want:     model.PaymentStatusPending,
		},
		{
			name:     "below deposit",
			payments: []model.Payment{charge(b.ID, 1000, model.PaymentCompleted)},
			want:     model.PaymentStatusPendingVerification,
		},
		{
			name:     "deposit reached",
			payments: []model.Payment{charge(b.ID, 2000, model.PaymentCompleted)},
			want:     model.PaymentStatusDepositPaid,
		},
		{
			name: "fully paid",
			payments: []model.Payment{
				charge(b.ID, 2000, model.PaymentCompleted),
				charge(b.ID, 6500, model.PaymentCompleted),
			},
			want: model.PaymentStatusFullyPaid,
		},
		{
			name: "pending charge does not count",
			payments: []model.Payment{
				charge(b.ID, 2000, model.PaymentCompleted),
				charge(b.ID, 6500, model.PaymentPending),
			},
			want: model.PaymentStatusDepositPaid,
		},
		{
			name: "refund moves status backward",
			payments: []model.Payment{
				charge(b.ID, 2000, model.PaymentRefunded),
				refund(b.ID, 2000),
			},
			want: model.PaymentStatusPending,
		},
		{
			name: "refund with another pending charge",
			payments: []model.Payment{
				charge(b.ID, 2000, model.PaymentRefunded),
				refund(b.ID, 2000),
				charge(b.ID, 2000, model.PaymentPending),
			},
			want: model.PaymentStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePaymentStatus(b, tt.payments); got != tt.want {
				t.Fatalf("DerivePaymentStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDerivePaymentStatus_ZeroTotal(t *testing.T) {
	b := booking(0, 0)
	if got := DerivePaymentStatus(b, nil); got != model.PaymentStatusFullyPaid {
		t.Fatalf("zero total must be fully paid, got %s", got)
	}
}

func TestDerivePaymentStatus_OrderIndependent(t *testing.T) {
	b := booking(8500, 2000)
	a := charge(b.ID, 2000, model.PaymentCompleted)
	c := charge(b.ID, 6500, model.PaymentCompleted)

	first := DerivePaymentStatus(b, []model.Payment{a, c})
	second := DerivePaymentStatus(b, []model.Payment{c, a})
	if first != second {
		t.Fatalf("status depends on payment order: %s vs %s", first, second)
	}
}

func TestPaid(t *testing.T) {
	b := booking(8500, 2000)
	payments := []model.Payment{
		charge(b.ID, 2000, model.PaymentRefunded),
		refund(b.ID, 500),
		charge(b.ID, 1000, model.PaymentCompleted),
		charge(b.ID, 9999, model.PaymentFailed),
		charge(b.ID, 9999, model.PaymentPending),
	}

	if got := Paid("KZT", payments); got.Minor != 2500 {
		t.Fatalf("Paid() = %d, want 2500", got.Minor)
	}
}

func TestDeposit(t *testing.T) {
	total := money.New(8501, "KZT")

	tests := []struct {
		percent int64
		want    int64
	}{
		{percent: 0, want: 8501},
		{percent: 100, want: 8501},
		{percent: 50, want: 4251},
		{percent: 30, want: 2550},
	}

	for _, tt := range tests {
		got := Deposit(model.Service{DepositPercent: tt.percent}, total)
		if got.Minor != tt.want {
			t.Errorf("Deposit(%d%%) = %d, want %d", tt.percent, got.Minor, tt.want)
		}
	}
}
