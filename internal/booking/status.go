package booking

import (
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// Paid возвращает оплаченную сумму: проведённые платежи минус компенсирующие записи возвратов.
// Платёж в статусе refunded остаётся в сумме, его отменяет запись возврата.
func Paid(currency string, payments []model.Payment) money.Amount {
	paid := money.Zero(currency)
	for _, p := range payments {
		switch {
		case p.Kind == model.PaymentKindCharge && settled(p.Status):
			paid = paid.Add(p.Amount)
		case p.Kind == model.PaymentKindRefund && p.Status == model.PaymentCompleted:
			paid = paid.Sub(p.Amount)
		}
	}
	return paid
}

func settled(s model.PaymentState) bool {
	return s == model.PaymentCompleted || s == model.PaymentRefunded
}

// DerivePaymentStatus вычисляет статус оплаты бронирования по полному набору его платежей.
// Функция чистая: результат не зависит от порядка, в котором платежи меняли статус.
func DerivePaymentStatus(b *model.Booking, payments []model.Payment) model.PaymentStatus {
	if b.Total.IsZero() {
		return model.PaymentStatusFullyPaid
	}

	paid := Paid(b.Currency, payments)

	if !paid.IsPositive() {
		var pending, anySettled bool
		for _, p := range payments {
			if p.Kind != model.PaymentKindCharge {
				continue
			}
			if p.Status == model.PaymentPending {
				pending = true
			}
			if settled(p.Status) {
				anySettled = true
			}
		}
		if pending && !anySettled {
			return model.PaymentStatusPendingVerification
		}
		return model.PaymentStatusPending
	}

	switch {
	case paid.LessThan(b.Deposit):
		return model.PaymentStatusPendingVerification
	case paid.LessThan(b.Total):
		return model.PaymentStatusDepositPaid
	}
	return model.PaymentStatusFullyPaid
}
