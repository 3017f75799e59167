// Package validation содержит проверку и генерацию номеров бронирований.
package validation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	datePrefixLayout = "060102"
	randomSpace      = 1_000_000
)

// IsValidBookingNumber проверяет номер бронирования: только цифры и корректная контрольная цифра Луна.
func IsValidBookingNumber(number string) bool {
	sum, ok := luhnSum(number, false)
	return ok && sum%10 == 0
}

// NewBookingNumber формирует номер вида YYMMDD + 6 случайных цифр + контрольная цифра Луна.
func NewBookingNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(randomSpace))
	if err != nil {
		return "", fmt.Errorf("random booking suffix: %w", err)
	}

	body := fmt.Sprintf("%s%06d", now.UTC().Format(datePrefixLayout), n.Int64())
	sum, _ := luhnSum(body, true)
	return fmt.Sprintf("%s%d", body, (10-sum%10)%10), nil
}

// luhnSum считает сумму Луна справа налево. doubleFirst удваивает самую правую цифру:
// так считается тело номера, к которому ещё будет дописана контрольная цифра.
func luhnSum(digits string, doubleFirst bool) (int, bool) {
	if digits == "" {
		return 0, false
	}

	sum := 0
	double := doubleFirst
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		d := int(c - '0')
		if double {
			if d *= 2; d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum, true
}
