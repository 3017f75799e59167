// Package money содержит арифметику денежных сумм в минимальных единицах валюты.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch возвращается при операциях над суммами в разных валютах.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOverflow возвращается, если результат не помещается в int64.
	ErrOverflow = errors.New("amount overflow")
)

// BasisPointsPerWhole равно числу базисных пунктов в 100%.
const BasisPointsPerWhole = 10000

// Amount описывает денежную сумму в минимальных единицах (копейки, центы) с кодом валюты.
type Amount struct {
	Minor    int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New создаёт сумму в указанной валюте.
func New(minor int64, currency string) Amount {
	return Amount{Minor: minor, Currency: currency}
}

// Zero возвращает нулевую сумму в указанной валюте.
func Zero(currency string) Amount {
	return Amount{Currency: currency}
}

// ValidCurrency проверяет, что код валюты состоит из трёх заглавных латинских букв.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// SameCurrency сообщает, совпадают ли валюты сумм.
func (a Amount) SameCurrency(b Amount) bool {
	return a.Currency == b.Currency
}

func (a Amount) mustMatch(b Amount) {
	if a.Currency != b.Currency {
		panic(fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency))
	}
}

// Add складывает суммы. Валюты должны совпадать.
func (a Amount) Add(b Amount) Amount {
	a.mustMatch(b)
	return Amount{Minor: a.Minor + b.Minor, Currency: a.Currency}
}

// Sub вычитает b из a без ограничения снизу.
func (a Amount) Sub(b Amount) Amount {
	a.mustMatch(b)
	return Amount{Minor: a.Minor - b.Minor, Currency: a.Currency}
}

// SubClamp вычитает b из a, не опускаясь ниже нуля.
func (a Amount) SubClamp(b Amount) Amount {
	r := a.Sub(b)
	if r.Minor < 0 {
		r.Minor = 0
	}
	return r
}

// AddChecked складывает суммы и возвращает ErrOverflow при переполнении.
func (a Amount) AddChecked(b Amount) (Amount, error) {
	a.mustMatch(b)
	c := a.Minor + b.Minor
	if (a.Minor^c)&(b.Minor^c) < 0 {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return Amount{Minor: c, Currency: a.Currency}, nil
}

// Mul умножает сумму на целое количество и возвращает ErrOverflow при переполнении.
func (a Amount) Mul(n int64) (Amount, error) {
	if a.Minor == 0 || n == 0 {
		return Amount{Currency: a.Currency}, nil
	}
	c := a.Minor * n
	if (c < 0) != ((a.Minor < 0) != (n < 0)) || c/n != a.Minor {
		return Amount{}, fmt.Errorf("%w: %s * %d", ErrOverflow, a, n)
	}
	return Amount{Minor: c, Currency: a.Currency}, nil
}

// PercentBP возвращает bp базисных пунктов от суммы, округляя половину вверх до минимальной единицы.
func (a Amount) PercentBP(bp int64) Amount {
	v := decimal.NewFromInt(a.Minor).
		Mul(decimal.NewFromInt(bp)).
		Div(decimal.NewFromInt(BasisPointsPerWhole)).
		Round(0)
	return Amount{Minor: v.IntPart(), Currency: a.Currency}
}

// Min возвращает меньшую из сумм.
func Min(a, b Amount) Amount {
	a.mustMatch(b)
	if b.Minor < a.Minor {
		return b
	}
	return a
}

// Cap ограничивает сумму сверху значением limit.
func (a Amount) Cap(limit Amount) Amount {
	return Min(a, limit)
}

// Cmp сравнивает суммы: -1, 0 или 1.
func (a Amount) Cmp(b Amount) int {
	a.mustMatch(b)
	switch {
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	}
	return 0
}

// LessThan сообщает, что a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan сообщает, что a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// IsZero сообщает, что сумма равна нулю.
func (a Amount) IsZero() bool { return a.Minor == 0 }

// IsPositive сообщает, что сумма больше нуля.
func (a Amount) IsPositive() bool { return a.Minor > 0 }

// IsNegative сообщает, что сумма меньше нуля.
func (a Amount) IsNegative() bool { return a.Minor < 0 }

func (a Amount) String() string {
	return fmt.Sprintf("%d %s", a.Minor, a.Currency)
}

// PercentToBP переводит процент (например, 12.5) в базисные пункты.
// Возвращает false, если значение не выражается целым числом базисных пунктов.
// Значения вне диапазона int64 также отвергаются.
func PercentToBP(percent decimal.Decimal) (int64, bool) {
	return MinorFromDecimal(percent.Mul(decimal.NewFromInt(100)))
}

// MinorFromDecimal переводит целое десятичное значение в int64.
// Возвращает false для дробных значений и значений вне диапазона int64.
func MinorFromDecimal(d decimal.Decimal) (int64, bool) {
	if !d.IsInteger() {
		return 0, false
	}
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return 0, false
	}
	return d.IntPart(), true
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// BPToPercent переводит базисные пункты обратно в проценты.
func BPToPercent(bp int64) decimal.Decimal {
	return decimal.New(bp, -2)
}
