// Package promotion выбирает применимую к покупке промоакцию и рассчитывает скидку.
// Вычисление ничего не изменяет: списание счётчиков выполняется при создании бронирования.
package promotion

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/clock"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// Source отдаёт промоакции поставщика.
type Source interface {
	ListProviderPromotions(ctx context.Context, providerID uuid.UUID) ([]model.Promotion, error)
}

// UsageReader читает значение счётчика без списания.
type UsageReader interface {
	Used(ctx context.Context, key model.CounterKey) (int64, error)
}

// Candidate описывает предполагаемую покупку.
type Candidate struct {
	ProviderID uuid.UUID
	ServiceID  uuid.UUID
	CategoryID uuid.UUID
	CustomerID uuid.UUID
	Subtotal   money.Amount
	Code       string
}

// Rejection объясняет, почему промоакция с указанным кодом не применилась.
type Rejection string

const (
	RejectNone          Rejection = ""
	RejectUnknownCode   Rejection = "unknown_code"
	RejectInactive      Rejection = "inactive"
	RejectUpcoming      Rejection = "upcoming"
	RejectExpired       Rejection = "expired"
	RejectExhausted     Rejection = "exhausted"
	RejectMinSubtotal   Rejection = "below_min_subtotal"
	RejectNotApplicable Rejection = "not_applicable"
	RejectCustomerLimit Rejection = "customer_limit_reached"
)

// Outcome описывает результат оценки: либо скидка не применяется, либо Applied с суммой.
type Outcome struct {
	Applied   bool
	Promotion *model.Promotion
	Discount  money.Amount
	// Rejection заполняется, только если покупатель указал код и он не применился.
	Rejection Rejection
}

// NoDiscount означает исход без скидки.
func NoDiscount(currency string, reason Rejection) Outcome {
	return Outcome{Discount: money.Zero(currency), Rejection: reason}
}

// Evaluator выбирает лучшую применимую промоакцию.
type Evaluator struct {
	source Source
	usage  UsageReader
	clock  clock.Clock
}

// NewEvaluator создаёт оценщик промоакций.
func NewEvaluator(source Source, usage UsageReader, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Evaluator{source: source, usage: usage, clock: clk}
}

// Evaluate применяет фильтры допуска по порядку и выбирает победителя по приоритету,
// затем по размеру скидки, затем по времени создания (новее выигрывает).
func (e *Evaluator) Evaluate(ctx context.Context, c Candidate) (Outcome, error) {
	promotions, err := e.source.ListProviderPromotions(ctx, c.ProviderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("list promotions: %w", err)
	}

	now := e.clock.Now()
	code := strings.TrimSpace(c.Code)

	var (
		best         *model.Promotion
		bestDiscount money.Amount
		rejection    = RejectNone
	)
	if code != "" {
		rejection = RejectUnknownCode
	}

	for i := range promotions {
		p := &promotions[i]

		reason, err := e.check(ctx, p, c, code, now)
		if err != nil {
			return Outcome{}, err
		}
		if reason == RejectUnknownCode {
			continue
		}
		if reason != RejectNone {
			if code != "" {
				rejection = reason
			}
			continue
		}

		d := Discount(p, c.Subtotal)
		if best == nil || better(p, d, best, bestDiscount) {
			best = p
			bestDiscount = d
		}
	}

	if best == nil {
		return NoDiscount(c.Subtotal.Currency, rejection), nil
	}

	return Outcome{Applied: true, Promotion: best, Discount: bestDiscount}, nil
}

// check возвращает первую непройденную проверку или RejectNone.
// RejectUnknownCode означает, что промоакция вообще не участвует в отборе.
func (e *Evaluator) check(ctx context.Context, p *model.Promotion, c Candidate, code string, now time.Time) (Rejection, error) {
	if p.ProviderID != c.ProviderID {
		return RejectUnknownCode, nil
	}

	if code == "" {
		if !p.Automatic() {
			return RejectUnknownCode, nil
		}
	} else if p.Automatic() || !strings.EqualFold(*p.Code, code) {
		return RejectUnknownCode, nil
	}

	switch p.Status(now) {
	case model.PromotionInactive:
		return RejectInactive, nil
	case model.PromotionUpcoming:
		return RejectUpcoming, nil
	case model.PromotionExpired:
		return RejectExpired, nil
	case model.PromotionExhausted:
		return RejectExhausted, nil
	}

	if p.Currency != c.Subtotal.Currency {
		return RejectNotApplicable, nil
	}

	if p.MinSubtotal != nil && c.Subtotal.LessThan(*p.MinSubtotal) {
		return RejectMinSubtotal, nil
	}

	if !p.Applicability.Matches(c.ServiceID, c.CategoryID) {
		return RejectNotApplicable, nil
	}

	if p.PerCustomerLimit != nil {
		used, err := e.usage.Used(ctx, model.PromotionCustomerCounter(p.ID, c.CustomerID))
		if err != nil {
			return RejectNone, fmt.Errorf("read customer usage: %w", err)
		}
		if used >= *p.PerCustomerLimit {
			return RejectCustomerLimit, nil
		}
	}

	return RejectNone, nil
}

func better(p *model.Promotion, d money.Amount, best *model.Promotion, bestDiscount money.Amount) bool {
	if p.Priority != best.Priority {
		return p.Priority > best.Priority
	}
	if d.Minor != bestDiscount.Minor {
		return d.Minor > bestDiscount.Minor
	}
	if !p.CreatedAt.Equal(best.CreatedAt) {
		return p.CreatedAt.After(best.CreatedAt)
	}
	return bytes.Compare(p.ID[:], best.ID[:]) < 0
}

// Discount рассчитывает скидку промоакции для подытога. Результат в диапазоне [0, subtotal].
func Discount(p *model.Promotion, subtotal money.Amount) money.Amount {
	var d money.Amount
	switch p.Kind {
	case model.DiscountPercentage:
		d = subtotal.PercentBP(p.Value)
		if p.MaxDiscount != nil {
			d = d.Cap(*p.MaxDiscount)
		}
	case model.DiscountFixedAmount:
		d = money.Min(money.New(p.Value, subtotal.Currency), subtotal)
	default:
		return money.Zero(subtotal.Currency)
	}

	if d.IsNegative() {
		return money.Zero(subtotal.Currency)
	}
	return money.Min(d, subtotal)
}
