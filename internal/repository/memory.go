package repository

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

type customerKey struct {
	promotionID uuid.UUID
	customerID  uuid.UUID
}

type memState struct {
	bookings      map[uuid.UUID]model.Booking
	numbers       map[string]uuid.UUID
	payments      map[uuid.UUID]model.Payment
	paymentOrder  []uuid.UUID
	promotions    map[uuid.UUID]model.Promotion
	customerUsage map[customerKey]int64
	stock         map[uuid.UUID]int64
	consumptions  map[uuid.UUID][]model.Consumption
}

func newMemState() *memState {
	return &memState{
		bookings:      make(map[uuid.UUID]model.Booking),
		numbers:       make(map[string]uuid.UUID),
		payments:      make(map[uuid.UUID]model.Payment),
		promotions:    make(map[uuid.UUID]model.Promotion),
		customerUsage: make(map[customerKey]int64),
		stock:         make(map[uuid.UUID]int64),
		consumptions:  make(map[uuid.UUID][]model.Consumption),
	}
}

// clone копирует состояние. Значения в картах не изменяются на месте, поэтому достаточно
// скопировать карты и срезы, которые меняются по месту.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	c.paymentOrder = append([]uuid.UUID(nil), s.paymentOrder...)
	for k, v := range s.promotions {
		c.promotions[k] = v
	}
	for k, v := range s.customerUsage {
		c.customerUsage[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.consumptions {
		c.consumptions[k] = append([]model.Consumption(nil), v...)
	}
	return c
}

type memTxKey struct{}

// MemoryRepository хранит данные в памяти с теми же транзакционными гарантиями, что и PostgreSQL:
// транзакции выполняются последовательно над копией состояния, которая подменяет исходное только при успехе.
// Используется в тестах и в режиме разработки без БД.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: newMemState()}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// WithinTx выполняет fn над копией состояния и фиксирует её, если fn завершилась без ошибки.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := r.state.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	r.state = tx
	return nil
}

// with выполняет fn над состоянием текущей транзакции или, вне транзакции, над общим состоянием под мьютексом.
func (r *MemoryRepository) with(ctx context.Context, fn func(s *memState) error) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return fn(tx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.state)
}

// InsertBooking сохраняет бронирование.
func (r *MemoryRepository) InsertBooking(ctx context.Context, b *model.Booking) error {
	return r.with(ctx, func(s *memState) error {
		if _, ok := s.numbers[b.Number]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, b.Number)
		}
		s.bookings[b.ID] = copyBooking(*b)
		s.numbers[b.Number] = b.ID
		return nil
	})
}

// GetBooking возвращает бронирование.
func (r *MemoryRepository) GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	var res *model.Booking
	err := r.with(ctx, func(s *memState) error {
		b, ok := s.bookings[id]
		if !ok {
			return apperr.NotFound("booking %s not found", id)
		}
		cp := copyBooking(b)
		res = &cp
		return nil
	})
	return res, err
}

// GetBookingForUpdate возвращает бронирование; транзакции и так выполняются последовательно.
func (r *MemoryRepository) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return r.GetBooking(ctx, id)
}

// GetBookingByNumber возвращает бронирование по номеру.
func (r *MemoryRepository) GetBookingByNumber(ctx context.Context, number string) (*model.Booking, error) {
	var id uuid.UUID
	err := r.with(ctx, func(s *memState) error {
		v, ok := s.numbers[number]
		if !ok {
			return apperr.NotFound("booking %s not found", number)
		}
		id = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.GetBooking(ctx, id)
}

// UpdateBooking сохраняет изменяемые поля бронирования.
func (r *MemoryRepository) UpdateBooking(ctx context.Context, b *model.Booking) error {
	return r.with(ctx, func(s *memState) error {
		existing, ok := s.bookings[b.ID]
		if !ok {
			return apperr.NotFound("booking %s not found", b.ID)
		}
		existing.Status = b.Status
		existing.PaymentStatus = b.PaymentStatus
		existing.Remaining = b.Remaining
		existing.CancellationReason = copyString(b.CancellationReason)
		existing.UpdatedAt = b.UpdatedAt
		s.bookings[b.ID] = existing
		return nil
	})
}

// ListOpenBookingIDs возвращает идентификаторы незавершённых бронирований после after в порядке id.
func (r *MemoryRepository) ListOpenBookingIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var res []uuid.UUID
	err := r.with(ctx, func(s *memState) error {
		for id, b := range s.bookings {
			if b.Status.Terminal() || bytes.Compare(id[:], after[:]) <= 0 {
				continue
			}
			res = append(res, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res, func(i, j int) bool { return bytes.Compare(res[i][:], res[j][:]) < 0 })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// InsertPayment сохраняет запись платежа.
func (r *MemoryRepository) InsertPayment(ctx context.Context, p *model.Payment) error {
	return r.with(ctx, func(s *memState) error {
		if p.BookingID != nil {
			if _, ok := s.bookings[*p.BookingID]; !ok {
				return apperr.NotFound("booking %s not found", *p.BookingID)
			}
		}
		s.payments[p.ID] = *p
		s.paymentOrder = append(s.paymentOrder, p.ID)
		return nil
	})
}

// GetPayment возвращает платёж.
func (r *MemoryRepository) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	var res *model.Payment
	err := r.with(ctx, func(s *memState) error {
		p, ok := s.payments[id]
		if !ok {
			return apperr.NotFound("payment %s not found", id)
		}
		res = &p
		return nil
	})
	return res, err
}

// GetPaymentForUpdate возвращает платёж.
func (r *MemoryRepository) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	return r.GetPayment(ctx, id)
}

// UpdatePayment сохраняет изменяемые поля платежа.
func (r *MemoryRepository) UpdatePayment(ctx context.Context, p *model.Payment) error {
	return r.with(ctx, func(s *memState) error {
		existing, ok := s.payments[p.ID]
		if !ok {
			return apperr.NotFound("payment %s not found", p.ID)
		}
		existing.Status = p.Status
		existing.Reason = p.Reason
		existing.VerifiedBy = p.VerifiedBy
		existing.SettledAt = p.SettledAt
		s.payments[p.ID] = existing
		return nil
	})
}

// ListPayments возвращает платежи бронирования в порядке регистрации.
func (r *MemoryRepository) ListPayments(ctx context.Context, bookingID uuid.UUID) ([]model.Payment, error) {
	var res []model.Payment
	err := r.with(ctx, func(s *memState) error {
		for _, id := range s.paymentOrder {
			p := s.payments[id]
			if p.BookingID != nil && *p.BookingID == bookingID {
				res = append(res, p)
			}
		}
		return nil
	})
	return res, err
}

// InsertConsumption записывает потребление счётчика бронированием.
func (r *MemoryRepository) InsertConsumption(ctx context.Context, c model.Consumption) error {
	return r.with(ctx, func(s *memState) error {
		s.consumptions[c.BookingID] = append(s.consumptions[c.BookingID], c)
		return nil
	})
}

// ListConsumptions возвращает потребления счётчиков бронированием.
func (r *MemoryRepository) ListConsumptions(ctx context.Context, bookingID uuid.UUID) ([]model.Consumption, error) {
	var res []model.Consumption
	err := r.with(ctx, func(s *memState) error {
		res = append(res, s.consumptions[bookingID]...)
		return nil
	})
	return res, err
}

// MarkConsumptionsReleased отмечает все потребления бронирования как возвращённые.
func (r *MemoryRepository) MarkConsumptionsReleased(ctx context.Context, bookingID uuid.UUID) error {
	return r.with(ctx, func(s *memState) error {
		list := s.consumptions[bookingID]
		for i := range list {
			list[i].Released = true
		}
		return nil
	})
}

// InsertPromotion сохраняет промоакцию. Код уникален в пределах поставщика без учёта регистра.
func (r *MemoryRepository) InsertPromotion(ctx context.Context, p *model.Promotion) error {
	return r.with(ctx, func(s *memState) error {
		if p.Code != nil {
			for _, existing := range s.promotions {
				if existing.ProviderID == p.ProviderID && existing.Code != nil &&
					strings.EqualFold(*existing.Code, *p.Code) {
					return ErrDuplicateCode
				}
			}
		}
		s.promotions[p.ID] = copyPromotion(*p)
		return nil
	})
}

// GetPromotion возвращает промоакцию по идентификатору.
func (r *MemoryRepository) GetPromotion(ctx context.Context, id uuid.UUID) (*model.Promotion, error) {
	var res *model.Promotion
	err := r.with(ctx, func(s *memState) error {
		p, ok := s.promotions[id]
		if !ok {
			return apperr.NotFound("promotion %s not found", id)
		}
		cp := copyPromotion(p)
		res = &cp
		return nil
	})
	return res, err
}

// ListProviderPromotions возвращает все промоакции поставщика в порядке создания, при равном времени по id.
func (r *MemoryRepository) ListProviderPromotions(ctx context.Context, providerID uuid.UUID) ([]model.Promotion, error) {
	var res []model.Promotion
	err := r.with(ctx, func(s *memState) error {
		for _, p := range s.promotions {
			if p.ProviderID == providerID {
				res = append(res, copyPromotion(p))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return bytes.Compare(res[i].ID[:], res[j].ID[:]) < 0
	})
	return res, nil
}

// SetPromotionActive включает или выключает промоакцию.
func (r *MemoryRepository) SetPromotionActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.with(ctx, func(s *memState) error {
		p, ok := s.promotions[id]
		if !ok {
			return apperr.NotFound("promotion %s not found", id)
		}
		p.Active = active
		s.promotions[id] = p
		return nil
	})
}

// ConsumeCounter увеличивает счётчик использования (или уменьшает остаток товара) на by, если лимит позволяет.
func (r *MemoryRepository) ConsumeCounter(ctx context.Context, key model.CounterKey, by int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var ok bool
	err := r.with(ctx, func(s *memState) error {
		switch key.Kind {
		case model.CounterPromotion:
			p, found := s.promotions[key.PromotionID]
			if !found || (p.UsageLimit != nil && p.UsageCount+by > *p.UsageLimit) {
				return nil
			}
			p.UsageCount += by
			s.promotions[key.PromotionID] = p
		case model.CounterPromotionCustomer:
			p, found := s.promotions[key.PromotionID]
			if !found {
				return nil
			}
			ck := customerKey{promotionID: key.PromotionID, customerID: key.CustomerID}
			if p.PerCustomerLimit != nil && s.customerUsage[ck]+by > *p.PerCustomerLimit {
				return nil
			}
			s.customerUsage[ck] += by
		case model.CounterStock:
			if s.stock[key.SKUID] < by {
				return nil
			}
			s.stock[key.SKUID] -= by
		default:
			return fmt.Errorf("unknown counter kind %q", key.Kind)
		}
		ok = true
		return nil
	})
	return ok, err
}

// ReleaseCounter возвращает by единиц на счётчик. Для товара это пополнение остатка.
func (r *MemoryRepository) ReleaseCounter(ctx context.Context, key model.CounterKey, by int64) error {
	return r.with(ctx, func(s *memState) error {
		switch key.Kind {
		case model.CounterPromotion:
			p, found := s.promotions[key.PromotionID]
			if !found {
				return nil
			}
			p.UsageCount = max(p.UsageCount-by, 0)
			s.promotions[key.PromotionID] = p
		case model.CounterPromotionCustomer:
			ck := customerKey{promotionID: key.PromotionID, customerID: key.CustomerID}
			if _, found := s.customerUsage[ck]; found {
				s.customerUsage[ck] = max(s.customerUsage[ck]-by, 0)
			}
		case model.CounterStock:
			s.stock[key.SKUID] += by
		default:
			return fmt.Errorf("unknown counter kind %q", key.Kind)
		}
		return nil
	})
}

// CounterValue возвращает текущее значение счётчика.
func (r *MemoryRepository) CounterValue(ctx context.Context, key model.CounterKey) (int64, error) {
	var value int64
	err := r.with(ctx, func(s *memState) error {
		switch key.Kind {
		case model.CounterPromotion:
			value = s.promotions[key.PromotionID].UsageCount
		case model.CounterPromotionCustomer:
			value = s.customerUsage[customerKey{promotionID: key.PromotionID, customerID: key.CustomerID}]
		case model.CounterStock:
			value = s.stock[key.SKUID]
		default:
			return fmt.Errorf("unknown counter kind %q", key.Kind)
		}
		return nil
	})
	return value, err
}

func copyBooking(b model.Booking) model.Booking {
	b.Items = append([]model.BookingItem(nil), b.Items...)
	b.CancellationReason = copyString(b.CancellationReason)
	return b
}

func copyPromotion(p model.Promotion) model.Promotion {
	p.Applicability.IDs = append([]uuid.UUID(nil), p.Applicability.IDs...)
	return p
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
