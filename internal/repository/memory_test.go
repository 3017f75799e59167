package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

func ptr[T any](v T) *T { return &v }

func testPromotion(limit, perCustomer *int64) *model.Promotion {
	return &model.Promotion{
		ID:               uuid.New(),
		ProviderID:       uuid.New(),
		Code:             ptr("SAVE20"),
		Kind:             model.DiscountPercentage,
		Value:            2000,
		Currency:         "KZT",
		Applicability:    model.Applicability{Kind: model.TargetAll},
		StartsOn:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndsOn:           time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		UsageLimit:       limit,
		PerCustomerLimit: perCustomer,
		Active:           true,
	}
}

func testBooking(number string) *model.Booking {
	return &model.Booking{
		ID:            uuid.New(),
		Number:        number,
		CustomerID:    uuid.New(),
		Currency:      "KZT",
		Total:         money.New(1000, "KZT"),
		Deposit:       money.New(1000, "KZT"),
		Remaining:     money.New(1000, "KZT"),
		Status:        model.BookingPending,
		PaymentStatus: model.PaymentStatusPending,
	}
}

func TestMemoryWithinTx_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	b := testBooking("2603070000011")

	errBoom := errors.New("boom")
	err := repo.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.InsertBooking(ctx, b))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = repo.GetBooking(ctx, b.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMemoryWithinTx_Commit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	b := testBooking("2603070000011")

	err := repo.WithinTx(ctx, func(ctx context.Context) error {
		return repo.InsertBooking(ctx, b)
	})
	require.NoError(t, err)

	got, err := repo.GetBookingByNumber(ctx, b.Number)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}

func TestMemoryInsertBooking_DuplicateNumber(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.InsertBooking(ctx, testBooking("2603070000011")))
	err := repo.InsertBooking(ctx, testBooking("2603070000011"))
	assert.ErrorIs(t, err, ErrDuplicateNumber)
}

func TestMemoryInsertPromotion_DuplicateCode(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := testPromotion(nil, nil)
	require.NoError(t, repo.InsertPromotion(ctx, first))

	second := testPromotion(nil, nil)
	second.ProviderID = first.ProviderID
	second.Code = ptr("save20")
	assert.ErrorIs(t, repo.InsertPromotion(ctx, second), ErrDuplicateCode)

	other := testPromotion(nil, nil)
	assert.NoError(t, repo.InsertPromotion(ctx, other))
}

func TestMemoryListProviderPromotions_StableOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	providerID := uuid.New()

	insert := func(n int, at time.Time) uuid.UUID {
		p := testPromotion(nil, nil)
		p.ID = uuid.MustParse(fmt.Sprintf("00000000-0000-4000-8000-00000000000%d", n))
		p.ProviderID = providerID
		p.Code = ptr(fmt.Sprintf("TIE%d", n))
		p.CreatedAt = at
		require.NoError(t, repo.InsertPromotion(ctx, p))
		return p.ID
	}

	earliest := insert(9, created.Add(-time.Hour))
	want := make([]uuid.UUID, 5)
	for n := 5; n >= 1; n-- {
		want[n-1] = insert(n, created)
	}
	want = append([]uuid.UUID{earliest}, want...)

	for range 3 {
		list, err := repo.ListProviderPromotions(ctx, providerID)
		require.NoError(t, err)

		got := make([]uuid.UUID, 0, len(list))
		for _, p := range list {
			got = append(got, p.ID)
		}
		assert.Equal(t, want, got)
	}
}

func TestMemoryConsumeCounter_PromotionLimit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := testPromotion(ptr(int64(2)), nil)
	require.NoError(t, repo.InsertPromotion(ctx, p))

	key := model.PromotionCounter(p.ID)
	for i := 0; i < 2; i++ {
		ok, err := repo.ConsumeCounter(ctx, key, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := repo.ConsumeCounter(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := repo.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	require.NoError(t, repo.ReleaseCounter(ctx, key, 5))
	value, err = repo.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestMemoryConsumeCounter_PerCustomer(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := testPromotion(nil, ptr(int64(1)))
	require.NoError(t, repo.InsertPromotion(ctx, p))

	alice := model.PromotionCustomerCounter(p.ID, uuid.New())
	bob := model.PromotionCustomerCounter(p.ID, uuid.New())

	ok, err := repo.ConsumeCounter(ctx, alice, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConsumeCounter(ctx, alice, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ConsumeCounter(ctx, bob, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryConsumeCounter_Stock(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	key := model.StockCounter(uuid.New())

	ok, err := repo.ConsumeCounter(ctx, key, 1)
	require.NoError(t, err)
	assert.False(t, ok, "unstocked SKU must be exhausted")

	require.NoError(t, repo.ReleaseCounter(ctx, key, 3))

	ok, err = repo.ConsumeCounter(ctx, key, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConsumeCounter(ctx, key, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := repo.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)
}

func TestMemoryConsumeCounter_Concurrent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	const limit, extra = 5, 7

	p := testPromotion(ptr(int64(limit)), nil)
	require.NoError(t, repo.InsertPromotion(ctx, p))
	key := model.PromotionCounter(p.ID)

	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
	)
	for i := 0; i < limit+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithinTx(ctx, func(ctx context.Context) error {
				ok, err := repo.ConsumeCounter(ctx, key, 1)
				if err != nil {
					return err
				}
				if ok {
					reserved.Add(1)
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), reserved.Load())
	value, err := repo.CounterValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), value)
}

func TestMemoryConsumeCounter_CanceledContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.ConsumeCounter(ctx, model.StockCounter(uuid.New()), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryListOpenBookingIDs(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	open := testBooking("2603070000011")
	done := testBooking("2603070000029")
	done.Status = model.BookingCancelled
	require.NoError(t, repo.InsertBooking(ctx, open))
	require.NoError(t, repo.InsertBooking(ctx, done))

	ids, err := repo.ListOpenBookingIDs(ctx, uuid.Nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{open.ID}, ids)

	ids, err = repo.ListOpenBookingIDs(ctx, open.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryPayments_Order(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	b := testBooking("2603070000011")
	require.NoError(t, repo.InsertBooking(ctx, b))

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		p := &model.Payment{
			ID:        uuid.New(),
			BookingID: &b.ID,
			Kind:      model.PaymentKindCharge,
			Amount:    money.New(100, "KZT"),
			Status:    model.PaymentPending,
		}
		require.NoError(t, repo.InsertPayment(ctx, p))
		ids = append(ids, p.ID)
	}

	list, err := repo.ListPayments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, p := range list {
		assert.Equal(t, ids[i], p.ID)
	}

	orphan := &model.Payment{ID: uuid.New(), BookingID: ptr(uuid.New())}
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(repo.InsertPayment(ctx, orphan)))
}
