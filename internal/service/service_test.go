package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/catalog"
	"github.com/mmeshcher/marketplace-reconciler/internal/clock"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
	"github.com/mmeshcher/marketplace-reconciler/internal/notify"
	"github.com/mmeshcher/marketplace-reconciler/internal/repository"
)

var testNow = time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, events ...notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *recordingDispatcher) types() []notify.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []notify.EventType
	for _, e := range d.events {
		res = append(res, e.Type)
	}
	return res
}

// flakyRepo отказывает в первых failures транзакциях.
type flakyRepo struct {
	*repository.MemoryRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (r *flakyRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return apperr.StorageUnavailable(errors.New("connection reset by peer"))
	}
	return r.MemoryRepository.WithinTx(ctx, fn)
}

type fixture struct {
	svc        *Service
	repo       *repository.MemoryRepository
	catalog    *catalog.Static
	dispatcher *recordingDispatcher
	service    model.Service
	product    model.Product
	provider   model.Actor
	customer   model.Actor
	admin      model.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, repository.NewMemoryRepository(), nil)
}

func newFixtureWithRepo(t *testing.T, mem *repository.MemoryRepository, repo Repository) *fixture {
	t.Helper()

	f := &fixture{
		repo:       mem,
		catalog:    catalog.NewStatic(),
		dispatcher: &recordingDispatcher{},
		provider:   model.Actor{ID: uuid.New(), Role: model.RoleProvider},
		customer:   model.Actor{ID: uuid.New(), Role: model.RoleCustomer},
		admin:      model.Actor{ID: uuid.New(), Role: model.RoleAdmin},
	}
	f.service = model.Service{
		ID:             uuid.New(),
		ProviderID:     f.provider.ID,
		CategoryID:     uuid.New(),
		Name:           "Pottery workshop",
		Price:          money.New(10000, "KZT"),
		DepositPercent: 30,
	}
	f.product = model.Product{
		SKUID:         uuid.New(),
		ProviderID:    f.provider.ID,
		Name:          "Clay kit",
		Price:         money.New(1500, "KZT"),
		StockTracking: true,
	}
	f.catalog.AddService(f.service)
	f.catalog.AddProduct(f.product)

	if repo == nil {
		repo = mem
	}
	f.svc = NewService(repo, f.catalog, Options{
		Logger:           zap.NewNop(),
		Clock:            clock.NewFake(testNow),
		Dispatcher:       f.dispatcher,
		OperationTimeout: 5 * time.Second,
		RetryBase:        time.Millisecond,
	})
	return f
}

func (f *fixture) bookingInput() CreateBookingInput {
	return CreateBookingInput{
		ServiceID: f.service.ID,
		StartsAt:  testNow.Add(48 * time.Hour),
		EndsAt:    testNow.Add(50 * time.Hour),
		Attendees: 1,
	}
}

func (f *fixture) promotion(t *testing.T, code string, limit, perCustomer *int64) *PromotionView {
	t.Helper()
	view, err := f.svc.CreatePromotion(context.Background(), f.provider, PromotionInput{
		Code:             code,
		Kind:             model.DiscountPercentage,
		Value:            decimal.NewFromInt(15),
		Currency:         "KZT",
		StartsOn:         testNow.AddDate(0, 0, -1),
		EndsOn:           testNow.AddDate(0, 1, 0),
		UsageLimit:       limit,
		PerCustomerLimit: perCustomer,
	})
	require.NoError(t, err)
	return view
}

func ptr[T any](v T) *T { return &v }

func TestCreateBooking_AppliesPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.promotion(t, "SPRING", nil, nil)

	in := f.bookingInput()
	in.PromotionCode = "spring"

	b, err := f.svc.CreateBooking(ctx, f.customer, in)
	require.NoError(t, err)

	assert.Equal(t, f.customer.ID, b.CustomerID)
	assert.Equal(t, int64(10000), b.Subtotal.Minor)
	assert.Equal(t, int64(1500), b.Discount.Minor)
	assert.Equal(t, int64(8500), b.Total.Minor)
	assert.Equal(t, int64(2550), b.Deposit.Minor)
	assert.Equal(t, model.PaymentStatusPending, b.PaymentStatus)
	assert.Equal(t, []notify.EventType{notify.BookingCreated}, f.dispatcher.types())
}

func TestCreateBooking_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBooking(ctx, f.provider, f.bookingInput())
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	in := f.bookingInput()
	in.CustomerID = uuid.New()
	_, err = f.svc.CreateBooking(ctx, f.customer, in)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.CreateBooking(ctx, f.admin, f.bookingInput())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	b, err := f.svc.CreateBooking(ctx, f.admin, in)
	require.NoError(t, err)
	assert.Equal(t, in.CustomerID, b.CustomerID)

	_, err = f.svc.CreateBooking(ctx, model.Actor{}, f.bookingInput())
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestCreateBooking_UnknownService(t *testing.T) {
	f := newFixture(t)

	in := f.bookingInput()
	in.ServiceID = uuid.New()
	_, err := f.svc.CreateBooking(context.Background(), f.customer, in)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateBooking_ForeignProduct(t *testing.T) {
	f := newFixture(t)
	foreign := model.Product{SKUID: uuid.New(), ProviderID: uuid.New(), Price: money.New(100, "KZT")}
	f.catalog.AddProduct(foreign)

	in := f.bookingInput()
	in.Products = []ProductQuantity{{SKUID: foreign.SKUID, Quantity: 1}}
	_, err := f.svc.CreateBooking(context.Background(), f.customer, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateBooking_ConcurrentPromotionLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const limit, extra = 5, 7
	view := f.promotion(t, "SPRING", ptr(int64(limit)), nil)

	var (
		created   atomic.Int64
		exhausted atomic.Int64
		g         errgroup.Group
	)
	for i := 0; i < limit+extra; i++ {
		g.Go(func() error {
			customer := model.Actor{ID: uuid.New(), Role: model.RoleCustomer}
			in := f.bookingInput()
			in.PromotionCode = "SPRING"

			_, err := f.svc.CreateBooking(ctx, customer, in)
			switch {
			case err == nil:
				created.Add(1)
			case apperr.KindOf(err) == apperr.KindExhausted:
				exhausted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(limit), created.Load())
	assert.Equal(t, int64(extra), exhausted.Load())

	got, err := f.svc.GetPromotion(ctx, f.provider, view.Promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.Promotion.UsageCount)
	assert.Equal(t, model.PromotionExhausted, got.Status)
}

func TestCreateBooking_PerCustomerLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.promotion(t, "ONCE", nil, ptr(int64(1)))

	in := f.bookingInput()
	in.PromotionCode = "ONCE"

	_, err := f.svc.CreateBooking(ctx, f.customer, in)
	require.NoError(t, err)

	_, err = f.svc.CreateBooking(ctx, f.customer, in)
	assert.Equal(t, apperr.KindExhausted, apperr.KindOf(err))

	other := model.Actor{ID: uuid.New(), Role: model.RoleCustomer}
	b, err := f.svc.CreateBooking(ctx, other, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), b.Discount.Minor)
}

func TestCancelBooking_RestoresCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.promotion(t, "SPRING", ptr(int64(3)), nil)

	stock, err := f.svc.RestockSKU(ctx, f.admin, f.product.SKUID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stock)

	in := f.bookingInput()
	in.PromotionCode = "SPRING"
	in.Products = []ProductQuantity{
		{SKUID: f.product.SKUID, Quantity: 1},
		{SKUID: f.product.SKUID, Quantity: 1},
	}

	b, err := f.svc.CreateBooking(ctx, f.customer, in)
	require.NoError(t, err)
	require.Len(t, b.Items, 1)
	assert.Equal(t, int64(2), b.Items[0].Quantity)
	assert.Equal(t, int64(13000), b.Subtotal.Minor)

	available, err := f.repo.CounterValue(ctx, model.StockCounter(f.product.SKUID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)

	_, err = f.svc.CancelBooking(ctx, f.customer, b.ID, "plans changed")
	require.NoError(t, err)

	available, err = f.repo.CounterValue(ctx, model.StockCounter(f.product.SKUID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)

	got, err := f.svc.GetPromotion(ctx, f.admin, view.Promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Promotion.UsageCount)

	_, err = f.svc.CancelBooking(ctx, f.customer, b.ID, "again")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestCreateBooking_OutOfStockLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.promotion(t, "SPRING", ptr(int64(3)), nil)

	_, err := f.svc.RestockSKU(ctx, f.admin, f.product.SKUID, 1)
	require.NoError(t, err)

	in := f.bookingInput()
	in.PromotionCode = "SPRING"
	in.Products = []ProductQuantity{{SKUID: f.product.SKUID, Quantity: 2}}

	_, err = f.svc.CreateBooking(ctx, f.customer, in)
	assert.Equal(t, apperr.KindExhausted, apperr.KindOf(err))

	got, err := f.svc.GetPromotion(ctx, f.provider, view.Promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Promotion.UsageCount)

	available, err := f.repo.CounterValue(ctx, model.StockCounter(f.product.SKUID))
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
	assert.Empty(t, f.dispatcher.types())
}

func TestBookingLifecycle_Permissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, f.customer, f.bookingInput())
	require.NoError(t, err)

	_, err = f.svc.ConfirmBooking(ctx, f.customer, b.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	stranger := model.Actor{ID: uuid.New(), Role: model.RoleProvider}
	_, err = f.svc.ConfirmBooking(ctx, stranger, b.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.GetBooking(ctx, model.Actor{ID: uuid.New(), Role: model.RoleCustomer}, b.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	confirmed, err := f.svc.ConfirmBooking(ctx, f.provider, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, confirmed.Status)

	completed, err := f.svc.CompleteBooking(ctx, f.admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCompleted, completed.Status)

	got, err := f.svc.GetBookingByNumber(ctx, f.customer, b.Number)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	assert.Equal(t,
		[]notify.EventType{notify.BookingCreated, notify.BookingConfirmed, notify.BookingCompleted},
		f.dispatcher.types())
}

func TestGetBookingByNumber_InvalidCheckDigit(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetBookingByNumber(context.Background(), f.customer, "2603070000011")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestPayments_DepositThenBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, f.customer, f.bookingInput())
	require.NoError(t, err)

	res, err := f.svc.SubmitPayment(ctx, f.customer, SubmitPaymentInput{
		BookingID: b.ID,
		Amount:    money.New(3000, "KZT"),
		Method:    model.MethodMobileMoney,
		Type:      model.PaymentTypeDeposit,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPendingVerification, res.Booking.PaymentStatus)

	_, err = f.svc.VerifyPayment(ctx, f.customer, res.Payment.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	res, err = f.svc.VerifyPayment(ctx, f.provider, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDepositPaid, res.Booking.PaymentStatus)
	assert.Equal(t, int64(7000), res.Booking.Remaining.Minor)

	res, err = f.svc.SubmitPayment(ctx, f.customer, SubmitPaymentInput{
		BookingID: b.ID,
		Amount:    money.New(7000, "KZT"),
		Method:    model.MethodCard,
		Type:      model.PaymentTypeFullPayment,
	})
	require.NoError(t, err)
	res, err = f.svc.VerifyPayment(ctx, f.admin, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFullyPaid, res.Booking.PaymentStatus)
	assert.True(t, res.Booking.Remaining.IsZero())

	payments, err := f.svc.ListPayments(ctx, f.customer, b.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	_, err = f.svc.SubmitPayment(ctx, f.customer, SubmitPaymentInput{
		BookingID: b.ID,
		Amount:    money.New(1, "KZT"),
		Method:    model.MethodCard,
		Type:      model.PaymentTypeFullPayment,
	})
	assert.Equal(t, apperr.KindConsistencyViolation, apperr.KindOf(err))
}

func TestRefundPayment_AdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, f.customer, f.bookingInput())
	require.NoError(t, err)
	res, err := f.svc.SubmitPayment(ctx, f.customer, SubmitPaymentInput{
		BookingID: b.ID,
		Amount:    money.New(10000, "KZT"),
		Method:    model.MethodBankTransfer,
		Type:      model.PaymentTypeFullPayment,
	})
	require.NoError(t, err)
	_, err = f.svc.VerifyPayment(ctx, f.provider, res.Payment.ID)
	require.NoError(t, err)

	for _, actor := range []model.Actor{f.customer, f.provider} {
		_, err = f.svc.RefundPayment(ctx, actor, res.Payment.ID, money.New(4000, "KZT"), "partial")
		assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	}

	refunded, err := f.svc.RefundPayment(ctx, f.admin, res.Payment.ID, money.New(4000, "KZT"), "partial")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, refunded.Payment.Status)
	assert.Equal(t, model.PaymentStatusDepositPaid, refunded.Booking.PaymentStatus)
	assert.Equal(t, int64(4000), refunded.Booking.Remaining.Minor)

	types := f.dispatcher.types()
	assert.Equal(t, notify.PaymentRefunded, types[len(types)-1])
}

func TestQuotePromotion_DoesNotConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.promotion(t, "SPRING", ptr(int64(1)), nil)

	for i := 0; i < 3; i++ {
		q, err := f.svc.QuotePromotion(ctx, f.customer, QuoteInput{
			ServiceID:     f.service.ID,
			Attendees:     1,
			PromotionCode: "SPRING",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1500), q.Discount.Minor)
		assert.Equal(t, int64(8500), q.Total.Minor)
		require.NotNil(t, q.Promotion)
		assert.Equal(t, view.Promotion.ID, q.Promotion.ID)
	}

	q, err := f.svc.QuotePromotion(ctx, f.customer, QuoteInput{
		ServiceID:     f.service.ID,
		Attendees:     1,
		PromotionCode: "UNKNOWN",
	})
	require.NoError(t, err)
	assert.True(t, q.Discount.IsZero())
	assert.Equal(t, "unknown_code", string(q.Rejection))
}

func TestCreatePromotion_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := PromotionInput{
		Code:     "SUMMER",
		Kind:     model.DiscountPercentage,
		Value:    decimal.RequireFromString("12.5"),
		Currency: "kzt",
		StartsOn: testNow,
		EndsOn:   testNow.AddDate(0, 1, 0),
	}

	view, err := f.svc.CreatePromotion(ctx, f.provider, valid)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), view.Promotion.Value)
	assert.Equal(t, "KZT", view.Promotion.Currency)
	assert.Equal(t, model.PromotionActive, view.Status)

	tests := []struct {
		name string
		mut  func(in *PromotionInput)
		kind apperr.Kind
	}{
		{name: "duplicate code", mut: func(in *PromotionInput) { in.Code = "summer" }, kind: apperr.KindValidation},
		{name: "over hundred percent", mut: func(in *PromotionInput) { in.Code = "A"; in.Value = decimal.NewFromInt(101) }, kind: apperr.KindValidation},
		{name: "fractional basis points", mut: func(in *PromotionInput) { in.Code = "B"; in.Value = decimal.RequireFromString("1.005") }, kind: apperr.KindValidation},
		{name: "ends before start", mut: func(in *PromotionInput) { in.Code = "C"; in.EndsOn = testNow.AddDate(0, 0, -1) }, kind: apperr.KindValidation},
		{name: "services without targets", mut: func(in *PromotionInput) { in.Code = "D"; in.AppliesTo = model.TargetServices }, kind: apperr.KindValidation},
		{
			name: "fixed with max discount",
			mut: func(in *PromotionInput) {
				in.Code = "E"
				in.Kind = model.DiscountFixedAmount
				in.Value = decimal.NewFromInt(500)
				in.MaxDiscount = ptr(int64(100))
			},
			kind: apperr.KindValidation,
		},
		{name: "foreign provider", mut: func(in *PromotionInput) { in.Code = "F"; in.ProviderID = uuid.New() }, kind: apperr.KindForbidden},
		{name: "zero percent", mut: func(in *PromotionInput) { in.Code = "G"; in.Value = decimal.Zero }, kind: apperr.KindValidation},
		{name: "just over hundred", mut: func(in *PromotionInput) { in.Code = "H"; in.Value = decimal.RequireFromString("100.01") }, kind: apperr.KindValidation},
		{
			name: "percent beyond int64 basis points",
			mut: func(in *PromotionInput) {
				in.Code = "I"
				in.Value = decimal.RequireFromString("184467440737095516.16").Add(decimal.NewFromInt(15))
			},
			kind: apperr.KindValidation,
		},
		{
			name: "fixed beyond int64",
			mut: func(in *PromotionInput) {
				in.Code = "J"
				in.Kind = model.DiscountFixedAmount
				in.Value = decimal.RequireFromString("9223372036854775808")
			},
			kind: apperr.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mut(&in)
			_, err := f.svc.CreatePromotion(ctx, f.provider, in)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	_, err = f.svc.CreatePromotion(ctx, f.customer, valid)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestDeactivatePromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.promotion(t, "SPRING", nil, nil)

	_, err := f.svc.DeactivatePromotion(ctx, model.Actor{ID: uuid.New(), Role: model.RoleProvider}, view.Promotion.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	got, err := f.svc.DeactivatePromotion(ctx, f.provider, view.Promotion.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PromotionInactive, got.Status)

	in := f.bookingInput()
	in.PromotionCode = "SPRING"
	_, err = f.svc.CreateBooking(ctx, f.customer, in)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRestockSKU_AdminOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RestockSKU(context.Background(), f.provider, f.product.SKUID, 5)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.svc.RestockSKU(context.Background(), f.admin, f.product.SKUID, 0)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRun_RetriesStorageUnavailable(t *testing.T) {
	mem := repository.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem}
	f := newFixtureWithRepo(t, mem, flaky)
	flaky.failures.Store(2)

	b, err := f.svc.CreateBooking(context.Background(), f.customer, f.bookingInput())
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())

	_, err = mem.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Len(t, f.dispatcher.types(), 1)
}

func TestRun_GivesUpAfterRetries(t *testing.T) {
	mem := repository.NewMemoryRepository()
	flaky := &flakyRepo{MemoryRepository: mem}
	f := newFixtureWithRepo(t, mem, flaky)
	flaky.failures.Store(100)

	_, err := f.svc.CreateBooking(context.Background(), f.customer, f.bookingInput())
	assert.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))
	assert.Equal(t, int32(defaultRetries+1), flaky.calls.Load())
	assert.Empty(t, f.dispatcher.types())
}

func TestReconcileOnce_CorrectsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, f.customer, f.bookingInput())
	require.NoError(t, err)

	bookingID := b.ID
	require.NoError(t, f.repo.InsertPayment(ctx, &model.Payment{
		ID:        uuid.New(),
		BookingID: &bookingID,
		Kind:      model.PaymentKindCharge,
		Amount:    money.New(3000, "KZT"),
		Method:    model.MethodCard,
		Type:      model.PaymentTypeDeposit,
		Status:    model.PaymentCompleted,
	}))

	fixed, err := f.svc.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)

	got, err := f.repo.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDepositPaid, got.PaymentStatus)
	assert.Equal(t, int64(7000), got.Remaining.Minor)

	fixed, err = f.svc.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestStartReconciliation_StopsOnCancel(t *testing.T) {
	f := newFixture(t)

	f.svc.StartReconciliation(context.Background(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.StartReconciliation(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciliation loop did not stop")
	}
}

func TestCreateBooking_RejectsOverflowingQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sticker := model.Product{SKUID: uuid.New(), ProviderID: f.provider.ID, Name: "Sticker", Price: money.New(2, "KZT")}
	f.catalog.AddProduct(sticker)

	tests := []struct {
		name     string
		products []ProductQuantity
	}{
		{name: "single line", products: []ProductQuantity{{SKUID: sticker.SKUID, Quantity: 1 << 62}}},
		{
			name: "merged duplicate lines",
			products: []ProductQuantity{
				{SKUID: sticker.SKUID, Quantity: math.MaxInt64},
				{SKUID: sticker.SKUID, Quantity: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.bookingInput()
			in.Products = tt.products

			_, err := f.svc.CreateBooking(ctx, f.customer, in)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	open, err := f.repo.ListOpenBookingIDs(ctx, uuid.Nil, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCreateBooking_FixedDiscountCoversTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePromotion(ctx, f.provider, PromotionInput{
		Code:     "FREEBIE",
		Kind:     model.DiscountFixedAmount,
		Value:    decimal.NewFromInt(15000),
		Currency: "KZT",
		StartsOn: testNow.AddDate(0, 0, -1),
		EndsOn:   testNow.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	in := f.bookingInput()
	in.PromotionCode = "FREEBIE"

	b, err := f.svc.CreateBooking(ctx, f.customer, in)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), b.Subtotal.Minor)
	assert.Equal(t, int64(10000), b.Discount.Minor)
	assert.True(t, b.Total.IsZero())
	assert.True(t, b.Deposit.IsZero())
	assert.True(t, b.Remaining.IsZero())
	assert.Equal(t, model.PaymentStatusFullyPaid, b.PaymentStatus)
}

func TestQuotePromotion_ForeignCurrencyProduct(t *testing.T) {
	f := newFixture(t)

	euro := model.Product{SKUID: uuid.New(), ProviderID: f.provider.ID, Name: "Import kit", Price: money.New(900, "EUR")}
	f.catalog.AddProduct(euro)

	_, err := f.svc.QuotePromotion(context.Background(), f.customer, QuoteInput{
		ServiceID: f.service.ID,
		Products:  []ProductQuantity{{SKUID: euro.SKUID, Quantity: 1}},
		Attendees: 1,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
