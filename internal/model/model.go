// Package model содержит доменные сущности сервиса сверки бронирований.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

// BookingStatus описывает состояние бронирования.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Terminal сообщает, что из состояния нет переходов.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// PaymentStatus описывает производный статус оплаты бронирования.
type PaymentStatus string

const (
	PaymentStatusPending             PaymentStatus = "pending"
	PaymentStatusPendingVerification PaymentStatus = "pending_verification"
	PaymentStatusDepositPaid         PaymentStatus = "deposit_paid"
	PaymentStatusFullyPaid           PaymentStatus = "fully_paid"
)

// Booking описывает бронирование клиентом слота услуги или события.
type Booking struct {
	ID                 uuid.UUID
	Number             string
	CustomerID         uuid.UUID
	ServiceID          uuid.UUID
	ProviderID         uuid.UUID
	StartsAt           time.Time
	EndsAt             time.Time
	Location           string
	Online             bool
	Attendees          int
	SpecialRequests    string
	Currency           string
	Subtotal           money.Amount
	PromotionID        *uuid.UUID
	Discount           money.Amount
	Total              money.Amount
	Deposit            money.Amount
	Remaining          money.Amount
	Status             BookingStatus
	PaymentStatus      PaymentStatus
	CancellationReason *string
	Items              []BookingItem
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BookingItem описывает позицию товара, вошедшую в подытог бронирования.
type BookingItem struct {
	SKUID     uuid.UUID
	Quantity  int64
	UnitPrice money.Amount
}

// PaymentKind различает платежи и компенсирующие записи возвратов.
type PaymentKind string

const (
	PaymentKindCharge PaymentKind = "charge"
	PaymentKindRefund PaymentKind = "refund"
)

// PaymentState описывает состояние отдельной записи платежа.
type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentCompleted PaymentState = "completed"
	PaymentFailed    PaymentState = "failed"
	PaymentRefunded  PaymentState = "refunded"
)

// PaymentMethod задаёт способ оплаты.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodCard         PaymentMethod = "card"
)

// Valid проверяет, что способ оплаты известен.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodMobileMoney, MethodCard:
		return true
	}
	return false
}

// PaymentType задаёт заявленное назначение платежа.
type PaymentType string

const (
	PaymentTypeDeposit     PaymentType = "deposit"
	PaymentTypeFullPayment PaymentType = "full_payment"
	PaymentTypeRefund      PaymentType = "refund"
)

// Valid проверяет, что плательщик может заявить такой тип.
func (t PaymentType) Valid() bool {
	return t == PaymentTypeDeposit || t == PaymentTypeFullPayment
}

// Payment описывает попытку оплаты или возврат по бронированию.
type Payment struct {
	ID               uuid.UUID
	BookingID        *uuid.UUID
	Kind             PaymentKind
	RefundOf         *uuid.UUID
	Amount           money.Amount
	Method           PaymentMethod
	Type             PaymentType
	Status           PaymentState
	GatewayReference *string
	ProofReference   *string
	Notes            string
	Reason           *string
	SubmittedBy      uuid.UUID
	VerifiedBy       *uuid.UUID
	SubmittedAt      time.Time
	SettledAt        *time.Time
}

// DiscountKind задаёт вид скидки промоакции.
type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
)

// TargetKind различает варианты применимости промоакции.
type TargetKind string

const (
	TargetAll        TargetKind = "all"
	TargetServices   TargetKind = "services"
	TargetCategories TargetKind = "categories"
)

// Applicability определяет, к чему применима промоакция: ко всему, к набору услуг или к набору категорий.
type Applicability struct {
	Kind TargetKind
	IDs  []uuid.UUID
}

// Matches проверяет применимость к услуге с указанной категорией.
func (a Applicability) Matches(serviceID uuid.UUID, categoryID uuid.UUID) bool {
	switch a.Kind {
	case TargetAll:
		return true
	case TargetServices:
		return containsID(a.IDs, serviceID)
	case TargetCategories:
		return containsID(a.IDs, categoryID)
	}
	return false
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// PromotionStatus вычисляется из полей промоакции и нигде не хранится.
type PromotionStatus string

const (
	PromotionInactive  PromotionStatus = "inactive"
	PromotionUpcoming  PromotionStatus = "upcoming"
	PromotionExpired   PromotionStatus = "expired"
	PromotionExhausted PromotionStatus = "exhausted"
	PromotionActive    PromotionStatus = "active"
)

// Promotion описывает правило скидки поставщика, возможно с кодом.
// Value хранит базисные пункты для процентной скидки и минимальные единицы для фиксированной.
type Promotion struct {
	ID               uuid.UUID
	ProviderID       uuid.UUID
	Code             *string
	Kind             DiscountKind
	Value            int64
	Currency         string
	MinSubtotal      *money.Amount
	MaxDiscount      *money.Amount
	Applicability    Applicability
	StartsOn         time.Time
	EndsOn           time.Time
	UsageLimit       *int64
	UsageCount       int64
	PerCustomerLimit *int64
	Priority         int
	Active           bool
	CreatedAt        time.Time
}

// Status вычисляет статус промоакции на момент now. Дата окончания включительна.
func (p *Promotion) Status(now time.Time) PromotionStatus {
	switch {
	case !p.Active:
		return PromotionInactive
	case now.Before(p.StartsOn):
		return PromotionUpcoming
	case !now.Before(p.EndsOn.AddDate(0, 0, 1)):
		return PromotionExpired
	case p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit:
		return PromotionExhausted
	}
	return PromotionActive
}

// Automatic сообщает, что промоакция применяется без кода.
func (p *Promotion) Automatic() bool {
	return p.Code == nil || *p.Code == ""
}

// Service содержит данные услуги из каталога.
// DepositPercent задаёт долю депозита в процентах; 0 означает, что депозит равен полной сумме.
type Service struct {
	ID             uuid.UUID
	ProviderID     uuid.UUID
	CategoryID     uuid.UUID
	Name           string
	Price          money.Amount
	PerAttendee    bool
	DepositPercent int64
}

// Product содержит данные товара из каталога.
type Product struct {
	SKUID         uuid.UUID
	ProviderID    uuid.UUID
	Name          string
	Price         money.Amount
	StockTracking bool
}

// CounterKind различает ограниченные счётчики.
type CounterKind string

const (
	CounterPromotion         CounterKind = "promotion"
	CounterPromotionCustomer CounterKind = "promotion_customer"
	CounterStock             CounterKind = "stock"
)

// CounterKey адресует конкретный счётчик.
type CounterKey struct {
	Kind        CounterKind
	PromotionID uuid.UUID
	CustomerID  uuid.UUID
	SKUID       uuid.UUID
}

// PromotionCounter адресует глобальный счётчик использований промоакции.
func PromotionCounter(promotionID uuid.UUID) CounterKey {
	return CounterKey{Kind: CounterPromotion, PromotionID: promotionID}
}

// PromotionCustomerCounter адресует счётчик использований промоакции конкретным клиентом.
func PromotionCustomerCounter(promotionID, customerID uuid.UUID) CounterKey {
	return CounterKey{Kind: CounterPromotionCustomer, PromotionID: promotionID, CustomerID: customerID}
}

// StockCounter адресует остаток товара.
func StockCounter(skuID uuid.UUID) CounterKey {
	return CounterKey{Kind: CounterStock, SKUID: skuID}
}

func (k CounterKey) String() string {
	switch k.Kind {
	case CounterPromotion:
		return "promotion:" + k.PromotionID.String()
	case CounterPromotionCustomer:
		return "promotion:" + k.PromotionID.String() + ":customer:" + k.CustomerID.String()
	case CounterStock:
		return "stock:" + k.SKUID.String()
	}
	return string(k.Kind)
}

// Consumption фиксирует, что бронирование потребило счётчик.
type Consumption struct {
	BookingID uuid.UUID
	Key       CounterKey
	Amount    int64
	Released  bool
}

// Role выдаётся слоем идентификации.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleProvider || r == RoleAdmin
}

// Actor описывает аутентифицированное действующее лицо.
type Actor struct {
	ID   uuid.UUID
	Role Role
}
