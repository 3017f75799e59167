// Package repository содержит реализации хранилища: PostgreSQL и in-memory.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrDuplicateNumber возвращается, если номер бронирования уже занят.
	ErrDuplicateNumber = errors.New("booking number already exists")
	// ErrDuplicateCode возвращается, если у поставщика уже есть промоакция с таким кодом.
	ErrDuplicateCode = errors.New("promotion code already exists")
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithinTx выполняет fn в одной транзакции. Транзакция передаётся через контекст,
// поэтому все методы репозитория, вызванные из fn, работают в ней. Вложенный вызов переиспользует
// уже открытую транзакцию.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}

	return nil
}

func (r *PostgresRepository) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

// classify переводит временные ошибки БД в StorageUnavailable, чтобы фасад мог повторить операцию.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgerrcode.IsConnectionException(pgErr.Code) {
			return apperr.StorageUnavailable(err)
		}
		return err
	}

	if isConnectionError(err) {
		return apperr.StorageUnavailable(err)
	}

	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

const bookingColumns = `id, number, customer_id, service_id, provider_id, starts_at, ends_at, location, online,
	attendees, special_requests, currency, subtotal, promotion_id, discount_amount, total_amount,
	deposit_amount, remaining_amount, status, payment_status, cancellation_reason, created_at, updated_at`

// InsertBooking сохраняет бронирование и его позиции. Занятый номер возвращает ErrDuplicateNumber
// без прерывания транзакции.
func (r *PostgresRepository) InsertBooking(ctx context.Context, b *model.Booking) error {
	q := r.db(ctx)

	tag, err := q.Exec(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (number) DO NOTHING`,
		b.ID, b.Number, b.CustomerID, b.ServiceID, b.ProviderID, b.StartsAt, b.EndsAt, b.Location, b.Online,
		b.Attendees, b.SpecialRequests, b.Currency, b.Subtotal.Minor, b.PromotionID, b.Discount.Minor,
		b.Total.Minor, b.Deposit.Minor, b.Remaining.Minor, string(b.Status), string(b.PaymentStatus),
		b.CancellationReason, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert booking: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateNumber, b.Number)
	}

	for _, item := range b.Items {
		_, err := q.Exec(ctx,
			`INSERT INTO booking_items (booking_id, sku_id, quantity, unit_price) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (booking_id, sku_id) DO UPDATE SET quantity = booking_items.quantity + EXCLUDED.quantity`,
			b.ID, item.SKUID, item.Quantity, item.UnitPrice.Minor,
		)
		if err != nil {
			return classify(fmt.Errorf("insert booking item: %w", err))
		}
	}

	return nil
}

// GetBooking возвращает бронирование без блокировки.
func (r *PostgresRepository) GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return r.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

// GetBookingForUpdate возвращает бронирование и блокирует строку до конца транзакции.
func (r *PostgresRepository) GetBookingForUpdate(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	return r.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

// GetBookingByNumber возвращает бронирование по номеру.
func (r *PostgresRepository) GetBookingByNumber(ctx context.Context, number string) (*model.Booking, error) {
	return r.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE number = $1`, number)
}

func (r *PostgresRepository) getBooking(ctx context.Context, query string, arg any) (*model.Booking, error) {
	q := r.db(ctx)

	b, err := scanBooking(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("booking %v not found", arg)
		}
		return nil, classify(fmt.Errorf("get booking: %w", err))
	}

	rows, err := q.Query(ctx,
		`SELECT sku_id, quantity, unit_price FROM booking_items WHERE booking_id = $1 ORDER BY sku_id`,
		b.ID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select booking items: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item  model.BookingItem
			price int64
		)
		if err := rows.Scan(&item.SKUID, &item.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan booking item: %w", err)
		}
		item.UnitPrice = money.New(price, b.Currency)
		b.Items = append(b.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return b, nil
}

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var (
		b                                             model.Booking
		subtotal, discount, total, deposit, remaining int64
		status, paymentStatus                         string
	)

	err := row.Scan(&b.ID, &b.Number, &b.CustomerID, &b.ServiceID, &b.ProviderID, &b.StartsAt, &b.EndsAt,
		&b.Location, &b.Online, &b.Attendees, &b.SpecialRequests, &b.Currency, &subtotal, &b.PromotionID,
		&discount, &total, &deposit, &remaining, &status, &paymentStatus, &b.CancellationReason,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	b.Currency = strings.TrimSpace(b.Currency)
	b.Subtotal = money.New(subtotal, b.Currency)
	b.Discount = money.New(discount, b.Currency)
	b.Total = money.New(total, b.Currency)
	b.Deposit = money.New(deposit, b.Currency)
	b.Remaining = money.New(remaining, b.Currency)
	b.Status = model.BookingStatus(status)
	b.PaymentStatus = model.PaymentStatus(paymentStatus)

	return &b, nil
}

// UpdateBooking сохраняет изменяемые поля бронирования.
func (r *PostgresRepository) UpdateBooking(ctx context.Context, b *model.Booking) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE bookings
		 SET status = $2, payment_status = $3, remaining_amount = $4, cancellation_reason = $5, updated_at = $6
		 WHERE id = $1`,
		b.ID, string(b.Status), string(b.PaymentStatus), b.Remaining.Minor, b.CancellationReason, b.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("update booking: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("booking %s not found", b.ID)
	}
	return nil
}

// ListOpenBookingIDs возвращает идентификаторы незавершённых бронирований после after в порядке id.
func (r *PostgresRepository) ListOpenBookingIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id
		 FROM bookings
		 WHERE status IN ($1, $2) AND id > $3
		 ORDER BY id
		 LIMIT $4`,
		string(model.BookingPending),
		string(model.BookingConfirmed),
		after,
		limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select open bookings: %w", err))
	}
	defer rows.Close()

	var res []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan booking id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}

const paymentColumns = `id, booking_id, kind, refund_of, amount, currency, method, payment_type, status,
	gateway_reference, proof_reference, notes, reason, submitted_by, verified_by, submitted_at, settled_at`

// InsertPayment сохраняет запись платежа.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p *model.Payment) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.BookingID, string(p.Kind), p.RefundOf, p.Amount.Minor, p.Amount.Currency, string(p.Method),
		string(p.Type), string(p.Status), p.GatewayReference, p.ProofReference, p.Notes, p.Reason,
		p.SubmittedBy, p.VerifiedBy, p.SubmittedAt, p.SettledAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert payment: %w", err))
	}
	return nil
}

// GetPayment возвращает платёж без блокировки.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	return r.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// GetPaymentForUpdate возвращает платёж и блокирует строку до конца транзакции.
func (r *PostgresRepository) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*model.Payment, error) {
	return r.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) getPayment(ctx context.Context, query string, id uuid.UUID) (*model.Payment, error) {
	p, err := scanPayment(r.db(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("payment %s not found", id)
		}
		return nil, classify(fmt.Errorf("get payment: %w", err))
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p                                   model.Payment
		amount                              int64
		currency, kind, method, typ, status string
	)

	err := row.Scan(&p.ID, &p.BookingID, &kind, &p.RefundOf, &amount, &currency, &method, &typ, &status,
		&p.GatewayReference, &p.ProofReference, &p.Notes, &p.Reason, &p.SubmittedBy, &p.VerifiedBy,
		&p.SubmittedAt, &p.SettledAt)
	if err != nil {
		return nil, err
	}

	p.Amount = money.New(amount, strings.TrimSpace(currency))
	p.Kind = model.PaymentKind(kind)
	p.Method = model.PaymentMethod(method)
	p.Type = model.PaymentType(typ)
	p.Status = model.PaymentState(status)

	return &p, nil
}

// UpdatePayment сохраняет изменяемые поля платежа.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *model.Payment) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payments SET status = $2, reason = $3, verified_by = $4, settled_at = $5 WHERE id = $1`,
		p.ID, string(p.Status), p.Reason, p.VerifiedBy, p.SettledAt,
	)
	if err != nil {
		return classify(fmt.Errorf("update payment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	return nil
}

// ListPayments возвращает все платежи бронирования в порядке регистрации.
func (r *PostgresRepository) ListPayments(ctx context.Context, bookingID uuid.UUID) ([]model.Payment, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE booking_id = $1
		 ORDER BY submitted_at, id`,
		bookingID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select payments: %w", err))
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}

// InsertConsumption записывает потребление счётчика бронированием.
func (r *PostgresRepository) InsertConsumption(ctx context.Context, c model.Consumption) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO counter_consumptions (booking_id, counter_kind, promotion_id, customer_id, sku_id, amount, released)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.BookingID, string(c.Key.Kind), nullUUID(c.Key.PromotionID), nullUUID(c.Key.CustomerID),
		nullUUID(c.Key.SKUID), c.Amount, c.Released,
	)
	if err != nil {
		return classify(fmt.Errorf("insert consumption: %w", err))
	}
	return nil
}

// ListConsumptions возвращает потребления счётчиков бронированием.
func (r *PostgresRepository) ListConsumptions(ctx context.Context, bookingID uuid.UUID) ([]model.Consumption, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT counter_kind, promotion_id, customer_id, sku_id, amount, released
		 FROM counter_consumptions
		 WHERE booking_id = $1
		 ORDER BY id`,
		bookingID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select consumptions: %w", err))
	}
	defer rows.Close()

	var res []model.Consumption
	for rows.Next() {
		var (
			kind                           string
			promotionID, customerID, skuID *uuid.UUID
		)
		c := model.Consumption{BookingID: bookingID}
		if err := rows.Scan(&kind, &promotionID, &customerID, &skuID, &c.Amount, &c.Released); err != nil {
			return nil, fmt.Errorf("scan consumption: %w", err)
		}
		c.Key = model.CounterKey{
			Kind:        model.CounterKind(kind),
			PromotionID: derefUUID(promotionID),
			CustomerID:  derefUUID(customerID),
			SKUID:       derefUUID(skuID),
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	return res, nil
}

// MarkConsumptionsReleased отмечает все потребления бронирования как возвращённые.
func (r *PostgresRepository) MarkConsumptionsReleased(ctx context.Context, bookingID uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE counter_consumptions SET released = TRUE WHERE booking_id = $1 AND NOT released`,
		bookingID,
	)
	if err != nil {
		return classify(fmt.Errorf("release consumptions: %w", err))
	}
	return nil
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
