package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
	"github.com/mmeshcher/marketplace-reconciler/internal/money"
)

const promotionColumns = `id, provider_id, code, kind, value, currency, min_subtotal, max_discount, applies_to,
	starts_on, ends_on, usage_limit, usage_count, per_customer_limit, priority, active, created_at`

// InsertPromotion сохраняет промоакцию вместе с её целями применимости.
func (r *PostgresRepository) InsertPromotion(ctx context.Context, p *model.Promotion) error {
	q := r.db(ctx)

	tag, err := q.Exec(ctx,
		`INSERT INTO promotions (`+promotionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT DO NOTHING`,
		p.ID, p.ProviderID, p.Code, string(p.Kind), p.Value, p.Currency, minorOrNil(p.MinSubtotal),
		minorOrNil(p.MaxDiscount), string(p.Applicability.Kind), p.StartsOn, p.EndsOn, p.UsageLimit,
		p.UsageCount, p.PerCustomerLimit, p.Priority, p.Active, p.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert promotion: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateCode
	}

	for _, target := range p.Applicability.IDs {
		_, err := q.Exec(ctx,
			`INSERT INTO promotion_targets (promotion_id, target_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			p.ID, target,
		)
		if err != nil {
			return classify(fmt.Errorf("insert promotion target: %w", err))
		}
	}

	return nil
}

// GetPromotion возвращает промоакцию по идентификатору.
func (r *PostgresRepository) GetPromotion(ctx context.Context, id uuid.UUID) (*model.Promotion, error) {
	q := r.db(ctx)

	p, err := scanPromotion(q.QueryRow(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("promotion %s not found", id)
		}
		return nil, classify(fmt.Errorf("get promotion: %w", err))
	}

	if err := r.loadTargets(ctx, []*model.Promotion{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProviderPromotions возвращает все промоакции поставщика.
func (r *PostgresRepository) ListProviderPromotions(ctx context.Context, providerID uuid.UUID) ([]model.Promotion, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+promotionColumns+`
		 FROM promotions
		 WHERE provider_id = $1
		 ORDER BY created_at, id`,
		providerID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("select promotions: %w", err))
	}

	var list []*model.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		list = append(list, p)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("rows error: %w", err))
	}

	if err := r.loadTargets(ctx, list); err != nil {
		return nil, err
	}

	res := make([]model.Promotion, 0, len(list))
	for _, p := range list {
		res = append(res, *p)
	}
	return res, nil
}

func (r *PostgresRepository) loadTargets(ctx context.Context, list []*model.Promotion) error {
	ids := make([]uuid.UUID, 0, len(list))
	byID := make(map[uuid.UUID]*model.Promotion, len(list))
	for _, p := range list {
		if p.Applicability.Kind == model.TargetAll {
			continue
		}
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT promotion_id, target_id FROM promotion_targets WHERE promotion_id = ANY($1) ORDER BY target_id`,
		ids,
	)
	if err != nil {
		return classify(fmt.Errorf("select promotion targets: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var promotionID, targetID uuid.UUID
		if err := rows.Scan(&promotionID, &targetID); err != nil {
			return fmt.Errorf("scan promotion target: %w", err)
		}
		p := byID[promotionID]
		p.Applicability.IDs = append(p.Applicability.IDs, targetID)
	}

	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("rows error: %w", err))
	}
	return nil
}

func scanPromotion(row pgx.Row) (*model.Promotion, error) {
	var (
		p                        model.Promotion
		kind, appliesTo          string
		minSubtotal, maxDiscount *int64
	)

	err := row.Scan(&p.ID, &p.ProviderID, &p.Code, &kind, &p.Value, &p.Currency, &minSubtotal, &maxDiscount,
		&appliesTo, &p.StartsOn, &p.EndsOn, &p.UsageLimit, &p.UsageCount, &p.PerCustomerLimit, &p.Priority,
		&p.Active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.Currency = strings.TrimSpace(p.Currency)
	p.Kind = model.DiscountKind(kind)
	p.Applicability = model.Applicability{Kind: model.TargetKind(appliesTo)}
	p.MinSubtotal = amountOrNil(minSubtotal, p.Currency)
	p.MaxDiscount = amountOrNil(maxDiscount, p.Currency)

	return &p, nil
}

// SetPromotionActive включает или выключает промоакцию.
func (r *PostgresRepository) SetPromotionActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db(ctx).Exec(ctx, `UPDATE promotions SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return classify(fmt.Errorf("update promotion: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("promotion %s not found", id)
	}
	return nil
}

// ConsumeCounter атомарно увеличивает счётчик использования (или уменьшает остаток товара) на by,
// если лимит позволяет. Возвращает false, если лимит исчерпан; значение при этом не меняется.
func (r *PostgresRepository) ConsumeCounter(ctx context.Context, key model.CounterKey, by int64) (bool, error) {
	var (
		query string
		args  []any
	)

	switch key.Kind {
	case model.CounterPromotion:
		query = `UPDATE promotions
			 SET usage_count = usage_count + $2
			 WHERE id = $1 AND (usage_limit IS NULL OR usage_count + $2 <= usage_limit)
			 RETURNING usage_count`
		args = []any{key.PromotionID, by}
	case model.CounterPromotionCustomer:
		query = `INSERT INTO promotion_customer_usage (promotion_id, customer_id, used)
			 SELECT p.id, $2, $3 FROM promotions p
			 WHERE p.id = $1 AND (p.per_customer_limit IS NULL OR $3 <= p.per_customer_limit)
			 ON CONFLICT (promotion_id, customer_id) DO UPDATE
			 SET used = promotion_customer_usage.used + EXCLUDED.used
			 WHERE promotion_customer_usage.used + EXCLUDED.used <= COALESCE(
			     (SELECT per_customer_limit FROM promotions WHERE id = EXCLUDED.promotion_id),
			     promotion_customer_usage.used + EXCLUDED.used)
			 RETURNING used`
		args = []any{key.PromotionID, key.CustomerID, by}
	case model.CounterStock:
		query = `UPDATE stock_items
			 SET quantity = quantity - $2
			 WHERE sku_id = $1 AND quantity >= $2
			 RETURNING quantity`
		args = []any{key.SKUID, by}
	default:
		return false, fmt.Errorf("unknown counter kind %q", key.Kind)
	}

	var value int64
	err := r.db(ctx).QueryRow(ctx, query, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, classify(fmt.Errorf("consume %s: %w", key, err))
	}
	return true, nil
}

// ReleaseCounter возвращает by единиц на счётчик. Для товара это пополнение остатка.
func (r *PostgresRepository) ReleaseCounter(ctx context.Context, key model.CounterKey, by int64) error {
	var (
		query string
		args  []any
	)

	switch key.Kind {
	case model.CounterPromotion:
		query = `UPDATE promotions SET usage_count = GREATEST(usage_count - $2, 0) WHERE id = $1`
		args = []any{key.PromotionID, by}
	case model.CounterPromotionCustomer:
		query = `UPDATE promotion_customer_usage SET used = GREATEST(used - $3, 0)
			 WHERE promotion_id = $1 AND customer_id = $2`
		args = []any{key.PromotionID, key.CustomerID, by}
	case model.CounterStock:
		query = `INSERT INTO stock_items (sku_id, quantity) VALUES ($1, $2)
			 ON CONFLICT (sku_id) DO UPDATE SET quantity = stock_items.quantity + EXCLUDED.quantity`
		args = []any{key.SKUID, by}
	default:
		return fmt.Errorf("unknown counter kind %q", key.Kind)
	}

	if _, err := r.db(ctx).Exec(ctx, query, args...); err != nil {
		return classify(fmt.Errorf("release %s: %w", key, err))
	}
	return nil
}

// CounterValue возвращает текущее значение счётчика: число использований или остаток товара.
func (r *PostgresRepository) CounterValue(ctx context.Context, key model.CounterKey) (int64, error) {
	var (
		query string
		args  []any
	)

	switch key.Kind {
	case model.CounterPromotion:
		query = `SELECT usage_count FROM promotions WHERE id = $1`
		args = []any{key.PromotionID}
	case model.CounterPromotionCustomer:
		query = `SELECT used FROM promotion_customer_usage WHERE promotion_id = $1 AND customer_id = $2`
		args = []any{key.PromotionID, key.CustomerID}
	case model.CounterStock:
		query = `SELECT quantity FROM stock_items WHERE sku_id = $1`
		args = []any{key.SKUID}
	default:
		return 0, fmt.Errorf("unknown counter kind %q", key.Kind)
	}

	var value int64
	err := r.db(ctx).QueryRow(ctx, query, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, classify(fmt.Errorf("read %s: %w", key, err))
	}
	return value, nil
}

func minorOrNil(a *money.Amount) *int64 {
	if a == nil {
		return nil
	}
	v := a.Minor
	return &v
}

func amountOrNil(v *int64, currency string) *money.Amount {
	if v == nil {
		return nil
	}
	a := money.New(*v, currency)
	return &a
}
