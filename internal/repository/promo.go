package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

// ErrPromoNotFound is returned for an unknown promo code.
var ErrPromoNotFound = errors.New("promo code not found")

const promoColumns = `id, code, discount_percent, discount_amount, max_activations, activations, is_active, expires_at, created_at`

// PromoRepository handles promo-code persistence. Only the discount hook the
// purchase core invokes lives here; campaign management is out of scope.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository creates a new PromoRepository instance.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

func scanPromo(row pgx.Row) (*model.PromoCode, error) {
	var p model.PromoCode
	err := row.Scan(&p.ID, &p.Code, &p.DiscountPercent, &p.DiscountAmount,
		&p.MaxActivations, &p.Activations, &p.IsActive, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromoNotFound
		}
		return nil, fmt.Errorf("failed to scan promo code: %w", err)
	}
	return &p, nil
}

// GetByID retrieves a promo code by id.
func (r *PromoRepository) GetByID(ctx context.Context, id int64) (*model.PromoCode, error) {
	const query = `SELECT ` + promoColumns + ` FROM promo_codes WHERE id = $1`
	return scanPromo(r.pool.QueryRow(ctx, query, id))
}

// GetByCode retrieves a promo code by its public code.
func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*model.PromoCode, error) {
	const query = `SELECT ` + promoColumns + ` FROM promo_codes WHERE code = $1`
	return scanPromo(r.pool.QueryRow(ctx, query, code))
}

// IncrementActivations counts one activation inside the caller's
// transaction.
func (r *PromoRepository) IncrementActivations(ctx context.Context, q Querier, id int64) error {
	const query = `UPDATE promo_codes SET activations = activations + 1 WHERE id = $1`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment promo activations: %w", err)
	}
	return nil
}

// DecrementActivations returns one activation inside the caller's
// transaction. The count never goes below zero.
func (r *PromoRepository) DecrementActivations(ctx context.Context, q Querier, id int64) error {
	const query = `UPDATE promo_codes SET activations = GREATEST(activations - 1, 0) WHERE id = $1`
	if _, err := q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to decrement promo activations: %w", err)
	}
	return nil
}

// Create inserts a promo code. Used by fixtures.
func (r *PromoRepository) Create(ctx context.Context, p *model.PromoCode) (*model.PromoCode, error) {
	const query = `
		INSERT INTO promo_codes (code, discount_percent, discount_amount, max_activations, activations, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + promoColumns

	return scanPromo(r.pool.QueryRow(ctx, query,
		p.Code, p.DiscountPercent, p.DiscountAmount, p.MaxActivations, p.Activations, p.IsActive, p.ExpiresAt,
	))
}
