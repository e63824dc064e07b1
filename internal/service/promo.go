package service

import (
	"context"
	"fmt"
	"time"

	"digital-goods-market/internal/repository"
)

// Discounter computes the discount a promo code grants on a total. The
// computation runs inside the start transaction so the activation count and
// the purchase commit or roll back together. Release runs inside the cancel
// transaction and returns the activation a failed purchase consumed.
type Discounter interface {
	Discount(ctx context.Context, q repository.Querier, promoID int64, total int64) (int64, error)
	Release(ctx context.Context, q repository.Querier, promoID int64) error
}

// PromoDiscounter is the database-backed Discounter. A percent discount and a
// flat amount stack; the result never exceeds the total.
type PromoDiscounter struct {
	promos *repository.PromoRepository
	now    func() time.Time
}

// NewPromoDiscounter creates a new PromoDiscounter instance.
func NewPromoDiscounter(promos *repository.PromoRepository) *PromoDiscounter {
	return &PromoDiscounter{promos: promos, now: time.Now}
}

// Discount validates the promo code, counts one activation and returns the
// discount amount. ErrPromoUnavailable covers every rejection.
func (d *PromoDiscounter) Discount(ctx context.Context, q repository.Querier, promoID int64, total int64) (int64, error) {
	p, err := d.promos.GetByID(ctx, promoID)
	if err != nil {
		return 0, fmt.Errorf("failed to load promo code %d: %w", promoID, err)
	}
	if !p.IsActive {
		return 0, ErrPromoUnavailable
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(d.now()) {
		return 0, ErrPromoUnavailable
	}
	if p.MaxActivations > 0 && p.Activations >= p.MaxActivations {
		return 0, ErrPromoUnavailable
	}

	discount := total*int64(p.DiscountPercent)/100 + p.DiscountAmount
	if discount > total {
		discount = total
	}
	if discount < 0 {
		discount = 0
	}

	if err := d.promos.IncrementActivations(ctx, q, promoID); err != nil {
		return 0, err
	}
	return discount, nil
}

// Release hands one activation back after a cancelled purchase.
func (d *PromoDiscounter) Release(ctx context.Context, q repository.Querier, promoID int64) error {
	return d.promos.DecrementActivations(ctx, q, promoID)
}
