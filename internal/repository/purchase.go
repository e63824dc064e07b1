package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

// ErrRequestNotFound is returned for an unknown purchase request id.
var ErrRequestNotFound = errors.New("purchase request not found")

// PurchaseRepository handles the purchase state machine rows: requests,
// balance holders, reservation links and committed purchases.
type PurchaseRepository struct {
	pool *pgxpool.Pool
}

// NewPurchaseRepository creates a new PurchaseRepository instance.
func NewPurchaseRepository(pool *pgxpool.Pool) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

// CreateRequest inserts the per-attempt record, status processing.
func (r *PurchaseRepository) CreateRequest(ctx context.Context, q Querier, userID int64, promoID *int64, quantity int, total int64) (*model.PurchaseRequest, error) {
	const query = `
		INSERT INTO purchase_requests (user_id, promo_code_id, quantity, total_amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'processing', NOW(), NOW())
		RETURNING id, user_id, promo_code_id, quantity, total_amount, status, created_at, updated_at
	`
	var pr model.PurchaseRequest
	err := q.QueryRow(ctx, query, userID, promoID, quantity, total).Scan(
		&pr.ID, &pr.UserID, &pr.PromoCodeID, &pr.Quantity, &pr.TotalAmount, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create purchase request: %w", err)
	}
	return &pr, nil
}

// GetRequest retrieves a purchase request by id.
func (r *PurchaseRepository) GetRequest(ctx context.Context, id int64) (*model.PurchaseRequest, error) {
	const query = `
		SELECT id, user_id, promo_code_id, quantity, total_amount, status, created_at, updated_at
		FROM purchase_requests
		WHERE id = $1
	`
	var pr model.PurchaseRequest
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&pr.ID, &pr.UserID, &pr.PromoCodeID, &pr.Quantity, &pr.TotalAmount, &pr.Status, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get purchase request: %w", err)
	}
	return &pr, nil
}

// MarkRequest moves a request to a terminal status. Idempotent: a request
// already terminal stays put.
func (r *PurchaseRepository) MarkRequest(ctx context.Context, q Querier, id int64, status model.RequestStatus) error {
	const query = `
		UPDATE purchase_requests
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	if _, err := q.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to mark purchase request %d: %w", id, err)
	}
	return nil
}

// CreateHolder inserts the balance hold of a request, status held.
func (r *PurchaseRepository) CreateHolder(ctx context.Context, q Querier, requestID, userID, amount int64) (*model.BalanceHolder, error) {
	const query = `
		INSERT INTO balance_holders (purchase_request_id, user_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'held', NOW(), NOW())
		RETURNING id, purchase_request_id, user_id, amount, status, created_at, updated_at
	`
	var h model.BalanceHolder
	err := q.QueryRow(ctx, query, requestID, userID, amount).Scan(
		&h.ID, &h.PurchaseRequestID, &h.UserID, &h.Amount, &h.Status, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance holder: %w", err)
	}
	return &h, nil
}

// GetHolder retrieves the balance hold of a request.
func (r *PurchaseRepository) GetHolder(ctx context.Context, requestID int64) (*model.BalanceHolder, error) {
	const query = `
		SELECT id, purchase_request_id, user_id, amount, status, created_at, updated_at
		FROM balance_holders
		WHERE purchase_request_id = $1
	`
	var h model.BalanceHolder
	err := r.pool.QueryRow(ctx, query, requestID).Scan(
		&h.ID, &h.PurchaseRequestID, &h.UserID, &h.Amount, &h.Status, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get balance holder: %w", err)
	}
	return &h, nil
}

// MarkHolder moves a hold to a terminal status. Idempotent like MarkRequest.
func (r *PurchaseRepository) MarkHolder(ctx context.Context, q Querier, requestID int64, status model.HolderStatus) error {
	const query = `
		UPDATE balance_holders
		SET status = $2, updated_at = NOW()
		WHERE purchase_request_id = $1 AND status = 'held'
	`
	if _, err := q.Exec(ctx, query, requestID, status); err != nil {
		return fmt.Errorf("failed to mark balance holder of request %d: %w", requestID, err)
	}
	return nil
}

// LinkAccounts records which account storages a request reserved.
func (r *PurchaseRepository) LinkAccounts(ctx context.Context, q Querier, requestID int64, storageIDs []int64) error {
	const query = `
		INSERT INTO purchase_request_accounts (purchase_request_id, account_storage_id, created_at)
		VALUES ($1, $2, NOW())
	`
	for _, id := range storageIDs {
		if _, err := q.Exec(ctx, query, requestID, id); err != nil {
			return fmt.Errorf("failed to link account %d to request %d: %w", id, requestID, err)
		}
	}
	return nil
}

// ReplaceAccountLink repoints a reservation link after the verifier swapped
// an invalid item for a fresh candidate.
func (r *PurchaseRepository) ReplaceAccountLink(ctx context.Context, q Querier, requestID, oldStorageID, newStorageID int64) error {
	const query = `
		UPDATE purchase_request_accounts
		SET account_storage_id = $3
		WHERE purchase_request_id = $1 AND account_storage_id = $2
	`
	if _, err := q.Exec(ctx, query, requestID, oldStorageID, newStorageID); err != nil {
		return fmt.Errorf("failed to replace account link: %w", err)
	}
	return nil
}

// LinkUniversals records which universal storages a request reserved.
func (r *PurchaseRepository) LinkUniversals(ctx context.Context, q Querier, requestID int64, storageIDs []int64) error {
	const query = `
		INSERT INTO purchase_request_universals (purchase_request_id, universal_storage_id, created_at)
		VALUES ($1, $2, NOW())
	`
	for _, id := range storageIDs {
		if _, err := q.Exec(ctx, query, requestID, id); err != nil {
			return fmt.Errorf("failed to link universal %d to request %d: %w", id, requestID, err)
		}
	}
	return nil
}

// ReplaceUniversalLink repoints a universal reservation link.
func (r *PurchaseRepository) ReplaceUniversalLink(ctx context.Context, q Querier, requestID, oldStorageID, newStorageID int64) error {
	const query = `
		UPDATE purchase_request_universals
		SET universal_storage_id = $3
		WHERE purchase_request_id = $1 AND universal_storage_id = $2
	`
	if _, err := q.Exec(ctx, query, requestID, oldStorageID, newStorageID); err != nil {
		return fmt.Errorf("failed to replace universal link: %w", err)
	}
	return nil
}

// CreatePurchase inserts one committed line item.
func (r *PurchaseRepository) CreatePurchase(ctx context.Context, q Querier, p *model.Purchase) (int64, error) {
	const query = `
		INSERT INTO purchases (purchase_request_id, user_id, product_type,
			account_storage_id, universal_storage_id,
			original_price, purchase_price, cost_price, net_profit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id
	`
	var id int64
	err := q.QueryRow(ctx, query,
		p.PurchaseRequestID, p.UserID, p.ProductType,
		p.AccountStorageID, p.UniversalStorageID,
		p.OriginalPrice, p.PurchasePrice, p.CostPrice, p.NetProfit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create purchase: %w", err)
	}
	return id, nil
}

// DeletePurchases removes purchase rows during cancel.
func (r *PurchaseRepository) DeletePurchases(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM purchases WHERE id = ANY($1)`
	if _, err := q.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete purchases: %w", err)
	}
	return nil
}

// ListPurchasesByRequest returns the committed line items of a request.
func (r *PurchaseRepository) ListPurchasesByRequest(ctx context.Context, requestID int64) ([]*model.Purchase, error) {
	const query = `
		SELECT id, purchase_request_id, user_id, product_type,
		       account_storage_id, universal_storage_id,
		       original_price, purchase_price, cost_price, net_profit, created_at
		FROM purchases
		WHERE purchase_request_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var out []*model.Purchase
	for rows.Next() {
		var p model.Purchase
		err := rows.Scan(&p.ID, &p.PurchaseRequestID, &p.UserID, &p.ProductType,
			&p.AccountStorageID, &p.UniversalStorageID,
			&p.OriginalPrice, &p.PurchasePrice, &p.CostPrice, &p.NetProfit, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
