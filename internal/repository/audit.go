package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

// AuditRepository records storage rows killed by validation. Rows carry the
// category name/description snapshot so the audit trail survives catalog
// edits.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository instance.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// InsertDeletedAccount appends an audit record for a killed account storage.
func (r *AuditRepository) InsertDeletedAccount(ctx context.Context, q Querier, d model.DeletedAccount) error {
	const query = `
		INSERT INTO deleted_accounts (account_storage_id, category_name, category_description, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := q.Exec(ctx, query, d.AccountStorageID, d.CategoryName, d.CategoryDesc, d.Reason); err != nil {
		return fmt.Errorf("failed to insert deleted account audit: %w", err)
	}
	return nil
}

// InsertDeletedUniversal appends an audit record for a killed universal
// storage.
func (r *AuditRepository) InsertDeletedUniversal(ctx context.Context, q Querier, d model.DeletedUniversal) error {
	const query = `
		INSERT INTO deleted_universals (universal_storage_id, category_name, category_description, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := q.Exec(ctx, query, d.UniversalStorageID, d.CategoryName, d.CategoryDesc, d.Reason); err != nil {
		return fmt.Errorf("failed to insert deleted universal audit: %w", err)
	}
	return nil
}
