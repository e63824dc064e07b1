package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

const universalStorageColumns = `s.id, s.storage_uuid, s.file_path, s.checksum_sha256, s.status,
		s.wrapped_key, s.key_nonce, s.encryption_algo, s.key_version, s.media_type,
		s.encrypted_tg_file_id, s.is_active, s.is_valid, s.created_at, s.updated_at`

// UniversalRepository handles universal storage, inventory and ownership rows.
type UniversalRepository struct {
	pool *pgxpool.Pool
}

// NewUniversalRepository creates a new UniversalRepository instance.
func NewUniversalRepository(pool *pgxpool.Pool) *UniversalRepository {
	return &UniversalRepository{pool: pool}
}

func scanUniversalStorage(row pgx.Row) (*model.UniversalStorage, error) {
	var s model.UniversalStorage
	err := row.Scan(
		&s.ID, &s.StorageUUID, &s.FilePath, &s.ChecksumSHA256, &s.Status,
		&s.WrappedKey, &s.KeyNonce, &s.EncryptionAlgo, &s.KeyVersion, &s.MediaType,
		&s.EncryptedTgFileID, &s.IsActive, &s.IsValid, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan universal storage: %w", err)
	}
	return &s, nil
}

func scanUniversalStorages(rows pgx.Rows) ([]*model.UniversalStorage, error) {
	defer rows.Close()
	var out []*model.UniversalStorage
	for rows.Next() {
		s, err := scanUniversalStorage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStorage retrieves a universal storage row by id.
func (r *UniversalRepository) GetStorage(ctx context.Context, id int64) (*model.UniversalStorage, error) {
	const query = `SELECT ` + universalStorageColumns + ` FROM universal_storages s WHERE s.id = $1`
	return scanUniversalStorage(r.pool.QueryRow(ctx, query, id))
}

// CreateStorage inserts a universal storage row.
func (r *UniversalRepository) CreateStorage(ctx context.Context, q Querier, s *model.UniversalStorage) (*model.UniversalStorage, error) {
	const query = `
		INSERT INTO universal_storages (storage_uuid, file_path, checksum_sha256, status,
			wrapped_key, key_nonce, encryption_algo, key_version, media_type,
			encrypted_tg_file_id, is_active, is_valid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING ` + universalStorageColumns

	return scanUniversalStorage(q.QueryRow(ctx, query,
		s.StorageUUID, s.FilePath, s.ChecksumSHA256, s.Status,
		s.WrappedKey, s.KeyNonce, s.EncryptionAlgo, s.KeyVersion, s.MediaType,
		s.EncryptedTgFileID, s.IsActive, s.IsValid,
	))
}

// CloneStorage inserts a buyer-owned copy of a reusable source row: every
// field carried over, fresh uuid and path, status bought.
func (r *UniversalRepository) CloneStorage(ctx context.Context, q Querier, src *model.UniversalStorage, newUUID string, newPath string) (*model.UniversalStorage, error) {
	clone := *src
	clone.StorageUUID = newUUID
	clone.FilePath = nil
	if newPath != "" {
		clone.FilePath = &newPath
	}
	clone.Status = model.StatusBought
	out, err := r.CreateStorage(ctx, q, &clone)
	if err != nil {
		return nil, err
	}
	const query = `
		INSERT INTO universal_storage_translations (universal_storage_id, lang, encrypted_description)
		SELECT $2, lang, encrypted_description
		FROM universal_storage_translations
		WHERE universal_storage_id = $1
	`
	if _, err := q.Exec(ctx, query, src.ID, out.ID); err != nil {
		return nil, fmt.Errorf("failed to clone universal translations: %w", err)
	}
	return out, nil
}

// GetTranslations retrieves the per-language encrypted descriptions of a row.
func (r *UniversalRepository) GetTranslations(ctx context.Context, storageID int64) ([]model.UniversalStorageTranslation, error) {
	const query = `
		SELECT universal_storage_id, lang, encrypted_description
		FROM universal_storage_translations
		WHERE universal_storage_id = $1
		ORDER BY lang
	`
	rows, err := r.pool.Query(ctx, query, storageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get universal translations: %w", err)
	}
	defer rows.Close()

	var out []model.UniversalStorageTranslation
	for rows.Next() {
		var t model.UniversalStorageTranslation
		if err := rows.Scan(&t.UniversalStorageID, &t.Lang, &t.EncryptedDescription); err != nil {
			return nil, fmt.Errorf("failed to scan universal translation: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTranslation writes one encrypted description row.
func (r *UniversalRepository) UpsertTranslation(ctx context.Context, q Querier, t model.UniversalStorageTranslation) error {
	const query = `
		INSERT INTO universal_storage_translations (universal_storage_id, lang, encrypted_description)
		VALUES ($1, $2, $3)
		ON CONFLICT (universal_storage_id, lang)
		DO UPDATE SET encrypted_description = $3
	`
	if _, err := q.Exec(ctx, query, t.UniversalStorageID, t.Lang, t.EncryptedDescription); err != nil {
		return fmt.Errorf("failed to upsert universal translation: %w", err)
	}
	return nil
}

// SelectForReserve locks up to n for_sale universal inventory rows of a
// category. Same discipline as the account variant.
func (r *UniversalRepository) SelectForReserve(ctx context.Context, q Querier, categoryID int64, n int) ([]*model.UniversalStorage, error) {
	const query = `
		SELECT ` + universalStorageColumns + `
		FROM product_universals pu
		JOIN universal_storages s ON s.id = pu.universal_storage_id
		WHERE pu.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
		ORDER BY pu.created_at DESC, pu.id ASC
		LIMIT $2
		FOR UPDATE
	`
	rows, err := q.Query(ctx, query, categoryID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select universals for reserve: %w", err)
	}
	items, err := scanUniversalStorages(rows)
	if err != nil {
		return nil, err
	}
	if len(items) < n {
		return nil, ErrNotEnoughInventory
	}
	return items, nil
}

// SelectReplacementCandidates locks fresh universal candidates of a category.
func (r *UniversalRepository) SelectReplacementCandidates(ctx context.Context, q Querier, categoryID int64, n int) ([]*model.UniversalStorage, error) {
	const query = `
		SELECT ` + universalStorageColumns + `
		FROM product_universals pu
		JOIN universal_storages s ON s.id = pu.universal_storage_id
		WHERE pu.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
		ORDER BY pu.created_at DESC, pu.id ASC
		LIMIT $2
		FOR UPDATE
	`
	rows, err := q.Query(ctx, query, categoryID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select universal replacement candidates: %w", err)
	}
	return scanUniversalStorages(rows)
}

// SourceForCategory returns the single reusable source row of a
// multiple-purchase category. The source is read-only during a purchase.
func (r *UniversalRepository) SourceForCategory(ctx context.Context, categoryID int64) (*model.UniversalStorage, error) {
	const query = `
		SELECT ` + universalStorageColumns + `
		FROM product_universals pu
		JOIN universal_storages s ON s.id = pu.universal_storage_id
		WHERE pu.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
		ORDER BY pu.created_at DESC, pu.id ASC
		LIMIT 1
	`
	rows, err := r.pool.Query(ctx, query, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get universal source: %w", err)
	}
	items, err := scanUniversalStorages(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotEnoughInventory
	}
	return items[0], nil
}

// BulkUpdateStatus flips the status of a batch of universal storage rows.
func (r *UniversalRepository) BulkUpdateStatus(ctx context.Context, q Querier, ids []int64, status model.StorageStatus) error {
	const query = `
		UPDATE universal_storages
		SET status = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := q.Exec(ctx, query, ids, status); err != nil {
		return fmt.Errorf("failed to bulk update universal status: %w", err)
	}
	return nil
}

// UpdateStatusPath pairs a status flip with the new file path.
func (r *UniversalRepository) UpdateStatusPath(ctx context.Context, q Querier, id int64, status model.StorageStatus, filePath *string) error {
	const query = `
		UPDATE universal_storages
		SET status = $2, file_path = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, status, filePath); err != nil {
		return fmt.Errorf("failed to update universal storage %d: %w", id, err)
	}
	return nil
}

// MarkDeleted retires a universal storage row that failed validation.
func (r *UniversalRepository) MarkDeleted(ctx context.Context, q Querier, id int64, filePath *string) error {
	const query = `
		UPDATE universal_storages
		SET status = 'deleted', is_active = FALSE, is_valid = FALSE, file_path = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, filePath); err != nil {
		return fmt.Errorf("failed to mark universal storage %d deleted: %w", id, err)
	}
	return nil
}

// InsertProduct puts a universal storage row on sale in a category.
func (r *UniversalRepository) InsertProduct(ctx context.Context, q Querier, categoryID, storageID int64) error {
	const query = `
		INSERT INTO product_universals (category_id, universal_storage_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (universal_storage_id) DO NOTHING
	`
	if _, err := q.Exec(ctx, query, categoryID, storageID); err != nil {
		return fmt.Errorf("failed to insert product universal: %w", err)
	}
	return nil
}

// DeleteProduct removes the on-sale marker of a universal storage row.
func (r *UniversalRepository) DeleteProduct(ctx context.Context, q Querier, storageID int64) error {
	const query = `DELETE FROM product_universals WHERE universal_storage_id = $1`
	if _, err := q.Exec(ctx, query, storageID); err != nil {
		return fmt.Errorf("failed to delete product universal: %w", err)
	}
	return nil
}

// InsertSold creates the ownership row of a finalized universal sale.
func (r *UniversalRepository) InsertSold(ctx context.Context, q Querier, ownerID, storageID int64) (int64, error) {
	const query = `
		INSERT INTO sold_universals (owner_id, universal_storage_id, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, ownerID, storageID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert sold universal: %w", err)
	}
	return id, nil
}

// DeleteSold removes sold universal rows during cancel.
func (r *UniversalRepository) DeleteSold(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM sold_universals WHERE id = ANY($1)`
	if _, err := q.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete sold universals: %w", err)
	}
	return nil
}

// DeleteStorages hard-deletes universal storage rows. Only used to undo
// clones created by a failed reusable finalize.
func (r *UniversalRepository) DeleteStorages(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM universal_storages WHERE id = ANY($1)`
	if _, err := q.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete universal storages: %w", err)
	}
	return nil
}

// ListSoldByOwner returns the owner's sold universals, newest first.
func (r *UniversalRepository) ListSoldByOwner(ctx context.Context, ownerID int64) ([]*model.SoldUniversal, error) {
	const query = `
		SELECT id, owner_id, universal_storage_id, created_at
		FROM sold_universals
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sold universals: %w", err)
	}
	defer rows.Close()

	var out []*model.SoldUniversal
	for rows.Next() {
		var s model.SoldUniversal
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.UniversalStorageID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sold universal: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ListProductsByCategory returns the universal rows on sale in a category.
func (r *UniversalRepository) ListProductsByCategory(ctx context.Context, categoryID int64) ([]*model.UniversalStorage, error) {
	const query = `
		SELECT ` + universalStorageColumns + `
		FROM product_universals pu
		JOIN universal_storages s ON s.id = pu.universal_storage_id
		WHERE pu.category_id = $1
		ORDER BY pu.created_at DESC, pu.id ASC
	`
	rows, err := r.pool.Query(ctx, query, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list product universals: %w", err)
	}
	return scanUniversalStorages(rows)
}
