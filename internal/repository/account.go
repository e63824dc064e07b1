package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

// ErrNotEnoughInventory is returned when a reservation cannot lock the
// requested number of for_sale rows. It aborts the start transaction.
var ErrNotEnoughInventory = errors.New("not enough inventory")

const accountStorageColumns = `s.id, s.storage_uuid, s.file_path, s.checksum_sha256, s.status,
		s.wrapped_key, s.key_nonce, s.encryption_algo, s.key_version, s.service_type, s.phone,
		s.encrypted_login, s.login_nonce, s.encrypted_password, s.password_nonce,
		s.is_active, s.is_valid, s.created_at, s.updated_at`

// AccountRepository handles account storage, inventory and ownership rows.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func scanAccountStorage(row pgx.Row) (*model.AccountStorage, error) {
	var s model.AccountStorage
	err := row.Scan(
		&s.ID, &s.StorageUUID, &s.FilePath, &s.ChecksumSHA256, &s.Status,
		&s.WrappedKey, &s.KeyNonce, &s.EncryptionAlgo, &s.KeyVersion, &s.ServiceType, &s.Phone,
		&s.EncryptedLogin, &s.LoginNonce, &s.EncryptedPassword, &s.PasswordNonce,
		&s.IsActive, &s.IsValid, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan account storage: %w", err)
	}
	return &s, nil
}

func scanAccountStorages(rows pgx.Rows) ([]*model.AccountStorage, error) {
	defer rows.Close()
	var out []*model.AccountStorage
	for rows.Next() {
		s, err := scanAccountStorage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStorage retrieves an account storage row by id.
func (r *AccountRepository) GetStorage(ctx context.Context, id int64) (*model.AccountStorage, error) {
	const query = `SELECT ` + accountStorageColumns + ` FROM account_storages s WHERE s.id = $1`
	return scanAccountStorage(r.pool.QueryRow(ctx, query, id))
}

// CreateStorage inserts an account storage row. Used by the intake surface
// and fixtures.
func (r *AccountRepository) CreateStorage(ctx context.Context, s *model.AccountStorage) (*model.AccountStorage, error) {
	const query = `
		INSERT INTO account_storages (storage_uuid, file_path, checksum_sha256, status,
			wrapped_key, key_nonce, encryption_algo, key_version, service_type, phone,
			encrypted_login, login_nonce, encrypted_password, password_nonce,
			is_active, is_valid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		RETURNING ` + accountStorageColumns

	return scanAccountStorage(r.pool.QueryRow(ctx, query,
		s.StorageUUID, s.FilePath, s.ChecksumSHA256, s.Status,
		s.WrappedKey, s.KeyNonce, s.EncryptionAlgo, s.KeyVersion, s.ServiceType, s.Phone,
		s.EncryptedLogin, s.LoginNonce, s.EncryptedPassword, s.PasswordNonce,
		s.IsActive, s.IsValid,
	))
}

// SelectForReserve locks up to n for_sale inventory rows of a category with
// FOR UPDATE, newest inventory first (tie-break by id ascending). Returns
// ErrNotEnoughInventory when fewer than n are available.
func (r *AccountRepository) SelectForReserve(ctx context.Context, q Querier, categoryID int64, n int) ([]*model.AccountStorage, error) {
	const query = `
		SELECT ` + accountStorageColumns + `
		FROM product_accounts pa
		JOIN account_storages s ON s.id = pa.account_storage_id
		WHERE pa.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
		ORDER BY pa.created_at DESC, pa.id ASC
		LIMIT $2
		FOR UPDATE
	`
	rows, err := q.Query(ctx, query, categoryID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts for reserve: %w", err)
	}
	items, err := scanAccountStorages(rows)
	if err != nil {
		return nil, err
	}
	if len(items) < n {
		return nil, ErrNotEnoughInventory
	}
	return items, nil
}

// SelectReplacementCandidates locks up to n fresh candidates of the same
// category and service, with the same discipline as SelectForReserve but
// without the not-enough failure: the replacement loop copes with fewer.
func (r *AccountRepository) SelectReplacementCandidates(ctx context.Context, q Querier, categoryID int64, service model.AccountServiceType, n int) ([]*model.AccountStorage, error) {
	const query = `
		SELECT ` + accountStorageColumns + `
		FROM product_accounts pa
		JOIN account_storages s ON s.id = pa.account_storage_id
		WHERE pa.category_id = $1 AND s.service_type = $2
		  AND s.status = 'for_sale' AND s.is_active AND s.is_valid
		ORDER BY pa.created_at DESC, pa.id ASC
		LIMIT $3
		FOR UPDATE
	`
	rows, err := q.Query(ctx, query, categoryID, service, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select replacement candidates: %w", err)
	}
	return scanAccountStorages(rows)
}

// BulkUpdateStatus flips the status of a batch of storage rows in a single
// statement.
func (r *AccountRepository) BulkUpdateStatus(ctx context.Context, q Querier, ids []int64, status model.StorageStatus) error {
	const query = `
		UPDATE account_storages
		SET status = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`
	if _, err := q.Exec(ctx, query, ids, status); err != nil {
		return fmt.Errorf("failed to bulk update account status: %w", err)
	}
	return nil
}

// UpdateStatusPath pairs a status flip with the file path the new status
// implies.
func (r *AccountRepository) UpdateStatusPath(ctx context.Context, q Querier, id int64, status model.StorageStatus, filePath *string) error {
	const query = `
		UPDATE account_storages
		SET status = $2, file_path = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, status, filePath); err != nil {
		return fmt.Errorf("failed to update account storage %d: %w", id, err)
	}
	return nil
}

// MarkDeleted retires a storage row that failed validation.
func (r *AccountRepository) MarkDeleted(ctx context.Context, q Querier, id int64, filePath *string) error {
	const query = `
		UPDATE account_storages
		SET status = 'deleted', is_active = FALSE, is_valid = FALSE, file_path = $2, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, filePath); err != nil {
		return fmt.Errorf("failed to mark account storage %d deleted: %w", id, err)
	}
	return nil
}

// InsertProduct puts a storage row on sale in a category.
func (r *AccountRepository) InsertProduct(ctx context.Context, q Querier, categoryID, storageID int64) error {
	const query = `
		INSERT INTO product_accounts (category_id, account_storage_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_storage_id) DO NOTHING
	`
	if _, err := q.Exec(ctx, query, categoryID, storageID); err != nil {
		return fmt.Errorf("failed to insert product account: %w", err)
	}
	return nil
}

// DeleteProduct removes the on-sale marker of a storage row.
func (r *AccountRepository) DeleteProduct(ctx context.Context, q Querier, storageID int64) error {
	const query = `DELETE FROM product_accounts WHERE account_storage_id = $1`
	if _, err := q.Exec(ctx, query, storageID); err != nil {
		return fmt.Errorf("failed to delete product account: %w", err)
	}
	return nil
}

// ProductCategoryID returns the category an account storage is on sale in.
func (r *AccountRepository) ProductCategoryID(ctx context.Context, storageID int64) (int64, error) {
	const query = `SELECT category_id FROM product_accounts WHERE account_storage_id = $1`
	var id int64
	if err := r.pool.QueryRow(ctx, query, storageID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get product category: %w", err)
	}
	return id, nil
}

// InsertSold creates the ownership row of a finalized sale.
func (r *AccountRepository) InsertSold(ctx context.Context, q Querier, ownerID, storageID int64, service model.AccountServiceType) (int64, error) {
	const query = `
		INSERT INTO sold_accounts (owner_id, account_storage_id, service_type, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id
	`
	var id int64
	if err := q.QueryRow(ctx, query, ownerID, storageID, service).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert sold account: %w", err)
	}
	return id, nil
}

// InsertSoldTranslation snapshots one category translation onto a sold row.
func (r *AccountRepository) InsertSoldTranslation(ctx context.Context, q Querier, t model.SoldAccountTranslation) error {
	const query = `
		INSERT INTO sold_account_translations (sold_account_id, lang, name, description)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := q.Exec(ctx, query, t.SoldAccountID, t.Lang, t.Name, t.Description); err != nil {
		return fmt.Errorf("failed to insert sold account translation: %w", err)
	}
	return nil
}

// DeleteSold removes sold rows during cancel. Translations cascade.
func (r *AccountRepository) DeleteSold(ctx context.Context, q Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `DELETE FROM sold_accounts WHERE id = ANY($1)`
	if _, err := q.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to delete sold accounts: %w", err)
	}
	return nil
}

// ListSoldByOwner returns the owner's sold accounts for one language,
// newest first. Feeds the sold_accounts_by_owner_id cache key.
func (r *AccountRepository) ListSoldByOwner(ctx context.Context, ownerID int64, lang string) ([]*model.SoldAccountFull, error) {
	const query = `
		SELECT sa.id, sa.owner_id, sa.account_storage_id, sa.service_type, sa.created_at,
		       COALESCE(t.name, ''), COALESCE(t.description, ''), s.storage_uuid
		FROM sold_accounts sa
		JOIN account_storages s ON s.id = sa.account_storage_id
		LEFT JOIN sold_account_translations t ON t.sold_account_id = sa.id AND t.lang = $2
		WHERE sa.owner_id = $1
		ORDER BY sa.created_at DESC, sa.id DESC
	`
	rows, err := r.pool.Query(ctx, query, ownerID, lang)
	if err != nil {
		return nil, fmt.Errorf("failed to list sold accounts: %w", err)
	}
	defer rows.Close()

	var out []*model.SoldAccountFull
	for rows.Next() {
		var f model.SoldAccountFull
		f.Lang = lang
		err := rows.Scan(&f.ID, &f.OwnerID, &f.AccountStorageID, &f.ServiceType, &f.CreatedAt,
			&f.Name, &f.Description, &f.StorageUUID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sold account: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// ListProductsByCategory returns the storage rows currently on sale in a
// category. Feeds the product_accounts_by_category cache key.
func (r *AccountRepository) ListProductsByCategory(ctx context.Context, categoryID int64) ([]*model.AccountStorage, error) {
	const query = `
		SELECT ` + accountStorageColumns + `
		FROM product_accounts pa
		JOIN account_storages s ON s.id = pa.account_storage_id
		WHERE pa.category_id = $1
		ORDER BY pa.created_at DESC, pa.id ASC
	`
	rows, err := r.pool.Query(ctx, query, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list product accounts: %w", err)
	}
	return scanAccountStorages(rows)
}
