package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

const categoryColumns = `id, parent_id, position, is_visible, is_product_storage, product_type,
		account_service_type, allow_multiple_purchase, price, cost_price, created_at, updated_at`

// CategoryRepository handles catalog data persistence.
type CategoryRepository struct {
	pool *pgxpool.Pool
}

// NewCategoryRepository creates a new CategoryRepository instance.
func NewCategoryRepository(pool *pgxpool.Pool) *CategoryRepository {
	return &CategoryRepository{pool: pool}
}

func scanCategory(row pgx.Row) (*model.Category, error) {
	var c model.Category
	err := row.Scan(
		&c.ID, &c.ParentID, &c.Position, &c.IsVisible, &c.IsProductStorage,
		&c.ProductType, &c.AccountServiceType, &c.AllowMultiplePurchase,
		&c.Price, &c.CostPrice, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, fmt.Errorf("failed to scan category: %w", err)
	}
	return &c, nil
}

func (r *CategoryRepository) scanCategories(rows pgx.Rows) ([]*model.Category, error) {
	defer rows.Close()
	var out []*model.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetByID retrieves a category by id. Returns ErrCategoryNotFound if absent.
func (r *CategoryRepository) GetByID(ctx context.Context, id int64) (*model.Category, error) {
	const query = `SELECT ` + categoryColumns + ` FROM categories WHERE id = $1`
	return scanCategory(r.pool.QueryRow(ctx, query, id))
}

// GetMain retrieves the visible top-level categories ordered by position.
func (r *CategoryRepository) GetMain(ctx context.Context) ([]*model.Category, error) {
	const query = `
		SELECT ` + categoryColumns + `
		FROM categories
		WHERE parent_id IS NULL AND is_visible
		ORDER BY position, id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get main categories: %w", err)
	}
	return r.scanCategories(rows)
}

// GetByParent retrieves the visible children of a category ordered by
// position.
func (r *CategoryRepository) GetByParent(ctx context.Context, parentID int64) ([]*model.Category, error) {
	const query = `
		SELECT ` + categoryColumns + `
		FROM categories
		WHERE parent_id = $1 AND is_visible
		ORDER BY position, id
	`
	rows, err := r.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get categories by parent: %w", err)
	}
	return r.scanCategories(rows)
}

// GetTranslations retrieves every translation of a category. The set is
// snapshotted into sold-side rows at purchase time.
func (r *CategoryRepository) GetTranslations(ctx context.Context, categoryID int64) ([]model.CategoryTranslation, error) {
	const query = `
		SELECT category_id, lang, name, description
		FROM category_translations
		WHERE category_id = $1
		ORDER BY lang
	`
	rows, err := r.pool.Query(ctx, query, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get category translations: %w", err)
	}
	defer rows.Close()

	var out []model.CategoryTranslation
	for rows.Next() {
		var t model.CategoryTranslation
		if err := rows.Scan(&t.CategoryID, &t.Lang, &t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan translation: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountForSale returns the live inventory count of a category, the
// quantity_product figure shown in CategoryFull.
func (r *CategoryRepository) CountForSale(ctx context.Context, categoryID int64, productType model.ProductType) (int, error) {
	const accountQuery = `
		SELECT COUNT(*)
		FROM product_accounts pa
		JOIN account_storages s ON s.id = pa.account_storage_id
		WHERE pa.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
	`
	const universalQuery = `
		SELECT COUNT(*)
		FROM product_universals pu
		JOIN universal_storages s ON s.id = pu.universal_storage_id
		WHERE pu.category_id = $1 AND s.status = 'for_sale' AND s.is_active AND s.is_valid
	`
	query := accountQuery
	if productType == model.ProductUniversalType {
		query = universalQuery
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, categoryID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count inventory: %w", err)
	}
	return count, nil
}

// Create inserts a category. Used by fixtures and the admin surface.
func (r *CategoryRepository) Create(ctx context.Context, c *model.Category) (*model.Category, error) {
	const query = `
		INSERT INTO categories (parent_id, position, is_visible, is_product_storage, product_type,
			account_service_type, allow_multiple_purchase, price, cost_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING ` + categoryColumns

	return scanCategory(r.pool.QueryRow(ctx, query,
		c.ParentID, c.Position, c.IsVisible, c.IsProductStorage, c.ProductType,
		c.AccountServiceType, c.AllowMultiplePurchase, c.Price, c.CostPrice,
	))
}

// UpsertTranslation writes one translation row of a category.
func (r *CategoryRepository) UpsertTranslation(ctx context.Context, t model.CategoryTranslation) error {
	const query = `
		INSERT INTO category_translations (category_id, lang, name, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (category_id, lang)
		DO UPDATE SET name = $3, description = $4
	`
	_, err := r.pool.Exec(ctx, query, t.CategoryID, t.Lang, t.Name, t.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert translation: %w", err)
	}
	return nil
}
