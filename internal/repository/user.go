package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"digital-goods-market/internal/model"
)

// Common errors for repository operations.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrCategoryNotFound = errors.New("category not found")
)

const userColumns = `id, username, balance, language, is_banned, created_at, updated_at`

// UserRepository handles user data persistence.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Balance, &u.Language, &u.IsBanned, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// Create creates a new user with the given username and starting balance.
func (r *UserRepository) Create(ctx context.Context, username string, balance int64, lang string) (*model.User, error) {
	const query = `
		INSERT INTO users (username, balance, language, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING ` + userColumns

	return scanUser(r.pool.QueryRow(ctx, query, username, balance, lang))
}

// GetByID retrieves a user by id. Returns ErrUserNotFound if absent.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// DebitBalance subtracts amount from a user's balance inside the caller's
// transaction. The balance check happens in the orchestrator before the
// transaction opens; the CHECK-free update keeps cancel symmetric.
func (r *UserRepository) DebitBalance(ctx context.Context, q Querier, id int64, amount int64) (*model.User, error) {
	const query = `
		UPDATE users
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	return scanUser(q.QueryRow(ctx, query, id, amount))
}

// CreditBalance adds amount back to a user's balance inside the caller's
// transaction. Used by the cancel path.
func (r *UserRepository) CreditBalance(ctx context.Context, q Querier, id int64, amount int64) (*model.User, error) {
	const query = `
		UPDATE users
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	return scanUser(q.QueryRow(ctx, query, id, amount))
}

// Languages returns every language any category translation exists for.
// The cache refill fans out one key per (entity, language).
func (r *UserRepository) Languages(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT lang FROM category_translations ORDER BY lang`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list languages: %w", err)
	}
	defer rows.Close()

	var langs []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("failed to scan language: %w", err)
		}
		langs = append(langs, l)
	}
	return langs, rows.Err()
}
