// Package db provides PostgreSQL database connection management.
package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Migrate applies the database schema. Statements are idempotent so the
// function is safe to run on every boot.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: enumerated types
	_, err := pool.Exec(ctx, `
		DO $$ BEGIN
			CREATE TYPE product_type AS ENUM ('account', 'universal');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
		DO $$ BEGIN
			CREATE TYPE account_service_type AS ENUM ('telegram', 'other');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
		DO $$ BEGIN
			CREATE TYPE storage_status AS ENUM ('for_sale', 'reserved', 'bought', 'deleted');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
		DO $$ BEGIN
			CREATE TYPE media_type AS ENUM ('image', 'video', 'document', 'description', 'mixed');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
		DO $$ BEGIN
			CREATE TYPE request_status AS ENUM ('processing', 'completed', 'failed');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
		DO $$ BEGIN
			CREATE TYPE holder_status AS ENUM ('held', 'used', 'released');
		EXCEPTION WHEN duplicate_object THEN NULL; END $$;
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: enum types created")

	// Migration 2: users
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			language VARCHAR(8) NOT NULL DEFAULT 'en',
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: users table created")

	// Migration 3: catalog
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS categories (
			id BIGSERIAL PRIMARY KEY,
			parent_id BIGINT REFERENCES categories(id) ON DELETE CASCADE,
			position INT NOT NULL DEFAULT 0,
			is_visible BOOLEAN NOT NULL DEFAULT TRUE,
			is_product_storage BOOLEAN NOT NULL DEFAULT FALSE,
			product_type product_type NOT NULL,
			account_service_type account_service_type,
			allow_multiple_purchase BOOLEAN NOT NULL DEFAULT FALSE,
			price BIGINT NOT NULL CHECK (price >= 0),
			cost_price BIGINT NOT NULL CHECK (cost_price >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_categories_parent ON categories(parent_id, position);
		CREATE TABLE IF NOT EXISTS category_translations (
			category_id BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
			lang VARCHAR(8) NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (category_id, lang)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: catalog tables created")

	// Migration 4: account storage family
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS account_storages (
			id BIGSERIAL PRIMARY KEY,
			storage_uuid UUID NOT NULL UNIQUE,
			file_path TEXT,
			checksum_sha256 TEXT NOT NULL DEFAULT '',
			status storage_status NOT NULL DEFAULT 'for_sale',
			wrapped_key TEXT NOT NULL,
			key_nonce TEXT NOT NULL,
			encryption_algo VARCHAR(32) NOT NULL DEFAULT 'aes-gcm-256',
			key_version INT NOT NULL DEFAULT 1,
			service_type account_service_type NOT NULL,
			phone VARCHAR(32) NOT NULL DEFAULT '',
			encrypted_login TEXT,
			login_nonce TEXT,
			encrypted_password TEXT,
			password_nonce TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_valid BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_account_storages_status ON account_storages(status);
		CREATE TABLE IF NOT EXISTS product_accounts (
			id BIGSERIAL PRIMARY KEY,
			category_id BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
			account_storage_id BIGINT NOT NULL UNIQUE REFERENCES account_storages(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_product_accounts_category ON product_accounts(category_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS sold_accounts (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id),
			account_storage_id BIGINT NOT NULL REFERENCES account_storages(id) ON DELETE CASCADE,
			service_type account_service_type NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sold_accounts_owner ON sold_accounts(owner_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS sold_account_translations (
			sold_account_id BIGINT NOT NULL REFERENCES sold_accounts(id) ON DELETE CASCADE,
			lang VARCHAR(8) NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (sold_account_id, lang)
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: account tables created")

	// Migration 5: universal storage family
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS universal_storages (
			id BIGSERIAL PRIMARY KEY,
			storage_uuid UUID NOT NULL UNIQUE,
			file_path TEXT,
			checksum_sha256 TEXT NOT NULL DEFAULT '',
			status storage_status NOT NULL DEFAULT 'for_sale',
			wrapped_key TEXT NOT NULL,
			key_nonce TEXT NOT NULL,
			encryption_algo VARCHAR(32) NOT NULL DEFAULT 'aes-gcm-256',
			key_version INT NOT NULL DEFAULT 1,
			media_type media_type NOT NULL,
			encrypted_tg_file_id TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_valid BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_universal_storages_status ON universal_storages(status);
		CREATE TABLE IF NOT EXISTS universal_storage_translations (
			universal_storage_id BIGINT NOT NULL REFERENCES universal_storages(id) ON DELETE CASCADE,
			lang VARCHAR(8) NOT NULL,
			encrypted_description TEXT,
			PRIMARY KEY (universal_storage_id, lang)
		);
		CREATE TABLE IF NOT EXISTS product_universals (
			id BIGSERIAL PRIMARY KEY,
			category_id BIGINT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
			universal_storage_id BIGINT NOT NULL UNIQUE REFERENCES universal_storages(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_product_universals_category ON product_universals(category_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS sold_universals (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES users(id),
			universal_storage_id BIGINT NOT NULL REFERENCES universal_storages(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sold_universals_owner ON sold_universals(owner_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: universal tables created")

	// Migration 6: promo codes
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS promo_codes (
			id BIGSERIAL PRIMARY KEY,
			code VARCHAR(64) NOT NULL UNIQUE,
			discount_percent INT NOT NULL DEFAULT 0,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			max_activations INT NOT NULL DEFAULT 0,
			activations INT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 6: promo_codes table created")

	// Migration 7: purchase state machine
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS purchase_requests (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			promo_code_id BIGINT REFERENCES promo_codes(id),
			quantity INT NOT NULL CHECK (quantity > 0),
			total_amount BIGINT NOT NULL CHECK (total_amount >= 0),
			status request_status NOT NULL DEFAULT 'processing',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS balance_holders (
			id BIGSERIAL PRIMARY KEY,
			purchase_request_id BIGINT NOT NULL UNIQUE REFERENCES purchase_requests(id),
			user_id BIGINT NOT NULL REFERENCES users(id),
			amount BIGINT NOT NULL CHECK (amount >= 0),
			status holder_status NOT NULL DEFAULT 'held',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS purchase_request_accounts (
			id BIGSERIAL PRIMARY KEY,
			purchase_request_id BIGINT NOT NULL REFERENCES purchase_requests(id) ON DELETE CASCADE,
			account_storage_id BIGINT NOT NULL REFERENCES account_storages(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS purchase_request_universals (
			id BIGSERIAL PRIMARY KEY,
			purchase_request_id BIGINT NOT NULL REFERENCES purchase_requests(id) ON DELETE CASCADE,
			universal_storage_id BIGINT NOT NULL REFERENCES universal_storages(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS purchases (
			id BIGSERIAL PRIMARY KEY,
			purchase_request_id BIGINT NOT NULL REFERENCES purchase_requests(id),
			user_id BIGINT NOT NULL REFERENCES users(id),
			product_type product_type NOT NULL,
			account_storage_id BIGINT REFERENCES account_storages(id) ON DELETE CASCADE,
			universal_storage_id BIGINT REFERENCES universal_storages(id) ON DELETE CASCADE,
			original_price BIGINT NOT NULL,
			purchase_price BIGINT NOT NULL,
			cost_price BIGINT NOT NULL,
			net_profit BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id, created_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 7: purchase tables created")

	// Migration 8: audit trail
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS deleted_accounts (
			id BIGSERIAL PRIMARY KEY,
			account_storage_id BIGINT NOT NULL,
			category_name TEXT NOT NULL,
			category_description TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS deleted_universals (
			id BIGSERIAL PRIMARY KEY,
			universal_storage_id BIGINT NOT NULL,
			category_name TEXT NOT NULL,
			category_description TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 8: audit tables created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
