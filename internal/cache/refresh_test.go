// Refresher tests run against real PostgreSQL and Redis instances so the
// projections exercise the same serialization and key discipline production
// sees.
package cache

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"digital-goods-market/internal/config"
	"digital-goods-market/internal/model"
	"digital-goods-market/internal/pkg/db"
	"digital-goods-market/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

type refreshEnv struct {
	pool       *pgxpool.Pool
	cache      *Cache
	ref        *Refresher
	users      *repository.UserRepository
	categories *repository.CategoryRepository
	accounts   *repository.AccountRepository
}

func newRefreshEnv(t *testing.T) *refreshEnv {
	t.Helper()
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisContainer.Terminate(ctx) })

	redisAddr, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	logger := zerolog.Nop()
	c, err := New(ctx, &config.RedisConfig{
		Addr:    redisAddr,
		UserTTL: time.Minute,
		SoldTTL: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	env := &refreshEnv{
		pool:       pool,
		cache:      c,
		users:      repository.NewUserRepository(pool),
		categories: repository.NewCategoryRepository(pool),
		accounts:   repository.NewAccountRepository(pool),
	}
	env.ref = NewRefresher(c, env.users, env.categories, env.accounts,
		repository.NewUniversalRepository(pool), logger)
	return env
}

func (e *refreshEnv) createCategory(t *testing.T) *model.Category {
	t.Helper()
	svc := model.ServiceTelegram
	cat, err := e.categories.Create(context.Background(), &model.Category{
		IsVisible:          true,
		IsProductStorage:   true,
		ProductType:        model.ProductAccountType,
		AccountServiceType: &svc,
		Price:              100,
		CostPrice:          50,
	})
	require.NoError(t, err)
	require.NoError(t, e.categories.UpsertTranslation(context.Background(), model.CategoryTranslation{
		CategoryID: cat.ID, Lang: "en", Name: "Premium", Description: "Premium accounts",
	}))
	return cat
}

func (e *refreshEnv) createForSaleAccount(t *testing.T, categoryID int64) *model.AccountStorage {
	t.Helper()
	ctx := context.Background()
	s, err := e.accounts.CreateStorage(ctx, &model.AccountStorage{
		StorageUUID:    uuid.NewString(),
		Status:         model.StatusForSale,
		WrappedKey:     "d3JhcHBlZA==",
		KeyNonce:       "bm9uY2U=",
		EncryptionAlgo: "aes-gcm-256",
		KeyVersion:     1,
		ServiceType:    model.ServiceTelegram,
		IsActive:       true,
		IsValid:        true,
	})
	require.NoError(t, err)
	require.NoError(t, e.accounts.InsertProduct(ctx, e.pool, categoryID, s.ID))
	return s
}

func TestRefresher_CategoryRefill(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	_, err := env.users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	cat := env.createCategory(t)
	env.createForSaleAccount(t, cat.ID)
	env.createForSaleAccount(t, cat.ID)

	require.NoError(t, env.ref.RefreshCategory(ctx, &cat.ID))

	var full model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyCategory(cat.ID, "en"), &full))
	assert.Equal(t, "Premium", full.Name)
	assert.Equal(t, 2, full.QuantityProduct)

	var main []*model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyMainCategories("en"), &main))
	require.Len(t, main, 1)
	assert.Equal(t, cat.ID, main[0].ID)
	assert.Equal(t, 2, main[0].QuantityProduct)
}

func TestRefresher_RefillIdempotent(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	_, err := env.users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	cat := env.createCategory(t)
	env.createForSaleAccount(t, cat.ID)

	require.NoError(t, env.ref.RefreshCategory(ctx, &cat.ID))
	var first model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyCategory(cat.ID, "en"), &first))

	// A second refresh rewrites the same state, never stacks it
	require.NoError(t, env.ref.RefreshCategory(ctx, &cat.ID))
	var second model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyCategory(cat.ID, "en"), &second))
	assert.Equal(t, first, second)

	var main []*model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyMainCategories("en"), &main))
	assert.Len(t, main, 1)
}

func TestRefresher_QuantityFollowsInventory(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	_, err := env.users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	cat := env.createCategory(t)
	a := env.createForSaleAccount(t, cat.ID)
	env.createForSaleAccount(t, cat.ID)

	require.NoError(t, env.ref.RefreshCategory(ctx, &cat.ID))
	full, err := env.ref.GetCategory(ctx, cat.ID, "en")
	require.NoError(t, err)
	assert.Equal(t, 2, full.QuantityProduct)

	require.NoError(t, env.accounts.BulkUpdateStatus(ctx, env.pool, []int64{a.ID}, model.StatusReserved))
	require.NoError(t, env.ref.RefreshCategory(ctx, &cat.ID))

	full, err = env.ref.GetCategory(ctx, cat.ID, "en")
	require.NoError(t, err)
	assert.Equal(t, 1, full.QuantityProduct)
}

func TestRefresher_GetCategoryReadThrough(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	_, err := env.users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	cat := env.createCategory(t)
	env.createForSaleAccount(t, cat.ID)

	// Cold cache: the miss falls through to the store and refills the key
	full, err := env.ref.GetCategory(ctx, cat.ID, "en")
	require.NoError(t, err)
	assert.Equal(t, "Premium", full.Name)
	assert.Equal(t, 1, full.QuantityProduct)

	var cached model.CategoryFull
	require.NoError(t, env.cache.GetJSON(ctx, KeyCategory(cat.ID, "en"), &cached))
	assert.Equal(t, full.Name, cached.Name)

	// Unknown language falls back to the first translation
	fallback, err := env.ref.GetCategory(ctx, cat.ID, "de")
	require.NoError(t, err)
	assert.Equal(t, "Premium", fallback.Name)
}

func TestRefresher_RefreshUser(t *testing.T) {
	env := newRefreshEnv(t)
	ctx := context.Background()

	u, err := env.users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)

	require.NoError(t, env.ref.RefreshUser(ctx, u.ID))
	var cached model.User
	require.NoError(t, env.cache.GetJSON(ctx, KeyUser(u.ID), &cached))
	assert.Equal(t, int64(1000), cached.Balance)

	_, err = env.users.DebitBalance(ctx, env.pool, u.ID, 300)
	require.NoError(t, err)
	require.NoError(t, env.ref.RefreshUser(ctx, u.ID))
	require.NoError(t, env.cache.GetJSON(ctx, KeyUser(u.ID), &cached))
	assert.Equal(t, int64(700), cached.Balance)
}
