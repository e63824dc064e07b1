// Package repository tests run against a real PostgreSQL instance spun up
// with testcontainers-go.
package repository

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"digital-goods-market/internal/model"
	"digital-goods-market/internal/pkg/db"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a connection pool.
// Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
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

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return pool, cleanup
}

func createTestCategory(t *testing.T, pool *pgxpool.Pool, productType model.ProductType, price int64) *model.Category {
	t.Helper()
	repo := NewCategoryRepository(pool)
	svc := model.ServiceTelegram
	c := &model.Category{
		IsVisible:        true,
		IsProductStorage: true,
		ProductType:      productType,
		Price:            price,
		CostPrice:        price / 2,
	}
	if productType == model.ProductAccountType {
		c.AccountServiceType = &svc
	}
	cat, err := repo.Create(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertTranslation(context.Background(), model.CategoryTranslation{
		CategoryID: cat.ID, Lang: "en", Name: "Test", Description: "Test category",
	}))
	return cat
}

func createAccountStorage(t *testing.T, pool *pgxpool.Pool, categoryID int64) *model.AccountStorage {
	t.Helper()
	repo := NewAccountRepository(pool)
	path := "accounts/for_sale/telegram/" + uuid.NewString() + "/account.enc"
	s, err := repo.CreateStorage(context.Background(), &model.AccountStorage{
		StorageUUID:    uuid.NewString(),
		FilePath:       &path,
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
	require.NoError(t, repo.InsertProduct(context.Background(), pool, categoryID, s.ID))
	return s
}

func createUniversalStorage(t *testing.T, pool *pgxpool.Pool, categoryID int64) *model.UniversalStorage {
	t.Helper()
	repo := NewUniversalRepository(pool)
	path := "universals/for_sale/" + uuid.NewString() + "/file.enc"
	s, err := repo.CreateStorage(context.Background(), pool, &model.UniversalStorage{
		StorageUUID:    uuid.NewString(),
		FilePath:       &path,
		Status:         model.StatusForSale,
		WrappedKey:     "d3JhcHBlZA==",
		KeyNonce:       "bm9uY2U=",
		EncryptionAlgo: "aes-gcm-256",
		KeyVersion:     1,
		MediaType:      model.MediaDocument,
		IsActive:       true,
		IsValid:        true,
	})
	require.NoError(t, err)
	require.NoError(t, repo.InsertProduct(context.Background(), pool, categoryID, s.ID))
	return s
}

// ============================================================================
// UserRepository
// ============================================================================

func TestUserRepository_CreateAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewUserRepository(pool)
	ctx := context.Background()

	user, err := repo.Create(ctx, "buyer", 10000, "en")
	require.NoError(t, err)
	assert.Equal(t, "buyer", user.Username)
	assert.Equal(t, int64(10000), user.Balance)
	assert.Equal(t, "en", user.Language)
	assert.False(t, user.IsBanned)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUserRepository_DebitCredit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewUserRepository(pool)
	ctx := context.Background()

	user, err := repo.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)

	after, err := repo.DebitBalance(ctx, pool, user.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), after.Balance)

	after, err = repo.CreditBalance(ctx, pool, user.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), after.Balance)
}

// ============================================================================
// CategoryRepository
// ============================================================================

func TestCategoryRepository_Tree(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewCategoryRepository(pool)
	ctx := context.Background()

	root, err := repo.Create(ctx, &model.Category{
		IsVisible: true, ProductType: model.ProductAccountType, Position: 1,
	})
	require.NoError(t, err)

	child, err := repo.Create(ctx, &model.Category{
		ParentID: &root.ID, IsVisible: true, IsProductStorage: true,
		ProductType: model.ProductAccountType, Position: 1, Price: 100, CostPrice: 40,
	})
	require.NoError(t, err)

	// Hidden categories stay out of the listings
	_, err = repo.Create(ctx, &model.Category{
		IsVisible: false, ProductType: model.ProductAccountType, Position: 2,
	})
	require.NoError(t, err)

	main, err := repo.GetMain(ctx)
	require.NoError(t, err)
	require.Len(t, main, 1)
	assert.Equal(t, root.ID, main[0].ID)

	children, err := repo.GetByParent(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)
}

func TestCategoryRepository_Translations(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewCategoryRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)

	require.NoError(t, repo.UpsertTranslation(ctx, model.CategoryTranslation{
		CategoryID: cat.ID, Lang: "ru", Name: "Тест", Description: "",
	}))
	// Upsert overwrites
	require.NoError(t, repo.UpsertTranslation(ctx, model.CategoryTranslation{
		CategoryID: cat.ID, Lang: "en", Name: "Renamed", Description: "x",
	}))

	ts, err := repo.GetTranslations(ctx, cat.ID)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	assert.Equal(t, "en", ts[0].Lang)
	assert.Equal(t, "Renamed", ts[0].Name)
	assert.Equal(t, "ru", ts[1].Lang)
}

func TestCategoryRepository_CountForSale(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewCategoryRepository(pool)
	accRepo := NewAccountRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)

	s1 := createAccountStorage(t, pool, cat.ID)
	s2 := createAccountStorage(t, pool, cat.ID)

	n, err := repo.CountForSale(ctx, cat.ID, model.ProductAccountType)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Reserved items do not count
	require.NoError(t, accRepo.BulkUpdateStatus(ctx, pool, []int64{s1.ID}, model.StatusReserved))
	n, err = repo.CountForSale(ctx, cat.ID, model.ProductAccountType)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Invalid items do not count
	require.NoError(t, accRepo.MarkDeleted(ctx, pool, s2.ID, nil))
	n, err = repo.CountForSale(ctx, cat.ID, model.ProductAccountType)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// ============================================================================
// AccountRepository
// ============================================================================

func TestAccountRepository_SelectForReserve_NewestFirst(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)

	old := createAccountStorage(t, pool, cat.ID)
	time.Sleep(10 * time.Millisecond)
	mid := createAccountStorage(t, pool, cat.ID)
	time.Sleep(10 * time.Millisecond)
	newest := createAccountStorage(t, pool, cat.ID)

	items, err := repo.SelectForReserve(ctx, pool, cat.ID, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, newest.ID, items[0].ID)
	assert.Equal(t, mid.ID, items[1].ID)
	_ = old
}

func TestAccountRepository_SelectForReserve_NotEnough(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)
	createAccountStorage(t, pool, cat.ID)

	_, err := repo.SelectForReserve(ctx, pool, cat.ID, 2)
	assert.ErrorIs(t, err, ErrNotEnoughInventory)
}

func TestAccountRepository_SelectForReserve_SkipsNonSellable(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)

	reserved := createAccountStorage(t, pool, cat.ID)
	require.NoError(t, repo.BulkUpdateStatus(ctx, pool, []int64{reserved.ID}, model.StatusReserved))
	sellable := createAccountStorage(t, pool, cat.ID)

	items, err := repo.SelectForReserve(ctx, pool, cat.ID, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, sellable.ID, items[0].ID)
}

func TestAccountRepository_MarkDeleted(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)
	s := createAccountStorage(t, pool, cat.ID)

	deleted := "accounts/deleted/telegram/" + s.StorageUUID + "/account.enc"
	require.NoError(t, repo.MarkDeleted(ctx, pool, s.ID, &deleted))

	got, err := repo.GetStorage(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, got.Status)
	assert.False(t, got.IsActive)
	assert.False(t, got.IsValid)
	assert.Equal(t, deleted, *got.FilePath)
}

func TestAccountRepository_SoldFlow(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	users := NewUserRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)
	s := createAccountStorage(t, pool, cat.ID)

	buyer, err := users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)

	soldID, err := repo.InsertSold(ctx, pool, buyer.ID, s.ID, model.ServiceTelegram)
	require.NoError(t, err)
	require.NoError(t, repo.InsertSoldTranslation(ctx, pool, model.SoldAccountTranslation{
		SoldAccountID: soldID, Lang: "en", Name: "Test", Description: "Snapshot",
	}))

	sold, err := repo.ListSoldByOwner(ctx, buyer.ID, "en")
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, soldID, sold[0].ID)
	assert.Equal(t, "Test", sold[0].Name)
	assert.Equal(t, s.StorageUUID, sold[0].StorageUUID)

	// Missing translation falls back to empty text, the row still lists
	sold, err = repo.ListSoldByOwner(ctx, buyer.ID, "ru")
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, "", sold[0].Name)

	require.NoError(t, repo.DeleteSold(ctx, pool, []int64{soldID}))
	sold, err = repo.ListSoldByOwner(ctx, buyer.ID, "en")
	require.NoError(t, err)
	assert.Empty(t, sold)
}

// ============================================================================
// UniversalRepository
// ============================================================================

func TestUniversalRepository_CloneStorage(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewUniversalRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductUniversalType, 50)
	src := createUniversalStorage(t, pool, cat.ID)

	desc := "c2VhbGVk"
	require.NoError(t, repo.UpsertTranslation(ctx, pool, model.UniversalStorageTranslation{
		UniversalStorageID: src.ID, Lang: "en",
		EncryptedDescription: &desc,
	}))

	newUUID := uuid.NewString()
	newPath := "universals/bought/" + newUUID + "/file.enc"
	clone, err := repo.CloneStorage(ctx, pool, src, newUUID, newPath)
	require.NoError(t, err)

	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, newUUID, clone.StorageUUID)
	assert.Equal(t, newPath, *clone.FilePath)
	assert.Equal(t, model.StatusBought, clone.Status)
	assert.Equal(t, src.WrappedKey, clone.WrappedKey)
	assert.Equal(t, src.MediaType, clone.MediaType)

	// Translations travel with the clone
	ts, err := repo.GetTranslations(ctx, clone.ID)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	assert.Equal(t, desc, *ts[0].EncryptedDescription)

	// Source row untouched
	got, err := repo.GetStorage(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusForSale, got.Status)
}

func TestUniversalRepository_SourceForCategory(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewUniversalRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductUniversalType, 50)

	_, err := repo.SourceForCategory(ctx, cat.ID)
	assert.ErrorIs(t, err, ErrNotEnoughInventory)

	s := createUniversalStorage(t, pool, cat.ID)
	got, err := repo.SourceForCategory(ctx, cat.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

// ============================================================================
// PurchaseRepository
// ============================================================================

func TestPurchaseRepository_RequestLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	users := NewUserRepository(pool)
	ctx := context.Background()

	buyer, err := users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)

	req, err := repo.CreateRequest(ctx, pool, buyer.ID, nil, 2, 200)
	require.NoError(t, err)
	assert.Equal(t, model.RequestProcessing, req.Status)

	require.NoError(t, repo.MarkRequest(ctx, pool, req.ID, model.RequestCompleted))
	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, got.Status)

	// Terminal statuses never change again
	require.NoError(t, repo.MarkRequest(ctx, pool, req.ID, model.RequestFailed))
	got, err = repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, got.Status)

	_, err = repo.GetRequest(ctx, 99999)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestPurchaseRepository_HolderLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	users := NewUserRepository(pool)
	ctx := context.Background()

	buyer, err := users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	req, err := repo.CreateRequest(ctx, pool, buyer.ID, nil, 1, 100)
	require.NoError(t, err)

	holder, err := repo.CreateHolder(ctx, pool, req.ID, buyer.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, model.HolderHeld, holder.Status)
	assert.Equal(t, int64(100), holder.Amount)

	require.NoError(t, repo.MarkHolder(ctx, pool, req.ID, model.HolderUsed))
	got, err := repo.GetHolder(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HolderUsed, got.Status)

	// Idempotent: used stays used
	require.NoError(t, repo.MarkHolder(ctx, pool, req.ID, model.HolderReleased))
	got, err = repo.GetHolder(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HolderUsed, got.Status)
}

func TestPurchaseRepository_LinksAndReplace(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	users := NewUserRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)

	buyer, err := users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	req, err := repo.CreateRequest(ctx, pool, buyer.ID, nil, 2, 200)
	require.NoError(t, err)

	s1 := createAccountStorage(t, pool, cat.ID)
	s2 := createAccountStorage(t, pool, cat.ID)
	s3 := createAccountStorage(t, pool, cat.ID)

	require.NoError(t, repo.LinkAccounts(ctx, pool, req.ID, []int64{s1.ID, s2.ID}))
	require.NoError(t, repo.ReplaceAccountLink(ctx, pool, req.ID, s1.ID, s3.ID))

	var n int
	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchase_request_accounts WHERE purchase_request_id = $1 AND account_storage_id = $2`,
		req.ID, s3.ID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchase_request_accounts WHERE purchase_request_id = $1 AND account_storage_id = $2`,
		req.ID, s1.ID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPurchaseRepository_Purchases(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(pool)
	users := NewUserRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)
	s := createAccountStorage(t, pool, cat.ID)

	buyer, err := users.Create(ctx, "buyer", 1000, "en")
	require.NoError(t, err)
	req, err := repo.CreateRequest(ctx, pool, buyer.ID, nil, 1, 100)
	require.NoError(t, err)

	id, err := repo.CreatePurchase(ctx, pool, &model.Purchase{
		PurchaseRequestID: req.ID,
		UserID:            buyer.ID,
		ProductType:       model.ProductAccountType,
		AccountStorageID:  &s.ID,
		OriginalPrice:     100,
		PurchasePrice:     90,
		CostPrice:         40,
		NetProfit:         50,
	})
	require.NoError(t, err)

	list, err := repo.ListPurchasesByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, int64(90), list[0].PurchasePrice)

	require.NoError(t, repo.DeletePurchases(ctx, pool, []int64{id}))
	list, err = repo.ListPurchasesByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// ============================================================================
// PromoRepository
// ============================================================================

func TestPromoRepository(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPromoRepository(pool)
	ctx := context.Background()

	p, err := repo.Create(ctx, &model.PromoCode{
		Code: "SAVE10", DiscountPercent: 10, MaxActivations: 5, IsActive: true,
	})
	require.NoError(t, err)

	got, err := repo.GetByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = repo.GetByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrPromoNotFound)

	require.NoError(t, repo.IncrementActivations(ctx, pool, p.ID))
	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Activations)

	require.NoError(t, repo.DecrementActivations(ctx, pool, p.ID))
	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Activations)

	// Never drops below zero
	require.NoError(t, repo.DecrementActivations(ctx, pool, p.ID))
	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Activations)
}

// ============================================================================
// AuditRepository
// ============================================================================

func TestAuditRepository(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAuditRepository(pool)
	ctx := context.Background()
	cat := createTestCategory(t, pool, model.ProductAccountType, 100)
	s := createAccountStorage(t, pool, cat.ID)

	require.NoError(t, repo.InsertDeletedAccount(ctx, pool, model.DeletedAccount{
		AccountStorageID: s.ID,
		CategoryName:     "Test",
		CategoryDesc:     "Test category",
		Reason:           "probe rejected",
	}))

	var n int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM deleted_accounts WHERE account_storage_id = $1`, s.ID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
