package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "settings", KeySettings())
	assert.Equal(t, "user:7", KeyUser(7))
	assert.Equal(t, "admin:7", KeyAdmin(7))
	assert.Equal(t, "banned_account:7", KeyBannedAccount(7))
	assert.Equal(t, "main_categories:en", KeyMainCategories("en"))
	assert.Equal(t, "categories_by_parent:3:ru", KeyCategoriesByParent(3, "ru"))
	assert.Equal(t, "category:3:en", KeyCategory(3, "en"))
	assert.Equal(t, "product_accounts_by_category:3", KeyProductAccountsByCategory(3))
	assert.Equal(t, "product_account:9", KeyProductAccount(9))
	assert.Equal(t, "sold_accounts_by_owner_id:7:en", KeySoldAccountsByOwner(7, "en"))
	assert.Equal(t, "sold_account:5:en", KeySoldAccount(5, "en"))
	assert.Equal(t, "product_universal_by_category:3", KeyProductUniversalsByCategory(3))
	assert.Equal(t, "product_universal:9", KeyProductUniversal(9))
	assert.Equal(t, "sold_universal_by_owner_id:7:en", KeySoldUniversalsByOwner(7, "en"))
	assert.Equal(t, "sold_universal:5:en", KeySoldUniversal(5, "en"))
	assert.Equal(t, "promo_code:SAVE10", KeyPromoCode("SAVE10"))
	assert.Equal(t, "voucher:V1", KeyVoucher("V1"))
	assert.Equal(t, "voucher_by_user:7", KeyVoucherByUser(7))
	assert.Equal(t, "type_payments:2", KeyTypePayment(2))
	assert.Equal(t, "all_types_payments", KeyAllTypesPayments())
}

func TestPatterns(t *testing.T) {
	assert.Equal(t, "category:3:*", PatternCategory(3))
	assert.Equal(t, "categories_by_parent:3:*", PatternCategoriesByParent(3))
	assert.Equal(t, "main_categories:*", PatternMainCategories())
	assert.Equal(t, "sold_account:5:*", PatternSoldAccount(5))
	assert.Equal(t, "sold_accounts_by_owner_id:7:*", PatternSoldAccountsByOwner(7))
	assert.Equal(t, "sold_universal:5:*", PatternSoldUniversal(5))
	assert.Equal(t, "sold_universal_by_owner_id:7:*", PatternSoldUniversalsByOwner(7))
}
