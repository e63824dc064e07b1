// Package cache materializes query-shaped projections of the relational
// model into Redis. Keys are structured strings; a write to an entity
// deletes every key that could project it and refills from the
// authoritative store.
package cache

import "fmt"

// Key builders for the read-model taxonomy. Per-language projections fan
// out one key per (entity, lang); pattern helpers cover the fan for
// invalidation.
func KeySettings() string                 { return "settings" }
func KeyUser(uid int64) string            { return fmt.Sprintf("user:%d", uid) }
func KeyAdmin(uid int64) string           { return fmt.Sprintf("admin:%d", uid) }
func KeyBannedAccount(uid int64) string   { return fmt.Sprintf("banned_account:%d", uid) }
func KeyMainCategories(lang string) string {
	return fmt.Sprintf("main_categories:%s", lang)
}
func KeyCategoriesByParent(parent int64, lang string) string {
	return fmt.Sprintf("categories_by_parent:%d:%s", parent, lang)
}
func KeyCategory(cid int64, lang string) string {
	return fmt.Sprintf("category:%d:%s", cid, lang)
}
func KeyProductAccountsByCategory(cid int64) string {
	return fmt.Sprintf("product_accounts_by_category:%d", cid)
}
func KeyProductAccount(aid int64) string { return fmt.Sprintf("product_account:%d", aid) }
func KeySoldAccountsByOwner(uid int64, lang string) string {
	return fmt.Sprintf("sold_accounts_by_owner_id:%d:%s", uid, lang)
}
func KeySoldAccount(said int64, lang string) string {
	return fmt.Sprintf("sold_account:%d:%s", said, lang)
}
func KeyProductUniversalsByCategory(cid int64) string {
	return fmt.Sprintf("product_universal_by_category:%d", cid)
}
func KeyProductUniversal(pid int64) string { return fmt.Sprintf("product_universal:%d", pid) }
func KeySoldUniversalsByOwner(uid int64, lang string) string {
	return fmt.Sprintf("sold_universal_by_owner_id:%d:%s", uid, lang)
}
func KeySoldUniversal(suid int64, lang string) string {
	return fmt.Sprintf("sold_universal:%d:%s", suid, lang)
}
func KeyPromoCode(code string) string    { return fmt.Sprintf("promo_code:%s", code) }
func KeyVoucher(code string) string      { return fmt.Sprintf("voucher:%s", code) }
func KeyVoucherByUser(uid int64) string  { return fmt.Sprintf("voucher_by_user:%d", uid) }
func KeyTypePayment(id int64) string     { return fmt.Sprintf("type_payments:%d", id) }
func KeyAllTypesPayments() string        { return "all_types_payments" }

// Invalidation patterns over per-language fans.
func PatternCategory(cid int64) string     { return fmt.Sprintf("category:%d:*", cid) }
func PatternCategoriesByParent(parent int64) string {
	return fmt.Sprintf("categories_by_parent:%d:*", parent)
}
func PatternMainCategories() string        { return "main_categories:*" }
func PatternSoldAccount(said int64) string { return fmt.Sprintf("sold_account:%d:*", said) }
func PatternSoldAccountsByOwner(uid int64) string {
	return fmt.Sprintf("sold_accounts_by_owner_id:%d:*", uid)
}
func PatternSoldUniversal(suid int64) string {
	return fmt.Sprintf("sold_universal:%d:*", suid)
}
func PatternSoldUniversalsByOwner(uid int64) string {
	return fmt.Sprintf("sold_universal_by_owner_id:%d:*", uid)
}
