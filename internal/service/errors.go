package service

import (
	"errors"
	"fmt"
)

// Errors the purchase entry point can return before any state is created.
var (
	// ErrNotProductCategory means the category holds subcategories, not goods.
	ErrNotProductCategory = errors.New("category does not store products")
	// ErrUserBanned rejects purchases from banned accounts.
	ErrUserBanned = errors.New("user is banned")
	// ErrPromoUnavailable means the promo code is inactive, expired or used up.
	ErrPromoUnavailable = errors.New("promo code unavailable")
	// ErrBadQuantity rejects non-positive quantities.
	ErrBadQuantity = errors.New("quantity must be positive")
)

// ErrNoReplacements aborts verification when the replacement loop runs out of
// candidates or attempts. The purchase cancels instead of failing loudly.
var ErrNoReplacements = errors.New("no valid replacements available")

// NotEnoughMoneyError reports how much balance the user is short of.
type NotEnoughMoneyError struct {
	Need int64
}

func (e *NotEnoughMoneyError) Error() string {
	return fmt.Sprintf("not enough money: need %d more", e.Need)
}
