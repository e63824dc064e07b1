package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"digital-goods-market/internal/model"
	"digital-goods-market/internal/repository"
)

// Refresher rebuilds cache projections from the authoritative store.
// Invalidation always runs first, then the refill enumerates every language
// the entity has a translation for and writes one key per (entity, lang).
// Refills are idempotent: running one twice yields the same cache state.
type Refresher struct {
	cache      *Cache
	users      *repository.UserRepository
	categories *repository.CategoryRepository
	accounts   *repository.AccountRepository
	universals *repository.UniversalRepository
	logger     zerolog.Logger
}

// NewRefresher wires a Refresher over the repositories.
func NewRefresher(
	cache *Cache,
	users *repository.UserRepository,
	categories *repository.CategoryRepository,
	accounts *repository.AccountRepository,
	universals *repository.UniversalRepository,
	logger zerolog.Logger,
) *Refresher {
	return &Refresher{
		cache:      cache,
		users:      users,
		categories: categories,
		accounts:   accounts,
		universals: universals,
		logger:     logger,
	}
}

// RefreshUser invalidates and refills one user projection.
func (r *Refresher) RefreshUser(ctx context.Context, userID int64) error {
	if err := r.cache.Delete(ctx, KeyUser(userID)); err != nil {
		return err
	}
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	return r.cache.SetJSON(ctx, KeyUser(userID), u, r.cache.UserTTL())
}

// categoryFull assembles the projection of one category for one language.
func (r *Refresher) categoryFull(ctx context.Context, c *model.Category, t model.CategoryTranslation) (*model.CategoryFull, error) {
	qty := 0
	if c.IsProductStorage {
		n, err := r.categories.CountForSale(ctx, c.ID, c.ProductType)
		if err != nil {
			return nil, err
		}
		qty = n
	}
	return &model.CategoryFull{
		Category:        *c,
		Name:            t.Name,
		Description:     t.Description,
		Lang:            t.Lang,
		QuantityProduct: qty,
	}, nil
}

// RefreshCategory is the category-invalidation macro: it drops the main
// lists, the parent lists touching the category's parent, and the
// per-category keys, then refills each for every translated language.
// A nil categoryID refreshes only the main lists.
func (r *Refresher) RefreshCategory(ctx context.Context, categoryID *int64) error {
	if err := r.cache.DeletePattern(ctx, PatternMainCategories()); err != nil {
		return err
	}

	langs, err := r.users.Languages(ctx)
	if err != nil {
		return err
	}

	if categoryID != nil {
		c, err := r.categories.GetByID(ctx, *categoryID)
		if err != nil {
			return err
		}
		if err := r.cache.DeletePattern(ctx, PatternCategory(c.ID)); err != nil {
			return err
		}
		if c.ParentID != nil {
			if err := r.cache.DeletePattern(ctx, PatternCategoriesByParent(*c.ParentID)); err != nil {
				return err
			}
		}

		trs, err := r.categories.GetTranslations(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, t := range trs {
			full, err := r.categoryFull(ctx, c, t)
			if err != nil {
				return err
			}
			if err := r.cache.SetJSON(ctx, KeyCategory(c.ID, t.Lang), full, 0); err != nil {
				return err
			}
		}
		if c.ParentID != nil {
			for _, lang := range langs {
				if err := r.refillCategoryList(ctx, KeyCategoriesByParent(*c.ParentID, lang), lang, c.ParentID); err != nil {
					return err
				}
			}
		}
	}

	for _, lang := range langs {
		if err := r.refillCategoryList(ctx, KeyMainCategories(lang), lang, nil); err != nil {
			return err
		}
	}
	return nil
}

// refillCategoryList writes one ordered CategoryFull list key.
func (r *Refresher) refillCategoryList(ctx context.Context, key, lang string, parentID *int64) error {
	var cats []*model.Category
	var err error
	if parentID == nil {
		cats, err = r.categories.GetMain(ctx)
	} else {
		cats, err = r.categories.GetByParent(ctx, *parentID)
	}
	if err != nil {
		return err
	}

	list := make([]*model.CategoryFull, 0, len(cats))
	for _, c := range cats {
		trs, err := r.categories.GetTranslations(ctx, c.ID)
		if err != nil {
			return err
		}
		var tr model.CategoryTranslation
		for _, t := range trs {
			if t.Lang == lang {
				tr = t
				break
			}
		}
		if tr.Lang == "" && len(trs) > 0 {
			tr = trs[0]
		}
		full, err := r.categoryFull(ctx, c, tr)
		if err != nil {
			return err
		}
		list = append(list, full)
	}
	return r.cache.SetJSON(ctx, key, list, 0)
}

// GetCategory is the read-through accessor: cache hit wins, a miss is
// answered from the store and the key refilled.
func (r *Refresher) GetCategory(ctx context.Context, categoryID int64, lang string) (*model.CategoryFull, error) {
	var full model.CategoryFull
	err := r.cache.GetJSON(ctx, KeyCategory(categoryID, lang), &full)
	if err == nil {
		return &full, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.logger.Warn().Err(err).Int64("category_id", categoryID).Msg("cache read failed, falling through")
	}

	c, err := r.categories.GetByID(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	trs, err := r.categories.GetTranslations(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	var tr model.CategoryTranslation
	for _, t := range trs {
		if t.Lang == lang {
			tr = t
			break
		}
	}
	if tr.Lang == "" && len(trs) > 0 {
		tr = trs[0]
	}
	out, err := r.categoryFull(ctx, c, tr)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetJSON(ctx, KeyCategory(categoryID, lang), out, 0); err != nil {
		r.logger.Warn().Err(err).Int64("category_id", categoryID).Msg("cache refill failed")
	}
	return out, nil
}

// RefreshProductAccounts rebuilds the inventory list of a category and every
// per-product key in it.
func (r *Refresher) RefreshProductAccounts(ctx context.Context, categoryID int64) error {
	if err := r.cache.Delete(ctx, KeyProductAccountsByCategory(categoryID)); err != nil {
		return err
	}
	items, err := r.accounts.ListProductsByCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if err := r.cache.SetJSON(ctx, KeyProductAccountsByCategory(categoryID), items, 0); err != nil {
		return err
	}
	for _, it := range items {
		if err := r.cache.SetJSON(ctx, KeyProductAccount(it.ID), it, 0); err != nil {
			return err
		}
	}
	return nil
}

// RefreshProductUniversals rebuilds the universal inventory projections of a
// category.
func (r *Refresher) RefreshProductUniversals(ctx context.Context, categoryID int64) error {
	if err := r.cache.Delete(ctx, KeyProductUniversalsByCategory(categoryID)); err != nil {
		return err
	}
	items, err := r.universals.ListProductsByCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if err := r.cache.SetJSON(ctx, KeyProductUniversalsByCategory(categoryID), items, 0); err != nil {
		return err
	}
	for _, it := range items {
		if err := r.cache.SetJSON(ctx, KeyProductUniversal(it.ID), it, 0); err != nil {
			return err
		}
	}
	return nil
}

// RefreshSoldAccounts rebuilds the owner's sold-account projections: the
// per-owner list and every sold item's key, one key per language.
func (r *Refresher) RefreshSoldAccounts(ctx context.Context, ownerID int64, soldIDs []int64) error {
	if err := r.cache.DeletePattern(ctx, PatternSoldAccountsByOwner(ownerID)); err != nil {
		return err
	}
	for _, id := range soldIDs {
		if err := r.cache.DeletePattern(ctx, PatternSoldAccount(id)); err != nil {
			return err
		}
	}

	langs, err := r.users.Languages(ctx)
	if err != nil {
		return err
	}
	for _, lang := range langs {
		list, err := r.accounts.ListSoldByOwner(ctx, ownerID, lang)
		if err != nil {
			return err
		}
		if err := r.cache.SetJSON(ctx, KeySoldAccountsByOwner(ownerID, lang), list, r.cache.SoldTTL()); err != nil {
			return err
		}
		for _, sa := range list {
			if err := r.cache.SetJSON(ctx, KeySoldAccount(sa.ID, lang), sa, r.cache.SoldTTL()); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefreshSoldUniversals rebuilds the owner's sold-universal projections.
func (r *Refresher) RefreshSoldUniversals(ctx context.Context, ownerID int64, soldIDs []int64) error {
	if err := r.cache.DeletePattern(ctx, PatternSoldUniversalsByOwner(ownerID)); err != nil {
		return err
	}
	for _, id := range soldIDs {
		if err := r.cache.DeletePattern(ctx, PatternSoldUniversal(id)); err != nil {
			return err
		}
	}

	langs, err := r.users.Languages(ctx)
	if err != nil {
		return err
	}
	list, err := r.universals.ListSoldByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	for _, lang := range langs {
		if err := r.cache.SetJSON(ctx, KeySoldUniversalsByOwner(ownerID, lang), list, r.cache.SoldTTL()); err != nil {
			return err
		}
		for _, su := range list {
			if err := r.cache.SetJSON(ctx, KeySoldUniversal(su.ID, lang), su, r.cache.SoldTTL()); err != nil {
				return err
			}
		}
	}
	return nil
}
