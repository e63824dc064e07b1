// Package service implements the purchase state machine: start, verify,
// finalize and the cancel rollback. A purchase either completes fully or
// leaves the system exactly as it was.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"digital-goods-market/internal/config"
	"digital-goods-market/internal/events"
	"digital-goods-market/internal/model"
	"digital-goods-market/internal/repository"
	"digital-goods-market/internal/store"
)

// ContentStore is the slice of the on-disk store the purchase core needs.
// *store.Store satisfies it; tests substitute failing movers.
type ContentStore interface {
	Move(orig, dest string) error
	Copy(src, dstDir, name string) (string, error)
	Remove(rel string) error
	Exists(rel string) bool
	ReadDecrypted(rel string, key []byte) ([]byte, error)
	DecryptFolder(rel string, key []byte) (string, error)
}

// ReadModel is the cache surface the purchase core refreshes. All refresh
// failures are logged, never raised: the database stays authoritative.
type ReadModel interface {
	GetCategory(ctx context.Context, categoryID int64, lang string) (*model.CategoryFull, error)
	RefreshUser(ctx context.Context, userID int64) error
	RefreshCategory(ctx context.Context, categoryID *int64) error
	RefreshProductAccounts(ctx context.Context, categoryID int64) error
	RefreshProductUniversals(ctx context.Context, categoryID int64) error
	RefreshSoldAccounts(ctx context.Context, ownerID int64, soldIDs []int64) error
	RefreshSoldUniversals(ctx context.Context, ownerID int64, soldIDs []int64) error
}

// EventPublisher is the outbound event surface. Publish failures are logged
// and swallowed; a lost event never fails a committed purchase.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Service orchestrates purchases over the repositories, the content store,
// the read-model cache and the event bus.
type Service struct {
	pool       *pgxpool.Pool
	users      *repository.UserRepository
	categories *repository.CategoryRepository
	accounts   *repository.AccountRepository
	universals *repository.UniversalRepository
	purchases  *repository.PurchaseRepository
	store      ContentStore
	cache      ReadModel
	events     EventPublisher
	discounter Discounter
	accVerify  *AccountVerifier
	uniVerify  *UniversalVerifier
	cfg        config.PurchaseConfig
	logger     zerolog.Logger
}

// Deps bundles the service dependencies.
type Deps struct {
	Pool       *pgxpool.Pool
	Users      *repository.UserRepository
	Categories *repository.CategoryRepository
	Accounts   *repository.AccountRepository
	Universals *repository.UniversalRepository
	Purchases  *repository.PurchaseRepository
	Store      ContentStore
	Cache      ReadModel
	Events     EventPublisher
	Discounter Discounter
	AccVerify  *AccountVerifier
	UniVerify  *UniversalVerifier
	Config     config.PurchaseConfig
	Logger     zerolog.Logger
}

// New creates the purchase service.
func New(d Deps) *Service {
	return &Service{
		pool:       d.Pool,
		users:      d.Users,
		categories: d.Categories,
		accounts:   d.Accounts,
		universals: d.Universals,
		purchases:  d.Purchases,
		store:      d.Store,
		cache:      d.Cache,
		events:     d.Events,
		discounter: d.Discounter,
		accVerify:  d.AccVerify,
		uniVerify:  d.UniVerify,
		cfg:        d.Config,
		logger:     d.Logger,
	}
}

// startResult carries everything the later phases need from the start
// transaction.
type startResult struct {
	request       *model.PurchaseRequest
	holder        *model.BalanceHolder
	category      *model.CategoryFull
	translations  []model.CategoryTranslation
	total         int64
	discount      int64
	balanceBefore int64
	balanceAfter  int64
}

// Purchase runs one end-to-end purchase attempt. The boolean reports whether
// the purchase completed. Errors are only returned for failures before any
// state was created: unknown entities, insufficient funds, not enough
// inventory. After the start transaction commits, every failure rolls the
// purchase back through cancel and reports false with a nil error.
func (s *Service) Purchase(ctx context.Context, userID, categoryID int64, quantity int, promoID *int64, lang string) (bool, error) {
	if quantity <= 0 {
		return false, ErrBadQuantity
	}

	cat, err := s.cache.GetCategory(ctx, categoryID, lang)
	if err != nil {
		return false, err
	}
	if !cat.IsProductStorage {
		return false, ErrNotProductCategory
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.IsBanned {
		return false, ErrUserBanned
	}

	switch cat.ProductType {
	case model.ProductAccountType:
		return s.purchaseAccounts(ctx, user, cat, quantity, promoID, lang)
	case model.ProductUniversalType:
		if cat.AllowMultiplePurchase {
			return s.purchaseReusable(ctx, user, cat, quantity, promoID, lang)
		}
		return s.purchaseExclusive(ctx, user, cat, quantity, promoID, lang)
	default:
		return false, fmt.Errorf("unknown product type %q", cat.ProductType)
	}
}

// startTx runs the pre-reservation bookkeeping shared by every flow:
// discount, balance check, request row, balance hold, debit. reserve runs
// inside the same transaction and performs the flow-specific locking.
func (s *Service) startTx(
	ctx context.Context,
	user *model.User,
	cat *model.CategoryFull,
	quantity int,
	promoID *int64,
	reserve func(tx pgx.Tx, requestID int64) error,
) (*startResult, error) {
	res := &startResult{category: cat, balanceBefore: user.Balance}

	translations, err := s.categories.GetTranslations(ctx, cat.ID)
	if err != nil {
		return nil, err
	}
	res.translations = translations

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		total := int64(quantity) * cat.Price
		if promoID != nil {
			discount, err := s.discounter.Discount(ctx, tx, *promoID, total)
			if err != nil {
				return err
			}
			res.discount = discount
			total -= discount
		}
		if total < 0 {
			total = 0
		}
		res.total = total

		if user.Balance < total {
			return &NotEnoughMoneyError{Need: total - user.Balance}
		}

		req, err := s.purchases.CreateRequest(ctx, tx, user.ID, promoID, quantity, total)
		if err != nil {
			return err
		}
		res.request = req

		if err := reserve(tx, req.ID); err != nil {
			return err
		}

		holder, err := s.purchases.CreateHolder(ctx, tx, req.ID, user.ID, total)
		if err != nil {
			return err
		}
		res.holder = holder

		after, err := s.users.DebitBalance(ctx, tx, user.ID, total)
		if err != nil {
			return err
		}
		res.balanceAfter = after.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// refreshAfterStart refreshes the projections the start transaction dirtied.
func (s *Service) refreshAfterStart(ctx context.Context, res *startResult, productType model.ProductType) {
	if err := s.cache.RefreshUser(ctx, res.request.UserID); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
	}
	cid := res.category.ID
	if err := s.cache.RefreshCategory(ctx, &cid); err != nil {
		s.logger.Warn().Err(err).Int64("category_id", cid).Msg("cache refresh failed")
	}
	var err error
	if productType == model.ProductAccountType {
		err = s.cache.RefreshProductAccounts(ctx, cid)
	} else {
		err = s.cache.RefreshProductUniversals(ctx, cid)
	}
	if err != nil {
		s.logger.Warn().Err(err).Int64("category_id", cid).Msg("cache refresh failed")
	}
}

// snapshotFor picks the audit snapshot for the buyer's language, falling back
// to the first translation.
func snapshotFor(res *startResult, lang string) CategorySnapshot {
	for _, t := range res.translations {
		if t.Lang == lang {
			return CategorySnapshot{Name: t.Name, Description: t.Description}
		}
	}
	if len(res.translations) > 0 {
		return CategorySnapshot{Name: res.translations[0].Name, Description: res.translations[0].Description}
	}
	return CategorySnapshot{}
}

// unitPrices splits the discounted total across quantity line items so the
// purchase rows sum exactly to the total. The first item absorbs the
// remainder.
func unitPrices(total int64, quantity int) []int64 {
	unit := total / int64(quantity)
	out := make([]int64, quantity)
	for i := range out {
		out[i] = unit
	}
	out[0] += total - unit*int64(quantity)
	return out
}

// publishCompleted emits the post-completion events. Failures are logged.
func (s *Service) publishCompleted(ctx context.Context, res *startResult, topic string, promoID *int64, productLeft int) {
	if promoID != nil {
		err := s.events.Publish(ctx, events.TopicPromoActivated, events.PromoActivatedPayload{
			PromoCodeID:       *promoID,
			PurchaseRequestID: res.request.ID,
			UserID:            res.request.UserID,
			DiscountAmount:    res.discount,
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("request_id", res.request.ID).Msg("failed to publish promo event")
		}
	}
	err := s.events.Publish(ctx, topic, events.PurchasePayload{
		PurchaseRequestID: res.request.ID,
		UserID:            res.request.UserID,
		CategoryID:        res.category.ID,
		Quantity:          res.request.Quantity,
		TotalAmount:       res.total,
		BalanceBefore:     res.balanceBefore,
		BalanceAfter:      res.balanceAfter,
		ProductLeft:       productLeft,
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("request_id", res.request.ID).Msg("failed to publish purchase event")
	}
}

// fileMove tracks where one item's payload currently sits during finalize, so
// cancel can restore it from any stage.
type fileMove struct {
	orig  string
	temp  string
	final string
	stage int // 0 at orig, 1 at temp, 2 at final
}

const (
	stageOrig = iota
	stageTemp
	stageFinal
)

func (s *Service) restoreMoves(moves map[int64]*fileMove) {
	for id, m := range moves {
		var err error
		switch m.stage {
		case stageTemp:
			err = s.store.Move(m.temp, m.orig)
		case stageFinal:
			err = s.store.Move(m.final, m.orig)
		}
		if err != nil {
			s.logger.Error().Err(err).Int64("storage_id", id).Msg("failed to restore payload during cancel")
			continue
		}
		m.stage = stageOrig
	}
}

// purchaseAccounts is the account flow: reserve, verify with replacement,
// finalize with staged renames.
func (s *Service) purchaseAccounts(ctx context.Context, user *model.User, cat *model.CategoryFull, quantity int, promoID *int64, lang string) (bool, error) {
	var items []*model.AccountStorage
	res, err := s.startTx(ctx, user, cat, quantity, promoID, func(tx pgx.Tx, requestID int64) error {
		var err error
		items, err = s.accounts.SelectForReserve(ctx, tx, cat.ID, quantity)
		if err != nil {
			return err
		}
		ids := make([]int64, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if err := s.accounts.BulkUpdateStatus(ctx, tx, ids, model.StatusReserved); err != nil {
			return err
		}
		return s.purchases.LinkAccounts(ctx, tx, requestID, ids)
	})
	if err != nil {
		return false, err
	}
	s.refreshAfterStart(ctx, res, model.ProductAccountType)

	service := model.ServiceOther
	if cat.AccountServiceType != nil {
		service = *cat.AccountServiceType
	}
	snap := snapshotFor(res, lang)

	// On verification failure the partial valid set still holds reserved
	// rows; cancel puts those back on sale. Retired rows stay deleted.
	items, err = s.accVerify.EnsureValid(ctx, res.request.ID, cat.ID, service, items, snap)
	if err != nil {
		s.logger.Warn().Err(err).Int64("request_id", res.request.ID).Msg("verification failed, cancelling")
		s.cancelAccounts(ctx, res, items, nil)
		return false, nil
	}

	return s.finalizeAccounts(ctx, res, items, service, promoID)
}

// finalizeAccounts commits ownership and moves payloads to their bought
// paths. Any failure after this point cancels the whole purchase.
func (s *Service) finalizeAccounts(ctx context.Context, res *startResult, items []*model.AccountStorage, service model.AccountServiceType, promoID *int64) (bool, error) {
	moves := make(map[int64]*fileMove, len(items))
	for _, it := range items {
		if it.FilePath == nil {
			continue
		}
		final := store.AccountPath(model.StatusBought, service, it.StorageUUID)
		moves[it.ID] = &fileMove{orig: *it.FilePath, temp: final + ".part", final: final}
	}

	for id, m := range moves {
		if err := s.store.Move(m.orig, m.temp); err != nil {
			s.logger.Error().Err(err).Int64("storage_id", id).Msg("failed to stage payload, cancelling")
			s.restoreMoves(moves)
			s.cancelAccounts(ctx, res, items, nil)
			return false, nil
		}
		m.stage = stageTemp
	}

	prices := unitPrices(res.total, res.request.Quantity)
	var soldIDs []int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, it := range items {
			if err := s.accounts.DeleteProduct(ctx, tx, it.ID); err != nil {
				return err
			}
			soldID, err := s.accounts.InsertSold(ctx, tx, res.request.UserID, it.ID, service)
			if err != nil {
				return err
			}
			soldIDs = append(soldIDs, soldID)
			for _, t := range res.translations {
				err := s.accounts.InsertSoldTranslation(ctx, tx, model.SoldAccountTranslation{
					SoldAccountID: soldID,
					Lang:          t.Lang,
					Name:          t.Name,
					Description:   t.Description,
				})
				if err != nil {
					return err
				}
			}
			storageID := it.ID
			_, err = s.purchases.CreatePurchase(ctx, tx, &model.Purchase{
				PurchaseRequestID: res.request.ID,
				UserID:            res.request.UserID,
				ProductType:       model.ProductAccountType,
				AccountStorageID:  &storageID,
				OriginalPrice:     res.category.Price,
				PurchasePrice:     prices[i],
				CostPrice:         res.category.CostPrice,
				NetProfit:         prices[i] - res.category.CostPrice,
			})
			if err != nil {
				return err
			}
			var finalPath *string
			if m, ok := moves[it.ID]; ok {
				finalPath = &m.final
			}
			if err := s.accounts.UpdateStatusPath(ctx, tx, it.ID, model.StatusBought, finalPath); err != nil {
				return err
			}
		}
		if err := s.purchases.MarkRequest(ctx, tx, res.request.ID, model.RequestCompleted); err != nil {
			return err
		}
		return s.purchases.MarkHolder(ctx, tx, res.request.ID, model.HolderUsed)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("request_id", res.request.ID).Msg("finalize failed, cancelling")
		s.restoreMoves(moves)
		s.cancelAccounts(ctx, res, items, nil)
		return false, nil
	}

	for id, m := range moves {
		if err := s.store.Move(m.temp, m.final); err != nil {
			s.logger.Error().Err(err).Int64("storage_id", id).Msg("failed to publish payload, cancelling")
			s.restoreMoves(moves)
			s.cancelAccounts(ctx, res, items, soldIDs)
			return false, nil
		}
		m.stage = stageFinal
	}

	s.refreshAfterStart(ctx, res, model.ProductAccountType)
	if err := s.cache.RefreshSoldAccounts(ctx, res.request.UserID, soldIDs); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
	}

	left, err := s.categories.CountForSale(ctx, res.category.ID, model.ProductAccountType)
	if err != nil {
		s.logger.Warn().Err(err).Int64("category_id", res.category.ID).Msg("failed to count remaining inventory")
	}
	s.publishCompleted(ctx, res, events.TopicPurchaseAccount, promoID, left)

	s.logger.Info().
		Int64("request_id", res.request.ID).
		Int64("user_id", res.request.UserID).
		Int("quantity", res.request.Quantity).
		Int64("total", res.total).
		Msg("purchase completed")
	return true, nil
}

// cancelAccounts rolls a started account purchase back: payloads return to
// their original paths, the hold is released, the balance is restored and the
// items go back on sale. Cancel never raises; failures are logged.
func (s *Service) cancelAccounts(ctx context.Context, res *startResult, items []*model.AccountStorage, soldIDs []int64) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.users.CreditBalance(ctx, tx, res.request.UserID, res.total); err != nil {
			return err
		}
		purchases, err := s.purchases.ListPurchasesByRequest(ctx, res.request.ID)
		if err != nil {
			return err
		}
		pids := make([]int64, 0, len(purchases))
		for _, p := range purchases {
			pids = append(pids, p.ID)
		}
		if err := s.purchases.DeletePurchases(ctx, tx, pids); err != nil {
			return err
		}
		if err := s.accounts.DeleteSold(ctx, tx, soldIDs); err != nil {
			return err
		}
		for _, it := range items {
			path := it.FilePath
			if path != nil {
				p := store.AccountPath(model.StatusForSale, it.ServiceType, it.StorageUUID)
				path = &p
			}
			if err := s.accounts.UpdateStatusPath(ctx, tx, it.ID, model.StatusForSale, path); err != nil {
				return err
			}
			if err := s.accounts.InsertProduct(ctx, tx, res.category.ID, it.ID); err != nil {
				return err
			}
		}
		if res.request.PromoCodeID != nil {
			if err := s.discounter.Release(ctx, tx, *res.request.PromoCodeID); err != nil {
				return err
			}
		}
		if err := s.purchases.MarkRequest(ctx, tx, res.request.ID, model.RequestFailed); err != nil {
			return err
		}
		return s.purchases.MarkHolder(ctx, tx, res.request.ID, model.HolderReleased)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("request_id", res.request.ID).Msg("cancel transaction failed")
		return
	}

	s.refreshAfterStart(ctx, res, model.ProductAccountType)
	if len(soldIDs) > 0 {
		if err := s.cache.RefreshSoldAccounts(ctx, res.request.UserID, soldIDs); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
		}
	}
	s.logger.Info().Int64("request_id", res.request.ID).Msg("purchase cancelled")
}

// IsNotEnoughMoney reports whether err is a NotEnoughMoneyError and returns
// the shortfall.
func IsNotEnoughMoney(err error) (int64, bool) {
	var e *NotEnoughMoneyError
	if errors.As(err, &e) {
		return e.Need, true
	}
	return 0, false
}
