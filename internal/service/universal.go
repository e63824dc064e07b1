package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"digital-goods-market/internal/events"
	"digital-goods-market/internal/model"
	"digital-goods-market/internal/store"
)

// purchaseReusable is the reusable universal flow: the source row is never
// locked or mutated; each purchased unit becomes an independent bought clone
// with its own copy of the payload.
func (s *Service) purchaseReusable(ctx context.Context, user *model.User, cat *model.CategoryFull, quantity int, promoID *int64, lang string) (bool, error) {
	source, err := s.universals.SourceForCategory(ctx, cat.ID)
	if err != nil {
		return false, err
	}

	res, err := s.startTx(ctx, user, cat, quantity, promoID, func(tx pgx.Tx, requestID int64) error {
		// Nothing to reserve: the source stays for_sale throughout.
		return nil
	})
	if err != nil {
		return false, err
	}
	s.refreshAfterStart(ctx, res, model.ProductUniversalType)

	snap := snapshotFor(res, lang)
	if ok, reason := s.uniVerify.ProbeOne(ctx, source); !ok {
		if err := s.uniVerify.Retire(ctx, source, reason, snap); err != nil {
			s.logger.Error().Err(err).Int64("storage_id", source.ID).Msg("failed to retire invalid source")
		}
		s.logger.Warn().
			Int64("request_id", res.request.ID).
			Int64("storage_id", source.ID).
			Str("reason", reason).
			Msg("reusable source invalid, cancelling")
		s.cancelUniversals(ctx, res, nil, nil)
		return false, nil
	}

	// Copy the payload once per unit before touching the database, so a copy
	// failure leaves nothing to unwind but files.
	type clonePlan struct {
		uuid string
		path string
	}
	plans := make([]clonePlan, 0, quantity)
	undoFiles := func() {
		for _, p := range plans {
			if err := s.store.Remove(p.path); err != nil {
				s.logger.Error().Err(err).Str("path", p.path).Msg("failed to remove clone payload")
			}
		}
	}
	for i := 0; i < quantity; i++ {
		id := uuid.NewString()
		plan := clonePlan{uuid: id}
		if source.FilePath != nil {
			rel, err := s.store.Copy(*source.FilePath, store.UniversalDir(model.StatusBought, id), store.UniversalFileName)
			if err != nil {
				s.logger.Error().Err(err).Int64("request_id", res.request.ID).Msg("failed to copy payload, cancelling")
				undoFiles()
				s.cancelUniversals(ctx, res, nil, nil)
				return false, nil
			}
			plan.path = rel
		}
		plans = append(plans, plan)
	}

	prices := unitPrices(res.total, quantity)
	var soldIDs, cloneIDs []int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, plan := range plans {
			clone, err := s.universals.CloneStorage(ctx, tx, source, plan.uuid, plan.path)
			if err != nil {
				return err
			}
			cloneIDs = append(cloneIDs, clone.ID)
			soldID, err := s.universals.InsertSold(ctx, tx, res.request.UserID, clone.ID)
			if err != nil {
				return err
			}
			soldIDs = append(soldIDs, soldID)
			storageID := clone.ID
			_, err = s.purchases.CreatePurchase(ctx, tx, &model.Purchase{
				PurchaseRequestID:  res.request.ID,
				UserID:             res.request.UserID,
				ProductType:        model.ProductUniversalType,
				UniversalStorageID: &storageID,
				OriginalPrice:      res.category.Price,
				PurchasePrice:      prices[i],
				CostPrice:          res.category.CostPrice,
				NetProfit:          prices[i] - res.category.CostPrice,
			})
			if err != nil {
				return err
			}
		}
		if err := s.purchases.LinkUniversals(ctx, tx, res.request.ID, cloneIDs); err != nil {
			return err
		}
		if err := s.purchases.MarkRequest(ctx, tx, res.request.ID, model.RequestCompleted); err != nil {
			return err
		}
		return s.purchases.MarkHolder(ctx, tx, res.request.ID, model.HolderUsed)
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("request_id", res.request.ID).Msg("reusable finalize failed, cancelling")
		undoFiles()
		s.cancelUniversals(ctx, res, nil, nil)
		return false, nil
	}

	s.refreshAfterStart(ctx, res, model.ProductUniversalType)
	if err := s.cache.RefreshSoldUniversals(ctx, res.request.UserID, soldIDs); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
	}

	left, err := s.categories.CountForSale(ctx, res.category.ID, model.ProductUniversalType)
	if err != nil {
		s.logger.Warn().Err(err).Int64("category_id", res.category.ID).Msg("failed to count remaining inventory")
	}
	s.publishCompleted(ctx, res, events.TopicPurchaseUniversal, promoID, left)

	s.logger.Info().
		Int64("request_id", res.request.ID).
		Int64("user_id", res.request.UserID).
		Int("quantity", res.request.Quantity).
		Int64("total", res.total).
		Msg("reusable purchase completed")
	return true, nil
}

// purchaseExclusive is the exclusive universal flow, mirroring the account
// flow without the service dimension.
func (s *Service) purchaseExclusive(ctx context.Context, user *model.User, cat *model.CategoryFull, quantity int, promoID *int64, lang string) (bool, error) {
	var items []*model.UniversalStorage
	res, err := s.startTx(ctx, user, cat, quantity, promoID, func(tx pgx.Tx, requestID int64) error {
		var err error
		items, err = s.universals.SelectForReserve(ctx, tx, cat.ID, quantity)
		if err != nil {
			return err
		}
		ids := make([]int64, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}
		if err := s.universals.BulkUpdateStatus(ctx, tx, ids, model.StatusReserved); err != nil {
			return err
		}
		return s.purchases.LinkUniversals(ctx, tx, requestID, ids)
	})
	if err != nil {
		return false, err
	}
	s.refreshAfterStart(ctx, res, model.ProductUniversalType)

	snap := snapshotFor(res, lang)
	items, err = s.uniVerify.EnsureValid(ctx, res.request.ID, cat.ID, items, snap)
	if err != nil {
		s.logger.Warn().Err(err).Int64("request_id", res.request.ID).Msg("verification failed, cancelling")
		s.cancelUniversals(ctx, res, items, nil)
		return false, nil
	}

	return s.finalizeExclusive(ctx, res, items, promoID)
}

func (s *Service) finalizeExclusive(ctx context.Context, res *startResult, items []*model.UniversalStorage, promoID *int64) (bool, error) {
	moves := make(map[int64]*fileMove, len(items))
	for _, it := range items {
		if it.FilePath == nil {
			continue
		}
		final := store.UniversalPath(model.StatusBought, it.StorageUUID)
		moves[it.ID] = &fileMove{orig: *it.FilePath, temp: final + ".part", final: final}
	}

	for id, m := range moves {
		if err := s.store.Move(m.orig, m.temp); err != nil {
			s.logger.Error().Err(err).Int64("storage_id", id).Msg("failed to stage payload, cancelling")
			s.restoreMoves(moves)
			s.cancelUniversals(ctx, res, items, nil)
			return false, nil
		}
		m.stage = stageTemp
	}

	prices := unitPrices(res.total, res.request.Quantity)
	var soldIDs []int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, it := range items {
			if err := s.universals.DeleteProduct(ctx, tx, it.ID); err != nil {
				return err
			}
			soldID, err := s.universals.InsertSold(ctx, tx, res.request.UserID, it.ID)
			if err != nil {
				return err
			}
			soldIDs = append(soldIDs, soldID)
			storageID := it.ID
			_, err = s.purchases.CreatePurchase(ctx, tx, &model.Purchase{
				PurchaseRequestID:  res.request.ID,
				UserID:             res.request.UserID,
				ProductType:        model.ProductUniversalType,
				UniversalStorageID: &storageID,
				OriginalPrice:      res.category.Price,
				PurchasePrice:      prices[i],
				CostPrice:          res.category.CostPrice,
				NetProfit:          prices[i] - res.category.CostPrice,
			})
			if err != nil {
				return err
			}
			var finalPath *string
			if m, ok := moves[it.ID]; ok {
				finalPath = &m.final
			}
			if err := s.universals.UpdateStatusPath(ctx, tx, it.ID, model.StatusBought, finalPath); err != nil {
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
		s.cancelUniversals(ctx, res, items, nil)
		return false, nil
	}

	for id, m := range moves {
		if err := s.store.Move(m.temp, m.final); err != nil {
			s.logger.Error().Err(err).Int64("storage_id", id).Msg("failed to publish payload, cancelling")
			s.restoreMoves(moves)
			s.cancelUniversals(ctx, res, items, soldIDs)
			return false, nil
		}
		m.stage = stageFinal
	}

	s.refreshAfterStart(ctx, res, model.ProductUniversalType)
	if err := s.cache.RefreshSoldUniversals(ctx, res.request.UserID, soldIDs); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
	}

	left, err := s.categories.CountForSale(ctx, res.category.ID, model.ProductUniversalType)
	if err != nil {
		s.logger.Warn().Err(err).Int64("category_id", res.category.ID).Msg("failed to count remaining inventory")
	}
	s.publishCompleted(ctx, res, events.TopicPurchaseUniversal, promoID, left)

	s.logger.Info().
		Int64("request_id", res.request.ID).
		Int64("user_id", res.request.UserID).
		Int("quantity", res.request.Quantity).
		Int64("total", res.total).
		Msg("purchase completed")
	return true, nil
}

// cancelUniversals rolls a started universal purchase back. For the reusable
// flow items is nil: clones and their sold rows are found through the request
// links and hard-deleted, the source having never changed.
func (s *Service) cancelUniversals(ctx context.Context, res *startResult, items []*model.UniversalStorage, soldIDs []int64) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.users.CreditBalance(ctx, tx, res.request.UserID, res.total); err != nil {
			return err
		}
		purchases, err := s.purchases.ListPurchasesByRequest(ctx, res.request.ID)
		if err != nil {
			return err
		}
		pids := make([]int64, 0, len(purchases))
		cloneIDs := make([]int64, 0, len(purchases))
		for _, p := range purchases {
			pids = append(pids, p.ID)
			if items == nil && p.UniversalStorageID != nil {
				cloneIDs = append(cloneIDs, *p.UniversalStorageID)
			}
		}
		if err := s.purchases.DeletePurchases(ctx, tx, pids); err != nil {
			return err
		}
		if err := s.universals.DeleteSold(ctx, tx, soldIDs); err != nil {
			return err
		}
		if items == nil {
			if err := s.universals.DeleteStorages(ctx, tx, cloneIDs); err != nil {
				return err
			}
		}
		for _, it := range items {
			path := it.FilePath
			if path != nil {
				p := store.UniversalPath(model.StatusForSale, it.StorageUUID)
				path = &p
			}
			if err := s.universals.UpdateStatusPath(ctx, tx, it.ID, model.StatusForSale, path); err != nil {
				return err
			}
			if err := s.universals.InsertProduct(ctx, tx, res.category.ID, it.ID); err != nil {
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

	s.refreshAfterStart(ctx, res, model.ProductUniversalType)
	if len(soldIDs) > 0 {
		if err := s.cache.RefreshSoldUniversals(ctx, res.request.UserID, soldIDs); err != nil {
			s.logger.Warn().Err(err).Int64("user_id", res.request.UserID).Msg("cache refresh failed")
		}
	}
	s.logger.Info().Int64("request_id", res.request.ID).Msg("purchase cancelled")
}
