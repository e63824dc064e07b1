package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"digital-goods-market/internal/config"
	"digital-goods-market/internal/model"
	"digital-goods-market/internal/pkg/crypto"
	"digital-goods-market/internal/repository"
	"digital-goods-market/internal/store"
)

// AccountProber decides whether a decrypted account payload is sellable.
// dir is a temporary directory holding the decrypted session files; it is
// removed after the probe returns. dir is empty for credential-only products.
type AccountProber interface {
	VerifyAccount(ctx context.Context, s *model.AccountStorage, dir string) (bool, error)
}

// UniversalProber decides whether a decrypted universal payload is sellable.
// path points at the decrypted file; empty when the row carries no file.
type UniversalProber interface {
	VerifyUniversal(ctx context.Context, s *model.UniversalStorage, path string) (bool, error)
}

// PayloadProber is the default prober: a payload passes when its decrypted
// form is non-empty. External liveness checks plug in through the interfaces.
type PayloadProber struct{}

func (PayloadProber) VerifyAccount(_ context.Context, _ *model.AccountStorage, dir string) (bool, error) {
	if dir == "" {
		return true, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (PayloadProber) VerifyUniversal(_ context.Context, _ *model.UniversalStorage, path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

// CategorySnapshot carries the display text written into audit records when
// verification retires an item.
type CategorySnapshot struct {
	Name        string
	Description string
}

// AccountVerifier probes reserved account items and replaces invalid ones
// from fresh inventory of the same category and service.
type AccountVerifier struct {
	pool      *pgxpool.Pool
	accounts  *repository.AccountRepository
	purchases *repository.PurchaseRepository
	audit     *repository.AuditRepository
	store     ContentStore
	prober    AccountProber
	kek       []byte
	cfg       config.PurchaseConfig
	logger    zerolog.Logger
}

// NewAccountVerifier wires an AccountVerifier.
func NewAccountVerifier(
	pool *pgxpool.Pool,
	accounts *repository.AccountRepository,
	purchases *repository.PurchaseRepository,
	audit *repository.AuditRepository,
	cs ContentStore,
	prober AccountProber,
	kek []byte,
	cfg config.PurchaseConfig,
	logger zerolog.Logger,
) *AccountVerifier {
	return &AccountVerifier{
		pool:      pool,
		accounts:  accounts,
		purchases: purchases,
		audit:     audit,
		store:     cs,
		prober:    prober,
		kek:       kek,
		cfg:       cfg,
		logger:    logger,
	}
}

type probeResult struct {
	item   *model.AccountStorage
	valid  bool
	reason string
}

// probe checks a batch concurrently, bounded by the configured parallelism.
// A probe failure of any kind marks the item invalid; errors never abort the
// batch.
func (v *AccountVerifier) probe(ctx context.Context, items []*model.AccountStorage) (valid, invalid []*model.AccountStorage, reasons map[int64]string) {
	sem := semaphore.NewWeighted(int64(v.cfg.AccountProbeParallelism))
	results := make([]probeResult, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = probeResult{item: item, valid: false, reason: "probe cancelled"}
			continue
		}
		wg.Add(1)
		go func(i int, item *model.AccountStorage) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = v.probeOne(ctx, item)
		}(i, item)
	}
	wg.Wait()

	reasons = make(map[int64]string)
	for _, r := range results {
		if r.item == nil {
			continue
		}
		if r.valid {
			valid = append(valid, r.item)
		} else {
			invalid = append(invalid, r.item)
			reasons[r.item.ID] = r.reason
		}
	}
	return valid, invalid, reasons
}

func (v *AccountVerifier) probeOne(ctx context.Context, item *model.AccountStorage) probeResult {
	dek, err := crypto.UnwrapDEK(item.WrappedKey, item.KeyNonce, v.kek)
	if err != nil {
		return probeResult{item: item, valid: false, reason: "key unwrap failed"}
	}

	dir := ""
	if item.FilePath != nil {
		dir, err = v.store.DecryptFolder(*item.FilePath, dek)
		if err != nil {
			return probeResult{item: item, valid: false, reason: "payload decrypt failed"}
		}
		defer os.RemoveAll(dir)
	}

	ok, err := v.prober.VerifyAccount(ctx, item, dir)
	if err != nil {
		v.logger.Warn().Err(err).Int64("storage_id", item.ID).Msg("account probe error")
		return probeResult{item: item, valid: false, reason: "probe error: " + err.Error()}
	}
	if !ok {
		return probeResult{item: item, valid: false, reason: "probe rejected"}
	}
	return probeResult{item: item, valid: true}
}

// retire kills an invalid item: the payload moves to the deleted directory,
// the row is retired, the on-sale marker is removed and an audit record is
// written. One transaction per item.
func (v *AccountVerifier) retire(ctx context.Context, item *model.AccountStorage, reason string, snap CategorySnapshot) error {
	var newPath *string
	if item.FilePath != nil {
		dest := store.AccountPath(model.StatusDeleted, item.ServiceType, item.StorageUUID)
		if err := v.store.Move(*item.FilePath, dest); err != nil {
			return fmt.Errorf("failed to move retired account payload: %w", err)
		}
		newPath = &dest
	}

	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		if err := v.accounts.MarkDeleted(ctx, tx, item.ID, newPath); err != nil {
			return err
		}
		if err := v.accounts.DeleteProduct(ctx, tx, item.ID); err != nil {
			return err
		}
		return v.audit.InsertDeletedAccount(ctx, tx, model.DeletedAccount{
			AccountStorageID: item.ID,
			CategoryName:     snap.Name,
			CategoryDesc:     snap.Description,
			Reason:           reason,
		})
	})
}

// EnsureValid probes the reserved items of a request and swaps every invalid
// one for a fresh candidate of the same category and service. Returns the
// final reserved set, same size as the input, or ErrNoReplacements when
// inventory or attempts run out.
func (v *AccountVerifier) EnsureValid(
	ctx context.Context,
	requestID, categoryID int64,
	service model.AccountServiceType,
	items []*model.AccountStorage,
	snap CategorySnapshot,
) ([]*model.AccountStorage, error) {
	valid, invalid, reasons := v.probe(ctx, items)
	for _, item := range invalid {
		if err := v.retire(ctx, item, reasons[item.ID], snap); err != nil {
			return valid, err
		}
		v.logger.Info().
			Int64("request_id", requestID).
			Int64("storage_id", item.ID).
			Str("reason", reasons[item.ID]).
			Msg("retired invalid account")
	}

	// badLinks holds the reservation links currently pointing at retired
	// items, in the order they must be repointed.
	badLinks := make([]int64, 0, len(invalid))
	for _, item := range invalid {
		badLinks = append(badLinks, item.ID)
	}

	for attempt := 0; len(badLinks) > 0 && attempt < v.cfg.MaxReplacementAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(v.cfg.ReplacementRetryDelay):
			case <-ctx.Done():
				return valid, ctx.Err()
			}
		}

		batch := v.cfg.ReplacementQueryLimit
		if len(badLinks) > batch {
			batch = len(badLinks)
		}

		// The whole batch is reserved before probing. Links are only
		// repointed afterwards, to candidates that actually passed; surplus
		// valid candidates go straight back on sale.
		var taken []*model.AccountStorage
		err := pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
			candidates, err := v.accounts.SelectReplacementCandidates(ctx, tx, categoryID, service, batch)
			if err != nil {
				return err
			}
			taken = candidates
			if len(taken) == 0 {
				return nil
			}
			ids := make([]int64, len(taken))
			for i, c := range taken {
				ids[i] = c.ID
			}
			return v.accounts.BulkUpdateStatus(ctx, tx, ids, model.StatusReserved)
		})
		if err != nil {
			return valid, err
		}
		if len(taken) == 0 {
			break
		}

		okItems, badItems, newReasons := v.probe(ctx, taken)
		for _, item := range badItems {
			if err := v.retire(ctx, item, newReasons[item.ID], snap); err != nil {
				return valid, err
			}
			v.logger.Info().
				Int64("request_id", requestID).
				Int64("storage_id", item.ID).
				Str("reason", newReasons[item.ID]).
				Msg("retired invalid replacement")
		}

		use := len(okItems)
		if use > len(badLinks) {
			use = len(badLinks)
		}
		err = pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
			for i := 0; i < use; i++ {
				if err := v.purchases.ReplaceAccountLink(ctx, tx, requestID, badLinks[i], okItems[i].ID); err != nil {
					return err
				}
			}
			if use < len(okItems) {
				surplus := make([]int64, 0, len(okItems)-use)
				for _, c := range okItems[use:] {
					surplus = append(surplus, c.ID)
				}
				return v.accounts.BulkUpdateStatus(ctx, tx, surplus, model.StatusForSale)
			}
			return nil
		})
		if err != nil {
			return valid, err
		}
		valid = append(valid, okItems[:use]...)
		badLinks = badLinks[use:]
	}

	if len(badLinks) > 0 {
		return valid, fmt.Errorf("%w: request %d still short %d items", ErrNoReplacements, requestID, len(badLinks))
	}
	return valid, nil
}

// UniversalVerifier probes reserved universal items and replaces invalid
// ones. Same discipline as AccountVerifier without the service dimension.
type UniversalVerifier struct {
	pool       *pgxpool.Pool
	universals *repository.UniversalRepository
	purchases  *repository.PurchaseRepository
	audit      *repository.AuditRepository
	store      ContentStore
	prober     UniversalProber
	kek        []byte
	cfg        config.PurchaseConfig
	logger     zerolog.Logger
}

// NewUniversalVerifier wires a UniversalVerifier.
func NewUniversalVerifier(
	pool *pgxpool.Pool,
	universals *repository.UniversalRepository,
	purchases *repository.PurchaseRepository,
	audit *repository.AuditRepository,
	cs ContentStore,
	prober UniversalProber,
	kek []byte,
	cfg config.PurchaseConfig,
	logger zerolog.Logger,
) *UniversalVerifier {
	return &UniversalVerifier{
		pool:       pool,
		universals: universals,
		purchases:  purchases,
		audit:      audit,
		store:      cs,
		prober:     prober,
		kek:        kek,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProbeOne checks a single universal row. The reusable purchase flow probes
// its source once through this before cloning.
func (v *UniversalVerifier) ProbeOne(ctx context.Context, item *model.UniversalStorage) (bool, string) {
	dek, err := crypto.UnwrapDEK(item.WrappedKey, item.KeyNonce, v.kek)
	if err != nil {
		return false, "key unwrap failed"
	}

	if item.EncryptedTgFileID != nil {
		if _, err := crypto.DecryptText(*item.EncryptedTgFileID, dek); err != nil {
			return false, "file id decrypt failed"
		}
	}

	trs, err := v.universals.GetTranslations(ctx, item.ID)
	if err != nil {
		return false, "probe error: " + err.Error()
	}
	for _, tr := range trs {
		if tr.EncryptedDescription == nil {
			continue
		}
		if _, err := crypto.DecryptText(*tr.EncryptedDescription, dek); err != nil {
			return false, "description decrypt failed"
		}
	}

	path := ""
	if item.FilePath != nil {
		plain, err := v.store.ReadDecrypted(*item.FilePath, dek)
		if err != nil {
			return false, "payload decrypt failed"
		}
		tmp, err := os.CreateTemp("", "universal-*")
		if err != nil {
			return false, "probe error: " + err.Error()
		}
		path = tmp.Name()
		defer os.Remove(path)
		if _, err := tmp.Write(plain); err != nil {
			tmp.Close()
			return false, "probe error: " + err.Error()
		}
		tmp.Close()
	}

	ok, err := v.prober.VerifyUniversal(ctx, item, path)
	if err != nil {
		v.logger.Warn().Err(err).Int64("storage_id", item.ID).Msg("universal probe error")
		return false, "probe error: " + err.Error()
	}
	if !ok {
		return false, "probe rejected"
	}
	return true, ""
}

func (v *UniversalVerifier) probe(ctx context.Context, items []*model.UniversalStorage) (valid, invalid []*model.UniversalStorage, reasons map[int64]string) {
	sem := semaphore.NewWeighted(int64(v.cfg.UniversalProbeParallelism))
	type result struct {
		valid  bool
		reason string
	}
	results := make([]result, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = result{valid: false, reason: "probe cancelled"}
			continue
		}
		wg.Add(1)
		go func(i int, item *model.UniversalStorage) {
			defer wg.Done()
			defer sem.Release(1)
			ok, reason := v.ProbeOne(ctx, item)
			results[i] = result{valid: ok, reason: reason}
		}(i, item)
	}
	wg.Wait()

	reasons = make(map[int64]string)
	for i, item := range items {
		if results[i].valid {
			valid = append(valid, item)
		} else {
			invalid = append(invalid, item)
			reasons[item.ID] = results[i].reason
		}
	}
	return valid, invalid, reasons
}

// Retire kills an invalid universal item, mirroring the account path.
func (v *UniversalVerifier) Retire(ctx context.Context, item *model.UniversalStorage, reason string, snap CategorySnapshot) error {
	var newPath *string
	if item.FilePath != nil {
		dest := store.UniversalPath(model.StatusDeleted, item.StorageUUID)
		if err := v.store.Move(*item.FilePath, dest); err != nil {
			return fmt.Errorf("failed to move retired universal payload: %w", err)
		}
		newPath = &dest
	}

	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		if err := v.universals.MarkDeleted(ctx, tx, item.ID, newPath); err != nil {
			return err
		}
		if err := v.universals.DeleteProduct(ctx, tx, item.ID); err != nil {
			return err
		}
		return v.audit.InsertDeletedUniversal(ctx, tx, model.DeletedUniversal{
			UniversalStorageID: item.ID,
			CategoryName:       snap.Name,
			CategoryDesc:       snap.Description,
			Reason:             reason,
		})
	})
}

// EnsureValid probes the reserved universal items of a request and replaces
// invalid ones from fresh inventory.
func (v *UniversalVerifier) EnsureValid(
	ctx context.Context,
	requestID, categoryID int64,
	items []*model.UniversalStorage,
	snap CategorySnapshot,
) ([]*model.UniversalStorage, error) {
	valid, invalid, reasons := v.probe(ctx, items)
	for _, item := range invalid {
		if err := v.Retire(ctx, item, reasons[item.ID], snap); err != nil {
			return valid, err
		}
		v.logger.Info().
			Int64("request_id", requestID).
			Int64("storage_id", item.ID).
			Str("reason", reasons[item.ID]).
			Msg("retired invalid universal")
	}

	badLinks := make([]int64, 0, len(invalid))
	for _, item := range invalid {
		badLinks = append(badLinks, item.ID)
	}

	for attempt := 0; len(badLinks) > 0 && attempt < v.cfg.MaxReplacementAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(v.cfg.ReplacementRetryDelay):
			case <-ctx.Done():
				return valid, ctx.Err()
			}
		}

		batch := v.cfg.ReplacementQueryLimit
		if len(badLinks) > batch {
			batch = len(badLinks)
		}

		// Same discipline as the account loop: reserve the whole batch,
		// probe, then repoint links and release the surplus.
		var taken []*model.UniversalStorage
		err := pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
			candidates, err := v.universals.SelectReplacementCandidates(ctx, tx, categoryID, batch)
			if err != nil {
				return err
			}
			taken = candidates
			if len(taken) == 0 {
				return nil
			}
			ids := make([]int64, len(taken))
			for i, c := range taken {
				ids[i] = c.ID
			}
			return v.universals.BulkUpdateStatus(ctx, tx, ids, model.StatusReserved)
		})
		if err != nil {
			return valid, err
		}
		if len(taken) == 0 {
			break
		}

		okItems, badItems, newReasons := v.probe(ctx, taken)
		for _, item := range badItems {
			if err := v.Retire(ctx, item, newReasons[item.ID], snap); err != nil {
				return valid, err
			}
			v.logger.Info().
				Int64("request_id", requestID).
				Int64("storage_id", item.ID).
				Str("reason", newReasons[item.ID]).
				Msg("retired invalid universal replacement")
		}

		use := len(okItems)
		if use > len(badLinks) {
			use = len(badLinks)
		}
		err = pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
			for i := 0; i < use; i++ {
				if err := v.purchases.ReplaceUniversalLink(ctx, tx, requestID, badLinks[i], okItems[i].ID); err != nil {
					return err
				}
			}
			if use < len(okItems) {
				surplus := make([]int64, 0, len(okItems)-use)
				for _, c := range okItems[use:] {
					surplus = append(surplus, c.ID)
				}
				return v.universals.BulkUpdateStatus(ctx, tx, surplus, model.StatusForSale)
			}
			return nil
		})
		if err != nil {
			return valid, err
		}
		valid = append(valid, okItems[:use]...)
		badLinks = badLinks[use:]
	}

	if len(badLinks) > 0 {
		return valid, fmt.Errorf("%w: request %d still short %d items", ErrNoReplacements, requestID, len(badLinks))
	}
	return valid, nil
}
