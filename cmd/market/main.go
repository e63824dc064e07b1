// Package main is the entry point for the digital-goods market core.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digital-goods-market/internal/cache"
	"digital-goods-market/internal/config"
	"digital-goods-market/internal/events"
	"digital-goods-market/internal/pkg/crypto"
	"digital-goods-market/internal/pkg/db"
	"digital-goods-market/internal/repository"
	"digital-goods-market/internal/secrets"
	"digital-goods-market/internal/service"
	"digital-goods-market/internal/store"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The secrets service must be reachable before anything else: the DEK
	// lives there and nothing decrypts without it.
	sec, err := secrets.NewClient(&cfg.Secrets)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create secrets client")
	}

	kek, err := bootstrapCrypto(ctx, sec, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap crypto")
	}
	log.Info().Msg("Crypto bootstrapped")

	// Initialize database connection pool and schema
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize the read-model cache
	rdb, err := cache.New(ctx, &cfg.Redis, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to cache")
	}

	// Initialize the event publisher
	pub, err := events.NewPublisher(&cfg.AMQP, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to event bus")
	}

	contentStore := store.New(cfg.Storage.Root, log.Logger)

	// Initialize repositories
	userRepo := repository.NewUserRepository(dbPool)
	categoryRepo := repository.NewCategoryRepository(dbPool)
	accountRepo := repository.NewAccountRepository(dbPool)
	universalRepo := repository.NewUniversalRepository(dbPool)
	purchaseRepo := repository.NewPurchaseRepository(dbPool)
	promoRepo := repository.NewPromoRepository(dbPool)
	auditRepo := repository.NewAuditRepository(dbPool)

	refresher := cache.NewRefresher(rdb, userRepo, categoryRepo, accountRepo, universalRepo, log.Logger)

	prober := service.PayloadProber{}
	accVerify := service.NewAccountVerifier(
		dbPool, accountRepo, purchaseRepo, auditRepo,
		contentStore, prober, kek, cfg.Purchase, log.Logger,
	)
	uniVerify := service.NewUniversalVerifier(
		dbPool, universalRepo, purchaseRepo, auditRepo,
		contentStore, prober, kek, cfg.Purchase, log.Logger,
	)

	svc := service.New(service.Deps{
		Pool:       dbPool,
		Users:      userRepo,
		Categories: categoryRepo,
		Accounts:   accountRepo,
		Universals: universalRepo,
		Purchases:  purchaseRepo,
		Store:      contentStore,
		Cache:      refresher,
		Events:     pub,
		Discounter: service.NewPromoDiscounter(promoRepo),
		AccVerify:  accVerify,
		UniVerify:  uniVerify,
		Config:     cfg.Purchase,
		Logger:     log.Logger,
	})
	// Warm the category projections so first reads hit the cache.
	if err := refresher.RefreshCategory(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("Cache warm-up failed")
	}

	consumer, err := events.NewConsumer(&cfg.AMQP, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create command consumer")
	}

	go func() {
		log.Info().Msg("Market core is ready")
		err := consumer.Run(ctx, func(ctx context.Context, cmd events.PurchaseCommand) (bool, error) {
			return svc.Purchase(ctx, cmd.UserID, cmd.CategoryID, cmd.Quantity, cmd.PromoCodeID, cmd.Lang)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Command consumer stopped")
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	// Shutdown in reverse boot order
	if err := consumer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close command consumer")
	}
	if err := pub.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event bus connection")
	}
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cache connection")
	}
	log.Info().Msg("Market core stopped gracefully")
}

// bootstrapCrypto derives the KEK from the configured passphrase and loads
// the global wrapped DEK from the secrets service, creating it on first boot.
func bootstrapCrypto(ctx context.Context, sec *secrets.Client, cfg *config.Config) ([]byte, error) {
	kek := crypto.DeriveKEK(cfg.Crypto.Passphrase, cfg.Crypto.Salt)

	s, err := sec.GetSecretString(ctx, cfg.Secrets.DEKName)
	if errors.Is(err, secrets.ErrNotFound) {
		log.Info().Str("name", cfg.Secrets.DEKName).Msg("DEK not found, creating")
		wrapped, nonce, sum, err := crypto.NewProcessDEK(kek)
		if err != nil {
			return nil, err
		}
		if err := sec.CreateSecretString(ctx, cfg.Secrets.DEKName, wrapped, nonce, sum); err != nil {
			return nil, err
		}
		return kek, nil
	}
	if err != nil {
		return nil, err
	}

	// Unwrapping validates the passphrase against the stored DEK.
	if _, err := crypto.New(kek, s.EncryptedData, s.Nonce); err != nil {
		return nil, err
	}
	return kek, nil
}
