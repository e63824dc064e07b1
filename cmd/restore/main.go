// Package main is the restore_backup CLI: it fetches an encrypted database
// dump and the wrapped DEK from the secrets service, decrypts the dump and
// feeds it to pg_restore.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digital-goods-market/internal/config"
	"digital-goods-market/internal/pkg/crypto"
	"digital-goods-market/internal/secrets"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		dekName    = flag.String("secret-srt-dek-name", "", "name of the wrapped DEK secret (default from config)")
		fileName   = flag.String("secret-file-name", "", "name of the encrypted dump in the secrets service")
		env        = flag.String("env", "DEV", "target environment: DEV, PROD or TEST")
		force      = flag.Bool("force", false, "skip the confirmation prompt")
		dryRun     = flag.Bool("dry-run", false, "decrypt and validate only, do not restore")
		configPath = flag.String("config", "config", "config directory")
	)
	flag.Parse()

	if *fileName == "" {
		log.Fatal().Msg("--secret-file-name is required")
	}
	switch *env {
	case "DEV", "PROD", "TEST":
	default:
		log.Fatal().Str("env", *env).Msg("--env must be DEV, PROD or TEST")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *dekName == "" {
		*dekName = cfg.Secrets.DEKName
	}

	ctx := context.Background()

	sec, err := secrets.NewClient(&cfg.Secrets)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create secrets client")
	}

	kek := crypto.DeriveKEK(cfg.Crypto.Passphrase, cfg.Crypto.Salt)
	wrapped, err := sec.GetSecretString(ctx, *dekName)
	if err != nil {
		log.Fatal().Err(err).Str("name", *dekName).Msg("Failed to fetch DEK")
	}
	dek, err := crypto.UnwrapDEK(wrapped.EncryptedData, wrapped.Nonce, kek)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to unwrap DEK: wrong passphrase?")
	}

	workDir, err := os.MkdirTemp("", "restore-*")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work directory")
	}
	defer os.RemoveAll(workDir)

	sealed := filepath.Join(workDir, "dump.enc")
	plain := filepath.Join(workDir, "dump.sql")

	log.Info().Str("name", *fileName).Msg("Downloading encrypted dump")
	if err := sec.DownloadFile(ctx, *fileName, sealed); err != nil {
		log.Fatal().Err(err).Msg("Failed to download dump")
	}
	if err := crypto.DecryptFile(sealed, plain, dek); err != nil {
		log.Fatal().Err(err).Msg("Failed to decrypt dump")
	}

	info, err := os.Stat(plain)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to stat decrypted dump")
	}
	log.Info().Int64("bytes", info.Size()).Msg("Dump decrypted")

	if *dryRun {
		log.Info().Msg("Dry run: skipping restore")
		return
	}

	// Restoring overwrites the target database. PROD always confirms,
	// --force or not.
	if !*force || *env == "PROD" {
		if !confirm(cfg.Database.Name, *env) {
			log.Error().Msg("Confirmation mismatch, aborting")
			os.Exit(1)
		}
	}

	log.Info().Str("database", cfg.Database.Name).Str("env", *env).Msg("Restoring")
	cmd := exec.CommandContext(ctx, "pg_restore",
		"--clean", "--if-exists", "--no-owner",
		"--dbname", cfg.Database.DSN(),
		plain,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Fatal().Err(err).Msg("pg_restore failed")
	}
	log.Info().Msg("Restore completed")
}

// confirm asks the operator to type the target database name back.
func confirm(dbName, env string) bool {
	fmt.Fprintf(os.Stderr, "About to restore into %q (%s). Type the database name to continue: ", dbName, env)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == dbName
}
