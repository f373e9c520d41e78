package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/medvault/internal/access"
	"github.com/org/medvault/internal/api"
	"github.com/org/medvault/internal/auth"
	"github.com/org/medvault/internal/crypto"
	"github.com/org/medvault/internal/records"
	"github.com/org/medvault/internal/storage"
	"github.com/org/medvault/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("MEDVAULT_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfgFile).Msg("invalid configuration")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	backend, tokenStore, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("failed to open storage")
	}
	if backend != nil {
		defer backend.Close()
	}

	guard := access.MustGuard(access.DefaultPolicy)
	store := records.NewStore(guard, backend, records.Options{KeepLastAdmin: cfg.KeepLastAdmin})
	if err := store.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load records")
	}
	log.Info().Int("records", store.Len()).Str("storage", cfg.Storage).Msg("record store ready")

	tokens := auth.NewTokenService(tokenStore)
	if cfg.RootToken == "" {
		log.Warn().Msg("no root_token configured; token minting for other principals and reset are unavailable")
	} else if _, err := tokens.RegisterStatic(ctx, cfg.RootToken, auth.RootPrincipal); err != nil {
		log.Fatal().Err(err).Msg("failed to register root token")
	}
	for _, st := range cfg.StaticTokens {
		if _, err := tokens.RegisterStatic(ctx, st.Token, models.Principal(st.Principal)); err != nil {
			log.Fatal().Err(err).Str("principal", st.Principal).Msg("failed to register static token")
		}
	}

	srv := api.NewServer(store, guard, tokens, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,

		TrustForwardedFor: cfg.TrustForwardedFor,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// durableBackend is implemented by every storage backend that can hold tokens too.
type durableBackend interface {
	storage.Backend
	storage.TokenBackend
}

// openBackend returns a nil record backend and an in-memory token store for
// in-memory operation. Tokens bypass the sealing wrapper; only hashes are stored.
func openBackend(ctx context.Context, cfg config) (storage.Backend, auth.TokenStore, error) {
	var (
		backend durableBackend
		err     error
	)
	switch cfg.Storage {
	case "none":
		if cfg.EncryptionKey != "" {
			log.Warn().Msg("encryption_key ignored without durable storage")
		}
		return nil, auth.NewMemoryTokenStore(), nil
	case "postgres":
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			return nil, nil, err
		}
		log.Info().Msg("migrations applied")
		backend, err = storage.NewPostgresBackend(ctx, cfg.DBUrl)
	case "sqlite":
		backend, err = storage.NewSQLiteBackend(cfg.SQLitePath)
	case "leveldb":
		backend, err = storage.NewLevelDBBackend(cfg.LevelDBPath)
	}
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("storage", cfg.Storage).Msg("tokens persisted")

	if cfg.EncryptionKey == "" {
		return backend, backend, nil
	}
	sealer, err := crypto.NewSealer([]byte(cfg.EncryptionKey), storage.SealContext)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	log.Info().Msg("record contents encrypted at rest")
	return storage.NewSealed(backend, sealer), backend, nil
}
