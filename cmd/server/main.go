package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretflow/internal/access"
	"github.com/org/secretflow/internal/api"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/auth"
	"github.com/org/secretflow/internal/crypto"
	"github.com/org/secretflow/internal/notification"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/secret"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootKey, ephemeral, err := cfg.rootKey()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid root key")
	}
	if ephemeral {
		if rootKey, err = crypto.GenerateRootKey(); err != nil {
			log.Fatal().Err(err).Msg("failed to generate root key")
		}
		log.Warn().Msg("no root_key configured, using an ephemeral key for memory storage")
	}
	keyring, err := crypto.NewKeyring(rootKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build keyring")
	}

	var store storage.Backend
	switch cfg.Storage {
	case "memory":
		store = storage.NewMemoryBackend()
		log.Warn().Msg("using in-memory storage, data is lost on exit")
	default:
		if err := storage.RunMigrations(cfg.DBUrl); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		store = pg
	}
	defer store.Close()

	pool, err := worker.New(ctx, cfg.WorkerPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	var sink notification.Sink = notification.LogSink{}
	if cfg.RedisURL != "" {
		pub, err := notification.NewRedisPublisher(ctx, cfg.RedisURL, cfg.NotifyChannel)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer pub.Close()
		sink = pub
		log.Info().Str("channel", cfg.NotifyChannel).Msg("publishing approval events to redis")
	}

	tokens, err := auth.NewTokenService([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid jwt configuration")
	}

	perms := permission.NewEngine(storage.NewPermissionSource(store))
	vs := versionstore.New()
	auditor := audit.NewLogger(store, pool)
	snaps := snapshot.NewService(store, perms, keyring, vs, auditor, pool, snapshot.Config{
		AutoSnapshot: cfg.AutoSnapshot,
		Retention:    cfg.SnapshotRetention,
	})
	approvals := approval.NewService(store, perms, vs, auditor, notification.NewDispatcher(sink, pool), snaps)

	srv := api.NewServer(api.Services{
		Store:     store,
		Perms:     perms,
		Tokens:    tokens,
		Secrets:   secret.NewService(store, perms, keyring, vs, approvals, snaps, auditor),
		Snapshots: snaps,
		Approvals: approvals,
		Access:    access.NewService(store, perms, auditor),
		Audit:     auditor,
		Pool:      pool,
	}, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("storage", cfg.Storage).Msg("server started")
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	pool.Shutdown(10 * time.Second)
	log.Info().Msg("server stopped")
}
