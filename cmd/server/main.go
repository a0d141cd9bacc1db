package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/config"
	"retailpos/backend/internal/httpapi"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	"retailpos/backend/internal/store/memory"
	pgstore "retailpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("repository unavailable")
	}

	reports := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using noop cache")
			_ = redisCache.Close()
		} else {
			reports = redisCache
			closers = append(closers, redisCache.Close)
			log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis")
		}
	} else {
		log.Info().Msg("cache: noop")
	}

	svc := service.New(repo, reports, cfg.ReportCacheTTL())
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// openRepository refuses to fall back to memory once DATABASE_URL is set.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info().Msg("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.DBAutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("schema migrated")
	}
	if cfg.SeedAdminPassword != "" {
		created, err := pg.EnsureAdmin(ctx, cfg.SeedAdminPassword)
		if err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("seed admin: %w", err)
		}
		if created {
			log.Info().Str("username", "admin").Msg("seeded first admin account")
		}
	}
	log.Info().Msg("repository: postgres")
	return pg, []func() error{pg.Close}, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if strings.TrimSpace(cfg.AllowedOrigin) == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name a single origin")
	}
	if cfg.SeedAdminPassword != "" && len(strings.TrimSpace(cfg.SeedAdminPassword)) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
