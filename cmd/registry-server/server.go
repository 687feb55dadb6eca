package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/config"
	"github.com/ehr/registrationcore/internal/domain/registration"
	"github.com/ehr/registrationcore/internal/platform/auth"
	"github.com/ehr/registrationcore/internal/platform/db"
	"github.com/ehr/registrationcore/internal/platform/middleware"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire registration core")
	}
	defer a.Close()

	// Property changes from other nodes and from the properties file
	go func() {
		if err := settings.ListenPG(ctx, pool, a.settings, logger); err != nil {
			logger.Error().Err(err).Msg("property listener stopped")
		}
	}()
	if cfg.PropertiesFile != "" {
		if err := settings.WatchFile(ctx, cfg.PropertiesFile, a.settings, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to load properties file")
		}
	}

	e, err := newEcho(cfg, a, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure http server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, a *app, pool *pgxpool.Pool, logger zerolog.Logger) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.BodyLimit("2M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Unauthenticated operational endpoints
	checks := map[string]db.Checker{"database": db.PoolCheck(pool)}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	e.GET("/health", db.HealthHandler(checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	apiV1 := e.Group("/api/v1", authMW)
	registration.NewHandler(a.registration).RegisterRoutes(apiV1)
	return e, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthPublicKeyFile == "" {
		return auth.DevAuthMiddleware(), nil
	}
	jc := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthPublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.AuthPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read auth public key: %w", err)
		}
		jc.PublicKeyPEM = pem
		jc.SigningKey = nil
	}
	return auth.JWTMiddleware(jc)
}
