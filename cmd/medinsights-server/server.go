package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/medinsights/api/internal/config"
	"github.com/medinsights/api/internal/domain/directory"
	"github.com/medinsights/api/internal/platform/auth"
	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/internal/platform/logging"
	"github.com/medinsights/api/internal/platform/metrics"
	"github.com/medinsights/api/internal/platform/middleware"
)

const tokenIssuer = "medinsights"

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closer := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Console:    cfg.IsDev(),
	})
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	registry, err := db.NewRegistry(cfg.Tenants)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tenant configuration")
	}
	factory := db.NewSessionFactory(registry, db.ConnectOptions{
		Retry:  cfg.Retry(),
		Logger: logger,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	e := newServer(cfg, logger, factory, reg)
	logger.Info().Strs("tenants", registry.Tenants()).Str("default", cfg.DefaultTenant).Bool("auth", cfg.AuthEnabled()).Msg("tenants configured")

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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the full middleware chain. Every
// request gets its own session pool, closed when the response is done.
func newServer(cfg *config.Config, logger zerolog.Logger, factory *db.SessionFactory, reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	if cfg.AuthEnabled() {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.SecretKey),
			Issuer:     tokenIssuer,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", db.HealthHandler(factory))
	e.GET("/metrics", metrics.Handler(reg))

	api := e.Group("", db.Sessions(factory))
	svc := directory.NewService(nil)
	directory.NewHandler(svc, factory.Registry().Tenants(), cfg.DefaultTenant).RegisterRoutes(api)

	return e
}
