package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/medx360/booking/internal/config"
	"github.com/medx360/booking/internal/domain/scheduling"
	"github.com/medx360/booking/internal/platform/auth"
	"github.com/medx360/booking/internal/platform/db"
	"github.com/medx360/booking/internal/platform/middleware"
	"github.com/medx360/booking/internal/platform/notification"
)

// server is a wired HTTP app plus the resources it owns.
type server struct {
	echo    *echo.Echo
	closers []func(ctx context.Context) error
}

// Close releases resources in reverse order of acquisition.
func (s *server) Close(ctx context.Context) error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *server) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// storeBackend is the selected persistence driver and what the HTTP layer
// needs from it.
type storeBackend struct {
	store  scheduling.Store
	health echo.HandlerFunc
	scope  scheduling.TenantScope
	tenant echo.MiddlewareFunc
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, srv *server) (*storeBackend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := scheduling.OpenSQLite(cfg.SQLitePath, cfg.StoreTimeout)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		srv.onClose(func(context.Context) error { return st.Close() })
		logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
		return &storeBackend{
			store:  st,
			health: db.HealthHandler(st, nil),
		}, nil
	default:
		pool, err := connectPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		srv.onClose(func(context.Context) error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")

		statsCtx, stopStats := context.WithCancel(context.Background())
		go db.ReportPoolStats(statsCtx, pool, 15*time.Second)
		srv.onClose(func(context.Context) error { stopStats(); return nil })

		return &storeBackend{
			store:  scheduling.NewStorePG(pool, cfg.StoreTimeout),
			health: db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }),
			scope:  db.ForEachTenant(pool),
			tenant: db.TenantMiddleware(pool, cfg.DefaultTenant),
		}, nil
	}
}

func connectPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// newNotifier publishes booking events to Redis when configured, otherwise
// to the log.
func newNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger, srv *server) (*notification.BookingNotifier, error) {
	var pub notification.Publisher
	if cfg.RedisURL != "" {
		client, err := notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		srv.onClose(func(context.Context) error { return client.Close() })
		pub = notification.NewRedisPublisher(client, cfg.NotifyChannel)
		logger.Info().Str("channel", cfg.NotifyChannel).Msg("publishing booking events to redis")
	} else {
		pub = notification.NewLogPublisher(logger)
	}

	dispatcher := notification.NewDispatcher(pub, notification.DefaultDispatcherConfig(), logger)
	dispatcher.Start()
	srv.onClose(dispatcher.Close)

	return notification.NewBookingNotifier(dispatcher, notification.NewTemplateEngine(), logger), nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}

// buildServer wires storage, scheduling, notifications and HTTP routes.
// Background workers are started; Close stops them.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		_ = srv.Close(context.Background())
		return nil, err
	}

	backend, err := openStore(ctx, cfg, logger, srv)
	if err != nil {
		return fail(err)
	}

	settings, err := scheduling.NewSettings(cfg.MinLeadMinutes, cfg.BufferMinutes, cfg.DefaultSlotMinutes, cfg.Timezone)
	if err != nil {
		return fail(fmt.Errorf("scheduling settings: %w", err))
	}

	notifier, err := newNotifier(ctx, cfg, logger, srv)
	if err != nil {
		return fail(err)
	}

	resolver := scheduling.NewResolver(backend.store, backend.store, scheduling.StaticSettings(settings))
	scheduler := scheduling.NewScheduler(resolver, backend.store, notifier, logger)
	svc := scheduling.NewService(backend.store, backend.store, resolver, scheduler)

	if hold := cfg.PendingHold(); hold > 0 {
		job := scheduling.NewExpiryJob(backend.store, scheduler, hold, backend.scope, logger)
		if err := job.Start(cfg.ExpirySchedule); err != nil {
			return fail(fmt.Errorf("schedule hold expiry: %w", err))
		}
		srv.onClose(func(ctx context.Context) error { job.Stop(ctx); return nil })
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", backend.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	if backend.tenant != nil {
		apiV1.Use(backend.tenant)
	}
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	scheduling.NewHandler(svc).RegisterRoutes(apiV1)

	srv.echo = e
	return srv, nil
}
