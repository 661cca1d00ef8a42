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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carepath/scheduler/internal/config"
	"github.com/carepath/scheduler/internal/domain/booking"
	"github.com/carepath/scheduler/internal/platform/auth"
	"github.com/carepath/scheduler/internal/platform/db"
	"github.com/carepath/scheduler/internal/platform/idempotency"
	"github.com/carepath/scheduler/internal/platform/middleware"
	"github.com/carepath/scheduler/internal/platform/notification"
	"github.com/carepath/scheduler/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "scheduler-server",
		Short:        "Specialist availability and booking API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "scheduler").Logger()
}

// newEcho builds the server with global middleware, auth and the public
// infrastructure endpoints. Domain routes are registered on the returned
// /api/v1 group.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, dbCheck db.Pinger) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, booking.IdempotencyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development auth: requests without a token run as admin")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbCheck != nil {
		e.GET("/health/db", db.HealthHandler(dbCheck))
	}
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(15 * time.Second))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	return e, apiV1
}

func newNotificationManager(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) *notification.Manager {
	var sender notification.EmailSender
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		sender = notification.NewLogSender(logger)
	}

	var store notification.Store = notification.NewMemoryStore()
	if pool != nil {
		store = notification.NewStorePG(pool)
	}
	return notification.NewManager(sender, notification.NewTemplateEngine(), store)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	idem, err := idempotency.New(idempotency.Config{
		RedisURL:       cfg.RedisURL,
		TTL:            cfg.IdempotencyTTL(),
		DisableOnError: true,
	}, logger)
	if err != nil {
		return err
	}
	defer idem.Close()

	metrics := telemetry.New()
	e, apiV1 := newEcho(cfg, logger, metrics, pool)

	notifyMgr := newNotificationManager(cfg, logger, pool)
	notification.NewHandler(notifyMgr).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.RoleScheduler)))

	bookingSvc := booking.NewService(booking.NewRepoPG(pool), cfg.Engine(),
		booking.WithNotifier(notification.NewBookingNotifier(notifyMgr)),
		booking.WithIdempotency(idem),
		booking.WithMetrics(metrics),
		booking.WithLocation(loc),
		booking.WithLogger(logger.With().Str("component", "booking").Logger()),
	)
	booking.NewHandler(bookingSvc).RegisterRoutes(apiV1)

	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()
	go observePool(poolCtx, metrics, pool)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func observePool(ctx context.Context, metrics *telemetry.Metrics, pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.ObservePool(pool)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
