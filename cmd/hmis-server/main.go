package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hmis/hmis/internal/config"
	"github.com/hmis/hmis/internal/domain/device"
	"github.com/hmis/hmis/internal/domain/mobilesync"
	"github.com/hmis/hmis/internal/domain/report"
	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/internal/platform/db"
	"github.com/hmis/hmis/internal/platform/middleware"
	"github.com/hmis/hmis/internal/platform/reporting"
	"github.com/hmis/hmis/internal/platform/telemetry"
	"github.com/hmis/hmis/migrations"
	"github.com/hmis/hmis/pkg/response"
)

const (
	serviceName = "hmis-server"
	version     = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "HMIS mobile sync and reporting API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := context.Background()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Operate on device sync state",
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a device's open conflicts and sync checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, _ := cmd.Flags().GetString("device")
			if deviceID == "" {
				return fmt.Errorf("--device is required")
			}

			ctx := context.Background()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg, os.Stderr)
			devices := device.NewService(device.NewRepoPG(pool))
			coord := newCoordinator(pool, cfg, devices, logger, nil)

			caller := auth.Caller{UserID: "cli", Roles: []string{auth.RoleAdmin}}
			res, err := coord.ResetSyncState(auth.WithCaller(ctx, caller), deviceID, caller)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset device %s: cleared %d open record(s).\n", res.DeviceID, res.ClearedRecords)
			return nil
		},
	}
	resetCmd.Flags().String("device", "", "Device identifier")
	cmd.AddCommand(resetCmd)

	return cmd
}

func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: serviceName,
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

// newLogger builds the process logger. Development gets console output.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", serviceName).Logger()
}

func newLocker(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) mobilesync.Locker {
	if cfg.SyncLockMode == config.LockModeMemory {
		logger.Warn().Msg("using in-process device locks; run a single replica")
		return mobilesync.NewMemoryLocker()
	}
	return mobilesync.NewPGLocker(pool, logger)
}

func newCoordinator(pool *pgxpool.Pool, cfg *config.Config, devices *device.Service, logger zerolog.Logger, metrics *telemetry.Metrics) *mobilesync.Coordinator {
	return mobilesync.NewCoordinator(
		devices,
		mobilesync.NewChangeLogPG(pool),
		mobilesync.NewEntityStorePG(pool),
		db.NewTxRunner(pool),
		newLocker(pool, cfg, logger),
		mobilesync.Options{
			PageSize: cfg.SyncDownloadPageSize,
			Logger:   logger,
			Metrics:  metrics,
		},
	)
}

func syncRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.SyncRateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.SyncRateLimitRPS
	}
	if cfg.SyncRateLimitBurst > 0 {
		rl.BurstSize = cfg.SyncRateLimitBurst
	}
	return rl
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg, os.Stdout)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: serviceName,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn().Err(err).Msg("metrics unavailable, continuing without them")
		metrics = telemetry.NoopMetrics()
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = response.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.Secure())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))
	e.Use(metrics.Middleware())

	// Health checks stay outside the authenticated API group.
	executor := reporting.NewExecutor(pool, reporting.Config{
		StatementTimeout: cfg.ReportStatementTimeout,
		MaxRows:          cfg.ReportMaxRows,
		MaxConcurrent:    cfg.ReportMaxConcurrent,
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":          "ok",
			"version":         version,
			"reportsExecutor": executor.State(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")

	// Auth middleware
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled; identities are taken from request headers")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Audit middleware
	apiV1.Use(middleware.Audit(logger))

	// Device registry
	deviceSvc := device.NewService(device.NewRepoPG(pool))
	device.NewHandler(deviceSvc).RegisterRoutes(apiV1)

	// Mobile sync
	coord := newCoordinator(pool, cfg, deviceSvc, logger, metrics)
	mobilesync.NewHandler(coord).RegisterRoutes(apiV1, middleware.RateLimit(syncRateLimit(cfg)))

	// Reports
	reportSvc := report.NewService(report.NewRepoPG(pool), executor, logger, metrics)
	report.NewHandler(reportSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
