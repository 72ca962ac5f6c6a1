package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LockModePostgres = "postgres"
	LockModeMemory   = "memory"
)

type Config struct {
	Port                   string        `mapstructure:"PORT"`
	Env                    string        `mapstructure:"ENV"`
	LogLevel               string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL            string        `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer             string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL            string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey         string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins            []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit              string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit        string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	SyncRateLimitRPS       float64       `mapstructure:"SYNC_RATE_LIMIT_RPS"`
	SyncRateLimitBurst     int           `mapstructure:"SYNC_RATE_LIMIT_BURST"`
	SyncDownloadPageSize   int           `mapstructure:"SYNC_DOWNLOAD_PAGE_SIZE"`
	SyncLockMode           string        `mapstructure:"SYNC_LOCK_MODE"`
	ReportMaxConcurrent    int64         `mapstructure:"REPORT_MAX_CONCURRENT"`
	ReportStatementTimeout time.Duration `mapstructure:"REPORT_STATEMENT_TIMEOUT"`
	ReportMaxRows          int           `mapstructure:"REPORT_MAX_ROWS"`
	OTLPEndpoint           string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "BODY_LIMIT", "UPLOAD_BODY_LIMIT",
	"SYNC_RATE_LIMIT_RPS", "SYNC_RATE_LIMIT_BURST", "SYNC_DOWNLOAD_PAGE_SIZE", "SYNC_LOCK_MODE",
	"REPORT_MAX_CONCURRENT", "REPORT_STATEMENT_TIMEOUT", "REPORT_MAX_ROWS",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "10M")
	v.SetDefault("SYNC_RATE_LIMIT_RPS", 10)
	v.SetDefault("SYNC_RATE_LIMIT_BURST", 30)
	v.SetDefault("SYNC_DOWNLOAD_PAGE_SIZE", 500)
	v.SetDefault("SYNC_LOCK_MODE", LockModePostgres)
	v.SetDefault("REPORT_MAX_CONCURRENT", 4)
	v.SetDefault("REPORT_STATEMENT_TIMEOUT", "30s")
	v.SetDefault("REPORT_MAX_ROWS", 10000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification source (JWKS URL or signing key) is mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}
	if c.SyncLockMode != LockModePostgres && c.SyncLockMode != LockModeMemory {
		return fmt.Errorf("SYNC_LOCK_MODE must be %q or %q, got %q", LockModePostgres, LockModeMemory, c.SyncLockMode)
	}
	if c.SyncDownloadPageSize <= 0 || c.SyncDownloadPageSize > 1000 {
		return fmt.Errorf("SYNC_DOWNLOAD_PAGE_SIZE must be between 1 and 1000, got %d", c.SyncDownloadPageSize)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReportMaxConcurrent <= 0 {
		return fmt.Errorf("REPORT_MAX_CONCURRENT must be positive")
	}
	if c.ReportStatementTimeout <= 0 {
		return fmt.Errorf("REPORT_STATEMENT_TIMEOUT must be positive")
	}
	return nil
}
