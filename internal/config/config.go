// Package config holds the runtime settings of memoryledgerd.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// BackendGorm stores every ledger through gorm.
	BackendGorm = "gorm"
	// BackendPgx stores the credit ledger through pgxpool. Postgres only.
	BackendPgx = "pgx"

	defaultDatabaseURL      = "sqlite:///tmp/memoryledger.db"
	defaultListenAddr       = ":8080"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultClaimAmountCents = 500
	defaultDebitAttempts    = 3
	defaultGatewayTimeout   = 5 * time.Second
)

// Config aggregates runtime settings for the memoryledger service.
type Config struct {
	DatabaseURL       string
	LedgerBackend     string
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	ServiceJWTKey     string
	AdminJWTKey       string
	WebhookSecret     string
	GatewayBaseURL    string
	GatewayAPIKey     string
	ClaimAmountCents  int64
	DebitAttempts     int
	GatewayTimeout    time.Duration
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerBackend = strings.ToLower(defaultIfEmpty(cfg.LedgerBackend, BackendGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.ClaimAmountCents == 0 {
		cfg.ClaimAmountCents = defaultClaimAmountCents
	}
	if cfg.DebitAttempts == 0 {
		cfg.DebitAttempts = defaultDebitAttempts
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}

	switch cfg.LedgerBackend {
	case BackendGorm:
	case BackendPgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("ledger backend %q requires a postgres database url", BackendPgx)
		}
	default:
		return fmt.Errorf("unsupported ledger backend %q", cfg.LedgerBackend)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	if len(cfg.ServiceJWTKey) == 0 {
		return fmt.Errorf("service jwt key is required")
	}
	if len(cfg.AdminJWTKey) == 0 {
		return fmt.Errorf("admin jwt key is required")
	}
	if cfg.ServiceJWTKey == cfg.AdminJWTKey {
		return fmt.Errorf("service and admin jwt keys must differ")
	}
	if len(cfg.WebhookSecret) == 0 {
		return fmt.Errorf("webhook secret is required")
	}
	if strings.TrimSpace(cfg.GatewayBaseURL) != "" && strings.TrimSpace(cfg.GatewayAPIKey) == "" {
		return fmt.Errorf("gateway api key is required when a gateway url is set")
	}
	if cfg.ClaimAmountCents < 0 {
		return fmt.Errorf("claim amount must be positive")
	}
	if cfg.DebitAttempts < 0 {
		return fmt.Errorf("debit attempts must be positive")
	}
	return nil
}

// IsPostgresURL reports whether dsn names a Postgres database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
