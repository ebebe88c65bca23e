// Package config holds the runtime settings of genesisd.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"

	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = "127.0.0.1:7000"
	defaultStoreBackend      = StoreGorm
	defaultGenerationModel   = "gemini-1.5-flash"
	defaultRateLimitPerMin   = 10
	defaultReconcileSchedule = "@every 10m"
	defaultReconcileGrace    = 15 * time.Minute
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
)

var (
	// ErrMissingSetting reports a required setting that was not provided.
	ErrMissingSetting = errors.New("missing required setting")
	// ErrUnprotectedAdmin reports an admin listener reachable off-host without a token.
	ErrUnprotectedAdmin = errors.New("admin gRPC listener requires GENESIS_ADMIN_TOKEN")
)

// Config aggregates every setting of the daemon.
type Config struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	GeminiAPIKey        string
	GeminiModel         string
	DatabaseURL         string
	DatabaseServiceKey  string
	StoreBackend        string

	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string
	PublicOrigin   string
	AdminToken     string

	AMQPURL              string
	RedisURL             string
	GenerationRateLimit  int
	ReconcileSchedule    string
	ReconcileGracePeriod time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
}

// Validate fills defaults and fails on missing secrets.
func (cfg *Config) Validate() error {
	var missing []string
	for _, required := range []struct {
		name  string
		value string
	}{
		{name: "STRIPE_SECRET_KEY", value: cfg.StripeSecretKey},
		{name: "STRIPE_WEBHOOK_SECRET", value: cfg.StripeWebhookSecret},
		{name: "GEMINI_API_KEY", value: cfg.GeminiAPIKey},
		{name: "DATABASE_URL", value: cfg.DatabaseURL},
		{name: "DATABASE_SERVICE_KEY", value: cfg.DatabaseServiceKey},
	} {
		if strings.TrimSpace(required.value) == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}
	if err := cfg.applyDefaults(); err != nil {
		return err
	}
	return cfg.validateAdminExposure()
}

// validateAdminExposure allows an unauthenticated admin listener on loopback only.
func (cfg *Config) validateAdminExposure() error {
	if strings.TrimSpace(cfg.AdminToken) != "" {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("invalid gRPC listen address %q: %w", cfg.GRPCListenAddr, err)
	}
	if isLoopbackHost(host) {
		return nil
	}
	return fmt.Errorf("%w: listen address %q is not loopback", ErrUnprotectedAdmin, cfg.GRPCListenAddr)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateDatabase checks only what the admin commands need.
func (cfg *Config) ValidateDatabase() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting)
	}
	return cfg.applyDefaults()
}

func (cfg *Config) applyDefaults() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.GeminiModel = defaultIfEmpty(cfg.GeminiModel, defaultGenerationModel)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, defaultStoreBackend))
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, defaultReconcileSchedule)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.GenerationRateLimit < 0 {
		return fmt.Errorf("generation rate limit must not be negative")
	}
	if cfg.GenerationRateLimit == 0 {
		cfg.GenerationRateLimit = defaultRateLimitPerMin
	}
	if cfg.ReconcileGracePeriod <= 0 {
		cfg.ReconcileGracePeriod = defaultReconcileGrace
	}
	switch cfg.StoreBackend {
	case StoreGorm, StorePgx:
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == StorePgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %q requires a postgres database url", StorePgx)
	}
	return nil
}

// SessionAuthEnabled reports whether HTTP requests carry a tauth session.
func (cfg *Config) SessionAuthEnabled() bool {
	return strings.TrimSpace(cfg.SessionSigningKey) != ""
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
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

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
