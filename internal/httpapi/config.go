package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8080"
	defaultAllowedOrigin     = "http://localhost:3000"
	defaultRequestTimeout    = 10 * time.Second
	defaultGenerationTimeout = 60 * time.Second
	defaultMaxWebhookBytes   = 64 * 1024
	defaultHistoryLimit      = 20
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	PublicOrigin      string
	RequestTimeout    time.Duration
	GenerationTimeout time.Duration
	MaxWebhookBytes   int64
	HistoryLimit      int
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.PublicOrigin = strings.TrimRight(strings.TrimSpace(cfg.PublicOrigin), "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.PublicOrigin != "" && !strings.HasPrefix(cfg.PublicOrigin, "http://") && !strings.HasPrefix(cfg.PublicOrigin, "https://") {
		return fmt.Errorf("public origin must be an absolute http(s) URL: %q", cfg.PublicOrigin)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
