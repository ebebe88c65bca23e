package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/genesis/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "GENESIS"

	flagDatabaseURL        = "database-url"
	flagDatabaseServiceKey = "database-service-key"
	flagStoreBackend       = "store-backend"
	flagStripeSecretKey    = "stripe-secret-key"
	flagStripeWebhook      = "stripe-webhook-secret"
	flagGeminiAPIKey       = "gemini-api-key"
	flagGeminiModel        = "gemini-model"
	flagHTTPListenAddr     = "http-listen-addr"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagPublicOrigin       = "public-origin"
	flagAdminToken         = "admin-token"
	flagAMQPURL            = "amqp-url"
	flagRedisURL           = "redis-url"
	flagRateLimit          = "generation-rate-limit"
	flagReconcileSchedule  = "reconcile-schedule"
	flagReconcileGrace     = "reconcile-grace-period"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagLedgerAddr         = "ledger-addr"
	flagUserID             = "user-id"
	flagCredits            = "credits"
	flagLimit              = "limit"

	defaultLedgerAddr = "localhost:7000"
)

// conventionalEnv maps settings to the unprefixed variable names used by the deployment.
var conventionalEnv = map[string]string{
	flagDatabaseURL:        "DATABASE_URL",
	flagDatabaseServiceKey: "DATABASE_SERVICE_KEY",
	flagStripeSecretKey:    "STRIPE_SECRET_KEY",
	flagStripeWebhook:      "STRIPE_WEBHOOK_SECRET",
	flagGeminiAPIKey:       "GEMINI_API_KEY",
	flagAMQPURL:            "AMQP_URL",
	flagRedisURL:           "REDIS_URL",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genesisd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "genesisd",
		Short:         "Genesis credit ledger and payment backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvironment(cmd, settings)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database connection string (postgres:// or sqlite://)")
	flags.String(flagDatabaseServiceKey, "", "database credential used when the URL carries no password")
	flags.String(flagStoreBackend, config.StoreGorm, "ledger store implementation: gorm or pgx")
	flags.String(flagAdminToken, "", "bearer token protecting the gRPC admin service")

	cmd.AddCommand(newServeCommand(settings), newMigrateCommand(settings), newAccountsCommand(settings))
	return cmd
}

func newServeCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC admin service and checkout reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := readConfig(settings)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.String(flagStripeSecretKey, "", "payment processor secret key")
	flags.String(flagStripeWebhook, "", "payment processor webhook signing secret")
	flags.String(flagGeminiAPIKey, "", "generative language API key")
	flags.String(flagGeminiModel, "", "generative model name")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC admin listen address (non-loopback addresses require --admin-token)")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.String(flagPublicOrigin, "", "origin used for checkout return URLs")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for credit events (optional)")
	flags.String(flagRedisURL, "", "Redis URL for generation rate limiting (optional)")
	flags.Int(flagRateLimit, 0, "generations per user per minute")
	flags.String(flagReconcileSchedule, "", "cron schedule for checkout reconciliation")
	flags.Duration(flagReconcileGrace, 0, "age before a pending checkout is reconciled")
	flags.String(flagSessionSigningKey, "", "tauth session signing key; enables session auth when set")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookieName, "", "tauth session cookie name")
	return cmd
}

func newMigrateCommand(settings *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := readConfig(settings)
			if err := cfg.ValidateDatabase(); err != nil {
				return err
			}
			backend, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer backend.close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s store)\n", cfg.StoreBackend)
			return nil
		},
	}
}

// loadEnvironment reads .env, then binds flags and environment variables.
func loadEnvironment(cmd *cobra.Command, settings *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for flagName, envName := range conventionalEnv {
		if err := settings.BindEnv(flagName, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(flagName, "-", "_")), envName); err != nil {
			return err
		}
	}
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return nil
}

func readConfig(settings *viper.Viper) config.Config {
	return config.Config{
		StripeSecretKey:      strings.TrimSpace(settings.GetString(flagStripeSecretKey)),
		StripeWebhookSecret:  strings.TrimSpace(settings.GetString(flagStripeWebhook)),
		GeminiAPIKey:         strings.TrimSpace(settings.GetString(flagGeminiAPIKey)),
		GeminiModel:          strings.TrimSpace(settings.GetString(flagGeminiModel)),
		DatabaseURL:          strings.TrimSpace(settings.GetString(flagDatabaseURL)),
		DatabaseServiceKey:   settings.GetString(flagDatabaseServiceKey),
		StoreBackend:         strings.TrimSpace(settings.GetString(flagStoreBackend)),
		HTTPListenAddr:       strings.TrimSpace(settings.GetString(flagHTTPListenAddr)),
		GRPCListenAddr:       strings.TrimSpace(settings.GetString(flagGRPCListenAddr)),
		AllowedOrigins:       config.ParseList(settings.GetString(flagAllowedOrigins)),
		PublicOrigin:         strings.TrimSpace(settings.GetString(flagPublicOrigin)),
		AdminToken:           settings.GetString(flagAdminToken),
		AMQPURL:              strings.TrimSpace(settings.GetString(flagAMQPURL)),
		RedisURL:             strings.TrimSpace(settings.GetString(flagRedisURL)),
		GenerationRateLimit:  settings.GetInt(flagRateLimit),
		ReconcileSchedule:    strings.TrimSpace(settings.GetString(flagReconcileSchedule)),
		ReconcileGracePeriod: settings.GetDuration(flagReconcileGrace),
		SessionSigningKey:    settings.GetString(flagSessionSigningKey),
		SessionIssuer:        strings.TrimSpace(settings.GetString(flagSessionIssuer)),
		SessionCookieName:    strings.TrimSpace(settings.GetString(flagSessionCookieName)),
	}
}
