package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/memoryledger/internal/config"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/gateway"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/observability"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

const (
	flagDatabaseURL       = "database-url"
	flagLedgerBackend     = "ledger-backend"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagServiceJWTKey     = "service-jwt-key"
	flagAdminJWTKey       = "admin-jwt-key"
	flagWebhookSecret     = "webhook-secret"
	flagGatewayURL        = "gateway-url"
	flagGatewayAPIKey     = "gateway-api-key"
	flagGatewayTimeout    = "gateway-timeout"
	flagClaimAmountCents  = "claim-amount-cents"
	flagDebitAttempts     = "debit-attempts"
	envPrefix             = "MEMORYLEDGER"
)

var configFlags = []string{
	flagDatabaseURL,
	flagLedgerBackend,
	flagListenAddr,
	flagAllowedOrigins,
	flagSessionSigningKey,
	flagSessionIssuer,
	flagSessionCookie,
	flagServiceJWTKey,
	flagAdminJWTKey,
	flagWebhookSecret,
	flagGatewayURL,
	flagGatewayAPIKey,
	flagGatewayTimeout,
	flagClaimAmountCents,
	flagDebitAttempts,
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "memoryledgerd",
		Short:         "Credit, referral and memory payment ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "sqlite path or postgres:// url")
	flags.String(flagLedgerBackend, config.BackendGorm, "credit ledger store: gorm or pgx")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key")
	flags.String(flagSessionIssuer, "", "expected session issuer")
	flags.String(flagSessionCookie, "", "session cookie name")
	flags.String(flagServiceJWTKey, "", "HS256 key for job runner tokens")
	flags.String(flagAdminJWTKey, "", "HS256 key for administrator tokens")
	flags.String(flagWebhookSecret, "", "payment webhook HMAC secret")
	flags.String(flagGatewayURL, "", "payment gateway API base url")
	flags.String(flagGatewayAPIKey, "", "payment gateway API key")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway request timeout")
	flags.Int64(flagClaimAmountCents, 0, "payout per referral claim in cents")
	flags.Int(flagDebitAttempts, 0, "attempts for a debit that loses a concurrent update")

	cmd.AddCommand(newServeCommand(), newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := &config.Config{}
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			databaseURL, err := loadDatabaseURL(cmd)
			if err != nil {
				return err
			}
			return runMigrations(cmd.Context(), databaseURL)
		},
	}
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	return v, nil
}

func loadDatabaseURL(cmd *cobra.Command) (string, error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", err
	}
	databaseURL := strings.TrimSpace(v.GetString(flagDatabaseURL))
	if databaseURL == "" {
		return "", fmt.Errorf("%s is required", flagDatabaseURL)
	}
	return databaseURL, nil
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	*cfg = config.Config{
		DatabaseURL:       v.GetString(flagDatabaseURL),
		LedgerBackend:     v.GetString(flagLedgerBackend),
		ListenAddr:        v.GetString(flagListenAddr),
		AllowedOrigins:    config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagSessionSigningKey),
		SessionIssuer:     v.GetString(flagSessionIssuer),
		SessionCookieName: v.GetString(flagSessionCookie),
		ServiceJWTKey:     v.GetString(flagServiceJWTKey),
		AdminJWTKey:       v.GetString(flagAdminJWTKey),
		WebhookSecret:     v.GetString(flagWebhookSecret),
		GatewayBaseURL:    v.GetString(flagGatewayURL),
		GatewayAPIKey:     v.GetString(flagGatewayAPIKey),
		GatewayTimeout:    v.GetDuration(flagGatewayTimeout),
		ClaimAmountCents:  v.GetInt64(flagClaimAmountCents),
		DebitAttempts:     v.GetInt(flagDebitAttempts),
	}
	return cfg.Validate()
}

func runMigrations(ctx context.Context, databaseURL string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}
	if driver == driverPostgres {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		version, dirty, err := migrations.Version(sqlDB)
		if err != nil {
			return err
		}
		logger.Info("schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
		return nil
	}
	logger.Info("schema migrated", zap.String("driver", driver))
	return nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	operationLogger := observability.NewMultiLogger(observability.NewZapLogger(logger), metrics)
	clock := func() time.Time { return time.Now().UTC() }

	ledgerStore, closeLedgerStore, err := openLedgerStore(ctx, cfg, gormDB)
	if err != nil {
		return err
	}
	defer closeLedgerStore()

	ledgerService, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithDebitAttempts(cfg.DebitAttempts),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	referralStore := gormstore.NewReferralStore(gormDB)
	memoryStore := gormstore.NewMemoryStore(gormDB)
	referralOptions := []referral.Option{
		referral.WithOperationLogger(operationLogger),
		referral.WithClaimAmountCents(cfg.ClaimAmountCents),
	}
	registry, err := referral.NewRegistry(referralStore, clock, referralOptions...)
	if err != nil {
		return fmt.Errorf("referral registry init: %w", err)
	}
	tracker, err := referral.NewTracker(referralStore, memoryStore, clock, referralOptions...)
	if err != nil {
		return fmt.Errorf("conversion tracker init: %w", err)
	}
	claimDesk, err := referral.NewClaimDesk(referralStore, clock, referralOptions...)
	if err != nil {
		return fmt.Errorf("claim desk init: %w", err)
	}

	coordinatorOptions := []activation.Option{activation.WithOperationLogger(operationLogger)}
	if cfg.GatewayBaseURL != "" {
		paymentGateway, err := gateway.New(gateway.Config{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.GatewayTimeout,
		})
		if err != nil {
			return fmt.Errorf("payment gateway init: %w", err)
		}
		coordinatorOptions = append(coordinatorOptions, activation.WithPaymentGateway(paymentGateway))
	} else {
		logger.Warn("no payment gateway configured; checkout verification is disabled")
	}
	coordinator, err := activation.NewCoordinator(memoryStore, tracker, clock, coordinatorOptions...)
	if err != nil {
		return fmt.Errorf("activation coordinator init: %w", err)
	}

	logger.Info("memoryledger starting",
		zap.String("driver", driver),
		zap.String("ledger_backend", cfg.LedgerBackend),
	)
	return httpapi.Run(ctx, cfg, httpapi.Services{
		Ledger:      ledgerService,
		Registry:    registry,
		Claims:      claimDesk,
		Coordinator: coordinator,
	}, httpapi.Dependencies{
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
	})
}

// openLedgerStore picks the credit ledger backend. The pgx backend keeps its
// own pool next to gorm's.
func openLedgerStore(ctx context.Context, cfg config.Config, gormDB *gorm.DB) (ledger.Store, func(), error) {
	if cfg.LedgerBackend != config.BackendPgx {
		return gormstore.NewLedgerStore(gormDB), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}
