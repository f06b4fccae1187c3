package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/entitlement/internal/cache"
	"github.com/MarkoPoloResearchLab/entitlement/internal/catalog"
	"github.com/MarkoPoloResearchLab/entitlement/internal/gate"
	"github.com/MarkoPoloResearchLab/entitlement/internal/httpapi"
	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	"github.com/MarkoPoloResearchLab/entitlement/internal/notify"
	"github.com/MarkoPoloResearchLab/entitlement/internal/reconcile"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagWebhookSecret     = "webhook-secret"
	flagAdminSigningKey   = "admin-signing-key"
	flagAdminIssuer       = "admin-issuer"
	flagAllowedOrigins    = "allowed-origins"
	flagCatalogPath       = "catalog-path"
	flagNatsURL           = "nats-url"
	flagRedisAddr         = "redis-addr"
	flagReconcileInterval = "reconcile-interval"
	flagStoreDriver       = "store-driver"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyAdminSigningKey   = "admin_signing_key"
	configKeyAdminIssuer       = "admin_issuer"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyCatalogPath       = "catalog_path"
	configKeyNatsURL           = "nats_url"
	configKeyRedisAddr         = "redis_addr"
	configKeyReconcileInterval = "reconcile_interval"
	configKeyStoreDriver       = "store_driver"

	defaultDatabaseURL       = "sqlite:///tmp/entitlement.db"
	defaultHTTPListenAddr    = ":8080"
	defaultCatalogPath       = "catalog.json"
	defaultReconcileInterval = time.Hour

	balanceCacheTTL   = 30 * time.Second
	reconcilePageSize = 200

	storeDriverPgx  = "pgx"
	storeDriverGorm = "gorm"

	backendPgx          = "pgx"
	backendGormPostgres = "gorm-postgres"
	backendSQLite       = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreDriver       string
	ListenAddr        string
	WebhookSecret     string
	AdminSigningKey   string
	AdminIssuer       string
	AllowedOrigins    []string
	CatalogPath       string
	NatsURL           string
	RedisAddr         string
	ReconcileInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "entitlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Credit ledger and entitlement HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for webhook signature verification")
	cmd.Flags().String(flagAdminSigningKey, "", "HMAC key for admin bearer tokens")
	cmd.Flags().String(flagAdminIssuer, "", "expected issuer of admin bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagCatalogPath, defaultCatalogPath, "path to the plan catalog JSON file")
	cmd.Flags().String(flagNatsURL, "", "NATS server URL for purchase notifications (optional)")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for the balance cache (optional)")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileInterval, "interval between reconciliation sweeps")
	cmd.Flags().String(flagStoreDriver, storeDriverPgx, "postgres access layer: pgx or gorm")

	cmd.AddCommand(newMigrateCommand())

	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "migrate [up|down|status]",
		Short:         "Run database migrations (PostgreSQL only)",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			_ = godotenv.Load()
			databaseURL, err := cmd.Flags().GetString(flagDatabaseURL)
			if err != nil {
				return err
			}
			if envURL := os.Getenv("DATABASE_URL"); databaseURL == defaultDatabaseURL && envURL != "" {
				databaseURL = envURL
			}
			if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
				return fmt.Errorf("migrations require a postgres database url")
			}
			return pgstore.RunMigrations(cmd.Context(), databaseURL, command)
		},
	}
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "HTTP_LISTEN_ADDR",
		configKeyWebhookSecret:     "WEBHOOK_SECRET",
		configKeyAdminSigningKey:   "ADMIN_SIGNING_KEY",
		configKeyAdminIssuer:       "ADMIN_ISSUER",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyCatalogPath:       "CATALOG_PATH",
		configKeyNatsURL:           "NATS_URL",
		configKeyRedisAddr:         "REDIS_ADDR",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
		configKeyStoreDriver:       "STORE_DRIVER",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyAdminSigningKey:   flagAdminSigningKey,
		configKeyAdminIssuer:       flagAdminIssuer,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyCatalogPath:       flagCatalogPath,
		configKeyNatsURL:           flagNatsURL,
		configKeyRedisAddr:         flagRedisAddr,
		configKeyReconcileInterval: flagReconcileInterval,
		configKeyStoreDriver:       flagStoreDriver,
	}
	for key, flag := range flagsByKey {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.AdminSigningKey = viper.GetString(configKeyAdminSigningKey)
	cfg.AdminIssuer = viper.GetString(configKeyAdminIssuer)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = defaultCatalogPath
	}
	cfg.NatsURL = viper.GetString(configKeyNatsURL)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverPgx
	}
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}

	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.AdminSigningKey == "" {
		return fmt.Errorf("admin signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL, cfg.StoreDriver)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(newOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	entitlementGate, err := gate.New(creditService)
	if err != nil {
		return fmt.Errorf("gate init: %w", err)
	}

	planCatalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	logger.Info("plan catalog loaded",
		zap.String("path", cfg.CatalogPath),
		zap.Int("plans", planCatalog.Len()))

	notifier, closeNotifier, err := openNotifier(cfg.NatsURL, logger)
	if err != nil {
		return fmt.Errorf("notifier init: %w", err)
	}
	defer closeNotifier()

	ingestor, err := webhook.NewIngestor(cfg.WebhookSecret, creditService, planCatalog, notifier, logger)
	if err != nil {
		return fmt.Errorf("ingestor init: %w", err)
	}

	balanceCache, closeCache, err := openBalanceCache(cfg.RedisAddr, logger)
	if err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	defer closeCache()

	reconciler, err := reconcile.New(store, logger, cfg.ReconcileInterval, reconcilePageSize)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	go reconciler.Run(ctx)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		AdminSigningKey: cfg.AdminSigningKey,
		AdminIssuer:     cfg.AdminIssuer,
	}, logger, creditService, entitlementGate, ingestor, balanceCache)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return catalog.ParseJSON(raw)
}

func openNotifier(natsURL string, logger *zap.Logger) (webhook.Notifier, func(), error) {
	if natsURL == "" {
		return notify.NopNotifier{}, func() {}, nil
	}
	connection, err := nats.Connect(natsURL, nats.Name("entitlementd"))
	if err != nil {
		return nil, nil, err
	}
	publisher, err := notify.NewNatsPublisher(connection)
	if err != nil {
		connection.Close()
		return nil, nil, err
	}
	logger.Info("purchase notifications enabled", zap.String("nats_url", natsURL))
	return publisher, connection.Close, nil
}

func openBalanceCache(redisAddr string, logger *zap.Logger) (*cache.Balances, func(), error) {
	if redisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	balances, err := cache.NewBalances(client, balanceCacheTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("balance cache enabled", zap.String("redis_addr", redisAddr))
	return balances, func() { _ = client.Close() }, nil
}

// resolveStoreBackend maps a DSN and the configured postgres access
// layer to one of the store backends. SQLite always goes through GORM;
// postgres DSNs go through pgx unless the gorm driver is requested.
func resolveStoreBackend(dsn string, storeDriver string) (string, error) {
	switch storeDriver {
	case storeDriverPgx, storeDriverGorm:
	default:
		return "", fmt.Errorf("unsupported store driver %q", storeDriver)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if storeDriver == storeDriverGorm {
			return backendGormPostgres, nil
		}
		return backendPgx, nil
	}
	return backendSQLite, nil
}

func openStore(ctx context.Context, dsn string, storeDriver string) (ledger.Store, func() error, error) {
	backend, err := resolveStoreBackend(dsn, storeDriver)
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case backendPgx:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil

	case backendGormPostgres:
		// Schema is goose-managed; no AutoMigrate on postgres.
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil

	default:
		sqlitePath, err := resolveSQLitePath(dsn)
		if err != nil {
			return nil, nil, err
		}
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, err
		}
		if err := gormstore.Migrate(db); err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.New(db.WithContext(ctx)), sqlDB.Close, nil
	}
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "entitlement.db"
	}
	return normalizeSQLitePath(path)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// operationLogger adapts zap to the ledger's operation callback.
type operationLogger struct {
	logger *zap.Logger
}

func newOperationLogger(logger *zap.Logger) *operationLogger {
	return &operationLogger{logger: logger.Named("ledger")}
}

func (ol *operationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("kind", string(entry.Kind)),
		zap.String("status", entry.Status),
	}
	if entry.ExternalOrderID != "" {
		fields = append(fields, zap.String("external_order_id", entry.ExternalOrderID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		ol.logger.Warn("ledger operation failed", fields...)
		return
	}
	ol.logger.Info("ledger operation", fields...)
}
