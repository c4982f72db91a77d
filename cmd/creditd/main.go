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

	"github.com/MarkoPoloResearchLab/creditledger/internal/httpserver"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/zaplog"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagSigningKey     = "auth-signing-key"
	flagAllowedOrigins = "allowed-origins"
	flagStoreDriver    = "store-driver"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "http_listen_addr"
	configKeySigningKey     = "auth_signing_key"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyStoreDriver    = "store_driver"

	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultHTTPListenAddr = ":7100"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	SigningKey     string
	AllowedOrigins []string
	StoreDriver    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC key validating service bearer tokens")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagStoreDriver, storeDriverGorm, "store backend: gorm or pgx")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "HTTP_LISTEN_ADDR",
		configKeySigningKey:     "AUTH_SIGNING_KEY",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyStoreDriver:    "STORE_DRIVER",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeySigningKey:     flagSigningKey,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyStoreDriver:    flagStoreDriver,
	}
	for key, flag := range flags {
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
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverGorm
	}

	if cfg.SigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	creditService, err := credit.NewService(store, func() time.Time { return time.Now().UTC() },
		credit.WithOperationLogger(zaplog.NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		SigningKey:     cfg.SigningKey,
		AllowedOrigins: cfg.AllowedOrigins,
	}, creditService, logger)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (credit.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreDriver == storeDriverPgx {
		if driver != "postgres" {
			return nil, nil, fmt.Errorf("pgx store requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{TranslateError: true})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{TranslateError: true})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		if err := db.AutoMigrate(gormstore.Models()...); err != nil {
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = sqlDB.Close() }
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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
