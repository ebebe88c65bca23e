package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/genesis/internal/config"
	"github.com/MarkoPoloResearchLab/genesis/internal/payments"
	"github.com/MarkoPoloResearchLab/genesis/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/genesis/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	sqliteScheme             = "sqlite://"
	sqliteMemory             = ":memory:"
	sqlitePragmaOption       = "_pragma"
	defaultSQLiteFile        = "genesis.db"
	defaultSQLiteBusyTimeout = "busy_timeout(5000)"
)

// checkoutStore is what the ledger stores provide beyond ledger.Store.
type checkoutStore interface {
	ledger.Store
	payments.CheckoutRepository
}

type backend struct {
	store checkoutStore
	ping  func(ctx context.Context) error
	close func()
}

// openBackend opens the configured store and prepares its schema.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	dsn, err := applyServiceKey(cfg.DatabaseURL, cfg.DatabaseServiceKey)
	if err != nil {
		return nil, err
	}
	if cfg.StoreBackend == config.StorePgx {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return &backend{store: store, ping: pool.Ping, close: pool.Close}, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	store := gormstore.New(gormDB)
	if err := store.AutoMigrate(ctx); err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	return &backend{
		store: store,
		ping:  sqlDB.PingContext,
		close: func() { _ = cleanup() },
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	cfg := &gorm.Config{TranslateError: true}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

// resolveDriver picks the gorm driver for dsn and, for sqlite, the driver DSN.
func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	target, err := parseSQLiteTarget(dsn)
	if err != nil {
		return "", "", err
	}
	if err := target.prepare(); err != nil {
		return "", "", fmt.Errorf("prepare sqlite database %q: %w", target.path, err)
	}
	return driverSQLite, target.driverDSN(), nil
}

// sqliteTarget is a sqlite database file and the query options handed to the driver.
// Accepted forms are sqlite://<path>[?options], a bare path and :memory:.
type sqliteTarget struct {
	path    string
	options url.Values
}

func parseSQLiteTarget(dsn string) (sqliteTarget, error) {
	rawPath, rawQuery, _ := strings.Cut(strings.TrimPrefix(dsn, sqliteScheme), "?")
	options, err := url.ParseQuery(rawQuery)
	if err != nil {
		return sqliteTarget{}, fmt.Errorf("parse sqlite options: %w", err)
	}
	target := sqliteTarget{path: rawPath, options: options}
	if target.path == "" || target.path == "/" {
		target.path = defaultSQLiteFile
	}
	if !target.inMemory() {
		target.path = filepath.Clean(target.path)
	}
	return target, nil
}

func (target sqliteTarget) inMemory() bool {
	return target.path == sqliteMemory
}

// prepare creates the directory that will hold the database file.
func (target sqliteTarget) prepare() error {
	if target.inMemory() {
		return nil
	}
	return os.MkdirAll(filepath.Dir(target.path), 0o755)
}

// driverDSN adds a busy timeout to file databases unless one is configured.
func (target sqliteTarget) driverDSN() string {
	options := url.Values{}
	for key, values := range target.options {
		options[key] = append([]string(nil), values...)
	}
	if !target.inMemory() && !hasBusyTimeout(options) {
		options.Add(sqlitePragmaOption, defaultSQLiteBusyTimeout)
	}
	if len(options) == 0 {
		return target.path
	}
	return target.path + "?" + options.Encode()
}

func hasBusyTimeout(options url.Values) bool {
	for _, pragma := range options[sqlitePragmaOption] {
		if strings.HasPrefix(pragma, "busy_timeout") {
			return true
		}
	}
	return false
}

// applyServiceKey uses the database credential as the password of a postgres URL without one.
func applyServiceKey(dsn string, serviceKey string) (string, error) {
	if !config.IsPostgresURL(dsn) || serviceKey == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	if parsed.User == nil {
		return "", fmt.Errorf("database url must name a user")
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		return dsn, nil
	}
	parsed.User = url.UserPassword(parsed.User.Username(), serviceKey)
	return parsed.String(), nil
}
