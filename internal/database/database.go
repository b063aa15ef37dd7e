// Package database opens the configured SQL backend and brings its schema up to date.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteForeignKeysPragma = "_pragma=foreign_keys(1)"
)

var errMissingDSN = errors.New("database: dsn is required")

// Config selects the driver and connection string.
type Config struct {
	Driver string
	DSN    string
	Logger *zap.Logger
}

// Open establishes the connection, migrates the schema and applies named migrations.
func Open(cfg Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errMissingDSN
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, err := dialectorFor(cfg.Driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", cfg.Driver, err)
	}
	if strings.EqualFold(cfg.Driver, DriverSQLite) || cfg.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("driver", driverName(cfg.Driver)))
	return db, nil
}

// Migrate creates the tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&documents.DocumentRecord{}, &documents.HistoryRecord{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return fmt.Errorf("database: auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driverName(driver) {
	case DriverSQLite:
		return sqlite.Open(withForeignKeys(dsn)), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
}

func driverName(driver string) string {
	name := strings.ToLower(strings.TrimSpace(driver))
	if name == "" {
		return DriverSQLite
	}
	return name
}

// withForeignKeys enables the cascade from documents to document_history, which sqlite
// leaves off by default.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + sqliteForeignKeysPragma
}
